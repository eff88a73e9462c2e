package ticketstore

import (
	"context"
	"testing"
	"time"

	"github.com/dragorhast/fleet/errs"
	"github.com/dragorhast/fleet/internal/domain/fleet"
)

func key(b byte) fleet.PublicKey {
	var k fleet.PublicKey
	k[0] = b
	return k
}

func TestIssueThenClaimRoundTrips(t *testing.T) {
	s := New(3, 10*time.Second)
	now := time.Now()

	ticket, err := s.Issue("1.2.3.4", key(1), now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claimed, err := s.Claim("1.2.3.4", key(1))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Challenge != ticket.Challenge {
		t.Fatalf("expected claimed ticket to match issued challenge")
	}
}

func TestClaimWithoutIssueFails(t *testing.T) {
	s := New(3, 10*time.Second)
	if _, err := s.Claim("1.2.3.4", key(1)); !errs.Is(err, errs.KindNoSuchTicket) {
		t.Fatalf("expected NoSuchTicket, got %v", err)
	}
}

func TestIssueEnforcesMaxPerRemote(t *testing.T) {
	s := New(2, 10*time.Second)
	now := time.Now()

	if _, err := s.Issue("1.2.3.4", key(1), now); err != nil {
		t.Fatalf("issue 1: %v", err)
	}
	if _, err := s.Issue("1.2.3.4", key(2), now); err != nil {
		t.Fatalf("issue 2: %v", err)
	}
	if _, err := s.Issue("1.2.3.4", key(3), now); !errs.Is(err, errs.KindTooManyTickets) {
		t.Fatalf("expected TooManyTickets, got %v", err)
	}
}

func TestIssueOverwritesSamePairWithoutCountingTwice(t *testing.T) {
	s := New(1, 10*time.Second)
	now := time.Now()

	if _, err := s.Issue("1.2.3.4", key(1), now); err != nil {
		t.Fatalf("issue 1: %v", err)
	}
	if _, err := s.Issue("1.2.3.4", key(1), now.Add(time.Second)); err != nil {
		t.Fatalf("re-issue for same pair should overwrite, not stack: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected exactly one ticket, got %d", s.Len())
	}
}

func TestSweepExpiredEvictsOldTickets(t *testing.T) {
	s := New(3, time.Second)
	now := time.Now()

	if _, err := s.Issue("1.2.3.4", key(1), now); err != nil {
		t.Fatalf("issue: %v", err)
	}

	removed := s.SweepExpired(now.Add(2 * time.Second))
	if removed != 1 {
		t.Fatalf("expected 1 ticket removed, got %d", removed)
	}
	if s.Len() != 0 {
		t.Fatalf("expected store empty after sweep, got %d", s.Len())
	}
}

func TestRunSweeperStopsOnContextCancel(t *testing.T) {
	s := New(3, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.RunSweeper(ctx, time.Millisecond, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected RunSweeper to return promptly after cancel")
	}
}
