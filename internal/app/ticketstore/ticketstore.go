// Package ticketstore holds the ephemeral authentication challenges issued
// during a bike's two-step handshake.
package ticketstore

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/dragorhast/fleet/errs"
	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/logging"
)

// Store holds open connection tickets keyed by (remote, public key), with a
// per-remote cap and a fixed expiry swept by a background goroutine.
type Store struct {
	maxPerRemote int
	expiry       time.Duration

	mu       sync.Mutex
	tickets  map[string]fleet.ConnectionTicket // key: remote + "|" + raw public key bytes
	byRemote map[string]int
}

// New builds a Store with the given per-remote cap and ticket expiry.
func New(maxPerRemote int, expiry time.Duration) *Store {
	return &Store{
		maxPerRemote: maxPerRemote,
		expiry:       expiry,
		tickets:      make(map[string]fleet.ConnectionTicket),
		byRemote:     make(map[string]int),
	}
}

func ticketKey(remote string, key fleet.PublicKey) string {
	return remote + "|" + string(key[:])
}

// Issue mints a fresh 64-byte random challenge for (remote, bike), recording
// a ticket. A second Issue for the same (remote, bike) overwrites rather
// than stacking, so it does not count twice against maxPerRemote.
func (s *Store) Issue(remote string, bike fleet.PublicKey, now time.Time) (fleet.ConnectionTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ticketKey(remote, bike)
	_, overwrite := s.tickets[key]

	if !overwrite && s.byRemote[remote] >= s.maxPerRemote {
		return fleet.ConnectionTicket{}, errs.TooManyTickets(remote)
	}

	var challenge [64]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return fleet.ConnectionTicket{}, err
	}

	ticket := fleet.ConnectionTicket{
		BikeKey:   bike,
		Challenge: challenge,
		Remote:    remote,
		IssuedAt:  now,
	}
	s.tickets[key] = ticket
	if !overwrite {
		s.byRemote[remote]++
	}
	return ticket, nil
}

// Claim removes and returns the ticket matching (remote, publicKey).
func (s *Store) Claim(remote string, publicKey fleet.PublicKey) (fleet.ConnectionTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ticketKey(remote, publicKey)
	ticket, ok := s.tickets[key]
	if !ok {
		return fleet.ConnectionTicket{}, errs.NoSuchTicket()
	}
	delete(s.tickets, key)
	s.byRemote[remote]--
	if s.byRemote[remote] <= 0 {
		delete(s.byRemote, remote)
	}
	return ticket, nil
}

// SweepExpired evicts every ticket older than the store's expiry as of now,
// returning the count removed. Intended to be called periodically from a
// background goroutine started at process boot.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, ticket := range s.tickets {
		if ticket.Expired(now, s.expiry) {
			delete(s.tickets, key)
			s.byRemote[ticket.Remote]--
			if s.byRemote[ticket.Remote] <= 0 {
				delete(s.byRemote, ticket.Remote)
			}
			removed++
		}
	}
	return removed
}

// Len reports the number of live tickets, for tests and diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

// RunSweeper starts the cooperatively scheduled eviction loop, sweeping at
// period until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, period time.Duration, log logging.Logger) {
	if log == nil {
		log = logging.Default()
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.SweepExpired(now); n > 0 {
				log.Debug("swept expired tickets", logging.F("count", n))
			}
		}
	}
}
