package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/dragorhast/fleet/errs"
)

type captureSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *captureSender) Send(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *captureSender) last() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var req Request
	_ = json.Unmarshal(s.frames[len(s.frames)-1], &req)
	return req
}

func TestCallResolvesWithResult(t *testing.T) {
	sender := &captureSender{}
	ch := NewChannel(sender, nil)

	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		result, callErr = ch.Call(context.Background(), "lock", nil, time.Second)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	req := sender.last()
	if req.Method != "lock" || req.ID == nil {
		t.Fatalf("expected a lock request with an id, got %+v", req)
	}

	if err := ch.Resolve(Response{ID: *req.ID, Result: json.RawMessage(`true`)}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	<-done
	if callErr != nil {
		t.Fatalf("unexpected call error: %v", callErr)
	}
	if string(result) != "true" {
		t.Fatalf("expected result true, got %s", result)
	}
}

func TestCallTimesOut(t *testing.T) {
	sender := &captureSender{}
	ch := NewChannel(sender, nil)

	_, err := ch.Call(context.Background(), "lock", nil, 10*time.Millisecond)
	if !errs.Is(err, errs.KindRPCTimeout) {
		t.Fatalf("expected RPCTimeout, got %v", err)
	}
}

func TestResolveUnknownIDIsDroppedNotError(t *testing.T) {
	sender := &captureSender{}
	ch := NewChannel(sender, nil)

	if err := ch.Resolve(Response{ID: 9999, Result: json.RawMessage(`1`)}); err != nil {
		t.Fatalf("expected unknown id resolve to be dropped without error, got %v", err)
	}
}

func TestDoubleResolveFails(t *testing.T) {
	sender := &captureSender{}
	ch := NewChannel(sender, nil)

	done := make(chan struct{})
	go func() {
		_, _ = ch.Call(context.Background(), "lock", nil, time.Second)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)

	req := sender.last()
	if err := ch.Resolve(Response{ID: *req.ID, Result: json.RawMessage(`true`)}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	err := ch.Resolve(Response{ID: *req.ID, Result: json.RawMessage(`true`)})
	if !errs.Is(err, errs.KindDoubleResolve) {
		t.Fatalf("expected DoubleResolve, got %v", err)
	}
	<-done
}

func TestDisconnectedResolvesAllPendingCalls(t *testing.T) {
	sender := &captureSender{}
	ch := NewChannel(sender, nil)

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := ch.Call(context.Background(), "lock", nil, time.Second)
			errCh <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)

	ch.Disconnected()

	for i := 0; i < 2; i++ {
		err := <-errCh
		if !errs.Is(err, errs.KindDisconnected) {
			t.Fatalf("expected Disconnected, got %v", err)
		}
	}

	if _, err := ch.Call(context.Background(), "lock", nil, time.Second); !errs.Is(err, errs.KindDisconnected) {
		t.Fatalf("expected calls after Disconnected to fail fast, got %v", err)
	}
}
