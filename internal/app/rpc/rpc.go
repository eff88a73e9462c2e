// Package rpc implements the per-bike JSON-RPC 2.0 request/response
// correlation layered over one WebSocket frame stream, grounded on the
// msgID-correlated subscribe/response pattern of the exchange stream
// managers in the reference adapters package.
package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/dragorhast/fleet/errs"
	"github.com/dragorhast/fleet/internal/logging"
)

// Request is a JSON-RPC 2.0 request or notification frame. Notifications
// omit ID.
type Request struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      *uint64 `json:"id,omitempty"`
	Method  string  `json:"method"`
	Params  any     `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC 2.0 error member of a Response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FrameSender writes one outbound frame to the bike's socket. Implementations
// must be safe for concurrent use; the session layer's socket owns the
// single write path.
type FrameSender interface {
	Send(ctx context.Context, frame []byte) error
}

// disconnectedErrorCode marks the synthetic error response Disconnected
// delivers to every caller still awaiting a reply when a socket closes.
const disconnectedErrorCode = -32000

type pendingCall struct {
	slot     chan Response
	resolved atomic.Bool
}

// Channel correlates outbound requests with inbound responses on one bike
// socket. The pending table is a scoped-acquisition map: Call inserts its
// slot on entry and removes it on every exit path, replacing the
// weak-reference dictionary of the source this was distilled from.
type Channel struct {
	send  FrameSender
	log   logging.Logger
	idGen atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	closed  bool
}

// NewChannel builds a Channel that writes outbound frames through send.
func NewChannel(send FrameSender, log logging.Logger) *Channel {
	if log == nil {
		log = logging.Default()
	}
	return &Channel{
		send:    send,
		log:     log,
		pending: make(map[uint64]*pendingCall),
	}
}

// Call sends method(params) as a request and suspends until a matching
// response arrives, the socket closes, the context is cancelled, or timeout
// elapses.
func (c *Channel) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.idGen.Add(1)
	call := &pendingCall{slot: make(chan Response, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.Disconnected()
	}
	c.pending[id] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := c.send.Send(ctx, frame); err != nil {
		return nil, errs.Disconnected()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-call.slot:
		if resp.Error != nil {
			if resp.Error.Code == disconnectedErrorCode {
				return nil, errs.Disconnected()
			}
			return nil, errs.New("rpc", errs.CodeInvalid, errs.WithMessage(resp.Error.Message), errs.WithMeta("method", method))
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, errs.RPCTimeout()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers resp to the caller awaiting its ID. A response with an
// unrecognised ID is dropped and logged; resolving an ID a second time
// returns DoubleResolve.
func (c *Channel) Resolve(resp Response) error {
	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	c.mu.Unlock()

	if !ok {
		c.log.Error("rpc response for unknown id", logging.F("id", resp.ID))
		return nil
	}
	if !call.resolved.CompareAndSwap(false, true) {
		return errs.DoubleResolve(resp.ID)
	}

	call.slot <- resp
	return nil
}

// Disconnected resolves every outstanding call with Disconnected, then marks
// the channel closed so subsequent Call attempts fail fast. Called from the
// session layer's read-loop exit branch.
func (c *Channel) Disconnected() {
	c.mu.Lock()
	c.closed = true
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.mu.Unlock()

	for _, call := range calls {
		if call.resolved.CompareAndSwap(false, true) {
			call.slot <- Response{Error: &ErrorObject{Code: disconnectedErrorCode, Message: "disconnected"}}
		}
	}
}

// NextID previews the id that the next Call will allocate, useful for tests
// asserting on wire frames.
func (c *Channel) NextID() uint64 {
	return c.idGen.Load() + 1
}
