package mcp

import (
	"fmt"
	"log/slog"
	"sync"
)

// pendingCalls correlates outstanding request ids with their waiters.
// Ids are issued by a monotonic per-session counter and are never
// reused, so a response for an abandoned id can only ever match the
// call that abandoned it. It is discarded and logged, and can never
// corrupt a later call.
type pendingCalls struct {
	logger *slog.Logger

	mu     sync.Mutex
	calls  map[int64]chan *Response
	failed error
}

func newPendingCalls(logger *slog.Logger) *pendingCalls {
	if logger == nil {
		logger = slog.Default()
	}
	return &pendingCalls{
		logger: logger,
		calls:  make(map[int64]chan *Response),
	}
}

// register creates a waiter for id. Returns the transport failure error
// if the connection is already gone, and rejects id reuse outright.
func (p *pendingCalls) register(id int64) (<-chan *Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failed != nil {
		return nil, p.failed
	}
	if _, exists := p.calls[id]; exists {
		return nil, fmt.Errorf("%w: request id %d already in flight", ErrProtocol, id)
	}

	ch := make(chan *Response, 1)
	p.calls[id] = ch
	return ch, nil
}

// resolve delivers a response to its waiter. Responses with no waiter
// (abandoned by timeout, or never issued) are discarded and logged.
func (p *pendingCalls) resolve(resp *Response) {
	p.mu.Lock()
	ch, ok := p.calls[resp.ID]
	if ok {
		delete(p.calls, resp.ID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("discarding late or unmatched response", "id", resp.ID)
		return
	}
	ch <- resp
}

// abandon removes the waiter for id without resolving it. Called when
// the caller gives up (timeout, cancellation); a response arriving
// later is discarded by resolve.
func (p *pendingCalls) abandon(id int64) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// fail marks the connection as lost and wakes every waiter by closing
// its channel. Waiters observe the closed channel and report err.
func (p *pendingCalls) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failed != nil {
		return
	}
	p.failed = err
	for id, ch := range p.calls {
		close(ch)
		delete(p.calls, id)
	}
}

// failure returns the recorded connection-loss error, or ErrNotConnected
// if fail was called without one.
func (p *pendingCalls) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return p.failed
	}
	return ErrNotConnected
}
