package mcpclient

import (
	"fmt"
	"log/slog"
	"sync"
)

// callResult is the outcome delivered to a pending call's completion slot:
// either the response message or a local failure such as client shutdown.
type callResult struct {
	msg JSONRPCMessage
	err error
}

// pendingCalls tracks in-flight client-issued requests by correlation id. It is
// the single shared mutable structure of the client; every other dispatch table
// is built once at construction and read-only afterwards. Each registered id owns
// a capacity-1 slot channel that is delivered to at most once, then forgotten, so
// a duplicate or late response can never corrupt a call that already completed.
type pendingCalls struct {
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	slots  map[string]chan callResult
}

func newPendingCalls(logger *slog.Logger) *pendingCalls {
	return &pendingCalls{
		logger: logger,
		slots:  make(map[string]chan callResult),
	}
}

// register allocates a completion slot for id. It fails if the registry has been
// closed or the id is already in flight.
func (p *pendingCalls) register(id string) (<-chan callResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClientClosed
	}
	if _, ok := p.slots[id]; ok {
		return nil, fmt.Errorf("request id %q already in flight", id)
	}

	slot := make(chan callResult, 1)
	p.slots[id] = slot
	return slot, nil
}

// resolve delivers a response to the pending call with a matching id and removes
// the entry. An unknown id is a routine anomaly (already resolved, timed out, or
// never issued); it is logged and dropped, never surfaced to any caller.
func (p *pendingCalls) resolve(id string, msg JSONRPCMessage) {
	slot, ok := p.take(id)
	if !ok {
		p.logger.Warn("dropping response with no pending call", slog.String("id", id))
		return
	}
	slot <- callResult{msg: msg}
}

// fail delivers a local failure to the pending call with a matching id and
// removes the entry.
func (p *pendingCalls) fail(id string, err error) {
	slot, ok := p.take(id)
	if !ok {
		return
	}
	slot <- callResult{err: err}
}

// remove forgets the entry for id without delivering anything. Used by the caller
// itself on send failure, timeout, or context cancellation, when nobody is
// listening on the slot anymore.
func (p *pendingCalls) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.slots, id)
}

// close stops accepting registrations and fails every still-pending call with
// err. Safe to call more than once.
func (p *pendingCalls) close(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for id, slot := range p.slots {
		slot <- callResult{err: err}
		delete(p.slots, id)
	}
}

func (p *pendingCalls) take(id string) (chan callResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.slots[id]
	if !ok {
		return nil, false
	}
	delete(p.slots, id)
	return slot, true
}
