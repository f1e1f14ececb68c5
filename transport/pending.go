package transport

import (
	"sync"

	"github.com/opd-ai/meshdht/wire"
)

// pendingTable tracks in-flight Request calls awaiting a correlated
// response frame, keyed by requestId (spec.md §4.4, §5 "the
// PendingRequest map is per-transport-manager").
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan wire.Frame
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan wire.Frame)}
}

// register creates a waiter channel for requestID. The caller must
// eventually call deliver or cancel so the entry is removed.
func (p *pendingTable) register(requestID string) chan wire.Frame {
	ch := make(chan wire.Frame, 1)
	p.mu.Lock()
	p.waiters[requestID] = ch
	p.mu.Unlock()
	return ch
}

// deliver resolves a waiting Request call with the given response
// frame. Reports whether a waiter was present.
func (p *pendingTable) deliver(requestID string, frame wire.Frame) bool {
	p.mu.Lock()
	ch, ok := p.waiters[requestID]
	if ok {
		delete(p.waiters, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- frame
	return true
}

// cancel removes a waiter without delivering a response, used on
// timeout or early return from Request.
func (p *pendingTable) cancel(requestID string) {
	p.mu.Lock()
	delete(p.waiters, requestID)
	p.mu.Unlock()
}

// cancelAll delivers no response to any outstanding waiter and closes
// every waiter channel, used on Close(destroyed) (spec.md §5 "Graceful
// shutdown cancels all pending requests with destroyed").
func (p *pendingTable) cancelAll() {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan wire.Frame)
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// len reports the number of outstanding requests; the package's tests
// use it to check that waiters are removed.
func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
