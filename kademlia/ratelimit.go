package kademlia

import (
	"sync"
	"time"

	"github.com/opd-ai/meshdht/nodeid"
)

// rateLimiter enforces spec.md §4.9's per-peer find_node limit: one query
// in flight at a time plus a minimum inter-query spacing. A burst beyond
// the limit is rejected locally (the caller gets ErrRateLimited) rather
// than being sent to the peer.
type rateLimiter struct {
	mu       sync.Mutex
	spacing  time.Duration
	inFlight map[nodeid.ID]bool
	lastSent map[nodeid.ID]time.Time
	now      func() time.Time
}

func newRateLimiter(spacing time.Duration) *rateLimiter {
	return &rateLimiter{
		spacing:  spacing,
		inFlight: make(map[nodeid.ID]bool),
		lastSent: make(map[nodeid.ID]time.Time),
		now:      time.Now,
	}
}

// Acquire reports whether a find_node to peer may proceed now, and if so
// marks one in flight. Callers must call Release when the query completes.
func (r *rateLimiter) Acquire(peer nodeid.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight[peer] {
		return false
	}
	if last, ok := r.lastSent[peer]; ok {
		if r.now().Sub(last) < r.spacing {
			return false
		}
	}

	r.inFlight[peer] = true
	return true
}

// Release clears the in-flight marker for peer and records the completion
// time as the basis for the next spacing check.
func (r *rateLimiter) Release(peer nodeid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inFlight, peer)
	r.lastSent[peer] = r.now()
}
