package kademlia

import (
	"testing"
	"time"

	"github.com/opd-ai/meshdht/nodeid"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterRejectsConcurrentInFlight(t *testing.T) {
	peer, _ := nodeid.FromHex("0000000000000000000000000000000000000001")
	rl := newRateLimiter(time.Second)

	assert.True(t, rl.Acquire(peer))
	assert.False(t, rl.Acquire(peer), "second concurrent acquire must be rejected")

	rl.Release(peer)
}

func TestRateLimiterEnforcesMinSpacing(t *testing.T) {
	peer, _ := nodeid.FromHex("0000000000000000000000000000000000000002")
	rl := newRateLimiter(time.Minute)

	clock := time.Now()
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Acquire(peer))
	rl.Release(peer)

	assert.False(t, rl.Acquire(peer), "acquire before spacing elapses must be rejected")

	clock = clock.Add(time.Minute + time.Second)
	assert.True(t, rl.Acquire(peer), "acquire after spacing elapses must succeed")
}

func TestRateLimiterIndependentPerPeer(t *testing.T) {
	a, _ := nodeid.FromHex("0000000000000000000000000000000000000003")
	b, _ := nodeid.FromHex("0000000000000000000000000000000000000004")
	rl := newRateLimiter(time.Hour)

	assert.True(t, rl.Acquire(a))
	assert.True(t, rl.Acquire(b))
}
