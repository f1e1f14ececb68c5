package kademlia

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/meshdht/nodeid"
	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/transport"
	"github.com/opd-ai/meshdht/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordFor(t *testing.T, last byte) routing.PeerRecord {
	t.Helper()
	return routing.PeerRecord{
		ID: testID(t, last),
		Metadata: routing.PeerMetadata{
			NodeKind: routing.NodeKindServer,
			BuildID:  "b",
		},
	}
}

func TestMergeRecordsDedupsAndOrdersByDistance(t *testing.T) {
	target := testID(t, 0x00)
	near := recordFor(t, 0x01)
	far := recordFor(t, 0xF0)

	shortlist := []routing.PeerRecord{far}
	fresh := []routing.PeerRecord{near, far} // far duplicated

	merged := mergeRecords(shortlist, fresh, target)
	require.Len(t, merged, 2)
	assert.Equal(t, near.ID, merged[0].ID, "closer peer must sort first")
	assert.Equal(t, far.ID, merged[1].ID)
}

func TestNextBatchExcludesQueriedAndCapsAtAlpha(t *testing.T) {
	k, _ := newTestKademlia(t)
	k.cfg.Alpha = 2

	shortlist := []routing.PeerRecord{recordFor(t, 1), recordFor(t, 2), recordFor(t, 3)}
	queried := map[nodeid.ID]bool{shortlist[0].ID: true}

	batch := k.nextBatch(shortlist, queried)
	assert.Len(t, batch, 2)
	for _, p := range batch {
		assert.NotEqual(t, shortlist[0].ID, p.ID)
	}
}

func TestFindNodeTerminatesWhenNoImprovement(t *testing.T) {
	k, _ := newTestKademlia(t)
	peer := recordFor(t, 0x10)
	_, err := k.table.Insert(peer.ID, peer.Metadata)
	require.NoError(t, err)

	mgr := newFakeManager()
	mgr.requestResp = wire.New(wire.TypeFindNodeResponse).Set("nodes", []map[string]any{})
	k.AdoptConnection(peer.ID, mgr)
	time.Sleep(5 * time.Millisecond)

	target := testID(t, 0x99)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	nodes, err := k.FindNode(ctx, target)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, peer.ID, nodes[0].ID)
}

func TestFindValueShortCircuitsOnHit(t *testing.T) {
	k, _ := newTestKademlia(t)
	peer := recordFor(t, 0x11)
	_, err := k.table.Insert(peer.ID, peer.Metadata)
	require.NoError(t, err)

	mgr := newFakeManager()
	mgr.requestResp = wire.New(wire.TypeFindValueResponse).Set("value", "found-it")
	k.AdoptConnection(peer.ID, mgr)
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	value, found, _, err := k.FindValue(ctx, "some-key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("found-it"), value)
}

// flakyManager fails its first N Request calls, then succeeds, to exercise
// queryPeerWithRetry's jittered-backoff retry loop.
type flakyManager struct {
	*fakeManager
	mu        sync.Mutex
	failTimes int
	calls     int
}

func (f *flakyManager) Request(ctx context.Context, frame wire.Frame, timeout time.Duration) (wire.Frame, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n <= f.failTimes {
		return nil, transport.ErrTimeout
	}
	return f.fakeManager.requestResp, nil
}

func TestQueryPeerWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	k, _ := newTestKademlia(t)
	peer := recordFor(t, 0x12)

	mgr := &flakyManager{fakeManager: newFakeManager(), failTimes: 2}
	mgr.requestResp = wire.New(wire.TypeFindNodeResponse).Set("nodes", []map[string]any{})
	k.AdoptConnection(peer.ID, mgr)
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res := k.queryPeerWithRetry(ctx, peer, testID(t, 0x99), "", false)
	assert.NoError(t, res.err)
	assert.GreaterOrEqual(t, mgr.calls, 3)
}

func TestQueryPeerWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	k, _ := newTestKademlia(t)
	k.cfg.MaxQueryRetries = 2
	peer := recordFor(t, 0x13)

	mgr := &flakyManager{fakeManager: newFakeManager(), failTimes: 10}
	k.AdoptConnection(peer.ID, mgr)
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res := k.queryPeerWithRetry(ctx, peer, testID(t, 0x99), "", false)
	assert.Error(t, res.err)
	assert.True(t, errors.Is(res.err, transport.ErrTimeout))
}
