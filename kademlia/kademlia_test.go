package kademlia

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/meshdht/nodeid"
	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/transport"
	"github.com/opd-ai/meshdht/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testID(t *testing.T, last byte) nodeid.ID {
	t.Helper()
	var id nodeid.ID
	id[len(id)-1] = last
	return id
}

func newTestKademlia(t *testing.T) (*Kademlia, nodeid.ID) {
	t.Helper()
	local := testID(t, 0x01)
	table := routing.NewTable(local, 20)
	factory := &transport.Factory{LocalKind: routing.NodeKindServer}
	k := New(local, routing.PeerMetadata{NodeKind: routing.NodeKindServer, BuildID: "b1"}, table, factory, nil, DefaultConfig())
	return k, local
}

func TestReplyPongEchoesOriginalTimestamp(t *testing.T) {
	k, _ := newTestKademlia(t)
	mgr := newFakeManager()

	req := wire.NewRequest(wire.TypePing).WithTimestamp(12345)
	reqID, _ := req.RequestID()

	k.replyPong(mgr, req, reqID)

	resp := mgr.lastSent()
	require.NotNil(t, resp)
	assert.Equal(t, wire.TypePong, resp.Type())
	gotID, _ := resp.RequestID()
	assert.Equal(t, reqID, gotID)
	orig, _ := resp.Raw("originalTimestamp")
	assert.EqualValues(t, 12345, orig)
}

func TestReplyFindNodeReturnsClosestPeers(t *testing.T) {
	k, local := newTestKademlia(t)
	other := testID(t, 0x02)
	_, err := k.table.Insert(other, routing.PeerMetadata{NodeKind: routing.NodeKindServer, ListeningAddresses: []string{"wss://x"}, BuildID: "b2"})
	require.NoError(t, err)

	mgr := newFakeManager()
	req := wire.NewRequest(wire.TypeFindNode).Set("target", local.ToHex())
	reqID, _ := req.RequestID()

	k.replyFindNode(mgr, req, reqID)

	resp := mgr.lastSent()
	require.NotNil(t, resp)
	assert.Equal(t, wire.TypeFindNodeResponse, resp.Type())
	nodes := decodePeerNodes(resp)
	require.Len(t, nodes, 1)
	assert.Equal(t, other, nodes[0].ID)
}

func TestReplyFindValueReturnsStoredValue(t *testing.T) {
	k, _ := newTestKademlia(t)
	k.store.Put("mykey", []byte("myvalue"))

	mgr := newFakeManager()
	req := wire.NewRequest(wire.TypeFindValue).Set("key", "mykey")
	reqID, _ := req.RequestID()

	k.replyFindValue(mgr, req, reqID)

	resp := mgr.lastSent()
	require.NotNil(t, resp)
	val, ok := resp.Raw("value")
	require.True(t, ok)
	assert.Equal(t, []byte("myvalue"), val)
}

func TestReplyFindValueReturnsNodesWhenAbsent(t *testing.T) {
	k, _ := newTestKademlia(t)
	other := testID(t, 0x03)
	_, err := k.table.Insert(other, routing.PeerMetadata{NodeKind: routing.NodeKindServer, ListeningAddresses: []string{"wss://y"}, BuildID: "b3"})
	require.NoError(t, err)

	mgr := newFakeManager()
	req := wire.NewRequest(wire.TypeFindValue).Set("key", "absent-key")
	reqID, _ := req.RequestID()

	k.replyFindValue(mgr, req, reqID)

	resp := mgr.lastSent()
	require.NotNil(t, resp)
	_, hasValue := resp.Raw("value")
	assert.False(t, hasValue)
	_, hasNodes := resp.Raw("nodes")
	assert.True(t, hasNodes)
}

func TestReplyStoreSavesValueAndReportsOk(t *testing.T) {
	k, _ := newTestKademlia(t)
	mgr := newFakeManager()

	req := wire.NewRequest(wire.TypeStore).Set("key", "k1").Set("value", "v1")
	reqID, _ := req.RequestID()

	k.replyStore(mgr, req, reqID)

	resp := mgr.lastSent()
	require.NotNil(t, resp)
	ok, _ := resp.Raw("ok")
	assert.Equal(t, true, ok)

	v, found := k.store.Get("k1")
	require.True(t, found)
	assert.Equal(t, []byte("v1"), v)
}

func TestReplyStoreReportsNotOkOnMissingValue(t *testing.T) {
	k, _ := newTestKademlia(t)
	mgr := newFakeManager()

	req := wire.NewRequest(wire.TypeStore).Set("key", "k2")
	reqID, _ := req.RequestID()

	k.replyStore(mgr, req, reqID)

	resp := mgr.lastSent()
	require.NotNil(t, resp)
	ok, _ := resp.Raw("ok")
	assert.Equal(t, false, ok)
}

func TestPingSkipsInactiveBrowserTab(t *testing.T) {
	k, _ := newTestKademlia(t)
	hidden := false
	peer := routing.PeerRecord{
		ID: testID(t, 0x09),
		Metadata: routing.PeerMetadata{
			NodeKind:   routing.NodeKindBrowser,
			TabVisible: &hidden,
		},
	}

	_, err := k.Ping(context.Background(), peer)
	assert.Error(t, err)
}

func TestHandleDHTMessageDispatchesByType(t *testing.T) {
	k, _ := newTestKademlia(t)
	mgr := newFakeManager()
	peer := testID(t, 0x04)

	ping := wire.NewRequest(wire.TypePing).WithTimestamp(1)
	k.handleDHTMessage(peer, mgr, ping)
	assert.Equal(t, wire.TypePong, mgr.lastSent().Type())

	unknown := wire.New("some_unrecognized_type")
	k.handleDHTMessage(peer, mgr, unknown)
	// unrecognized types must not produce a reply
	assert.Equal(t, wire.TypePong, mgr.lastSent().Type())
}

func TestSendSignalToErrorsWithoutConnectionOrBootstrap(t *testing.T) {
	k, _ := newTestKademlia(t)
	peer := testID(t, 0x05)

	err := k.sendSignalTo(peer, wire.New(wire.TypeConnectionOffer))
	assert.Error(t, err, "no bootstrap and no connection must error")
}

func TestRelaySignalDeliversToSignalTargetWhenWeAreDestination(t *testing.T) {
	k, local := newTestKademlia(t)
	sender := testID(t, 0x06)
	sigMgr := newFakeSignalManager()
	k.AdoptConnection(sender, sigMgr)
	time.Sleep(10 * time.Millisecond) // let pumpEvents goroutine start

	frame := wire.New(wire.TypeConnectionOffer).
		WithFrom(sender.ToHex()).
		Set("toPeerId", local.ToHex())

	k.relaySignal(frame)

	require.Len(t, sigMgr.handled, 1)
	assert.Equal(t, wire.TypeConnectionOffer, sigMgr.handled[0].Type())
}

func TestRelaySignalRelaysToOpenConnectionForOtherTarget(t *testing.T) {
	k, _ := newTestKademlia(t)
	target := testID(t, 0x07)
	mgr := newFakeManager()
	k.AdoptConnection(target, mgr)
	time.Sleep(10 * time.Millisecond)

	frame := wire.New(wire.TypeConnectionCandidate).
		WithFrom(testID(t, 0x08).ToHex()).
		Set("toPeerId", target.ToHex())

	k.relaySignal(frame)

	require.NotNil(t, mgr.lastSent())
	assert.Equal(t, wire.TypeConnectionCandidate, mgr.lastSent().Type())
}
