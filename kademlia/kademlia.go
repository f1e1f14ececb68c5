package kademlia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/meshdht/bootstrap"
	"github.com/opd-ai/meshdht/nodeid"
	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/transport"
	"github.com/opd-ai/meshdht/wire"
	"github.com/sirupsen/logrus"
)

// signalTarget is satisfied by transport.Manager implementations that
// interpret connection_offer/_answer/_candidate frames themselves
// (currently only *transport.WebRTCManager).
type signalTarget interface {
	HandleSignal(wire.Frame) error
}

// Kademlia is the iterative lookup and maintenance layer described in
// spec.md §4.9. It owns no transport connections directly; Managers are
// adopted via AdoptConnection as they come up (typically driven by the
// Supervisor) and are reused for subsequent queries to the same peer.
type Kademlia struct {
	localID   nodeid.ID
	localMeta routing.PeerMetadata
	table     *routing.Table
	factory   *transport.Factory
	bootstrap *bootstrap.Client
	cfg       Config

	store   *valueStore
	limiter *rateLimiter

	mu    sync.RWMutex
	peers map[nodeid.ID]transport.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Kademlia layer. bootstrap may be nil if the node has
// no bootstrap link configured yet.
func New(localID nodeid.ID, localMeta routing.PeerMetadata, table *routing.Table, factory *transport.Factory, bootstrapClient *bootstrap.Client, cfg Config) *Kademlia {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	if cfg.K <= 0 {
		cfg.K = routing.DefaultBucketSize
	}
	return &Kademlia{
		localID:   localID,
		localMeta: localMeta,
		table:     table,
		factory:   factory,
		bootstrap: bootstrapClient,
		cfg:       cfg,
		store:     newValueStore(),
		limiter:   newRateLimiter(cfg.MinQuerySpacing),
		peers:     make(map[nodeid.ID]transport.Manager),
	}
}

// Start launches the maintenance goroutines (bucket refresh, pruning).
func (k *Kademlia) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	k.wg.Add(2)
	go k.refreshRoutine(ctx)
	go k.pruneRoutine(ctx)
}

// Stop halts maintenance goroutines and waits for them to exit.
func (k *Kademlia) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
}

// AdoptConnection registers a Manager for peer, open or still opening,
// and starts pumping its event channels into this layer's dispatch logic.
func (k *Kademlia) AdoptConnection(peer nodeid.ID, mgr transport.Manager) {
	k.mu.Lock()
	k.peers[peer] = mgr
	k.mu.Unlock()

	go k.pumpEvents(peer, mgr)
}

func (k *Kademlia) pumpEvents(peer nodeid.ID, mgr transport.Manager) {
	events := mgr.PeerEvents()
	dht := mgr.DHTMessages()
	sig := mgr.Signals()
	for events != nil || dht != nil || sig != nil {
		select {
		case pe, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			k.logPeerEvent(peer, pe)
		case frame, ok := <-dht:
			if !ok {
				dht = nil
				continue
			}
			k.handleDHTMessage(peer, mgr, frame)
		case evt, ok := <-sig:
			if !ok {
				sig = nil
				continue
			}
			k.relaySignal(evt.Frame)
		}
	}

	k.mu.Lock()
	if k.peers[peer] == mgr {
		delete(k.peers, peer)
	}
	k.mu.Unlock()
}

// logPeerEvent surfaces a Manager's lifecycle events, including the
// PoliteYielded status a glare-resolved Close carries as its Reason
// (spec.md §4.5, §7: "a normal success-carrying status, not an error").
func (k *Kademlia) logPeerEvent(peer nodeid.ID, pe transport.PeerEvent) {
	fields := logrus.Fields{
		"function": "logPeerEvent",
		"package":  "kademlia",
		"peer_id":  peer.ToHex(),
	}
	if pe.Kind == transport.EventPeerDisconnected && errors.Is(pe.Reason, transport.ErrPoliteYielded) {
		logrus.WithFields(fields).Debug("yielded to peer in glare collision")
		return
	}
	logrus.WithFields(fields).WithField("kind", pe.Kind).Debug("peer event")
}

// connectedPeer returns the Manager currently adopted for peer, if open.
func (k *Kademlia) connectedPeer(peer nodeid.ID) (transport.Manager, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	mgr, ok := k.peers[peer]
	if !ok || !mgr.IsOpen() {
		return nil, false
	}
	return mgr, true
}

// managerFor returns the Manager adopted for peer regardless of its
// current lifecycle state, for delivering signal frames to a connection
// still mid-negotiation.
func (k *Kademlia) managerFor(peer nodeid.ID) (transport.Manager, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	mgr, ok := k.peers[peer]
	return mgr, ok
}

// glarePollInterval is how often connectionFor's waiters re-check the
// peers map while awaiting a glare collision's resolution.
const glarePollInterval = 20 * time.Millisecond

// connectionFor returns an open Manager for peer, reusing an adopted
// connection or dialing a fresh one via the TransportFactory when the
// local side is the one able to dial (spec.md §4.10). A Connecting or
// Handshaking attempt already in flight for peer is resolved by the
// glare rule (spec.md §4.5) rather than raced against a second dial.
func (k *Kademlia) connectionFor(ctx context.Context, peer routing.PeerRecord) (transport.Manager, error) {
	if mgr, ok := k.connectedPeer(peer.ID); ok {
		return mgr, nil
	}

	if mgr, ok := k.managerFor(peer.ID); ok {
		switch mgr.State() {
		case transport.StateConnecting, transport.StateHandshaking:
			return k.resolveGlare(ctx, peer, mgr)
		}
	}

	return k.dialFresh(ctx, peer)
}

// resolveGlare implements spec.md §4.5's perfect-negotiation rule for an
// in-flight attempt discovered while trying to open a second connection
// to the same peer. The polite side (local_id < peer_id lexicographically)
// cancels its own attempt, pauses ~GlarePause for the peer's inbound
// connection, and resumes its own dial if none arrives in time; the
// impolite side keeps its attempt and waits it out.
func (k *Kademlia) resolveGlare(ctx context.Context, peer routing.PeerRecord, existing transport.Manager) (transport.Manager, error) {
	if !k.localID.Less(peer.ID) {
		return k.awaitExistingOpen(ctx, peer.ID, existing)
	}

	logrus.WithFields(logrus.Fields{
		"function": "resolveGlare",
		"package":  "kademlia",
		"peer_id":  peer.ID.ToHex(),
	}).Debug("polite side yielding to glare collision")

	k.mu.Lock()
	if k.peers[peer.ID] == existing {
		delete(k.peers, peer.ID)
	}
	k.mu.Unlock()
	_ = existing.Close(transport.ErrPoliteYielded)

	pauseCtx, cancel := context.WithTimeout(ctx, k.cfg.GlarePause)
	defer cancel()
	if mgr, ok := k.awaitInboundOpen(pauseCtx, peer.ID); ok {
		return mgr, nil
	}

	return k.dialFresh(ctx, peer)
}

// awaitInboundOpen polls for a peer's inbound connection to arrive and
// reach StateOpen within ctx's deadline (spec.md §4.5's ~500 ms pause).
// An inbound connection is adopted the same way an outbound one is, via
// AdoptConnection, so this only needs to watch the peers map.
func (k *Kademlia) awaitInboundOpen(ctx context.Context, peerID nodeid.ID) (transport.Manager, bool) {
	ticker := time.NewTicker(glarePollInterval)
	defer ticker.Stop()
	for {
		if mgr, ok := k.managerFor(peerID); ok && mgr.IsOpen() {
			return mgr, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

// awaitExistingOpen waits, as the impolite side of a glare collision, for
// an in-flight attempt to reach StateOpen rather than starting a second
// one (spec.md §4.5: "keep its attempt and ignore the new request").
func (k *Kademlia) awaitExistingOpen(ctx context.Context, peerID nodeid.ID, existing transport.Manager) (transport.Manager, error) {
	waitCtx, cancel := context.WithTimeout(ctx, k.cfg.ConnectionTimeout)
	defer cancel()

	ticker := time.NewTicker(glarePollInterval)
	defer ticker.Stop()
	for {
		if existing.IsOpen() {
			return existing, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, transport.ErrTimeout
		case <-ticker.C:
		}
	}
}

func (k *Kademlia) dialFresh(ctx context.Context, peer routing.PeerRecord) (transport.Manager, error) {
	decision := k.factory.Select(peer.Metadata)

	var dialURL string
	if decision.Variant == transport.VariantWebSocket {
		if !decision.LocalDials {
			return nil, transport.ErrNoReachableAddr
		}
		if len(peer.Metadata.ListeningAddresses) == 0 {
			return nil, transport.ErrNoReachableAddr
		}
		dialURL = peer.Metadata.ListeningAddresses[0]
	}

	signalOut := func(frame wire.Frame) error {
		return k.sendSignalTo(peer.ID, frame)
	}

	mgr, err := k.factory.NewManager(k.localID, peer.ID, k.localMeta, decision, dialURL, signalOut)
	if err != nil {
		return nil, err
	}

	// Adopted before Open completes so a concurrent connectionFor call
	// for the same peer sees this as the in-flight attempt (spec.md
	// §4.5) rather than racing a second dial.
	k.AdoptConnection(peer.ID, mgr)

	connCtx, cancel := context.WithTimeout(ctx, k.cfg.ConnectionTimeout)
	defer cancel()
	if err := mgr.Open(connCtx); err != nil {
		_ = mgr.Close(err)
		k.mu.Lock()
		if k.peers[peer.ID] == mgr {
			delete(k.peers, peer.ID)
		}
		k.mu.Unlock()
		return nil, err
	}

	return mgr, nil
}

// HandleBootstrapSignal processes a connection_offer/_answer/_candidate
// frame relayed by the bootstrap link as a last resort (spec.md §4.8
// item 4, §4.9's signal-relaying rule).
func (k *Kademlia) HandleBootstrapSignal(frame wire.Frame) {
	k.relaySignal(frame)
}

// ConnectedPeerCount reports how many Managers are currently adopted and
// open, for status reporting.
func (k *Kademlia) ConnectedPeerCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	n := 0
	for _, mgr := range k.peers {
		if mgr.IsOpen() {
			n++
		}
	}
	return n
}

// StoredKeyCount reports how many keys this node currently holds in its
// local value store.
func (k *Kademlia) StoredKeyCount() int {
	return k.store.Len()
}

// CloseAllConnections closes every adopted Manager with the given reason,
// per spec.md §5's graceful-shutdown contract.
func (k *Kademlia) CloseAllConnections(reason error) {
	k.mu.Lock()
	mgrs := make([]transport.Manager, 0, len(k.peers))
	for _, mgr := range k.peers {
		mgrs = append(mgrs, mgr)
	}
	k.peers = make(map[nodeid.ID]transport.Manager)
	k.mu.Unlock()

	for _, mgr := range mgrs {
		_ = mgr.Close(reason)
	}
}

// Ping sends a ping request to peer with a 5 s deadline (spec.md §4.9,
// §4.4's inactive-tab filter).
func (k *Kademlia) Ping(ctx context.Context, peer routing.PeerRecord) (time.Duration, error) {
	if peer.Metadata.IsBrowserTabHidden() {
		logrus.WithFields(logrus.Fields{
			"function": "Ping",
			"package":  "kademlia",
			"peer_id":  peer.ID.ToHex(),
		}).Debug("skipping ping: inactive browser tab")
		return 0, fmt.Errorf("kademlia: peer tab inactive")
	}

	mgr, err := k.connectionFor(ctx, peer)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, k.cfg.PingTimeout)
	defer cancel()

	req := wire.NewRequest(wire.TypePing).WithTimestamp(start.UnixMilli())
	if _, err := mgr.Request(reqCtx, req, k.cfg.PingTimeout); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// handleDHTMessage dispatches an incoming request frame we must answer:
// ping, find_node, find_value, store. Response frames with a matching
// requestId are intercepted by the transport layer's pending table and
// never reach here.
func (k *Kademlia) handleDHTMessage(peer nodeid.ID, mgr transport.Manager, frame wire.Frame) {
	requestID, _ := frame.RequestID()

	switch frame.Type() {
	case wire.TypePing:
		k.replyPong(mgr, frame, requestID)
	case wire.TypeFindNode:
		k.replyFindNode(mgr, frame, requestID)
	case wire.TypeFindValue:
		k.replyFindValue(mgr, frame, requestID)
	case wire.TypeStore:
		k.replyStore(mgr, frame, requestID)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleDHTMessage",
			"package":  "kademlia",
			"peer_id":  peer.ToHex(),
			"type":     frame.Type(),
		}).Debug("unrecognized DHT frame type, ignoring")
	}
}

func (k *Kademlia) replyPong(mgr transport.Manager, frame wire.Frame, requestID string) {
	orig, _ := frame.Timestamp()
	resp := wire.New(wire.TypePong).
		WithRequestID(requestID).
		WithTimestamp(time.Now().UnixMilli()).
		Set("originalTimestamp", orig)
	_ = mgr.Send(resp)
}

func (k *Kademlia) replyFindNode(mgr transport.Manager, frame wire.Frame, requestID string) {
	targetHex, err := frame.String("target")
	if err != nil {
		return
	}
	target, err := nodeid.FromHex(targetHex)
	if err != nil {
		return
	}

	closest := k.table.Closest(target, k.cfg.K)
	resp := wire.New(wire.TypeFindNodeResponse).
		WithRequestID(requestID).
		Set("nodes", encodePeerRecords(closest))
	_ = mgr.Send(resp)
}

func (k *Kademlia) replyFindValue(mgr transport.Manager, frame wire.Frame, requestID string) {
	key, err := frame.String("key")
	if err != nil {
		return
	}

	resp := wire.New(wire.TypeFindValueResponse).WithRequestID(requestID)
	if value, ok := k.store.Get(key); ok {
		resp.Set("value", value)
	} else {
		target := nodeid.FromPublicKey([]byte(key))
		resp.Set("nodes", encodePeerRecords(k.table.Closest(target, k.cfg.K)))
	}
	_ = mgr.Send(resp)
}

func (k *Kademlia) replyStore(mgr transport.Manager, frame wire.Frame, requestID string) {
	key, err := frame.String("key")
	ok := err == nil
	if ok {
		if raw, present := frame.Raw("value"); present {
			if s, isStr := raw.(string); isStr {
				k.store.Put(key, []byte(s))
			} else if b, isBytes := raw.([]byte); isBytes {
				k.store.Put(key, b)
			} else {
				ok = false
			}
		} else {
			ok = false
		}
	}

	resp := wire.New(wire.TypeStoreResponse).WithRequestID(requestID).Set("ok", ok)
	_ = mgr.Send(resp)
}

func encodePeerRecords(records []routing.PeerRecord) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]any{
			"node_id":  r.ID.ToHex(),
			"metadata": r.Metadata.MarshalWire(),
		})
	}
	return out
}

// relaySignal implements spec.md §4.9's signal-relaying rule: forward a
// connection_offer/_answer/_candidate/_request frame to its toPeerId,
// consuming it locally if we are that target, otherwise falling back to
// the bootstrap link as a last resort.
func (k *Kademlia) relaySignal(frame wire.Frame) {
	toHex, err := frame.String("toPeerId")
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "relaySignal",
			"package":  "kademlia",
		}).WithError(err).Debug("signal frame missing toPeerId, dropping")
		return
	}
	target, err := nodeid.FromHex(toHex)
	if err != nil {
		return
	}

	if target.Equal(k.localID) {
		k.consumeSignal(frame)
		return
	}

	if err := k.sendSignalTo(target, frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "relaySignal",
			"package":  "kademlia",
			"target":   target.ToHex(),
		}).WithError(err).Debug("failed to relay signal")
	}
}

// consumeSignal handles a signal frame whose toPeerId is us: deliver it
// to an already-negotiating Manager for the sender, or stand up a fresh
// WebRTC responder if none exists yet.
func (k *Kademlia) consumeSignal(frame wire.Frame) {
	fromHex, ok := frame.From()
	if !ok {
		return
	}
	from, err := nodeid.FromHex(fromHex)
	if err != nil {
		return
	}

	if mgr, ok := k.managerFor(from); ok {
		if st, ok := mgr.(signalTarget); ok {
			_ = st.HandleSignal(frame)
		}
		return
	}

	rec, ok := k.table.Get(from)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "consumeSignal",
			"package":  "kademlia",
			"from":     fromHex,
		}).Debug("signal from unknown peer, dropping")
		return
	}

	decision := k.factory.Select(rec.Metadata)
	if decision.Variant != transport.VariantWebRTC {
		return
	}

	signalOut := func(f wire.Frame) error { return k.sendSignalTo(from, f) }
	mgr, err := k.factory.NewManager(k.localID, from, k.localMeta, decision, "", signalOut)
	if err != nil {
		return
	}
	k.AdoptConnection(from, mgr)

	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.ConnectionTimeout)
	go func() {
		defer cancel()
		_ = mgr.Open(ctx)
	}()

	if st, ok := mgr.(signalTarget); ok {
		_ = st.HandleSignal(frame)
	}
}

// sendSignalTo delivers frame toward peer: via plain Send if peer has an
// open connection to us, or via the bootstrap link as a last resort. A
// Manager still negotiating with peer is not used: its HandleSignal
// consumes signals arriving from peer, not ones addressed to it.
func (k *Kademlia) sendSignalTo(peer nodeid.ID, frame wire.Frame) error {
	if mgr, ok := k.managerFor(peer); ok && mgr.IsOpen() {
		return mgr.Send(frame)
	}
	if k.bootstrap != nil {
		return k.bootstrap.SendSignal(frame)
	}
	return fmt.Errorf("kademlia: no route to peer %s for signal relay", peer.ToHex())
}
