package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/meshdht/nodeid"
	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/wire"
	"github.com/sirupsen/logrus"
)

var signalFrameTypes = map[string]bool{
	wire.TypeConnectionOffer:     true,
	wire.TypeConnectionAnswer:    true,
	wire.TypeConnectionCandidate: true,
	wire.TypeConnectionRequest:   true,
}

// base holds the state and event plumbing shared by WebSocketManager and
// WebRTCManager: the lifecycle state machine, the pending-request table,
// and the uniform event channels every Manager exposes (spec.md §4.4).
// Embedding rather than a shared concrete Manager avoids forcing a
// single struct to carry both gorilla/websocket and pion/webrtc fields.
type base struct {
	mu    sync.Mutex
	state State

	localID  nodeid.ID
	remoteID nodeid.ID
	metadata routing.PeerMetadata // remote peer's metadata, set at handshake

	pending *pendingTable

	peerEvents  chan PeerEvent
	dhtMessages chan wire.Frame
	signals     chan SignalEvent

	closeOnce sync.Once
}

func newBase(localID, remoteID nodeid.ID) base {
	return base{
		state:       StateIdle,
		localID:     localID,
		remoteID:    remoteID,
		pending:     newPendingTable(),
		peerEvents:  make(chan PeerEvent, 8),
		dhtMessages: make(chan wire.Frame, 32),
		signals:     make(chan SignalEvent, 8),
	}
}

func (b *base) PeerEvents() <-chan PeerEvent    { return b.peerEvents }
func (b *base) DHTMessages() <-chan wire.Frame  { return b.dhtMessages }
func (b *base) Signals() <-chan SignalEvent     { return b.signals }

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen
}

func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// adoptHandshake atomically transitions Handshaking -> Open and records
// the remote's metadata, per spec.md §4.5's requirement that metadata be
// adopted before any DHT frame is processed.
func (b *base) adoptHandshake(metadata routing.PeerMetadata) {
	b.mu.Lock()
	b.metadata = metadata
	b.state = StateOpen
	b.mu.Unlock()

	b.peerEvents <- PeerEvent{Kind: EventPeerConnected, PeerID: b.remoteID, Metadata: metadata}
}

// dispatchIncoming classifies a decoded frame per spec.md §6's
// catalogue: a frame whose requestId matches an outstanding Request
// call is delivered to its waiter; a connection_offer/_answer/
// _candidate/_request frame is forwarded to Signals; everything else
// goes to DHTMessages for the Kademlia layer to interpret.
func (b *base) dispatchIncoming(frame wire.Frame) {
	if reqID, ok := frame.RequestID(); ok {
		if b.pending.deliver(reqID, frame) {
			return
		}
	}

	if signalFrameTypes[frame.Type()] {
		b.signals <- SignalEvent{PeerID: b.remoteID, Frame: frame}
		return
	}

	b.dhtMessages <- frame
}

// doRequest implements Manager.Request against an arbitrary send
// function, shared by WebSocketManager and WebRTCManager: it registers
// a waiter, sends the frame, and races the response against ctx and an
// explicit timeout, cancelling the waiter on any losing path (spec.md
// §5 "every request carries a deadline").
func (b *base) doRequest(ctx context.Context, frame wire.Frame, timeout time.Duration, send func(wire.Frame) error) (wire.Frame, error) {
	reqID, ok := frame.RequestID()
	if !ok {
		return nil, fmt.Errorf("transport: request frame missing requestId")
	}

	ch := b.pending.register(reqID)
	if err := send(frame); err != nil {
		b.pending.cancel(reqID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDestroyed
		}
		return resp, nil
	case <-timer.C:
		b.pending.cancel(reqID)
		return nil, ErrTimeout
	case <-ctx.Done():
		b.pending.cancel(reqID)
		return nil, ctx.Err()
	}
}

// closeBase runs once per connection: marks Closed, cancels all pending
// requests, emits peer-disconnected, and closes the event channels so no
// callback fires after Close returns (spec.md §5).
func (b *base) closeBase(reason error) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		wasOpen := b.state == StateOpen || b.state == StateHandshaking || b.state == StateConnecting
		b.state = StateClosed
		b.mu.Unlock()

		b.pending.cancelAll()

		if wasOpen {
			logrus.WithFields(logrus.Fields{
				"function": "base.closeBase",
				"package":  "transport",
				"peer_id":  b.remoteID.ToHex(),
				"reason":   reason,
			}).Debug("connection closed")
			b.peerEvents <- PeerEvent{Kind: EventPeerDisconnected, PeerID: b.remoteID, Reason: reason}
		}

		close(b.peerEvents)
		close(b.dhtMessages)
		close(b.signals)
	})
}
