package kademlia

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/meshdht/transport"
	"github.com/opd-ai/meshdht/wire"
)

// fakeManager is a minimal transport.Manager double for unit-testing
// Kademlia's dispatch logic without a real WebSocket/WebRTC connection.
type fakeManager struct {
	mu    sync.Mutex
	state transport.State
	sent  []wire.Frame

	peerEvents  chan transport.PeerEvent
	dhtMessages chan wire.Frame
	signals     chan transport.SignalEvent

	requestResp wire.Frame
	requestErr  error

	closedWith error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		state:       transport.StateOpen,
		peerEvents:  make(chan transport.PeerEvent, 8),
		dhtMessages: make(chan wire.Frame),
		signals:     make(chan transport.SignalEvent),
	}
}

// newConnectingFakeManager starts in StateConnecting, for exercising
// glare collisions against an in-flight (not yet open) attempt.
func newConnectingFakeManager() *fakeManager {
	mgr := newFakeManager()
	mgr.state = transport.StateConnecting
	return mgr
}

func (f *fakeManager) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = transport.StateOpen
	return nil
}

// setOpenAfter transitions the manager to StateOpen once delay elapses,
// simulating an in-flight attempt that later completes.
func (f *fakeManager) setOpenAfter(delay time.Duration) {
	go func() {
		time.Sleep(delay)
		f.mu.Lock()
		if f.state != transport.StateClosed {
			f.state = transport.StateOpen
		}
		f.mu.Unlock()
	}()
}

func (f *fakeManager) Send(frame wire.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeManager) Request(ctx context.Context, frame wire.Frame, timeout time.Duration) (wire.Frame, error) {
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	return f.requestResp, f.requestErr
}

func (f *fakeManager) Close(reason error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = transport.StateClosed
	f.closedWith = reason
	return nil
}

func (f *fakeManager) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == transport.StateOpen
}

func (f *fakeManager) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeManager) PeerEvents() <-chan transport.PeerEvent   { return f.peerEvents }
func (f *fakeManager) DHTMessages() <-chan wire.Frame           { return f.dhtMessages }
func (f *fakeManager) Signals() <-chan transport.SignalEvent    { return f.signals }

func (f *fakeManager) lastSent() wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// fakeSignalManager additionally satisfies the kademlia signalTarget
// interface, for exercising the WebRTC-style signal-consumption path.
type fakeSignalManager struct {
	*fakeManager
	handled []wire.Frame
}

func newFakeSignalManager() *fakeSignalManager {
	return &fakeSignalManager{fakeManager: newFakeManager()}
}

func (f *fakeSignalManager) HandleSignal(frame wire.Frame) error {
	f.handled = append(f.handled, frame)
	return nil
}
