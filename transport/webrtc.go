package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/meshdht/hostenv"
	"github.com/opd-ai/meshdht/limits"
	"github.com/opd-ai/meshdht/nodeid"
	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/wire"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

const dataChannelLabel = "dht-data"

// gatheringStartWait bounds how long handleOfferLocked waits for ICE
// gathering to begin before sending the local answer, so the answer is
// typically accompanied by at least one local candidate (spec.md §4.7).
const gatheringStartWait = 1 * time.Second

// keepAliveTimeout is a 60s pong deadline for the WebRTC-only application
// keep-alive (spec.md §4.7). The heartbeat does not consult it: see
// startKeepAlive for how a missed pong is detected.
const keepAliveTimeout = 60 * time.Second

// WebRTCManager implements Manager over a pion/webrtc data channel, used
// for browser-browser edges (spec.md §4.7). Signaling frames
// (connection_offer/_answer/_candidate) travel over whatever path
// delivered this manager its peer connection in the first place
// (another open Manager's relay, or BootstrapClient as a last resort);
// the manager itself never dials a signaling channel.
type WebRTCManager struct {
	base

	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	role Role

	localMeta  routing.PeerMetadata
	iceServers []webrtc.ICEServer
	signalOut  func(wire.Frame) error
	hostEnv    hostenv.HostEnvironment

	signalMu          sync.Mutex // serializes signal processing per peer (spec.md §5)
	makingOffer       bool
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit

	keepAliveStop     chan struct{}
	missedKeepAlives  int
	lastPingID        string
}

// NewWebRTCManager constructs a manager for a browser-browser edge.
// role determines glare-resolution behavior (spec.md §4.5):
// RoleImpolite creates the initial offer, RolePolite waits for one and
// yields on collision.
func NewWebRTCManager(
	localID, remoteID nodeid.ID,
	role Role,
	iceServers []webrtc.ICEServer,
	localMeta routing.PeerMetadata,
	hostEnv hostenv.HostEnvironment,
	signalOut func(wire.Frame) error,
) *WebRTCManager {
	return &WebRTCManager{
		base:          newBase(localID, remoteID),
		role:          role,
		localMeta:     localMeta,
		iceServers:    iceServers,
		signalOut:     signalOut,
		hostEnv:       hostEnv,
		keepAliveStop: make(chan struct{}),
	}
}

// Open creates the peer connection and, for the impolite (offering)
// role, the data channel and initial offer. The returned error only
// covers local setup failures; remote handshake completion arrives
// asynchronously via HandleSignal and is awaited here up to the
// connection's overall deadline (default 45s per spec.md §5).
func (m *WebRTCManager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("transport: webrtc new peer connection: %w", err)
	}
	m.pc = pc

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		payload, _ := json.Marshal(init)
		frame := wire.New(wire.TypeConnectionCandidate).
			WithFrom(m.localID.ToHex()).
			WithTimestamp(time.Now().UnixMilli()).
			Set("toPeerId", m.remoteID.ToHex()).
			Set("signal", json.RawMessage(payload))
		if m.signalOut != nil {
			_ = m.signalOut(frame)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			m.closeBase(ErrTimeout)
		}
	})

	m.setState(StateHandshaking)

	if m.role == RoleImpolite {
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: boolPtr(true)})
		if err != nil {
			m.setState(StateFailed)
			return fmt.Errorf("transport: webrtc create data channel: %w", err)
		}
		m.attachDataChannel(dc)

		if err := m.createAndSendOffer(); err != nil {
			m.setState(StateFailed)
			return err
		}
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.attachDataChannel(dc)
		})
	}

	select {
	case <-m.handshakeDone():
		return nil
	case <-ctx.Done():
		m.closeBase(ErrTimeout)
		return ErrTimeout
	}
}

// awaitGatheringStart blocks until the peer connection's ICE gathering
// state leaves New or timeout elapses, whichever comes first. It never
// reports an error: a timeout just means the answer goes out without a
// local candidate yet, which trickle ICE (OnICECandidate) still delivers
// afterward.
func (m *WebRTCManager) awaitGatheringStart(timeout time.Duration) {
	if m.pc.ICEGatheringState() != webrtc.ICEGatheringStateNew {
		return
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if m.pc.ICEGatheringState() != webrtc.ICEGatheringStateNew {
			return
		}
		if time.Now().After(deadline) {
			return
		}
	}
}

func boolPtr(b bool) *bool { return &b }

func (m *WebRTCManager) handshakeDone() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			s := m.State()
			if s == StateOpen || s == StateFailed || s == StateClosed {
				close(done)
				return
			}
		}
	}()
	return done
}

func (m *WebRTCManager) createAndSendOffer() error {
	m.signalMu.Lock()
	defer m.signalMu.Unlock()

	m.makingOffer = true
	defer func() { m.makingOffer = false }()

	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("transport: webrtc create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("transport: webrtc set local description: %w", err)
	}

	payload, _ := json.Marshal(offer)
	frame := wire.New(wire.TypeConnectionOffer).
		WithFrom(m.localID.ToHex()).
		WithTimestamp(time.Now().UnixMilli()).
		Set("toPeerId", m.remoteID.ToHex()).
		Set("signal", json.RawMessage(payload))
	if m.signalOut == nil {
		return fmt.Errorf("transport: no signal path configured")
	}
	return m.signalOut(frame)
}

// HandleSignal feeds an inbound connection_offer/_answer/_candidate
// frame (routed here by Kademlia or BootstrapClient) into the
// underlying peer connection. Processing is serialized per peer so an
// offer and a late candidate cannot interleave unsafely (spec.md §4.7).
func (m *WebRTCManager) HandleSignal(frame wire.Frame) error {
	m.signalMu.Lock()
	defer m.signalMu.Unlock()

	raw, ok := frame.Raw("signal")
	if !ok {
		return fmt.Errorf("%w: signal", wire.ErrMissingField)
	}
	signalBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("transport: re-encode signal: %w", err)
	}

	switch frame.Type() {
	case wire.TypeConnectionOffer:
		return m.handleOfferLocked(signalBytes)
	case wire.TypeConnectionAnswer:
		return m.handleAnswerLocked(signalBytes)
	case wire.TypeConnectionCandidate:
		return m.handleCandidateLocked(signalBytes)
	default:
		return fmt.Errorf("transport: unsupported signal frame type %q", frame.Type())
	}
}

func (m *WebRTCManager) handleOfferLocked(raw []byte) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return fmt.Errorf("transport: decode offer: %w", err)
	}

	offerCollision := m.makingOffer || m.pc.SignalingState() != webrtc.SignalingStateStable
	if offerCollision {
		if m.role == RoleImpolite {
			// Impolite side ignores a colliding offer (spec.md §4.5).
			return nil
		}
		// Polite side rolls back its own local offer before accepting
		// the remote one (spec.md §4.7), since SetRemoteDescription
		// would otherwise be invalid while HaveLocalOffer.
		if err := m.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("transport: rollback local description: %w", err)
		}
	}

	if err := m.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("transport: set remote description: %w", err)
	}
	m.remoteDescSet = true
	m.flushPendingCandidatesLocked()

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("transport: create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("transport: set local description: %w", err)
	}

	m.awaitGatheringStart(gatheringStartWait)

	payload, _ := json.Marshal(answer)
	respFrame := wire.New(wire.TypeConnectionAnswer).
		WithFrom(m.localID.ToHex()).
		WithTimestamp(time.Now().UnixMilli()).
		Set("toPeerId", m.remoteID.ToHex()).
		Set("signal", json.RawMessage(payload))
	if m.signalOut == nil {
		return fmt.Errorf("transport: no signal path configured")
	}
	return m.signalOut(respFrame)
}

func (m *WebRTCManager) handleAnswerLocked(raw []byte) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("transport: decode answer: %w", err)
	}
	if err := m.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("transport: set remote description: %w", err)
	}
	m.remoteDescSet = true
	m.flushPendingCandidatesLocked()
	return nil
}

func (m *WebRTCManager) handleCandidateLocked(raw []byte) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("transport: decode candidate: %w", err)
	}
	if !m.remoteDescSet {
		m.pendingCandidates = append(m.pendingCandidates, init)
		return nil
	}
	return m.pc.AddICECandidate(init)
}

func (m *WebRTCManager) flushPendingCandidatesLocked() {
	for _, c := range m.pendingCandidates {
		_ = m.pc.AddICECandidate(c)
	}
	m.pendingCandidates = nil
}

func (m *WebRTCManager) attachDataChannel(dc *webrtc.DataChannel) {
	m.dc = dc
	dc.OnOpen(func() {
		metadata := m.localMeta
		m.adoptHandshake(metadata)
		m.startKeepAlive()
	})
	dc.OnClose(func() {
		m.closeBase(ErrClosed)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if err := limits.ValidateWireFrame(msg.Data); err != nil {
			return
		}
		frame, err := wire.Decode(msg.Data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WebRTCManager.attachDataChannel",
				"package":  "transport",
				"error":    err,
			}).Warn("discarding malformed data channel message")
			return
		}
		if frame.Type() == wire.TypeKeepAlivePong {
			m.missedKeepAlives = 0
			m.lastPingID = ""
			return
		}
		m.dispatchIncoming(frame)
	})
}

func (m *WebRTCManager) writeFrame(frame wire.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	if err := limits.ValidateWireFrame(data); err != nil {
		return err
	}
	if m.dc == nil {
		return ErrNotOpen
	}
	if err := m.dc.Send(data); err != nil {
		return fmt.Errorf("transport: data channel send: %w", err)
	}
	return nil
}

// Send enqueues a protocol frame over the data channel.
func (m *WebRTCManager) Send(frame wire.Frame) error {
	if m.State() == StateClosed {
		return ErrDestroyed
	}
	if !m.IsOpen() {
		return ErrNotOpen
	}
	return m.writeFrame(frame)
}

// Request sends frame and waits for its correlated response.
func (m *WebRTCManager) Request(ctx context.Context, frame wire.Frame, timeout time.Duration) (wire.Frame, error) {
	if !m.IsOpen() {
		return nil, ErrNotOpen
	}
	return m.base.doRequest(ctx, frame, timeout, m.writeFrame)
}

// Close tears down the peer connection and stops the keep-alive loop.
func (m *WebRTCManager) Close(reason error) error {
	close(m.keepAliveStop)
	m.closeBase(reason)
	if m.dc != nil {
		_ = m.dc.Close()
	}
	if m.pc != nil {
		return m.pc.Close()
	}
	return nil
}

// startKeepAlive runs the tab-visibility-aware heartbeat (spec.md
// §4.7): a ping every 30s while visible, every 10s while hidden. A ping
// counts as missed when the next tick fires before its pong arrives, so
// the pong deadline is the current interval, not keepAliveTimeout; two
// consecutive misses close the connection.
func (m *WebRTCManager) startKeepAlive() {
	go func() {
		interval := 30 * time.Second
		if m.hostEnv != nil && !m.hostEnv.IsVisible() {
			interval = 10 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.keepAliveStop:
				return
			case <-ticker.C:
				if m.hostEnv != nil && m.hostEnv.IsVisible() {
					ticker.Reset(30 * time.Second)
				} else if m.hostEnv != nil {
					ticker.Reset(10 * time.Second)
				}
				m.sendKeepAlivePing()
			}
		}
	}()
}

// sendKeepAlivePing fires one ping and checks whether the previous one
// went unanswered; two consecutive misses trigger close (spec.md §4.7:
// "two consecutive missed pongs classify the connection as failed").
func (m *WebRTCManager) sendKeepAlivePing() {
	if m.lastPingID != "" {
		m.missedKeepAlives++
		if m.missedKeepAlives >= 2 {
			m.closeBase(fmt.Errorf("transport: keep_alive_timeout"))
			return
		}
	}

	pingID := fmt.Sprintf("%s-%d", m.localID.ToHex(), time.Now().UnixNano())
	m.lastPingID = pingID

	frame := wire.New(wire.TypeKeepAlivePing).
		WithFrom(m.localID.ToHex()).
		WithTimestamp(time.Now().UnixMilli()).
		Set("pingId", pingID)

	_ = m.writeFrame(frame)
}
