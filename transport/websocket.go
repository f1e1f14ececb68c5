package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/meshdht/limits"
	"github.com/opd-ai/meshdht/nodeid"
	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/wire"
	"github.com/sirupsen/logrus"
)

// handshakeTimeout bounds how long a WebSocketManager waits for the
// peer's first frame after the socket opens (spec.md §4.6).
const handshakeTimeout = 10 * time.Second

// WebSocketManager implements Manager over a gorilla/websocket
// connection, used for any edge where at least one side has a listener
// (spec.md §4.6): server-server, or server-browser with the browser
// dialing.
type WebSocketManager struct {
	base

	writeMu sync.Mutex
	conn    *websocket.Conn

	isClient  bool
	dialURL   string
	localMeta routing.PeerMetadata

	readDone chan struct{}
}

// NewWebSocketClient constructs a manager that dials dialURL when
// Open is called.
func NewWebSocketClient(localID, remoteID nodeid.ID, dialURL string, localMeta routing.PeerMetadata) *WebSocketManager {
	return &WebSocketManager{
		base:      newBase(localID, remoteID),
		isClient:  true,
		dialURL:   dialURL,
		localMeta: localMeta,
		readDone:  make(chan struct{}),
	}
}

// NewWebSocketAccepted constructs a manager wrapping a connection
// already accepted by an HTTP server (spec.md §4.6 "server-side inbound
// flow: accept -> await first frame").
func NewWebSocketAccepted(localID, remoteID nodeid.ID, conn *websocket.Conn, localMeta routing.PeerMetadata) *WebSocketManager {
	return &WebSocketManager{
		base:      newBase(localID, remoteID),
		conn:      conn,
		localMeta: localMeta,
		readDone:  make(chan struct{}),
	}
}

// Open dials (client role) or begins handshaking (accepted role) and
// starts the read loop. Idempotent once past StateIdle.
func (m *WebSocketManager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	if m.isClient {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.dialURL, nil)
		if err != nil {
			m.setState(StateFailed)
			return fmt.Errorf("transport: websocket dial: %w", err)
		}
		m.conn = conn
	}

	m.setState(StateHandshaking)
	go m.readLoop()

	if m.isClient {
		hello := wire.New(wire.TypeDHTPeerHello).
			WithFrom(m.localID.ToHex()).
			WithTimestamp(time.Now().UnixMilli()).
			Set("peerId", m.localID.ToHex()).
			Set("metadata", metadataToWire(m.localMeta))
		if err := m.writeFrame(hello); err != nil {
			m.setState(StateFailed)
			return err
		}
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	select {
	case <-m.handshakeSignal():
		return nil
	case <-handshakeCtx.Done():
		m.closeBase(ErrHandshakeFailed)
		return ErrHandshakeFailed
	}
}

// handshakeSignal returns a channel closed once the connection reaches
// StateOpen or a terminal state, polled via the base state under lock.
func (m *WebSocketManager) handshakeSignal() <-chan struct{} {
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

func (m *WebSocketManager) writeFrame(frame wire.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	if err := limits.ValidateWireFrame(data); err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn == nil {
		return ErrNotOpen
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

// Send enqueues a protocol frame over the socket.
func (m *WebSocketManager) Send(frame wire.Frame) error {
	if m.State() == StateClosed {
		return ErrDestroyed
	}
	if !m.IsOpen() {
		return ErrNotOpen
	}
	return m.writeFrame(frame)
}

// Request sends frame and waits for its correlated response.
func (m *WebSocketManager) Request(ctx context.Context, frame wire.Frame, timeout time.Duration) (wire.Frame, error) {
	if !m.IsOpen() {
		return nil, ErrNotOpen
	}
	return m.base.doRequest(ctx, frame, timeout, m.writeFrame)
}

// Close shuts the socket down with the given policy-close reason
// (spec.md §4.6: close code 1000 with a reason string for any
// application-level close).
func (m *WebSocketManager) Close(reason error) error {
	m.closeBase(reason)
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn == nil {
		return nil
	}
	reasonText := "manager_destroyed"
	if reason != nil {
		reasonText = reason.Error()
	}
	_ = m.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reasonText),
		time.Now().Add(time.Second))
	return m.conn.Close()
}

// readLoop pumps incoming frames off the socket until it closes,
// handling the handshake frame first and dispatching everything
// afterward through base.dispatchIncoming.
func (m *WebSocketManager) readLoop() {
	defer close(m.readDone)
	defer m.closeBase(classifyCloseErr(nil))

	handshakeComplete := false
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WebSocketManager.readLoop",
				"package":  "transport",
				"peer_id":  m.remoteID.ToHex(),
				"error":    err,
			}).Debug("websocket read loop ended")
			return
		}

		if err := limits.ValidateWireFrame(data); err != nil {
			continue
		}

		frame, err := wire.Decode(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WebSocketManager.readLoop",
				"package":  "transport",
				"error":    err,
			}).Warn("discarding malformed frame")
			continue
		}

		if !handshakeComplete {
			if frame.Type() != wire.TypeDHTPeerHello && frame.Type() != wire.TypeDHTPeerConnected {
				continue // discard pre-handshake DHT frames (spec.md §4.5)
			}
			if err := m.completeHandshake(frame); err != nil {
				return
			}
			handshakeComplete = true
			continue
		}

		m.dispatchIncoming(frame)
	}
}

func (m *WebSocketManager) completeHandshake(frame wire.Frame) error {
	metadata, err := metadataFromWire(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if !m.isClient {
		hello := wire.New(wire.TypeDHTPeerHello).
			WithFrom(m.localID.ToHex()).
			WithTimestamp(time.Now().UnixMilli()).
			Set("peerId", m.localID.ToHex()).
			Set("metadata", metadataToWire(m.localMeta))
		if err := m.writeFrame(hello); err != nil {
			return err
		}
	}

	m.adoptHandshake(metadata)
	return nil
}

func classifyCloseErr(err error) error {
	if err == nil {
		return ErrClosed
	}
	return err
}
