package bootstrap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/meshdht/identity"
	"github.com/opd-ai/meshdht/limits"
	"github.com/opd-ai/meshdht/nodeid"
	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/wire"
	"github.com/sirupsen/logrus"
)

// Sentinel errors, per spec.md §7's shared error-kind catalogue.
var (
	ErrVersionMismatch = errors.New("bootstrap: version mismatch")
	ErrAuthFailed      = errors.New("bootstrap: auth failed")
	ErrNotConnected    = errors.New("bootstrap: not connected")
	ErrTimeout         = errors.New("bootstrap: timeout")
)

const (
	registerTimeout = 10 * time.Second
	requestTimeout  = 10 * time.Second
)

// PeerDescriptor is one entry of a get_peers_or_genesis response.
type PeerDescriptor struct {
	NodeID   nodeid.ID
	Metadata routing.PeerMetadata
}

// Invitation is a forward_invitation/invitation_for_bridge event handed
// to the caller for it to act on (spec.md §4.8 item 3).
type Invitation struct {
	FrameType string // wire.TypeForwardInvitation or wire.TypeInvitationForBridge
	Frame     wire.Frame
}

// Client is the long-lived link to a bootstrap endpoint (spec.md §4.8).
// One Client exists per node; losing it does not affect already-admitted
// DHT peers.
type Client struct {
	id              *identity.Identity
	urls            []string
	localMeta       routing.PeerMetadata
	protocolVersion string
	buildID         string

	reconnectBase time.Duration
	reconnectMax  time.Duration
	maxAttempts   int

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool
	attempts  int

	pendingMu sync.Mutex
	pending   map[string]chan wire.Frame

	signals     chan wire.Frame
	invitations chan Invitation

	stop chan struct{}
	done chan struct{}
}

// Config holds the tunables spec.md §6 enumerates for bootstrap
// reconnect behavior.
type Config struct {
	ReconnectBaseMs int // default 10000
	MaxAttempts     int // default 20
}

// DefaultConfig returns spec.md §6's stated bootstrap defaults.
func DefaultConfig() Config {
	return Config{ReconnectBaseMs: 10000, MaxAttempts: 20}
}

// NewClient constructs a bootstrap client. urls is a static candidate
// list, tried in order on each (re)connect attempt.
func NewClient(id *identity.Identity, urls []string, localMeta routing.PeerMetadata, protocolVersion, buildID string, cfg Config) *Client {
	if cfg.ReconnectBaseMs <= 0 {
		cfg.ReconnectBaseMs = DefaultConfig().ReconnectBaseMs
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Client{
		id:              id,
		urls:            urls,
		localMeta:       localMeta,
		protocolVersion: protocolVersion,
		buildID:         buildID,
		reconnectBase:   time.Duration(cfg.ReconnectBaseMs) * time.Millisecond,
		reconnectMax:    2 * time.Minute,
		maxAttempts:     cfg.MaxAttempts,
		pending:         make(map[string]chan wire.Frame),
		signals:         make(chan wire.Frame, 16),
		invitations:     make(chan Invitation, 16),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Signals carries connection_offer/_answer/_candidate frames relayed by
// the bootstrap server as a last-resort WebRTC signaling path (spec.md
// §4.8 item 4).
func (c *Client) Signals() <-chan wire.Frame { return c.signals }

// Invitations carries forward_invitation/invitation_for_bridge events.
func (c *Client) Invitations() <-chan Invitation { return c.invitations }

// Run connects, admits, and maintains the bootstrap link until ctx is
// done or Close is called, reconnecting with capped exponential backoff
// and jitter on any drop (spec.md §4.8).
func (c *Client) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		if err := c.connectAndAdmit(ctx); err != nil {
			if errors.Is(err, ErrVersionMismatch) {
				logrus.WithFields(logrus.Fields{
					"function": "Client.Run",
					"package":  "bootstrap",
					"error":    err,
				}).Error("fatal version mismatch, bootstrap link will not retry")
				return
			}
			if !c.waitBackoff(ctx) {
				return
			}
			continue
		}

		c.attempts = 0
		c.readLoop(ctx)
		// readLoop returns when the connection drops; loop to reconnect.
		if !c.waitBackoff(ctx) {
			return
		}
	}
}

func (c *Client) waitBackoff(ctx context.Context) bool {
	c.attempts++
	if c.maxAttempts > 0 && c.attempts > c.maxAttempts {
		logrus.WithFields(logrus.Fields{
			"function": "Client.waitBackoff",
			"package":  "bootstrap",
			"attempts": c.attempts,
		}).Error("exceeded max bootstrap reconnect attempts")
		return false
	}

	backoff := c.reconnectBase * time.Duration(1<<uint(minInt(c.attempts, 6)))
	if backoff > c.reconnectMax {
		backoff = c.reconnectMax
	}
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-time.After(jitter):
		return true
	case <-ctx.Done():
		return false
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *Client) connectAndAdmit(ctx context.Context) error {
	var lastErr error
	for _, url := range c.urls {
		dialCtx, cancel := context.WithTimeout(ctx, registerTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if err := c.admit(ctx); err != nil {
			conn.Close()
			return err
		}

		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		return nil
	}
	return fmt.Errorf("bootstrap: could not connect to any bootstrap url: %w", lastErr)
}

// admit runs the register/auth_challenge/auth_response/registered
// handshake of spec.md §4.8 item 1. A missing build_id is rejected
// locally rather than sent to the server, since the server's own
// admission rule treats it as an auth failure anyway.
func (c *Client) admit(ctx context.Context) error {
	if c.buildID == "" {
		return fmt.Errorf("%w: empty build_id", ErrAuthFailed)
	}

	register := wire.New(wire.TypeRegister).
		WithFrom(c.id.NodeID().ToHex()).
		WithTimestamp(time.Now().UnixMilli()).
		Set("node_id", c.id.NodeID().ToHex()).
		Set("protocol_version", c.protocolVersion).
		Set("build_id", c.buildID).
		Set("metadata", c.localMeta.MarshalWire())

	if err := c.writeFrame(register); err != nil {
		return err
	}

	frame, err := c.readFrameWithTimeout(registerTimeout)
	if err != nil {
		return err
	}

	switch frame.Type() {
	case wire.TypeRegistered:
		return nil
	case wire.TypeVersionMismatch:
		return fmt.Errorf("%w: %v", ErrVersionMismatch, frame)
	case wire.TypeAuthChallenge:
		return c.respondToChallenge(frame)
	default:
		return fmt.Errorf("bootstrap: unexpected admission frame type %q", frame.Type())
	}
}

func (c *Client) respondToChallenge(challenge wire.Frame) error {
	nonce, err := challenge.String("nonce")
	if err != nil {
		return err
	}
	ts, ok := challenge.Timestamp()
	if !ok {
		return fmt.Errorf("%w: auth_challenge missing timestamp", wire.ErrMissingField)
	}

	message := []byte(fmt.Sprintf("%s:%d", nonce, ts))
	sig, err := c.id.Sign(message)
	if err != nil {
		return fmt.Errorf("bootstrap: sign challenge: %w", err)
	}

	response := wire.New(wire.TypeAuthResponse).
		WithFrom(c.id.NodeID().ToHex()).
		WithTimestamp(time.Now().UnixMilli()).
		Set("signature", hex.EncodeToString(sig[:]))

	if err := c.writeFrame(response); err != nil {
		return err
	}

	frame, err := c.readFrameWithTimeout(registerTimeout)
	if err != nil {
		return err
	}
	switch frame.Type() {
	case wire.TypeRegistered:
		return nil
	case wire.TypeVersionMismatch:
		return fmt.Errorf("%w: %v", ErrVersionMismatch, frame)
	default:
		return fmt.Errorf("%w: unexpected response to auth_response: %q", ErrAuthFailed, frame.Type())
	}
}

// GetPeersOrGenesis issues the peer-discovery request of spec.md §4.8
// item 2.
func (c *Client) GetPeersOrGenesis(ctx context.Context, maxPeers int) (isGenesis bool, peers []PeerDescriptor, err error) {
	req := wire.NewRequest(wire.TypeGetPeersOrGenesis).
		WithFrom(c.id.NodeID().ToHex()).
		WithTimestamp(time.Now().UnixMilli()).
		Set("maxPeers", maxPeers)

	resp, err := c.request(ctx, req, requestTimeout)
	if err != nil {
		return false, nil, err
	}
	return parsePeersOrGenesisResponse(resp)
}

// parsePeersOrGenesisResponse decodes a get_peers_or_genesis response
// frame's `data: {isGenesis, peers: [...]}` payload (spec.md §4.8 item
// 2). Malformed individual peer entries are skipped rather than failing
// the whole response.
func parsePeersOrGenesisResponse(resp wire.Frame) (isGenesis bool, peers []PeerDescriptor, err error) {
	dataRaw, ok := resp.Raw("data")
	if !ok {
		return false, nil, fmt.Errorf("%w: response.data", wire.ErrMissingField)
	}
	data, ok := dataRaw.(map[string]any)
	if !ok {
		return false, nil, fmt.Errorf("%w: response.data not an object", wire.ErrMissingField)
	}

	isGenesis, _ = data["isGenesis"].(bool)

	rawPeers, _ := data["peers"].([]any)
	for _, rp := range rawPeers {
		pm, ok := rp.(map[string]any)
		if !ok {
			continue
		}
		idHex, _ := pm["node_id"].(string)
		peerID, err := nodeid.FromHex(idHex)
		if err != nil {
			continue
		}
		var metadata routing.PeerMetadata
		if rawMeta, ok := pm["metadata"].(map[string]any); ok {
			metadata = routing.UnmarshalWireMetadata(rawMeta)
		}
		peers = append(peers, PeerDescriptor{NodeID: peerID, Metadata: metadata})
	}
	return isGenesis, peers, nil
}

// CreateInvitationForPeer asks the bootstrap server to relay an
// invitation to target (spec.md §4.8 item 3). The server's eventual
// relay outcome is observed asynchronously via Invitations.
func (c *Client) CreateInvitationForPeer(target nodeid.ID) error {
	frame := wire.New(wire.TypeCreateInvitation).
		WithFrom(c.id.NodeID().ToHex()).
		WithTimestamp(time.Now().UnixMilli()).
		Set("target_node_id", target.ToHex())
	return c.writeFrame(frame)
}

// SendSignal relays a connection_offer/_answer/_candidate frame through
// the bootstrap server as a last-resort WebRTC signaling path (spec.md
// §4.8 item 4, §4.9 "dropped back to BootstrapClient as a last resort").
func (c *Client) SendSignal(frame wire.Frame) error {
	return c.writeFrame(frame)
}

func (c *Client) request(ctx context.Context, frame wire.Frame, timeout time.Duration) (wire.Frame, error) {
	reqID, ok := frame.RequestID()
	if !ok {
		return nil, fmt.Errorf("bootstrap: request frame missing requestId")
	}

	ch := make(chan wire.Frame, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = ch
	c.pendingMu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return nil, ErrTimeout
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) writeFrame(frame wire.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	if err := limits.ValidateWireFrame(data); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("bootstrap: write: %w", err)
	}
	return nil
}

func (c *Client) readFrameWithTimeout(timeout time.Duration) (wire.Frame, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return wire.Decode(data)
}

// readLoop pumps frames after admission completes, dispatching
// responses, invitations, and signals.
func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := limits.ValidateWireFrame(data); err != nil {
			continue
		}
		frame, err := wire.Decode(data)
		if err != nil {
			continue
		}

		if reqID, ok := frame.RequestID(); ok {
			c.pendingMu.Lock()
			ch, found := c.pending[reqID]
			if found {
				delete(c.pending, reqID)
			}
			c.pendingMu.Unlock()
			if found {
				ch <- frame
				continue
			}
		}

		switch frame.Type() {
		case wire.TypeForwardInvitation, wire.TypeInvitationForBridge:
			select {
			case c.invitations <- Invitation{FrameType: frame.Type(), Frame: frame}:
			default:
			}
		case wire.TypeConnectionOffer, wire.TypeConnectionAnswer, wire.TypeConnectionCandidate:
			select {
			case c.signals <- frame:
			default:
			}
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Client.readLoop",
				"package":  "bootstrap",
				"type":     frame.Type(),
			}).Debug("ignoring unexpected bootstrap frame type")
		}
	}
}

// Close stops the reconnect loop and closes any active connection.
func (c *Client) Close() error {
	close(c.stop)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsConnected reports whether the bootstrap link is currently admitted.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
