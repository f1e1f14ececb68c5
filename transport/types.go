package transport

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/meshdht/nodeid"
	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/wire"
)

// State is a connection's position in the lifecycle state machine
// (spec.md §4.5): Idle -> Connecting -> Handshaking -> Open ->
// {Closing, Failed} -> Closed.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateOpen
	StateClosing
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error kinds from spec.md §7. Each is a sentinel error a caller can
// match with errors.Is; connection-level kinds are also carried as the
// Reason on a PeerDisconnected event.
var (
	ErrTimeout          = errors.New("transport: timeout")
	ErrClosed           = errors.New("transport: closed")
	ErrHandshakeFailed  = errors.New("transport: handshake failed")
	ErrNotOpen          = errors.New("transport: not open")
	ErrDestroyed        = errors.New("transport: destroyed")
	ErrMaxConnections   = errors.New("transport: max connections")
	ErrNoReachableAddr  = errors.New("transport: no reachable address")
	ErrNoReverseDial    = errors.New("transport: no reverse dial")
	ErrVersionMismatch  = errors.New("transport: version mismatch")
	ErrAuthFailed       = errors.New("transport: auth failed")
	ErrRateLimited      = errors.New("transport: rate limited")
	ErrDuplicate        = errors.New("transport: duplicate")
	ErrPoliteYielded    = errors.New("transport: polite yielded")
)

// EventKind distinguishes the uniform event stream every Manager emits
// (spec.md §3's "peer-connected, peer-disconnected, dht-message, signal,
// pong").
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
)

// PeerEvent reports a connection lifecycle transition.
type PeerEvent struct {
	Kind     EventKind
	PeerID   nodeid.ID
	Metadata routing.PeerMetadata // valid on EventPeerConnected
	Reason   error                // valid on EventPeerDisconnected
}

// SignalEvent carries a `connection_offer`/`_answer`/`_candidate`/
// `_request` frame a Manager cannot itself interpret, for the Kademlia
// layer's signal-relaying responsibility (spec.md §4.9).
type SignalEvent struct {
	PeerID nodeid.ID
	Frame  wire.Frame
}

// Manager is the uniform per-peer transport surface (spec.md §4.4).
// Exactly one Manager exists per remote peer; it is never shared across
// peers and serializes its own internal state.
type Manager interface {
	// Open begins or completes connection establishment, idempotently:
	// calling Open on an already-Open manager is a no-op.
	Open(ctx context.Context) error

	// Send enqueues a protocol frame for delivery. Returns ErrNotOpen if
	// the connection is not in StateOpen, ErrDestroyed after Close.
	Send(frame wire.Frame) error

	// Request sends a frame carrying a requestId and blocks until a
	// correlated response frame arrives, ctx is done, or timeout elapses.
	Request(ctx context.Context, frame wire.Frame, timeout time.Duration) (wire.Frame, error)

	// Close tears the connection down with the given reason, cancels all
	// pending requests with ErrDestroyed, and stops all timers. No
	// callback fires after Close returns.
	Close(reason error) error

	// IsOpen reports whether the connection is currently in StateOpen.
	IsOpen() bool

	// State returns the current lifecycle state.
	State() State

	// PeerEvents is closed when the manager is destroyed.
	PeerEvents() <-chan PeerEvent
	// DHTMessages carries every non-signal DHT frame received.
	DHTMessages() <-chan wire.Frame
	// Signals carries connection_offer/_answer/_candidate/_request frames.
	Signals() <-chan SignalEvent
}
