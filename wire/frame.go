package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Frame types, per spec.md §6's minimal frame catalogue plus the
// bootstrap wire's own type set.
const (
	TypePing     = "ping"
	TypePong     = "pong"
	TypeFindNode         = "find_node"
	TypeFindNodeResponse = "find_node_response"
	TypeFindValue         = "find_value"
	TypeFindValueResponse = "find_value_response"
	TypeStore         = "store"
	TypeStoreResponse = "store_response"

	TypeConnectionOffer     = "connection_offer"
	TypeConnectionAnswer    = "connection_answer"
	TypeConnectionCandidate = "connection_candidate"
	TypeConnectionRequest   = "connection_request"

	TypeDHTPeerHello     = "dht_peer_hello"
	TypeDHTPeerConnected = "dht_peer_connected"

	TypeKeepAlivePing = "keep_alive_ping"
	TypeKeepAlivePong = "keep_alive_pong"

	TypeRegister            = "register"
	TypeAuthChallenge       = "auth_challenge"
	TypeAuthResponse        = "auth_response"
	TypeRegistered          = "registered"
	TypeVersionMismatch     = "version_mismatch"
	TypeGetPeersOrGenesis   = "get_peers_or_genesis"
	TypeResponse            = "response"
	TypeCreateInvitation    = "create_invitation_for_peer"
	TypeForwardInvitation   = "forward_invitation"
	TypeInvitationForBridge = "invitation_for_bridge"
)

// ErrMissingField is wrapped into a descriptive error when a required
// frame field is absent or of the wrong type.
var ErrMissingField = errors.New("wire: missing or invalid field")

// Frame is the JSON envelope carried over every transport (spec.md §6):
// every frame is an object carrying at least a "type" string; DHT frames
// additionally carry "from" (hex node id) and "timestamp" (unix_ms);
// requests carry "requestId" and responses echo it. Frame wraps a
// map[string]any rather than a fixed struct because the catalogue mixes
// many shapes over one wire and handlers only ever need a handful of
// fields at a time — mirroring the teacher's tagged-union packet model
// (transport/packet.go) translated to JSON's native open-object shape.
type Frame map[string]any

// New constructs a Frame of the given type with no other fields set.
func New(frameType string) Frame {
	return Frame{"type": frameType}
}

// NewRequest constructs a Frame of the given type with a fresh requestId.
func NewRequest(frameType string) Frame {
	f := New(frameType)
	f["requestId"] = uuid.NewString()
	return f
}

// Type returns the frame's "type" field, or "" if absent/invalid.
func (f Frame) Type() string {
	s, _ := f["type"].(string)
	return s
}

// RequestID returns the frame's "requestId" field and whether it was present.
func (f Frame) RequestID() (string, bool) {
	s, ok := f["requestId"].(string)
	return s, ok
}

// WithRequestID echoes requestID onto a response frame, matching
// spec.md §6's "responses echo it".
func (f Frame) WithRequestID(requestID string) Frame {
	f["requestId"] = requestID
	return f
}

// From returns the frame's "from" hex node id field.
func (f Frame) From() (string, bool) {
	s, ok := f["from"].(string)
	return s, ok
}

// WithFrom sets the "from" field to the given hex node id.
func (f Frame) WithFrom(nodeIDHex string) Frame {
	f["from"] = nodeIDHex
	return f
}

// Timestamp returns the frame's "timestamp" field as unix_ms.
func (f Frame) Timestamp() (int64, bool) {
	switch v := f["timestamp"].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// WithTimestamp sets the "timestamp" field to unixMillis.
func (f Frame) WithTimestamp(unixMillis int64) Frame {
	f["timestamp"] = unixMillis
	return f
}

// Set assigns an arbitrary field, for catalogue-specific payload keys
// (target, key, value, nodes, signal, toPeerId, and so on).
func (f Frame) Set(key string, value any) Frame {
	f[key] = value
	return f
}

// String returns a string-typed field, erroring via ErrMissingField if
// absent or not a string.
func (f Frame) String(key string) (string, error) {
	v, ok := f[key]
	if !ok {
		return "", fmt.Errorf("wire: field %q: %w", key, ErrMissingField)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("wire: field %q not a string: %w", key, ErrMissingField)
	}
	return s, nil
}

// Raw returns the raw, untyped value of a field and whether it was present.
func (f Frame) Raw(key string) (any, bool) {
	v, ok := f[key]
	return v, ok
}

// Encode serializes the frame to a single JSON text message, per
// spec.md §6's "JSON text frames over the chosen transport".
func Encode(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return b, nil
}

// Decode parses a single JSON text message into a Frame and validates
// that it carries a non-empty "type" field.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	if f.Type() == "" {
		return nil, fmt.Errorf("wire: decode: %w: type", ErrMissingField)
	}
	return f, nil
}

// DecodeAs parses data and asserts its type equals want, returning
// ErrMissingField-wrapped error text naming the mismatch otherwise.
func DecodeAs(data []byte, want string) (Frame, error) {
	f, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if f.Type() != want {
		return nil, fmt.Errorf("wire: expected frame type %q, got %q", want, f.Type())
	}
	return f, nil
}
