package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxSignalFrame is the ceiling for control frames carrying no user
	// payload: ping, pong, find_node, find_node_response, connection
	// signaling, keep-alives.
	MaxSignalFrame = 4096

	// MaxStoreValue is the maximum value payload accepted by a `store`
	// frame (spec.md §6).
	MaxStoreValue = 16384

	// MaxWireFrame is the absolute maximum size of any single decoded
	// JSON frame, regardless of type. This prevents memory exhaustion
	// from a misbehaving or malicious peer.
	MaxWireFrame = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided.
	ErrMessageEmpty = errors.New("limits: empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size.
	ErrMessageTooLarge = errors.New("limits: message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("limits: %d bytes exceeds limit of %d: %w", len(message), maxSize, ErrMessageTooLarge)
	}
	return nil
}

// ValidateSignalFrame validates a control-frame-sized message.
func ValidateSignalFrame(message []byte) error {
	return ValidateMessageSize(message, MaxSignalFrame)
}

// ValidateStoreValue validates a `store` frame's value payload.
func ValidateStoreValue(value []byte) error {
	return ValidateMessageSize(value, MaxStoreValue)
}

// ValidateWireFrame validates a raw decoded wire frame against the
// absolute maximum.
func ValidateWireFrame(data []byte) error {
	return ValidateMessageSize(data, MaxWireFrame)
}
