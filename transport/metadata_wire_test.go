package transport

import (
	"testing"
	"time"

	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataWireRoundTrip(t *testing.T) {
	visible := true
	m := routing.PeerMetadata{
		NodeKind:           routing.NodeKindServer,
		ListeningAddresses: []string{"wss://example.invalid/"},
		PublicAddress:      "203.0.113.4:443",
		Capabilities:        map[string]struct{}{"relay": {}},
		ProtocolVersion:    "1",
		BuildID:            "build-abc",
		TabVisible:         &visible,
	}

	frame := wire.New(wire.TypeDHTPeerHello).
		WithTimestamp(time.Now().UnixMilli()).
		Set("metadata", metadataToWire(m))

	got, err := metadataFromWire(frame)
	require.NoError(t, err)
	assert.Equal(t, m.NodeKind, got.NodeKind)
	assert.Equal(t, m.ListeningAddresses, got.ListeningAddresses)
	assert.Equal(t, m.BuildID, got.BuildID)
	assert.True(t, got.HasCapability("relay"))
}

func TestMetadataFromWireRejectsMissingBuildID(t *testing.T) {
	frame := wire.New(wire.TypeDHTPeerHello).Set("metadata", map[string]any{
		"nodeKind": "server",
	})

	_, err := metadataFromWire(frame)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestMetadataFromWireRejectsMissingMetadataField(t *testing.T) {
	frame := wire.New(wire.TypeDHTPeerHello)
	_, err := metadataFromWire(frame)
	assert.ErrorIs(t, err, wire.ErrMissingField)
}
