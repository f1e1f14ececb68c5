package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetadataWireRoundTrip(t *testing.T) {
	visible := false
	m := PeerMetadata{
		NodeKind:           NodeKindServer,
		ListeningAddresses: []string{"wss://a", "wss://b"},
		PublicAddress:      "1.2.3.4:443",
		Capabilities:       map[string]struct{}{"relay": {}, "store": {}},
		ProtocolVersion:    "1",
		BuildID:            "build-1",
		TabVisible:         &visible,
	}

	got := UnmarshalWireMetadata(m.MarshalWire())
	assert.Equal(t, m.NodeKind, got.NodeKind)
	assert.Equal(t, m.ListeningAddresses, got.ListeningAddresses)
	assert.Equal(t, m.PublicAddress, got.PublicAddress)
	assert.Equal(t, m.BuildID, got.BuildID)
	assert.True(t, got.HasCapability("relay"))
	assert.True(t, got.HasCapability("store"))
	require := assert.New(t)
	require.NotNil(got.TabVisible)
	require.Equal(false, *got.TabVisible)
}

func TestUnmarshalWireMetadataInfersKindWhenAbsent(t *testing.T) {
	m := UnmarshalWireMetadata(map[string]any{
		"listeningAddresses": []any{"wss://x"},
	})
	assert.Equal(t, NodeKindServer, m.NodeKind)

	m2 := UnmarshalWireMetadata(map[string]any{})
	assert.Equal(t, NodeKindBrowser, m2.NodeKind)
}
