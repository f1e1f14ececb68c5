package hostenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlwaysVisibleIsAlwaysVisible(t *testing.T) {
	var h HostEnvironment = AlwaysVisible{}
	assert.True(t, h.IsVisible())

	unsub := h.OnVisibilityChange(func(bool) { t.Fatal("should never be called") })
	unsub()
}

func TestManualNotifiesOnChange(t *testing.T) {
	m := NewManual(true)
	var got []bool
	unsub := m.OnVisibilityChange(func(v bool) { got = append(got, v) })
	defer unsub()

	m.SetVisible(false)
	m.SetVisible(false) // no-op, same state
	m.SetVisible(true)

	assert.Equal(t, []bool{false, true}, got)
	assert.True(t, m.IsVisible())
}

func TestManualUnsubscribeStopsNotifications(t *testing.T) {
	m := NewManual(true)
	calls := 0
	unsub := m.OnVisibilityChange(func(bool) { calls++ })
	unsub()

	m.SetVisible(false)
	assert.Equal(t, 0, calls)
}
