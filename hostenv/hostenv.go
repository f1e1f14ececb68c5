package hostenv

import "sync"

// HostEnvironment reports and signals the visibility of the tab or
// window a node is running in, driving the keep-alive cadence chosen in
// spec.md §4.7: 30 s pings while visible, 10 s while hidden.
type HostEnvironment interface {
	// IsVisible reports the current visibility state.
	IsVisible() bool
	// OnVisibilityChange registers cb to be called whenever visibility
	// changes. Returns an unsubscribe function.
	OnVisibilityChange(cb func(visible bool)) (unsubscribe func())
}

// AlwaysVisible is the HostEnvironment for server-role nodes, which have
// no tab to hide and so never vary their keep-alive cadence.
type AlwaysVisible struct{}

func (AlwaysVisible) IsVisible() bool { return true }

func (AlwaysVisible) OnVisibilityChange(func(visible bool)) (unsubscribe func()) {
	return func() {}
}

// Manual is a test/embedding double whose visibility is set explicitly,
// for simulating a browser host's document.visibilityState transitions.
type Manual struct {
	mu        sync.Mutex
	visible   bool
	listeners map[int]func(bool)
	nextID    int
}

// NewManual constructs a Manual host environment starting in the given
// visibility state.
func NewManual(visible bool) *Manual {
	return &Manual{
		visible:   visible,
		listeners: make(map[int]func(bool)),
	}
}

func (m *Manual) IsVisible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

func (m *Manual) OnVisibilityChange(cb func(visible bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetVisible updates the visibility state and notifies all subscribers
// if it changed.
func (m *Manual) SetVisible(visible bool) {
	m.mu.Lock()
	if m.visible == visible {
		m.mu.Unlock()
		return
	}
	m.visible = visible
	cbs := make([]func(bool), 0, len(m.listeners))
	for _, cb := range m.listeners {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(visible)
	}
}
