// Package visibility distributes foreground/background transitions of one
// surface to every component that polls on its behalf, replacing ambient
// global visibility state with explicit message passing.
package visibility

import (
	"sync"

	"github.com/paywatch/statesync/api"
)

// Hub fans one visibility signal out to subscribed listeners. A new hub
// starts visible.
type Hub struct {
	mu      sync.Mutex
	visible bool
	subs    map[int]api.VisibilityListener
	nextSub int
}

// NewHub returns a hub in the visible state.
func NewHub() *Hub {
	return &Hub{
		visible: true,
		subs:    make(map[int]api.VisibilityListener),
	}
}

// Visible returns the current state.
func (h *Hub) Visible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.visible
}

// Set publishes a visibility change. Listeners are notified only on actual
// transitions, outside the hub's lock.
func (h *Hub) Set(visible bool) {
	h.mu.Lock()
	if visible == h.visible {
		h.mu.Unlock()
		return
	}
	h.visible = visible
	listeners := make([]api.VisibilityListener, 0, len(h.subs))
	for _, fn := range h.subs {
		listeners = append(listeners, fn)
	}
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(visible)
	}
}

// Subscribe registers a listener and returns its id.
func (h *Hub) Subscribe(fn api.VisibilityListener) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	return id
}

// Unsubscribe removes a listener.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}
