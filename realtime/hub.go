// Package realtime fans domain events out to in-process listeners such as
// WebSocket connections.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"engagekit/core"
)

type subscriber struct {
	ch   chan core.Event
	user core.UserID
}

// Hub broadcasts events to buffered channels. Slow subscribers lose events
// rather than block publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Int64
}

func NewHub() *Hub { return &Hub{subs: map[int]subscriber{}} }

// Subscribe registers a listener. A non-empty user restricts delivery to
// that user's events.
func (h *Hub) Subscribe(buffer int, user core.UserID) (int, <-chan core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	ch := make(chan core.Event, buffer)
	h.subs[id] = subscriber{ch: ch, user: user}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Subscribers returns the number of active listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Broadcast delivers ev to every matching subscriber.
func (h *Hub) Broadcast(_ context.Context, ev core.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.user != "" && s.user != ev.UserID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// MarshalJSON converts an event to JSON bytes for WebSocket/SSE.
func MarshalJSON(ev core.Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}

// Attach bridges every event published on bus to the hub.
func (h *Hub) Attach(bus interface {
	SubscribeAll(func(context.Context, core.Event)) func()
}) func() {
	return bus.SubscribeAll(h.Broadcast)
}
