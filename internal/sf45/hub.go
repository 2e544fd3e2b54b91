package sf45

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultHubBuffer is the per-subscriber channel capacity.
const DefaultHubBuffer = 256

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Hub fans events out to any number of subscribers. A subscriber that falls
// behind loses the newest events rather than blocking the worker; the losses
// are counted. Per-subscriber order is preserved.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*subscriber
	buffer  int
	closing bool
	total   atomic.Uint64
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultHubBuffer
	}
	return &Hub{subs: make(map[string]*subscriber), buffer: buffer}
}

// Subscribe registers a new channel. The id is used to Unsubscribe. After the
// hub is closed the returned channel is already closed.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		close(sub.ch)
		return id, sub.ch
	}
	h.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Publish delivers ev to every subscriber without blocking. It has the Sink
// signature so a Hub can be passed directly to Controller.Start.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			h.total.Add(1)
		}
	}
}

// Sink returns Publish as a Sink.
func (h *Hub) Sink() Sink { return h.Publish }

// Dropped returns the number of events lost by one subscriber.
func (h *Hub) Dropped(id string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// TotalDropped counts events lost across all subscribers, past and present.
func (h *Hub) TotalDropped() uint64 { return h.total.Load() }

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel and later events are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closing = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}
