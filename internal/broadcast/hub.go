package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/zulandar/parley/internal/metrics"
)

const defaultBuffer = 64

// Subscription receives events for one room, or for all rooms when created
// with an empty room ID. C is closed by Close, or by the hub when the
// subscriber falls behind; a reader that sees C close before it asked to
// has missed events and must reload the transcript.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	roomID  string
	hub     *Hub
	lagging atomic.Bool
	closed  bool // guarded by hub.mu
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.detach(s)
}

// Evicted reports whether the hub closed the subscription because its
// buffer overflowed.
func (s *Subscription) Evicted() bool { return s.lagging.Load() }

// Hub is the in-process fan-out. A subscriber whose buffer is full is
// evicted rather than skipped, so no subscriber ever sees a gap.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Subscription]struct{}
	buffer  int
	metrics *metrics.Metrics
}

// NewHub creates a Hub. buffer <= 0 uses the default.
func NewHub(buffer int, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		rooms:   make(map[string]map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscribe registers interest in roomID ("" = every room).
func (h *Hub) Subscribe(roomID string) *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, roomID: roomID, hub: h}
	h.mu.Lock()
	subs, ok := h.rooms[roomID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.rooms[roomID] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// detach removes s and closes its channel. Caller holds h.mu for writing.
func (h *Hub) detach(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	if subs, ok := h.rooms[s.roomID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.rooms, s.roomID)
		}
	}
	close(s.ch)
}

// Publish delivers e to the room's subscribers and the wildcard ones.
func (h *Hub) Publish(e Event) {
	h.metrics.RecordEvent(string(e.Type))
	h.mu.RLock()
	slow := h.deliver(h.rooms[e.RoomID], e, nil)
	if e.RoomID != "" {
		slow = h.deliver(h.rooms[""], e, slow)
	}
	h.mu.RUnlock()
	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, s := range slow {
		h.detach(s)
	}
	h.mu.Unlock()
}

// deliver sends e to every subscriber still in step and returns the ones
// that just fell behind. A lagging subscriber gets nothing more, even before
// it is detached.
func (h *Hub) deliver(subs map[*Subscription]struct{}, e Event, slow []*Subscription) []*Subscription {
	for s := range subs {
		if s.lagging.Load() {
			continue
		}
		select {
		case s.ch <- e:
		default:
			if s.lagging.CompareAndSwap(false, true) {
				h.metrics.RecordBroadcastDrop()
				slow = append(slow, s)
			}
		}
	}
	return slow
}

// EvictAll closes every subscription, as after a gap in the relayed
// stream. Readers reconnect and reload.
func (h *Hub) EvictAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.rooms {
		for s := range subs {
			s.lagging.Store(true)
			h.detach(s)
			n++
		}
	}
	return n
}

// Subscribers returns the number of subscriptions for roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
