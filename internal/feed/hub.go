// Package feed fans out accepted cab position reports to live observers.
package feed

import (
	"sync"

	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/observability"
)

const DefaultBuffer = 64

// Hub is a non-blocking broadcaster. Publish never waits on a subscriber: an
// event that does not fit in a subscriber's buffer is dropped for that
// subscriber only.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	latest map[string]models.PositionEvent
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{}), latest: make(map[string]models.PositionEvent)}
}

type Subscription struct {
	name string
	ch   chan models.PositionEvent
	hub  *Hub
	once sync.Once

	mu      sync.Mutex
	dropped uint64
}

// Subscribe registers a new observer. name labels the drop metric.
func (h *Hub) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{name: name, ch: make(chan models.PositionEvent, buffer), hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Events is closed once the subscription is closed.
func (s *Subscription) Events() <-chan models.PositionEvent { return s.ch }

func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

// Publish records ev as the cab's latest position and offers it to every
// subscriber in arrival order.
func (h *Hub) Publish(ev models.PositionEvent) {
	// one lock for both so subscribers and Latest agree on the order
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[ev.CabID] = ev
	observability.FeedPublished.Inc()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			observability.FeedDropped.WithLabelValues(s.name).Inc()
		}
	}
}

// Latest returns the last published position for a cab.
func (h *Hub) Latest(cabID string) (models.PositionEvent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.latest[cabID]
	return ev, ok
}

// Snapshot returns the latest position of every cab seen so far.
func (h *Hub) Snapshot() []models.PositionEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.PositionEvent, 0, len(h.latest))
	for _, ev := range h.latest {
		out = append(out, ev)
	}
	return out
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
