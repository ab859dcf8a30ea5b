package watch

import (
	"sync"

	"reviewline/internal/domain"
)

// Hub fans confirmed deliverable snapshots out to subscribers. Publishers
// call Publish after their write has committed, so a snapshot a subscriber
// receives is always durable state, never an in-flight edit.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[int]chan domain.Deliverable
	next int
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[int]chan domain.Deliverable{}}
}

// Subscribe registers interest in one deliverable. The returned cancel func
// must be called to release the subscription; after cancel the channel is
// closed.
func (h *Hub) Subscribe(deliverableID string) (<-chan domain.Deliverable, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan domain.Deliverable, 8)
	if h.subs[deliverableID] == nil {
		h.subs[deliverableID] = map[int]chan domain.Deliverable{}
	}
	id := h.next
	h.next++
	h.subs[deliverableID][id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[deliverableID][id]; ok {
			delete(h.subs[deliverableID], id)
			if len(h.subs[deliverableID]) == 0 {
				delete(h.subs, deliverableID)
			}
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers a confirmed snapshot to every subscriber of the
// deliverable. Slow subscribers drop snapshots rather than block the caller;
// they will catch up on the next publish.
func (h *Hub) Publish(d domain.Deliverable) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[d.ID] {
		select {
		case ch <- d:
		default:
		}
	}
}
