package logstream

import (
	"sync"
)

// subscriber channel depth. Live delivery is best-effort: when a consumer
// falls this far behind, further entries are dropped for it and it catches
// up from the durable store.
const subscriberBuffer = 256

// Hub is the in-process fan-out. Publish never blocks on a subscriber.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	scope string
	ch    chan Entry
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[*subscription]struct{}{}}
}

// Publish fans the entry out to current subscribers of its scope.
func (h *Hub) Publish(e Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[e.Scope] {
		select {
		case sub.ch <- e:
		default:
			// Slow subscriber: drop. It reconciles via the store.
		}
	}
}

// Subscribe registers a live listener for a scope. The returned cancel
// function must be called to release the subscription.
func (h *Hub) Subscribe(scope string) (<-chan Entry, func()) {
	sub := &subscription{scope: scope, ch: make(chan Entry, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[scope] == nil {
		h.subs[scope] = map[*subscription]struct{}{}
	}
	h.subs[scope][sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[scope]; ok {
			if _, ok := set[sub]; ok {
				delete(set, sub)
				close(sub.ch)
			}
			if len(set) == 0 {
				delete(h.subs, scope)
			}
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// SubscriberCount reports active subscriptions for a scope.
func (h *Hub) SubscriberCount(scope string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[scope])
}
