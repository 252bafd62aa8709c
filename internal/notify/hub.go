// Package notify is the in-process live-subscription channel: every
// record write publishes a fresh snapshot, subscribers receive pushed
// snapshots and never poll. Delivery is coalescing: a slow subscriber
// may skip intermediate snapshots but always observes a monotonically
// advancing view, because snapshots are published after the write in
// the writer's own order.
package notify

import (
	"sync"

	"github.com/kalambet/researchd/internal/storage"
)

// subscriber buffer; sends to a full buffer are dropped (the next
// snapshot supersedes the missed one).
const subscriberBuffer = 16

// Hub fans research record snapshots out to subscribers.
type Hub struct {
	mu     sync.Mutex
	nextID int
	// keyed by record ID; "" holds wildcard subscribers (feed views).
	subs map[string]map[int]chan storage.Research
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan storage.Research)}
}

// Subscribe registers for snapshots of one record, or of every record
// when recordID is "". The returned cancel func must be called to
// release the subscription; the channel is closed on cancel.
func (h *Hub) Subscribe(recordID string) (<-chan storage.Research, func()) {
	ch := make(chan storage.Research, subscriberBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[recordID] == nil {
		h.subs[recordID] = make(map[int]chan storage.Research)
	}
	h.subs[recordID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[recordID]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(h.subs, recordID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers a snapshot to the record's subscribers and to
// wildcard subscribers. Never blocks; full subscribers miss this
// snapshot and catch up on the next one.
func (h *Hub) Publish(r storage.Research) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[r.ID] {
		select {
		case ch <- r:
		default:
		}
	}
	for _, ch := range h.subs[""] {
		select {
		case ch <- r:
		default:
		}
	}
}
