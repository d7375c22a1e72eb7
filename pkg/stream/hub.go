package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a single gate event fanned out to live subscribers.
type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	evt := Event{
		Type: eventType,
		At:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			evt.Data = raw
		}
	}
	return evt
}

// Hub is a non-blocking broadcast fan-out. A subscriber whose buffer is
// full misses the event; the hub counts the drop and moves on.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the channel. Safe to call more than once.
// Closing under the write lock is safe: Publish sends only while holding
// the read lock.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; !ok {
		return
	}
	delete(h.subs, ch)
	close(ch)
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many events were discarded due to full buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
