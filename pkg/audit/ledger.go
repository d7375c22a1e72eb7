package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"aegisgate/pkg/stream"

	"github.com/google/uuid"
)

const DefaultCapacity = 10000

// Entry is one append-only audit record.
type Entry struct {
	ID    string                 `json:"id"`
	At    time.Time              `json:"timestamp"`
	Actor string                 `json:"actor,omitempty"`
	Event string                 `json:"event_type"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Archiver persists entries beyond the in-memory window. Failures are
// logged, never surfaced to the caller appending the entry.
type Archiver interface {
	Append(ctx context.Context, e Entry) error
}

// Ledger is a capacity-bounded append-only event log. When full, the oldest
// entry is evicted first.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	size    int

	Hub      *stream.Hub
	Archiver Archiver
}

func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{entries: make([]Entry, capacity)}
}

func (l *Ledger) Append(actor, event string, data map[string]interface{}) Entry {
	e := Entry{
		ID:    uuid.New().String(),
		At:    time.Now().UTC(),
		Actor: actor,
		Event: event,
		Data:  data,
	}
	l.mu.Lock()
	idx := (l.head + l.size) % len(l.entries)
	l.entries[idx] = e
	if l.size < len(l.entries) {
		l.size++
	} else {
		l.head = (l.head + 1) % len(l.entries)
	}
	l.mu.Unlock()

	if l.Hub != nil {
		l.Hub.Publish(stream.NewEvent(event, e))
	}
	if l.Archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Archiver.Append(ctx, e); err != nil {
			log.Printf("audit archive failed: %v", err)
		}
	}
	return e
}

// Recent returns up to limit entries, newest first.
func (l *Ledger) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.head + l.size - 1 - i) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}

// ByEvent returns up to limit entries with the given event type, newest first.
func (l *Ledger) ByEvent(event string, limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		limit = l.size
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < l.size && len(out) < limit; i++ {
		idx := (l.head + l.size - 1 - i) % len(l.entries)
		if l.entries[idx].Event == event {
			out = append(out, l.entries[idx])
		}
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *Ledger) Capacity() int {
	return len(l.entries)
}
