// Package events provides the typed change-notification bus the core
// emits on. UI collaborators subscribe to refresh their views; nothing
// inside the core reads its own notifications, so there is no ambient
// mutable state to race on.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind identifies the type of a change notification.
type Kind string

const (
	// KindTuneChanged indicates a tune or tune override was written.
	KindTuneChanged Kind = "tune_changed"

	// KindCollectionChanged indicates a collection or membership was written.
	KindCollectionChanged Kind = "collection_changed"

	// KindPracticeCommitted indicates a staged rating became a permanent
	// practice record.
	KindPracticeCommitted Kind = "practice_committed"

	// KindQueueRegenerated indicates a day's queue was materialized.
	KindQueueRegenerated Kind = "queue_regenerated"

	// KindSyncCompleted indicates a push/pull cycle finished.
	KindSyncCompleted Kind = "sync_completed"

	// KindSyncFailed indicates an outbox entry exhausted its retries and
	// needs manual attention.
	KindSyncFailed Kind = "sync_failed"

	// KindSnapshotOverwritten indicates the durable snapshot blob was
	// replaced by another process.
	KindSnapshotOverwritten Kind = "snapshot_overwritten"
)

// Event is one change notification.
type Event struct {
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// subscriber is one registered listener with its kind filter.
type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool // empty means all kinds
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose channel is full misses the event, the same tradeoff
// the sync dashboard makes for its broadcast channel.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]bool)}
}

// Subscribe registers a listener for the given kinds (all kinds when
// none are named) and returns the delivery channel plus a cancel
// function. Cancel closes the channel and must be called exactly once.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	sub := &subscriber{
		ch:    make(chan Event, 16),
		kinds: make(map[Kind]bool, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber without
// blocking. A zero timestamp is stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if len(sub.kinds) > 0 && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber; drop rather than stall writers.
		}
	}
}

// Emit is shorthand for publishing a kind with a JSON-marshaled data
// payload. Marshal failures publish the event without data.
func (b *Bus) Emit(kind Kind, data any) {
	ev := Event{Kind: kind}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	b.Publish(ev)
}
