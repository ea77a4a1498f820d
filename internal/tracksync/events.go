package tracksync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	EventEntitySynced    = "entity.synced"
	EventEntityFailed    = "entity.failed"
	EventEntityRecreated = "entity.recreated"
	EventReconcileDone   = "reconcile.completed"
	EventTokenRefreshed  = "credential.refreshed"
	EventConnected       = "workspace.connected"
	EventDisconnected    = "workspace.disconnected"
)

// SyncEvent is the transient record of one sync outcome, kept in a ring
// buffer for the feed and streamed to subscribers. Not persisted.
type SyncEvent struct {
	EventID   string     `json:"eventId"`
	Type      string     `json:"type"`
	LocalID   string     `json:"localId,omitempty"`
	Kind      EntityKind `json:"kind,omitempty"`
	Provider  string     `json:"provider,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	Timestamp string     `json:"timestamp"`
}

type EventFeed struct {
	mu          sync.Mutex
	events      []SyncEvent
	counter     uint64
	capacity    int
	subCounter  int
	subscribers map[int]chan SyncEvent
}

func NewEventFeed(capacity int) *EventFeed {
	if capacity <= 0 {
		capacity = 512
	}
	return &EventFeed{
		capacity:    capacity,
		subscribers: map[int]chan SyncEvent{},
	}
}

func (f *EventFeed) Publish(event SyncEvent) SyncEvent {
	if f == nil {
		return event
	}
	f.mu.Lock()
	f.counter++
	event.EventID = fmt.Sprintf("evt_%d", f.counter)
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	f.events = append(f.events, event)
	if len(f.events) > f.capacity {
		f.events = f.events[len(f.events)-f.capacity:]
	}
	// Sends stay under the lock so an unsubscribe cannot close a channel
	// mid-send; slow subscribers drop events rather than block publishers.
	for _, ch := range f.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	f.mu.Unlock()
	return event
}

// Recent returns events after the given cursor (exclusive). An empty
// cursor returns the whole retained window.
func (f *EventFeed) Recent(cursor string, limit int) ([]SyncEvent, string) {
	if f == nil {
		return nil, ""
	}
	if limit <= 0 {
		limit = 200
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	start := 0
	if cursor != "" {
		for i := range f.events {
			if f.events[i].EventID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(f.events) {
		return []SyncEvent{}, cursor
	}
	end := start + limit
	if end > len(f.events) {
		end = len(f.events)
	}
	chunk := append([]SyncEvent(nil), f.events[start:end]...)
	next := cursor
	if len(chunk) > 0 {
		next = chunk[len(chunk)-1].EventID
	}
	return chunk, next
}

// EventSequence returns the monotonic sequence encoded in an event id,
// or 0 for an empty or malformed id. Sequences order events across the
// replay window and the live channel.
func EventSequence(id string) uint64 {
	n, err := strconv.ParseUint(strings.TrimPrefix(id, "evt_"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Subscribe registers a live listener. The returned channel closes when
// ctx is done or the returned cancel func runs.
func (f *EventFeed) Subscribe(ctx context.Context) (<-chan SyncEvent, func()) {
	ch := make(chan SyncEvent, 64)
	f.mu.Lock()
	f.subCounter++
	id := f.subCounter
	f.subscribers[id] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subscribers, id)
			close(ch)
			f.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel
}
