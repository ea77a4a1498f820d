package tracksync

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestEventFeedRecentPaginatesWithCursor(t *testing.T) {
	feed := NewEventFeed(10)
	for i := 0; i < 5; i++ {
		feed.Publish(SyncEvent{Type: EventEntitySynced, LocalID: fmt.Sprintf("task_%d", i)})
	}

	first, cursor := feed.Recent("", 3)
	if len(first) != 3 {
		t.Fatalf("expected 3 events, got %d", len(first))
	}
	if first[0].LocalID != "task_0" {
		t.Fatalf("expected oldest first, got %+v", first[0])
	}

	rest, cursor2 := feed.Recent(cursor, 10)
	if len(rest) != 2 {
		t.Fatalf("expected remaining 2 events, got %d", len(rest))
	}
	if rest[0].LocalID != "task_3" {
		t.Fatalf("expected continuation after cursor, got %+v", rest[0])
	}

	empty, _ := feed.Recent(cursor2, 10)
	if len(empty) != 0 {
		t.Fatalf("expected no events past the tail, got %d", len(empty))
	}
}

func TestEventFeedTrimsToCapacity(t *testing.T) {
	feed := NewEventFeed(3)
	for i := 0; i < 7; i++ {
		feed.Publish(SyncEvent{Type: EventEntitySynced, LocalID: fmt.Sprintf("task_%d", i)})
	}
	events, _ := feed.Recent("", 10)
	if len(events) != 3 {
		t.Fatalf("expected retained window of 3, got %d", len(events))
	}
	if events[0].LocalID != "task_4" {
		t.Fatalf("expected oldest events dropped, got %+v", events[0])
	}
}

func TestEventFeedAssignsIDsAndTimestamps(t *testing.T) {
	feed := NewEventFeed(0)
	published := feed.Publish(SyncEvent{Type: EventReconcileDone})
	if published.EventID != "evt_1" {
		t.Fatalf("expected sequential event id, got %q", published.EventID)
	}
	if published.Timestamp == "" {
		t.Fatalf("expected timestamp assigned")
	}
	if _, err := time.Parse(time.RFC3339Nano, published.Timestamp); err != nil {
		t.Fatalf("expected RFC3339 timestamp, got %q: %v", published.Timestamp, err)
	}
}

func TestEventSequenceOrdersIDs(t *testing.T) {
	feed := NewEventFeed(0)
	first := feed.Publish(SyncEvent{Type: EventEntitySynced})
	second := feed.Publish(SyncEvent{Type: EventEntitySynced})

	if EventSequence(first.EventID) >= EventSequence(second.EventID) {
		t.Fatalf("expected increasing sequences, got %q then %q", first.EventID, second.EventID)
	}
	if EventSequence("") != 0 {
		t.Fatalf("expected 0 for empty id")
	}
	if EventSequence("garbage") != 0 {
		t.Fatalf("expected 0 for malformed id")
	}
}

func TestEventFeedSubscribeReceivesLiveEvents(t *testing.T) {
	feed := NewEventFeed(0)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	ch, cancel := feed.Subscribe(ctx)
	defer cancel()

	feed.Publish(SyncEvent{Type: EventEntitySynced, LocalID: "task_1"})

	select {
	case event := <-ch:
		if event.LocalID != "task_1" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected live event delivery")
	}
}

func TestEventFeedUnsubscribeClosesChannel(t *testing.T) {
	feed := NewEventFeed(0)
	ch, cancel := feed.Subscribe(context.Background())
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected channel to close")
	}

	// Publishing after unsubscribe must not panic.
	feed.Publish(SyncEvent{Type: EventEntitySynced})
	cancel()
}
