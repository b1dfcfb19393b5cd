package events

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/cordial/internal/transport"
)

func msgEvent(id string) Event {
	return Event{Kind: KindMessage, Message: transport.Message{ID: id, ChannelID: "c1"}}
}

func TestQueue_PushAndNext(t *testing.T) {
	q := NewQueue(8, WithCoalesceWindow(10*time.Millisecond))
	if !q.Push(msgEvent("1")) {
		t.Fatal("Push returned false on empty queue")
	}
	q.Push(msgEvent("2"))

	batch := q.Next(context.Background())
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	if batch[0].Message.ID != "1" || batch[1].Message.ID != "2" {
		t.Errorf("batch order = [%s %s], want [1 2]", batch[0].Message.ID, batch[1].Message.ID)
	}
}

func TestQueue_DropsWhenFull(t *testing.T) {
	var drops []DropReason
	q := NewQueue(2, WithDropHandler(func(r DropReason) { drops = append(drops, r) }))

	q.Push(msgEvent("1"))
	q.Push(msgEvent("2"))
	if q.Push(msgEvent("3")) {
		t.Error("Push returned true on full queue")
	}
	if len(drops) != 1 || drops[0] != DropQueueFull {
		t.Errorf("drops = %v, want [queue_full]", drops)
	}
}

func TestQueue_Dedupe(t *testing.T) {
	q := NewQueue(8, WithDedupe(time.Minute))
	if !q.Push(msgEvent("1")) {
		t.Fatal("first push dropped")
	}
	if q.Push(msgEvent("1")) {
		t.Error("duplicate push accepted")
	}
	// Same id, different kind is not a duplicate.
	if !q.Push(Event{Kind: KindDelete, Message: transport.Message{ID: "1"}}) {
		t.Error("delete event for same id dropped")
	}
}

func TestQueue_EditDedupeKeysOnContent(t *testing.T) {
	q := NewQueue(8, WithDedupe(time.Minute))
	edit := func(content string) Event {
		return Event{Kind: KindEdit, Message: transport.Message{ID: "1", ChannelID: "c1", Content: content}}
	}
	if !q.Push(edit("first draft")) {
		t.Fatal("first edit dropped")
	}
	if !q.Push(edit("second draft")) {
		t.Error("distinct revision dropped as duplicate")
	}
	// A redelivered copy of an already-seen revision is a duplicate.
	if q.Push(edit("first draft")) {
		t.Error("redelivered revision accepted")
	}
}

func TestQueue_NextHonorsContext(t *testing.T) {
	q := NewQueue(8)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if batch := q.Next(ctx); batch != nil {
		t.Errorf("Next on empty queue = %v, want nil", batch)
	}
}

func TestQueue_CoalesceStopsAtWindow(t *testing.T) {
	q := NewQueue(8, WithCoalesceWindow(30*time.Millisecond))
	q.Push(msgEvent("1"))

	done := make(chan []Event, 1)
	go func() { done <- q.Next(context.Background()) }()

	time.Sleep(5 * time.Millisecond)
	q.Push(msgEvent("2"))

	select {
	case batch := <-done:
		if len(batch) != 2 {
			t.Errorf("batch size = %d, want 2", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return within window")
	}
}
