// Package events provides the bounded transport-event queue that feeds
// the agent loop. Producers are gateway handlers; the single consumer is
// the loop's draining task.
package events

import (
	"context"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/haasonsaas/cordial/internal/transport"
)

// Kind classifies a transport event.
type Kind string

const (
	KindMessage Kind = "message"
	KindEdit    Kind = "edit"
	KindDelete  Kind = "delete"
)

// Event is one transport occurrence. Message is always populated; for
// deletes only the ids and author survive.
type Event struct {
	Kind      Kind
	Message   transport.Message
	Timestamp time.Time
}

// DropReason explains why Push rejected an event.
type DropReason string

const (
	DropQueueFull DropReason = "queue_full"
	DropDuplicate DropReason = "duplicate"
)

// Queue is a bounded MPSC queue with short-window batching. Events
// arriving while the queue is full are dropped, not blocked on: the
// transport gateway thread must never stall behind a slow activation.
type Queue struct {
	ch       chan Event
	coalesce time.Duration
	dedupe   *dedupe
	onDrop   func(DropReason)
}

// Option configures a Queue.
type Option func(*Queue)

// WithCoalesceWindow sets how long Next keeps draining after the first
// event arrives, so near-simultaneous messages land in one batch.
func WithCoalesceWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.coalesce = d
		}
	}
}

// WithDedupe drops events whose (kind, message id) was already seen
// within ttl; edits additionally key on content so each revision passes.
// Discord's gateway redelivers on reconnect.
func WithDedupe(ttl time.Duration) Option {
	return func(q *Queue) { q.dedupe = newDedupe(ttl, 4096) }
}

// WithDropHandler registers a callback for dropped events.
func WithDropHandler(fn func(DropReason)) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// NewQueue creates a queue holding at most size events.
func NewQueue(size int, opts ...Option) *Queue {
	if size <= 0 {
		size = 256
	}
	q := &Queue{
		ch:       make(chan Event, size),
		coalesce: 150 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push enqueues an event, dropping it when the queue is full or the
// event is a duplicate. Returns false when dropped.
func (q *Queue) Push(ev Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if q.dedupe != nil && ev.Message.ID != "" {
		key := string(ev.Kind) + ":" + ev.Message.ID
		if ev.Kind == KindEdit {
			// Revisions of one message share its id; keying on content
			// keeps distinct edits from deduping against each other.
			h := fnv.New64a()
			h.Write([]byte(ev.Message.Content))
			key += ":" + strconv.FormatUint(h.Sum64(), 16)
		}
		if q.dedupe.seen(key) {
			q.drop(DropDuplicate)
			return false
		}
	}
	select {
	case q.ch <- ev:
		return true
	default:
		q.drop(DropQueueFull)
		return false
	}
}

// Next blocks until at least one event is available, then drains the
// queue for the coalesce window and returns the batch in arrival order.
// Returns nil when ctx is cancelled.
func (q *Queue) Next(ctx context.Context) []Event {
	var batch []Event
	select {
	case <-ctx.Done():
		return nil
	case first := <-q.ch:
		batch = append(batch, first)
	}

	deadline := time.NewTimer(q.coalesce)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return batch
		case ev := <-q.ch:
			batch = append(batch, ev)
		case <-deadline.C:
			return batch
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) drop(reason DropReason) {
	if q.onDrop != nil {
		q.onDrop(reason)
	}
}
