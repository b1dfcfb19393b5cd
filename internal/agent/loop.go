package agent

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/cordial/internal/events"
)

// Loop is the top-level pump: a single draining task that pulls
// batches from the event queue and hands each to the scheduler. The
// handoff launches activations asynchronously, so draining is never
// blocked by LLM latency.
type Loop struct {
	Queue     *events.Queue
	Scheduler *Scheduler
	Logger    *slog.Logger
}

// Run drains the queue until ctx is cancelled, then waits for in-flight
// activations to finish.
func (l *Loop) Run(ctx context.Context) {
	if l.Logger == nil {
		l.Logger = slog.Default()
	}
	l.Logger.Info("agent loop started")
	for {
		batch := l.Queue.Next(ctx)
		if batch == nil {
			break
		}
		l.Scheduler.ProcessBatch(ctx, batch)
	}
	l.Logger.Info("agent loop stopping, waiting for in-flight activations")
	l.Scheduler.Wait()
}
