// Package typing keeps a channel's typing indicator alive for the
// duration of an activation.
package typing

import (
	"sync"
	"time"
)

// DefaultInterval is the refresh cadence. Discord expires a typing
// indicator after ~10s, so refreshing every 8s keeps it continuous.
const DefaultInterval = 8 * time.Second

// DefaultTTL bounds how long typing can stay alive without an explicit
// stop, protecting against leaked refreshers.
const DefaultTTL = 2 * time.Minute

// Refresher triggers a typing callback on a fixed cadence until stopped
// or its TTL elapses. Stop is idempotent and safe to call concurrently.
type Refresher struct {
	trigger  func()
	interval time.Duration
	ttl      time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// NewRefresher creates a refresher that calls trigger on each refresh.
// Zero interval or ttl fall back to the defaults.
func NewRefresher(trigger func(), interval, ttl time.Duration) *Refresher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Refresher{
		trigger:  trigger,
		interval: interval,
		ttl:      ttl,
	}
}

// Start fires the first trigger immediately and begins the refresh loop.
// Starting an already-started or stopped refresher is a no-op.
func (r *Refresher) Start() {
	r.mu.Lock()
	if r.stopped || r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	r.trigger()

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		deadline := time.NewTimer(r.ttl)
		defer deadline.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-deadline.C:
				r.Stop()
				return
			case <-ticker.C:
				r.trigger()
			}
		}
	}()
}

// Stop ends the refresh loop.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
}
