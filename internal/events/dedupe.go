package events

import (
	"sync"
	"time"
)

// dedupe is a TTL'd seen-set for event keys.
type dedupe struct {
	mu      sync.Mutex
	entries map[string]int64
	ttl     time.Duration
	maxSize int
}

func newDedupe(ttl time.Duration, maxSize int) *dedupe {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &dedupe{
		entries: make(map[string]int64),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// seen records key and reports whether it was already present within TTL.
func (d *dedupe) seen(key string) bool {
	now := time.Now().UnixMilli()
	cutoff := now - d.ttl.Milliseconds()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.entries[key]; ok && ts >= cutoff {
		d.entries[key] = now
		return true
	}
	d.entries[key] = now

	if len(d.entries) > d.maxSize {
		for k, ts := range d.entries {
			if ts < cutoff {
				delete(d.entries, k)
			}
		}
		// Still oversized after TTL pruning: drop arbitrary entries.
		// A false negative only costs one duplicate activation attempt,
		// which the channel lock absorbs.
		for k := range d.entries {
			if len(d.entries) <= d.maxSize {
				break
			}
			delete(d.entries, k)
		}
	}
	return false
}
