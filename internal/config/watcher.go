package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Snapshot holds the current configuration and swaps it atomically on
// reload. Activations read the snapshot once at start so a reload never
// changes limits mid-activation.
type Snapshot struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSnapshot wraps an initial configuration.
func NewSnapshot(cfg *Config) *Snapshot {
	return &Snapshot{cfg: cfg}
}

// Current returns the active configuration.
func (s *Snapshot) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Snapshot) swap(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Watch reloads the snapshot whenever the config file changes. Invalid
// files are logged and skipped; the previous snapshot stays active.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, snapshot *Snapshot, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	// Editors often emit several write events per save; debounce them.
	var pending *time.Timer
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn("config reload failed, keeping previous config", "path", path, "error", err)
			return
		}
		snapshot.swap(cfg)
		logger.Info("config reloaded", "path", path, "bots", len(cfg.Bots))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
