package riskconfig

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ApplyFunc installs a configuration loaded by a reload source.
type ApplyFunc func(ctx context.Context, cfg RiskConfig) error

// Reloader watches a risk config file and applies it on change.
type Reloader struct {
	watcher  *fsnotify.Watcher
	path     string
	apply    ApplyFunc
	debounce time.Duration
	logger   *slog.Logger
}

// NewReloader creates a file watcher for path.
func NewReloader(path string, apply ApplyFunc, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &Reloader{
		watcher:  watcher,
		path:     path,
		apply:    apply,
		debounce: 500 * time.Millisecond,
		logger:   logger,
	}, nil
}

// Run watches for file changes and reloads. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	// Debounce: wait after the last write before reloading
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(r.debounce, func() { r.reload(ctx) })
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", "path", r.path, "err", err)
		}
	}
}

func (r *Reloader) reload(ctx context.Context) {
	cfg, hash, err := LoadConfigWithHash(r.path)
	if err != nil {
		r.logger.Error("hot-reload failed", "path", r.path, "err", err)
		return
	}
	if err := r.apply(ctx, cfg); err != nil {
		r.logger.Error("hot-reload rejected", "path", r.path, "err", err)
		return
	}
	r.logger.Info("hot-reload: risk config reloaded", "path", r.path, "hash", hash)
}
