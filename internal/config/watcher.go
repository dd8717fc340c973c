package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes and notifies subscribers.
// Subscribers receive a fresh immutable value; invalid files are ignored.
type Watcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu          sync.Mutex
	subscribers []func(*Config)
}

// NewWatcher constructs a Watcher seeded with the already loaded config.
func NewWatcher(path string, initial *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: filepath.Clean(path), logger: logger.With("component", "config_watcher")}
	w.current.Store(initial)
	return w
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Run watches the config directory until ctx is cancelled. Watching the
// directory keeps working when editors replace the file instead of writing it.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.logger.Info("watching config", slog.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.Reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", slog.Any("error", err))
		}
	}
}

// Reload re-reads the file and notifies subscribers when it is valid.
func (w *Watcher) Reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", slog.Any("error", err))
		return
	}
	w.current.Store(cfg)

	w.mu.Lock()
	subs := slices.Clone(w.subscribers)
	w.mu.Unlock()

	w.logger.Info("config reloaded",
		slog.Bool("enabled", cfg.Telemetry.Enabled),
		slog.Bool("async_processing", cfg.Telemetry.AsyncProcessing))
	for _, fn := range subs {
		fn(cfg)
	}
}
