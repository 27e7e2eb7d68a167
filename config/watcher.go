package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk, so operators can
// tune log level and retry settings without a restart. Editors typically
// write via rename, so the parent directory is watched, not the file.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	// Debouncing: wait for the write burst to settle before reloading
	debounce time.Duration

	updates chan *Config
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long to wait for further writes before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fsw,
		logger:   slog.Default(),
		debounce: 250 * time.Millisecond,
		updates:  make(chan *Config, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}
	return w, nil
}

// Updates returns the channel of reloaded configs. A reload that fails
// validation is logged and dropped; the previous config stays in effect.
func (w *Watcher) Updates() <-chan *Config {
	return w.updates
}

// Start begins watching until ctx ends.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
	w.logger.Info("config watcher started", "path", w.path, "debounce", w.debounce)
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", "path", w.path, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("reloaded config invalid, keeping previous", "path", w.path, "error", err)
		return
	}

	select {
	case w.updates <- cfg:
		w.logger.Info("config reloaded", "path", w.path)
	case <-ctx.Done():
	default:
		// A pending update the consumer has not drained yet is stale now.
		select {
		case <-w.updates:
		default:
		}
		w.updates <- cfg
		w.logger.Info("config reloaded", "path", w.path)
	}
}
