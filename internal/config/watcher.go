package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fileState is the last observed identity of the config file, used to decide
// whether a poll needs a full reload.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// Watcher polls a config file and invokes a callback whenever its content
// changes to a valid configuration. Invalid edits are logged and skipped; the
// previous config stays active. Polling keeps the engine free of a filesystem
// notification dependency and is cheap at the default interval.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	seen     fileState
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides the 5 second polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once, then polls it in a background goroutine until
// [Watcher.Stop]. The initial load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, state, err := w.reload()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = state

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep checks the file for changes and applies a valid new config.
func (w *Watcher) sweep() {
	// Stat first; hashing every tick would re-read an unchanged file.
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.seen.mtime
	w.mu.Unlock()
	if info.ModTime().Equal(mtime) {
		return
	}

	cfg, state, err := w.reload()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if state.hash == w.seen.hash {
		// Touched without a content change.
		w.seen.mtime = state.mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.seen = state
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// The callback runs outside the lock so it may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// reload reads, hashes, and parses the file. A parse or validation error
// leaves the caller's current config in place.
func (w *Watcher) reload() (*Config, fileState, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fileState{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
