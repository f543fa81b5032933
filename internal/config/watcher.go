package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period for config file changes.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file for changes and calls a callback when the file
// content changes and still validates. A file that stops validating keeps the
// previous configuration live.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	// last observed file state, for cheap change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Values below 100ms are clamped.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d < 100*time.Millisecond {
			d = 100 * time.Millisecond
		}
		w.interval = d
	}
}

// WithWatcherLogger sets the logger used for reload events.
func WithWatcherLogger(log *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWatcher loads the file at path, then starts polling it for changes.
// onChange runs on the watcher goroutine with the previous and the freshly
// validated configuration; it must not call Stop.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, mtime, hash, err := w.loadAndHash()
	if err != nil {
		return nil, err
	}
	w.current = cfg
	w.lastMtime = mtime
	w.lastHash = hash

	go w.poll()
	return w, nil
}

// Current returns the most recently validated configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watch: stat failed", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, mtime, hash, err := w.loadAndHash()

	w.mu.Lock()
	if err != nil {
		// Remember the broken content so the warning fires once per edit,
		// and keep serving the last good configuration.
		w.lastMtime = mtime
		if hash != w.lastHash {
			w.lastHash = hash
			w.mu.Unlock()
			w.log.Warn("config watch: reload rejected, keeping previous config", "path", w.path, "error", err)
			return
		}
		w.mu.Unlock()
		return
	}
	if hash == w.lastHash {
		// Touched but identical (e.g., an editor rewrote the same bytes).
		w.lastMtime = mtime
		w.mu.Unlock()
		return
	}

	old := w.current
	w.current = cfg
	w.lastMtime = mtime
	w.lastHash = hash
	w.mu.Unlock()

	w.log.Info("config watch: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// loadAndHash reads the file once, hashes the raw bytes, and parses them.
// The mtime and hash come back even when parsing fails so the caller can
// record what it saw.
func (w *Watcher) loadAndHash() (*Config, time.Time, [sha256.Size]byte, error) {
	var mtime time.Time
	var hash [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, mtime, hash, fmt.Errorf("config: stat %s: %w", w.path, err)
	}
	mtime = info.ModTime()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, mtime, hash, fmt.Errorf("config: read %s: %w", w.path, err)
	}
	hash = sha256.Sum256(data)

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, mtime, hash, err
	}
	return cfg, mtime, hash, nil
}
