package config

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"
)

// Change is a validated edit of the config file that contains at least one
// hot-reloadable difference.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls a config file while [Watcher.Run] is active. Each valid edit
// is diffed against the last one read: wake vocabulary and log level changes
// are handed to the apply callback, sections that need a restart are only
// logged. An edit that fails to load or validate is logged and ignored until
// the file changes again.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(Change)

	mu      sync.Mutex
	current *Config
	pending []string
	stamp   fileStamp
}

// fileStamp is the cheap pre-check that skips parsing an untouched file.
type fileStamp struct {
	mod  time.Time
	size int64
}

func stampOf(fi os.FileInfo) fileStamp {
	return fileStamp{mod: fi.ModTime(), size: fi.Size()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 2s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a watcher for it. apply may be nil.
func NewWatcher(path string, apply func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 2 * time.Second,
		apply:    apply,
	}
	for _, opt := range opts {
		opt(w)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w.current, w.stamp = cfg, stampOf(fi)
	return w, nil
}

// Current returns the last valid config read from disk. It may contain
// restart-only changes that are not in effect yet; see [Watcher.Pending].
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Pending returns the sections edited since start that need a restart.
func (w *Watcher) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.pending...)
}

// Run polls until ctx is done. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check looks at the file once. Run calls it on every tick.
func (w *Watcher) Check() {
	fi, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return
	}
	stamp := stampOf(fi)

	w.mu.Lock()
	if stamp == w.stamp {
		w.mu.Unlock()
		return
	}
	w.stamp = stamp
	old := w.current
	w.mu.Unlock()

	next, err := Load(w.path)
	if err != nil {
		slog.Warn("config watcher: edit rejected, keeping previous config", "path", w.path, "err", err)
		return
	}

	d := Diff(old, next)
	if d.Empty() {
		return
	}

	w.mu.Lock()
	w.current = next
	for _, s := range d.RestartRequired {
		if !slices.Contains(w.pending, s) {
			w.pending = append(w.pending, s)
		}
	}
	w.mu.Unlock()

	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: sections changed that need a restart", "sections", d.RestartRequired)
	}
	if d.Hot() && w.apply != nil {
		w.apply(Change{Old: old, New: next, Diff: d})
	}
}
