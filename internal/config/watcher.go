package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls when no interval is set.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and hands every effective change to a callback
// as a [ConfigDiff]. Edits that fail validation are logged and skipped, and
// edits that change nothing (comments, reformatting) never reach the callback.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(ConfigDiff)
	loadOpts []LoadOption

	mu     sync.Mutex
	snap   snapshot
	failed [sha256.Size]byte // digest of the last rejected file, to log it once
}

type snapshot struct {
	cfg    *Config
	digest [sha256.Size]byte
	mtime  time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLoadOptions passes options through to every reload.
func WithLoadOptions(opts ...LoadOption) WatcherOption {
	return func(w *Watcher) { w.loadOpts = append(w.loadOpts, opts...) }
}

// NewWatcher loads path once. A file that does not load is an error here;
// later bad edits are only logged.
func NewWatcher(path string, apply func(ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, apply: apply}
	for _, opt := range opts {
		opt(w)
	}
	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.snap = snap
	return w, nil
}

// Current returns the last config that loaded cleanly.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.cfg
}

// Run polls until ctx is done, then returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if d, ok := w.poll(); ok && w.apply != nil {
				w.apply(d)
			}
		}
	}
}

// poll reports the diff against the current snapshot when the file holds a
// new, valid config with at least one effective change.
func (w *Watcher) poll() (ConfigDiff, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return ConfigDiff{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().Equal(w.snap.mtime) {
		return ConfigDiff{}, false
	}

	next, err := w.read()
	if err != nil {
		var digest [sha256.Size]byte
		if data, rerr := os.ReadFile(w.path); rerr == nil {
			digest = sha256.Sum256(data)
		}
		if digest != w.failed {
			w.failed = digest
			slog.Warn("config watcher: edit rejected, keeping previous config", "path", w.path, "err", err)
		}
		return ConfigDiff{}, false
	}
	if next.digest == w.snap.digest {
		w.snap.mtime = next.mtime
		return ConfigDiff{}, false
	}

	d := Diff(w.snap.cfg, next.cfg)
	w.snap = next
	if d.Empty() {
		slog.Debug("config watcher: file changed without effect", "path", w.path)
		return ConfigDiff{}, false
	}
	slog.Info("config watcher: configuration reloaded", "path", w.path,
		"origins_changed", d.OriginsChanged, "log_level_changed", d.LogLevelChanged,
		"restart_required", d.RestartRequired)
	return d, true
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data), w.loadOpts...)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, digest: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
