package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ChangeFunc receives the replaced config, its successor and what differs.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// fileState identifies one version of the config file on disk.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// Watcher keeps the current config and swaps in each new valid version of
// the file. Sessions resolve their assistant through [Watcher.Current] when
// they start, so an edit applies to the next call while running calls keep
// the config they began with.
//
// The file is polled: an unchanged mtime skips the read, an unchanged hash
// skips the parse. Invalid versions are reported and the previous config
// stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	onError  func(error)

	current atomic.Pointer[Config]

	// reloadMu serialises polls with [Watcher.Reload] and guards last.
	reloadMu sync.Mutex
	last     fileState

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithErrorHandler is called for every rejected version found while
// polling. The default logs a warning.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		if fn != nil {
			w.onError = fn
		}
	}
}

// NewWatcher loads path and starts polling it. onChange may be nil and is
// only called when a new version behaves differently, see [ConfigDiff.Empty].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	w.onError = func(err error) {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current.Store(cfg)
	w.last = st

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config. Callers must treat
// it as read-only.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Reload re-reads the file now, even when its mtime is unchanged. It
// reports whether a different config was swapped in.
func (w *Watcher) Reload() (bool, error) {
	return w.reload(true)
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
			if _, err := w.reload(false); err != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) reload(force bool) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %q: %w", w.path, err)
	}
	if !force && info.ModTime().Equal(w.last.mtime) {
		return false, nil
	}

	cfg, st, err := w.read()
	if err != nil {
		// Report a broken version once, not on every tick.
		w.last.mtime = info.ModTime()
		return false, err
	}
	sameBytes := st.hash == w.last.hash
	w.last = st
	if sameBytes {
		return false, nil
	}

	old := w.current.Swap(cfg)
	d := Diff(old, cfg)
	if d.Empty() {
		slog.Debug("config watcher: file changed without effect", "path", w.path)
		return false, nil
	}

	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"assistants_changed", d.AssistantsChanged,
		"log_level_changed", d.LogLevelChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
	return true, nil
}

// read parses and validates the file and returns it with its state.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
