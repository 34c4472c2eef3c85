package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// kubeDataDir is the symlink a mounted ConfigMap swaps on every update.
const kubeDataDir = "..data"

// Watcher reloads the config file when it changes on disk and hands each
// validated Config to the registered callbacks. The parent directory is
// watched, so editors that save by rename and ConfigMap symlink swaps are
// both seen.
type Watcher struct {
	path     string
	loader   *Loader
	debounce  time.Duration
	onError   func(error)
	overrides map[string]any
	fs        *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func(*Config)
	running   bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithErrorHandler receives reload and fsnotify errors. The default writes
// them to stderr.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		if fn != nil {
			w.onError = fn
		}
	}
}

// WithOverrides re-applies overrides on every reload, so command-line
// settings keep winning over the edited file.
func WithOverrides(overrides map[string]any) WatcherOption {
	return func(w *Watcher) { w.overrides = overrides }
}

func printWatchError(err error) {
	fmt.Fprintf(os.Stderr, "config watcher: %v\n", err)
}

// NewWatcher prepares a watcher for path. Nothing is watched until Watch.
func NewWatcher(path string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config path is required for watching")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if loader == nil {
		loader = NewLoader()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		path:     abs,
		loader:   loader,
		debounce: 500 * time.Millisecond,
		onError:  printWatchError,
		fs:       fsw,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch blocks until ctx is done or Stop is called. A watcher can only be
// running once at a time.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher is already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if _, err := os.Stat(w.path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}

	quiet := time.NewTimer(w.debounce)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if w.touches(ev) {
				quiet.Reset(w.debounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.onError(fmt.Errorf("fsnotify: %w", err))
		case <-quiet.C:
			w.reload()
		}
	}
}

func (w *Watcher) touches(ev fsnotify.Event) bool {
	if filepath.Base(ev.Name) == kubeDataDir {
		return ev.Has(fsnotify.Create)
	}
	return filepath.Clean(ev.Name) == w.path && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create))
}

// reload runs callbacks in registration order on the watch goroutine. A
// config that fails to load or validate is reported and skipped.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path, w.overrides)
	if err != nil {
		w.onError(fmt.Errorf("reload %s: %w", w.path, err))
		return
	}

	w.mu.Lock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		w.notify(cb, cfg)
	}
}

func (w *Watcher) notify(cb func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.onError(fmt.Errorf("config callback panicked: %v", r))
		}
	}()
	cb(cfg)
}

// OnChange registers cb. Callbacks should return quickly; they run on the
// watch goroutine.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Stop ends Watch and closes the fsnotify handle. It is safe to call twice.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
	})
	return err
}

// IsRunning reports whether Watch is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// ConfigPath is the absolute path being watched.
func (w *Watcher) ConfigPath() string {
	return w.path
}
