// Package watcher drives hot reload: it observes the plugin source
// directory, debounces the event bursts editors produce on save, and
// asks the plugin manager to reload the affected plugin.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Default timing. Editors commonly fire several modify events per
// logical save; the debounce delay collapses them into one reload.
const (
	DefaultDebounce     = 500 * time.Millisecond
	DefaultPollInterval = 100 * time.Millisecond
)

// Reloader is the slice of the plugin manager the watcher drives.
type Reloader interface {
	// Reload replaces the named plugin with a fresh instance from its
	// source file.
	Reload(ctx context.Context, name string) error

	// NameForPath maps a source path to a loaded plugin name. Paths
	// that were never loaded are ignored by hot reload.
	NameForPath(path string) (string, bool)
}

// Watcher observes one plugin directory. Stopped and started states
// alternate; Start and Stop are idempotent and Stop joins the observer,
// the poll loop and any in-flight reload before returning.
type Watcher struct {
	dir      string
	ext      string
	reloader Reloader
	debounce time.Duration
	poll     time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	pending   map[string]time.Time // path -> time of last observed change
	reloading map[string]bool      // per-path guard against re-entrant reload
	running   bool
	cancel    context.CancelFunc

	fw       *fsnotify.Watcher
	loops    sync.WaitGroup // observer + poll loop
	inflight sync.WaitGroup // running reloads
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period required before a change triggers
// a reload.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithPollInterval sets how often the pending queue is examined.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		w.poll = d
	}
}

// WithLogger sets the watcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates a watcher for plugin sources with the given extension
// (e.g. ".lua") under dir.
func New(dir, ext string, reloader Reloader, opts ...Option) *Watcher {
	w := &Watcher{
		dir:       dir,
		ext:       ext,
		reloader:  reloader,
		debounce:  DefaultDebounce,
		poll:      DefaultPollInterval,
		logger:    slog.Default(),
		pending:   make(map[string]time.Time),
		reloading: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "watcher")
	return w
}

// Start begins watching. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}
	w.fw = fw

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	w.loops.Add(2)
	go w.observe(ctx)
	go w.loop(ctx)

	w.logger.Info("watching plugin directory", "dir", w.dir, "debounce", w.debounce)
	return nil
}

// Stop shuts the watcher down and waits for the observer, the poll
// loop and every in-flight reload to finish, so no orphaned reload
// runs after it returns. Calling Stop on a stopped watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.fw.Close()
	w.mu.Unlock()

	w.loops.Wait()
	w.inflight.Wait()
	w.logger.Info("watcher stopped")
}

// Running reports whether the watcher is started.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// observe feeds filesystem events into the pending queue.
func (w *Watcher) observe(ctx context.Context) {
	defer w.loops.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.enqueue(ev.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("filesystem watch error", "error", err)
		}
	}
}

// enqueue records a change for a tracked plugin source. Files that are
// not plugin sources, or were never loaded, are ignored: picking up a
// brand-new file takes an explicit full reload.
func (w *Watcher) enqueue(path string) {
	if filepath.Ext(path) != w.ext {
		return
	}
	if _, ok := w.reloader.NameForPath(path); !ok {
		return
	}

	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

// loop periodically drains eligible entries from the pending queue.
func (w *Watcher) loop(ctx context.Context) {
	defer w.loops.Done()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// flush dequeues entries whose quiet period has elapsed and starts a
// reload for each. A path already reloading is left queued for the next
// pass rather than reloaded concurrently or dropped.
func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var eligible []string
	for path, queued := range w.pending {
		if now.Sub(queued) < w.debounce {
			continue
		}
		if w.reloading[path] {
			continue
		}
		eligible = append(eligible, path)
		w.reloading[path] = true
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for _, path := range eligible {
		w.inflight.Add(1)
		go w.reload(ctx, path)
	}
}

// reload runs one manager reload with error isolation: a plugin's
// reload failure is logged, never fatal to the watcher.
func (w *Watcher) reload(ctx context.Context, path string) {
	defer w.inflight.Done()
	defer func() {
		w.mu.Lock()
		delete(w.reloading, path)
		w.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("reload panicked", "path", path, "panic", r)
		}
	}()

	name, ok := w.reloader.NameForPath(path)
	if !ok {
		return
	}

	w.logger.Info("reloading plugin", "plugin", name, "path", path)
	if err := w.reloader.Reload(ctx, name); err != nil {
		w.logger.Error("reload failed", "plugin", name, "error", err)
	}
}
