// Package watcher reloads module manifests when they change on disk.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/modhost"
)

// DefaultDebounce is the quiet period after the last change to a manifest
// before it is reloaded.
const DefaultDebounce = 250 * time.Millisecond

var ErrAlreadyStarted = errors.New("manifest watcher already started")

// Reloader re-reads the manifest of one module.
type Reloader interface {
	Reload(ctx context.Context, slug string) error
}

// Option configures a ManifestWatcher.
type Option func(*ManifestWatcher)

// WithDebounce overrides DefaultDebounce. Non-positive values are ignored.
func WithDebounce(d time.Duration) Option {
	return func(w *ManifestWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// ManifestWatcher watches the module root and every module directory below
// it. A module is reloaded when its manifest is written or when its
// directory is replaced, which is how the installer publishes an update.
type ManifestWatcher struct {
	root     string
	reloader Reloader
	logger   modhost.Logger
	debounce time.Duration

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	pending map[string]*time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher for root.
func New(root string, reloader Reloader, logger modhost.Logger, opts ...Option) *ManifestWatcher {
	if logger == nil {
		logger = modhost.NopLogger()
	}
	w := &ManifestWatcher{
		root:     filepath.Clean(root),
		reloader: reloader,
		logger:   logger,
		debounce: DefaultDebounce,
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. Reloads run with a context derived from ctx.
func (w *ManifestWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return ErrAlreadyStarted
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(w.root); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to list %s: %w", w.root, err)
	}
	for _, e := range entries {
		if e.IsDir() && !hidden(e.Name()) {
			if err := fsw.Add(filepath.Join(w.root, e.Name())); err != nil {
				w.logger.Warn("Failed to watch module directory", "module", e.Name(), "error", err)
			}
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(watchCtx, fsw, w.done)

	w.logger.Info("Watching module manifests", "root", w.root, "debounce", w.debounce.String())
	return nil
}

// Close stops watching and waits for reloads in progress. Pending reloads
// are dropped.
func (w *ManifestWatcher) Close() error {
	w.mu.Lock()
	fsw, cancel, done := w.fsw, w.cancel, w.done
	w.fsw, w.cancel, w.done = nil, nil, nil
	for slug, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, slug)
	}
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}
	cancel()
	err := fsw.Close()
	<-done
	w.wg.Wait()
	return err
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func (w *ManifestWatcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Manifest watcher error", "error", err)
		}
	}
}

// handle maps an event to the module it concerns. Events directly under the
// root are module directories appearing; events one level down are files
// inside a module directory, of which only the manifest matters.
func (w *ManifestWatcher) handle(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(rel, string(filepath.Separator))
	slug := parts[0]
	if hidden(slug) {
		return
	}

	switch len(parts) {
	case 1:
		if !event.Has(fsnotify.Create) {
			return
		}
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return
		}
		if err := fsw.Add(event.Name); err != nil {
			w.logger.Warn("Failed to watch module directory", "module", slug, "error", err)
		}
		w.schedule(ctx, slug)
	case 2:
		if parts[1] != modhost.ManifestFile {
			return
		}
		if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
			w.schedule(ctx, slug)
		}
	}
}

// schedule (re)starts the debounce timer of slug.
func (w *ManifestWatcher) schedule(ctx context.Context, slug string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return
	}
	if t, ok := w.pending[slug]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[slug] == t {
			delete(w.pending, slug)
		}
		w.mu.Unlock()
		w.reload(ctx, slug)
	})
	w.pending[slug] = t
}

func (w *ManifestWatcher) reload(ctx context.Context, slug string) {
	if ctx.Err() != nil {
		return
	}
	if err := w.reloader.Reload(ctx, slug); err != nil {
		if modhost.HasCode(err, modhost.CodeNotFound) {
			w.logger.Debug("Changed manifest belongs to no loaded module", "module", slug)
			return
		}
		w.logger.Warn("Failed to reload module manifest", "module", slug, "error", err)
		return
	}
	w.logger.Info("Module manifest reloaded from disk", "module", slug)
}
