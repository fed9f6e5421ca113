// Package watcher feeds file-system changes under the workspace root into the
// document store, debounced per path so editor save storms collapse into one
// invalidation.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/akesson/language-query/src/lqd/controller/docstore"
	"github.com/akesson/language-query/src/lqd/entity"
	"github.com/fsnotify/fsnotify"
	tally "github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyDebounce = "watcher.debounce"

	_defaultDebounce = 200 * time.Millisecond
)

// Directories that never hold source the daemon serves.
var _skippedDirs = map[string]struct{}{
	".git":         {},
	".hg":          {},
	"node_modules": {},
	"target":       {},
	"vendor":       {},
}

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(func(*Watcher) {}),
)

// Params define values to be used by the watcher.
type Params struct {
	fx.In

	Config    config.Provider
	Docs      docstore.Store
	Root      entity.WorkspaceRoot
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
}

// Watcher observes the workspace tree and invalidates changed documents.
type Watcher struct {
	watcher  *fsnotify.Watcher
	docs     docstore.Store
	root     string
	debounce time.Duration
	logger   *zap.SugaredLogger
	stats    tally.Scope

	closer chan struct{}

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
}

// New creates the watcher and ties it to the fx lifecycle.
func New(p Params) (*Watcher, error) {
	debounce := _defaultDebounce
	if err := p.Config.Get(_configKeyDebounce).Populate(&debounce); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyDebounce, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}

	w := &Watcher{
		watcher:        fsWatcher,
		docs:           p.Docs,
		root:           string(p.Root),
		debounce:       debounce,
		logger:         p.Logger.With("component", "watcher"),
		stats:          p.Stats.SubScope("watcher"),
		closer:         make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := w.watchTree(w.root); err != nil {
				return err
			}
			go w.loop()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(w.closer)
			return nil
		},
	})
	return w, nil
}

// watchTree registers every directory under root, skipping trees that never
// hold workspace source.
func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root {
			if _, skip := _skippedDirs[name]; skip || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warnw("watching directory failed", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case event := <-w.watcher.Events:
			w.handleEvent(event)
		case err := <-w.watcher.Errors:
			w.logger.Warnw("watch failure", "error", err)
		case <-w.closer:
			w.debounceMu.Lock()
			for _, timer := range w.debounceTimers {
				timer.Stop()
			}
			w.debounceTimers = make(map[string]*time.Timer)
			w.debounceMu.Unlock()

			if err := w.watcher.Close(); err != nil {
				w.logger.Warnw("closing watcher", "error", err)
			}
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				w.logger.Warnw("watching new directory failed", "path", event.Name, "error", err)
			}
			return
		}
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.stats.Counter("removed").Inc(1)
		w.docs.Remove(context.Background(), event.Name)
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		w.scheduleInvalidate(event.Name)
	}
}

// scheduleInvalidate resets the per-path debounce timer so a burst of writes
// produces one invalidation after the burst settles.
func (w *Watcher) scheduleInvalidate(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[path]; exists {
		timer.Stop()
	}
	w.debounceTimers[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		w.stats.Counter("invalidated").Inc(1)
		w.docs.Invalidate(context.Background(), path)
	})
}
