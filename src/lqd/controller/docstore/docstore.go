// Package docstore tracks file content and versions for the workspace. It is
// the source of truth the language connection replays after a restart, and
// the invalidation fan-out point for the request cache.
package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/akesson/language-query/src/lqd/internal/fs"
	tally "github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// EventKind classifies a document lifecycle event.
type EventKind int

const (
	// EventOpened fires when a document is first tracked.
	EventOpened EventKind = iota
	// EventChanged fires when a tracked document's content changed on disk.
	EventChanged
	// EventClosed fires when a tracked document is dropped.
	EventClosed
)

// Document is one tracked file. Version increases on every observed change
// and is part of the request cache key.
type Document struct {
	Path    string
	Version int32
	Text    string
}

// Event is delivered to sync listeners for every open-document transition.
type Event struct {
	Kind EventKind
	Doc  Document
}

// SyncListener observes open-document transitions, in the order they happen.
type SyncListener func(ctx context.Context, event Event)

// InvalidateListener observes every change notification for a path, tracked
// or not. The request cache evicts on it.
type InvalidateListener func(path string)

// Store is the document cache.
type Store interface {
	// EnsureOpen tracks path, reading its content from disk if it is not
	// already open, and returns the current document.
	EnsureOpen(ctx context.Context, path string) (Document, error)
	// Get returns the tracked document for path.
	Get(path string) (Document, bool)
	// Version returns the current version counter for path, zero when the
	// path has never been tracked.
	Version(path string) int32
	// Invalidate reloads path from disk after an observed change, bumping
	// its version. Paths that are not tracked only trigger invalidation
	// listeners.
	Invalidate(ctx context.Context, path string)
	// Remove drops path from the store after deletion on disk.
	Remove(ctx context.Context, path string)
	// Documents returns all tracked documents, for restart replay.
	Documents() []Document
	// OpenCount returns the number of tracked documents.
	OpenCount() int
	// OnSync registers a listener for open-document transitions.
	OnSync(l SyncListener)
	// OnInvalidate registers a listener for change notifications.
	OnInvalidate(l InvalidateListener)
}

// Params define values to be used by the document store.
type Params struct {
	fx.In

	FS     fs.FS
	Logger *zap.SugaredLogger
	Stats  tally.Scope
}

type store struct {
	fs     fs.FS
	logger *zap.SugaredLogger
	stats  tally.Scope

	mu       sync.RWMutex
	docs     map[string]*Document
	versions map[string]int32

	listenerMu   sync.RWMutex
	syncers      []SyncListener
	invalidators []InvalidateListener
}

// New creates a new document store.
func New(p Params) Store {
	return &store{
		fs:       p.FS,
		logger:   p.Logger.With("component", "docstore"),
		stats:    p.Stats.SubScope("doc_store"),
		docs:     make(map[string]*Document),
		versions: make(map[string]int32),
	}
}

func (s *store) EnsureOpen(ctx context.Context, path string) (Document, error) {
	s.mu.Lock()
	if doc, ok := s.docs[path]; ok {
		d := *doc
		s.mu.Unlock()
		return d, nil
	}

	content, err := s.fs.ReadFile(path)
	if err != nil {
		s.mu.Unlock()
		return Document{}, fmt.Errorf("reading document %q: %w", path, err)
	}

	s.versions[path]++
	doc := &Document{Path: path, Version: s.versions[path], Text: string(content)}
	s.docs[path] = doc
	open := len(s.docs)
	d := *doc
	s.mu.Unlock()

	s.stats.Gauge("open_docs").Update(float64(open))
	s.notifySync(ctx, Event{Kind: EventOpened, Doc: d})
	return d, nil
}

func (s *store) Get(path string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

func (s *store) Version(path string) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[path]
}

func (s *store) Invalidate(ctx context.Context, path string) {
	s.notifyInvalidate(path)

	s.mu.Lock()
	doc, tracked := s.docs[path]
	if !tracked {
		s.mu.Unlock()
		return
	}

	content, err := s.fs.ReadFile(path)
	if err != nil {
		// File went away mid-change; treat as a close.
		delete(s.docs, path)
		d := *doc
		s.mu.Unlock()
		s.logger.Debugw("dropping unreadable document", "path", path, "error", err)
		s.notifySync(ctx, Event{Kind: EventClosed, Doc: d})
		return
	}

	s.versions[path]++
	doc.Version = s.versions[path]
	doc.Text = string(content)
	d := *doc
	s.mu.Unlock()

	s.notifySync(ctx, Event{Kind: EventChanged, Doc: d})
}

func (s *store) Remove(ctx context.Context, path string) {
	s.notifyInvalidate(path)

	s.mu.Lock()
	doc, tracked := s.docs[path]
	if !tracked {
		s.mu.Unlock()
		return
	}
	delete(s.docs, path)
	d := *doc
	open := len(s.docs)
	s.mu.Unlock()

	s.stats.Gauge("open_docs").Update(float64(open))
	s.notifySync(ctx, Event{Kind: EventClosed, Doc: d})
}

func (s *store) Documents() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, *doc)
	}
	return out
}

func (s *store) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *store) OnSync(l SyncListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.syncers = append(s.syncers, l)
}

func (s *store) OnInvalidate(l InvalidateListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.invalidators = append(s.invalidators, l)
}

func (s *store) notifySync(ctx context.Context, event Event) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, l := range s.syncers {
		l(ctx, event)
	}
}

func (s *store) notifyInvalidate(path string) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, l := range s.invalidators {
		l(path)
	}
}
