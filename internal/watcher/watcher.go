// Package watcher manages a capacity-bounded pool of per-project
// filesystem watchers with LRU eviction, admission queueing, and debounced
// batched event delivery.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/sandfile/sandfile/internal/events"
	"github.com/sandfile/sandfile/internal/metrics"
	"github.com/sandfile/sandfile/internal/sandbox"
)

// runner is one live watcher. The pool manager owns its lifecycle; the
// runner only pushes events and never mutates pool state directly.
type runner interface {
	// run starts the watcher goroutine; exit is invoked exactly once when
	// the goroutine ends, with the crash error if any.
	run(exit func(error))
	stop()
}

// bufferedEvent is an event waiting for the debounce flush.
type bufferedEvent struct {
	event events.Event
	seq   int // tie-break for identical timestamps
}

// fsWatcher is the fsnotify-backed runner. When the OS watch mechanism is
// unavailable, fs is nil and the runner degrades to a no-op.
type fsWatcher struct {
	project  string
	sb       *sandbox.Sandbox
	bc       *events.Broadcaster
	debounce time.Duration
	maxBatch int
	onFlush  func(n int)
	log      *zap.Logger

	fs       *fsnotify.Watcher
	buffer   []bufferedEvent
	seq      int
	done     chan struct{}
	stopOnce sync.Once
}

// newFSWatcher builds a runner for the project root. fsnotify init failure
// degrades to a no-op watcher rather than failing the caller.
func newFSWatcher(project string, sb *sandbox.Sandbox, bc *events.Broadcaster, debounce time.Duration, maxBatch int, onFlush func(int), log *zap.Logger) runner {
	w := &fsWatcher{
		project:  project,
		sb:       sb,
		bc:       bc,
		debounce: debounce,
		maxBatch: maxBatch,
		onFlush:  onFlush,
		log:      log,
		done:     make(chan struct{}),
	}

	fsn, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify unavailable, watcher degraded to no-op",
			zap.String("project", project), zap.Error(err))
		return w
	}
	w.fs = fsn
	return w
}

func (w *fsWatcher) run(exit func(error)) {
	go func() {
		err := w.loop()
		exit(err)
	}()
}

func (w *fsWatcher) stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *fsWatcher) loop() error {
	if w.fs == nil {
		<-w.done
		return nil
	}
	defer w.fs.Close()

	if err := w.addRecursive(w.sb.Root()); err != nil {
		w.log.Warn("watch registration incomplete",
			zap.String("project", w.project), zap.Error(err))
	}

	debounce := time.NewTimer(w.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				w.flush()
				return nil
			}
			if w.handle(ev) {
				if len(w.buffer) >= w.maxBatch {
					w.flush()
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
				} else {
					debounce.Reset(w.debounce)
				}
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				w.flush()
				return nil
			}
			w.log.Warn("watch error", zap.String("project", w.project), zap.Error(err))
		case <-debounce.C:
			w.flush()
		case <-w.done:
			w.flush()
			return nil
		}
	}
}

// handle validates, classifies and buffers one raw event. Returns false
// when the event is discarded.
func (w *fsWatcher) handle(ev fsnotify.Event) bool {
	kind, ok := classify(ev.Op)
	if !ok {
		return false
	}

	// Re-validate the changed path, including symlink re-checks. Events
	// for paths that no longer resolve inside the root are dropped.
	validated, err := w.sb.Validate(ev.Name)
	if err != nil {
		w.log.Warn("event path failed validation",
			zap.String("project", w.project), zap.String("path", ev.Name), zap.Error(err))
		return false
	}

	rel := w.sb.Rel(validated)
	if serviceDir(rel) {
		return false // scratch and trash traffic is not project activity
	}

	// New directories must be registered for recursive watching.
	if kind == events.KindCreated {
		if fi, serr := os.Lstat(validated); serr == nil && fi.IsDir() {
			if aerr := w.addRecursive(validated); aerr != nil {
				w.log.Warn("add watch for new directory",
					zap.String("path", validated), zap.Error(aerr))
			}
		}
	}

	w.seq++
	w.buffer = append(w.buffer, bufferedEvent{
		event: events.Event{
			Project:   w.project,
			Kind:      kind,
			Path:      rel,
			Timestamp: time.Now(),
		},
		seq: w.seq,
	})
	return true
}

// flush deduplicates by path keeping only the most recent event per path,
// sorts by timestamp, and delivers one batch notification.
func (w *fsWatcher) flush() {
	if len(w.buffer) == 0 {
		return
	}

	latest := make(map[string]bufferedEvent, len(w.buffer))
	for _, be := range w.buffer {
		if prev, ok := latest[be.event.Path]; !ok || be.seq > prev.seq {
			latest[be.event.Path] = be
		}
	}

	deduped := make([]bufferedEvent, 0, len(latest))
	for _, be := range latest {
		deduped = append(deduped, be)
	}
	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].event.Timestamp.Equal(deduped[j].event.Timestamp) {
			return deduped[i].seq < deduped[j].seq
		}
		return deduped[i].event.Timestamp.Before(deduped[j].event.Timestamp)
	})

	batch := events.Batch{Project: w.project, Events: make([]events.Event, len(deduped))}
	for i, be := range deduped {
		batch.Events[i] = be.event
		metrics.RecordWatcherEvent(be.event.Kind)
	}
	metrics.RecordWatcherBatch()

	w.buffer = w.buffer[:0]
	w.bc.Publish(batch)
	if w.onFlush != nil {
		w.onFlush(len(batch.Events))
	}
}

// addRecursive registers the directory and all existing subdirectories.
func (w *fsWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if !d.IsDir() {
			return nil
		}
		if serviceDir(w.sb.Rel(path)) {
			return fs.SkipDir
		}
		return w.fs.Add(path)
	})
}

// serviceDir reports whether a root-relative path is inside the hidden
// scratch or trash directories, whose churn is the manager's own.
func serviceDir(rel string) bool {
	first, _, _ := strings.Cut(rel, "/")
	return first == ".tmp" || first == ".trash"
}

// classify maps an fsnotify op to an event kind. First matching kind wins,
// in created, modified, deleted, renamed priority order.
func classify(op fsnotify.Op) (string, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return events.KindCreated, true
	case op.Has(fsnotify.Write):
		return events.KindModified, true
	case op.Has(fsnotify.Remove):
		return events.KindDeleted, true
	case op.Has(fsnotify.Rename):
		return events.KindRenamed, true
	default:
		return "", false // Chmod and friends are noise
	}
}
