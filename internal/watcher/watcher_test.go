package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sandfile/sandfile/internal/events"
	"github.com/sandfile/sandfile/internal/sandbox"
)

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		op   fsnotify.Op
		kind string
		ok   bool
	}{
		{fsnotify.Create, events.KindCreated, true},
		{fsnotify.Write, events.KindModified, true},
		{fsnotify.Remove, events.KindDeleted, true},
		{fsnotify.Rename, events.KindRenamed, true},
		{fsnotify.Chmod, "", false},
		// Combined ops resolve by priority order.
		{fsnotify.Create | fsnotify.Write, events.KindCreated, true},
		{fsnotify.Write | fsnotify.Remove, events.KindModified, true},
		{fsnotify.Remove | fsnotify.Rename, events.KindDeleted, true},
	}
	for _, c := range cases {
		kind, ok := classify(c.op)
		assert.Equal(t, c.ok, ok, "op %v", c.op)
		assert.Equal(t, c.kind, kind, "op %v", c.op)
	}
}

func newBareWatcher(t *testing.T, root string) (*fsWatcher, chan events.Batch) {
	t.Helper()
	sb, err := sandbox.New(root)
	require.NoError(t, err)
	bc := events.NewBroadcaster()
	ch := bc.Subscribe("p1")

	w := &fsWatcher{
		project:  "p1",
		sb:       sb,
		bc:       bc,
		debounce: 10 * time.Millisecond,
		maxBatch: 64,
		log:      zap.NewNop(),
		done:     make(chan struct{}),
	}
	return w, ch
}

func TestFlushDedupsByPathKeepingNewest(t *testing.T) {
	root := t.TempDir()
	w, ch := newBareWatcher(t, root)

	p := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	require.True(t, w.handle(fsnotify.Event{Name: p, Op: fsnotify.Create}))
	require.True(t, w.handle(fsnotify.Event{Name: p, Op: fsnotify.Write}))
	require.True(t, w.handle(fsnotify.Event{Name: p, Op: fsnotify.Write}))

	w.flush()

	select {
	case batch := <-ch:
		require.Len(t, batch.Events, 1, "events for the same path collapse to one")
		assert.Equal(t, "a.txt", batch.Events[0].Path)
		assert.Equal(t, events.KindModified, batch.Events[0].Kind)
	case <-time.After(time.Second):
		t.Fatal("no batch delivered")
	}

	// Buffer is drained; an empty flush publishes nothing.
	w.flush()
	select {
	case batch := <-ch:
		t.Fatalf("unexpected batch: %+v", batch)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFlushSortsByTimestamp(t *testing.T) {
	root := t.TempDir()
	w, ch := newBareWatcher(t, root)

	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		p := filepath.Join(root, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		require.True(t, w.handle(fsnotify.Event{Name: p, Op: fsnotify.Create}))
	}

	w.flush()

	batch := <-ch
	require.Len(t, batch.Events, 3)
	assert.Equal(t, "c.txt", batch.Events[0].Path)
	assert.Equal(t, "a.txt", batch.Events[1].Path)
	assert.Equal(t, "b.txt", batch.Events[2].Path)
	for i := 1; i < len(batch.Events); i++ {
		assert.False(t, batch.Events[i].Timestamp.Before(batch.Events[i-1].Timestamp))
	}
}

func TestHandleDropsScratchAndTrashTraffic(t *testing.T) {
	root := t.TempDir()
	w, _ := newBareWatcher(t, root)

	for _, dir := range []string{".tmp", ".trash"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		p := filepath.Join(root, dir, "write-123")
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		assert.False(t, w.handle(fsnotify.Event{Name: p, Op: fsnotify.Create}), dir)
		assert.False(t, w.handle(fsnotify.Event{Name: filepath.Join(root, dir), Op: fsnotify.Write}), dir)
	}
	assert.Empty(t, w.buffer)

	// Dot-prefixed user files elsewhere still count.
	p := filepath.Join(root, ".gitignore")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	assert.True(t, w.handle(fsnotify.Event{Name: p, Op: fsnotify.Create}))
}

func TestHandleDropsPathsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	w, _ := newBareWatcher(t, root)

	outside := filepath.Join(t.TempDir(), "other.txt")
	assert.False(t, w.handle(fsnotify.Event{Name: outside, Op: fsnotify.Create}))
	assert.Empty(t, w.buffer)
}

func TestHandleDropsSymlinkEscapes(t *testing.T) {
	root := t.TempDir()
	w, _ := newBareWatcher(t, root)

	target := t.TempDir()
	link := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(target, link))

	assert.False(t, w.handle(fsnotify.Event{Name: filepath.Join(link, "f.txt"), Op: fsnotify.Create}))
}

func TestWatcherDeliversBatches(t *testing.T) {
	root := t.TempDir()
	sb, err := sandbox.New(root)
	require.NoError(t, err)
	bc := events.NewBroadcaster()
	ch := bc.Subscribe("p1")

	var flushed int
	r := newFSWatcher("p1", sb, bc, 20*time.Millisecond, 64, func(n int) { flushed += n }, zap.NewNop())
	w, ok := r.(*fsWatcher)
	require.True(t, ok)
	if w.fs == nil {
		t.Skip("fsnotify unavailable on this platform")
	}

	exited := make(chan error, 1)
	r.run(func(err error) { exited <- err })
	defer func() {
		r.stop()
		require.NoError(t, <-exited)
	}()

	// Let the watch registration settle before generating events.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "new.txt"), []byte("hello"), 0o644))

	select {
	case batch := <-ch:
		require.NotEmpty(t, batch.Events)
		assert.Equal(t, "new.txt", batch.Events[0].Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no batch from live watcher")
	}
}

func TestNoOpWatcherRunsAndStops(t *testing.T) {
	root := t.TempDir()
	w, _ := newBareWatcher(t, root)
	// fs == nil simulates an unavailable OS watch mechanism.

	exited := make(chan error, 1)
	w.run(func(err error) { exited <- err })
	w.stop()

	select {
	case err := <-exited:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("degraded watcher did not exit")
	}
}
