package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandfile/sandfile/internal/errs"
	"github.com/sandfile/sandfile/internal/sandbox"
)

// stubRunner stands in for the fsnotify watcher in pool tests.
type stubRunner struct {
	stopCh  chan struct{}
	crashCh chan error
	once    sync.Once
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		stopCh:  make(chan struct{}),
		crashCh: make(chan error, 1),
	}
}

func (s *stubRunner) run(exit func(error)) {
	go func() {
		select {
		case err := <-s.crashCh:
			exit(err)
		case <-s.stopCh:
			exit(nil)
		}
	}()
}

func (s *stubRunner) stop() {
	s.once.Do(func() { close(s.stopCh) })
}

// stubPool tracks runners by project so tests can crash them.
type stubPool struct {
	mu      sync.Mutex
	runners map[string][]*stubRunner
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *stubPool) {
	t.Helper()
	sp := &stubPool{runners: make(map[string][]*stubRunner)}
	factory := func(project string, _ *sandbox.Sandbox, _ func(int)) runner {
		r := newStubRunner()
		sp.mu.Lock()
		sp.runners[project] = append(sp.runners[project], r)
		sp.mu.Unlock()
		return r
	}
	p := newPool(cfg, nil, nil, factory)
	t.Cleanup(p.Close)
	return p, sp
}

func (sp *stubPool) crash(project string, err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	rs := sp.runners[project]
	rs[len(rs)-1].crashCh <- err
}

func opts(t *testing.T) StartOptions {
	return StartOptions{Root: t.TempDir()}
}

func TestStartStopLifecycle(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxWatchers: 4})
	ctx := context.Background()

	res, err := p.Start(ctx, "p1", opts(t))
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, res.Status)

	res, err = p.Start(ctx, "p1", opts(t))
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyRunning, res.Status)

	info, err := p.Info(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, StateActive, info.State)

	list, err := p.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, p.Stop(ctx, "p1"))
	info, err = p.Info(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, info)

	// Stop of an absent project is a no-op.
	require.NoError(t, p.Stop(ctx, "p1"))
}

func TestStartBadRootFails(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxWatchers: 4})

	_, err := p.Start(context.Background(), "p1", StartOptions{Root: "/does/not/exist"})
	assert.Error(t, err)
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxWatchers: 2, MinAge: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := p.Start(ctx, "p1", opts(t))
	require.NoError(t, err)
	_, err = p.Start(ctx, "p2", opts(t))
	require.NoError(t, err)

	// Make p1 the most recently active lease.
	time.Sleep(20 * time.Millisecond)
	p.TouchActivity("p1")

	res, err := p.Start(ctx, "p3", opts(t))
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, res.Status)

	info, err := p.Info(ctx, "p2")
	require.NoError(t, err)
	assert.Nil(t, info, "least-recently-active lease must be evicted")

	info, err = p.Info(ctx, "p1")
	require.NoError(t, err)
	assert.NotNil(t, info)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Evicted)
}

func TestQueueTimeoutWhenNoCandidate(t *testing.T) {
	p, _ := newTestPool(t, Config{
		MaxWatchers: 1,
		MinAge:      time.Hour, // nothing is old enough to evict
		QueueWait:   50 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := p.Start(ctx, "p1", opts(t))
	require.NoError(t, err)

	res, err := p.Start(ctx, "p2", opts(t))
	require.NoError(t, err)
	require.Equal(t, StatusQueued, res.Status)

	select {
	case qerr := <-res.Done:
		assert.ErrorIs(t, qerr, errs.ErrQueueTimeout)
	case <-time.After(time.Second):
		t.Fatal("queued request never resolved")
	}

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.QueueTimeouts)
	assert.Equal(t, 0, stats.Queued)
}

func TestQueueDrainedWhenSlotFrees(t *testing.T) {
	p, _ := newTestPool(t, Config{
		MaxWatchers: 1,
		MinAge:      time.Hour,
		QueueWait:   2 * time.Second,
	})
	ctx := context.Background()

	_, err := p.Start(ctx, "p1", opts(t))
	require.NoError(t, err)

	res, err := p.Start(ctx, "p2", opts(t))
	require.NoError(t, err)
	require.Equal(t, StatusQueued, res.Status)

	require.NoError(t, p.Stop(ctx, "p1"))

	select {
	case qerr := <-res.Done:
		require.NoError(t, qerr)
	case <-time.After(time.Second):
		t.Fatal("queued request not admitted after capacity freed")
	}

	info, err := p.Info(ctx, "p2")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, StateActive, info.State)
}

func TestHighPriorityEvictsRegardlessOfAge(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxWatchers: 1, MinAge: time.Hour})
	ctx := context.Background()

	_, err := p.Start(ctx, "p1", opts(t))
	require.NoError(t, err)

	o := opts(t)
	o.Priority = PriorityHigh
	res, err := p.Start(ctx, "p2", o)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, res.Status)

	info, err := p.Info(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestCrashedWatcherIsRestartedOnce(t *testing.T) {
	p, sp := newTestPool(t, Config{MaxWatchers: 4})
	ctx := context.Background()

	_, err := p.Start(ctx, "p1", opts(t))
	require.NoError(t, err)

	sp.crash("p1", errors.New("inotify backend failed"))

	require.Eventually(t, func() bool {
		stats, serr := p.Stats(ctx)
		return serr == nil && stats.Restarted == 1 && stats.Live == 1
	}, time.Second, 10*time.Millisecond, "crashed watcher was not restarted")

	// A second crash removes the lease for good.
	sp.crash("p1", errors.New("inotify backend failed again"))

	require.Eventually(t, func() bool {
		info, ierr := p.Info(ctx, "p1")
		return ierr == nil && info == nil
	}, time.Second, 10*time.Millisecond, "twice-crashed watcher should stay down")

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Crashed)
}

func TestInactivitySweep(t *testing.T) {
	p, _ := newTestPool(t, Config{
		MaxWatchers:   4,
		Inactivity:    20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := p.Start(ctx, "p1", opts(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, ierr := p.Info(ctx, "p1")
		return ierr == nil && info == nil
	}, time.Second, 10*time.Millisecond, "idle watcher should be swept")

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.InactivityStops)
}

func TestTouchActivityPreventsSweep(t *testing.T) {
	p, _ := newTestPool(t, Config{
		MaxWatchers:   4,
		Inactivity:    60 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := p.Start(ctx, "p1", opts(t))
	require.NoError(t, err)

	// Keep touching for a few sweep cycles.
	for i := 0; i < 10; i++ {
		p.TouchActivity("p1")
		time.Sleep(20 * time.Millisecond)
	}

	info, err := p.Info(ctx, "p1")
	require.NoError(t, err)
	assert.NotNil(t, info, "touched watcher must survive the sweep")
}

func TestClosedPoolRejectsRequests(t *testing.T) {
	sp := &stubPool{runners: make(map[string][]*stubRunner)}
	p := newPool(Config{MaxWatchers: 1}, nil, nil, func(project string, _ *sandbox.Sandbox, _ func(int)) runner {
		r := newStubRunner()
		sp.mu.Lock()
		sp.runners[project] = append(sp.runners[project], r)
		sp.mu.Unlock()
		return r
	})
	p.Close()

	_, err := p.Start(context.Background(), "p1", StartOptions{Root: "."})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestStartWait(t *testing.T) {
	p, _ := newTestPool(t, Config{
		MaxWatchers: 1,
		MinAge:      time.Hour,
		QueueWait:   50 * time.Millisecond,
	})
	ctx := context.Background()

	status, err := p.StartWait(ctx, "p1", opts(t))
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, status)

	_, err = p.StartWait(ctx, "p2", opts(t))
	assert.ErrorIs(t, err, errs.ErrQueueTimeout)
}
