package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandfile/sandfile/internal/errs"
)

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c := New(cfg, nil)
	t.Cleanup(c.Close)
	return c
}

func TestExclusiveLockConflict(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	l1, err := c.Acquire("p1", "docs/readme.md", "alice", LockExclusive, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, l1.ID)

	_, err = c.Acquire("p1", "docs/readme.md", "bob", LockExclusive, time.Minute)
	assert.ErrorIs(t, err, errs.ErrAlreadyLocked)

	// Shared against an exclusive holder also conflicts.
	_, err = c.Acquire("p1", "docs/readme.md", "bob", LockShared, time.Minute)
	assert.ErrorIs(t, err, errs.ErrAlreadyLocked)
}

func TestSharedLocksAreCompatible(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	l1, err := c.Acquire("p1", "docs/readme.md", "alice", LockShared, time.Minute)
	require.NoError(t, err)
	l2, err := c.Acquire("p1", "docs/readme.md", "bob", LockShared, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, l1.ID, l2.ID)

	// An exclusive request against shared holders conflicts.
	_, err = c.Acquire("p1", "docs/readme.md", "carol", LockExclusive, time.Minute)
	assert.ErrorIs(t, err, errs.ErrAlreadyLocked)

	assert.Len(t, c.Locks("p1", "docs/readme.md"), 2)
}

func TestProjectsArePartitioned(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	_, err := c.Acquire("p1", "a.txt", "alice", LockExclusive, time.Minute)
	require.NoError(t, err)
	_, err = c.Acquire("p2", "a.txt", "bob", LockExclusive, time.Minute)
	require.NoError(t, err)
}

func TestReleaseRequiresHolder(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	l, err := c.Acquire("p1", "a.txt", "alice", LockExclusive, time.Minute)
	require.NoError(t, err)

	err = c.Release("p1", l.ID, "bob")
	assert.ErrorIs(t, err, errs.ErrNotLocked)

	require.NoError(t, c.Release("p1", l.ID, "alice"))
	assert.Empty(t, c.Locks("p1", "a.txt"))

	err = c.Release("p1", l.ID, "alice")
	assert.ErrorIs(t, err, errs.ErrNotLocked)
}

func TestLockExpiry(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	_, err := c.Acquire("p1", "a.txt", "alice", LockExclusive, 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	// Expired lock no longer blocks a new acquisition.
	_, err = c.Acquire("p1", "a.txt", "bob", LockExclusive, time.Minute)
	require.NoError(t, err)
}

func TestPresence(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	c.Announce("p1", "a.txt", "alice")
	c.Announce("p1", "a.txt", "bob")
	assert.ElementsMatch(t, []string{"alice", "bob"}, c.Present("p1", "a.txt"))

	c.Leave("p1", "a.txt", "alice")
	assert.Equal(t, []string{"bob"}, c.Present("p1", "a.txt"))
}

func TestPresenceSweep(t *testing.T) {
	c := newTestCoordinator(t, Config{
		PresenceTTL:   20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	c.Announce("p1", "a.txt", "alice")
	require.Eventually(t, func() bool {
		return len(c.Present("p1", "a.txt")) == 0
	}, time.Second, 10*time.Millisecond, "stale presence should be swept")
}

func TestChangeNotifications(t *testing.T) {
	c := newTestCoordinator(t, Config{
		SweepInterval: 10 * time.Millisecond,
	})

	ch := c.Subscribe("p1", "a.txt")
	defer c.Unsubscribe("p1", "a.txt", ch)

	l, err := c.Acquire("p1", "a.txt", "alice", LockExclusive, 20*time.Millisecond)
	require.NoError(t, err)

	recv := func() Change {
		select {
		case ev := <-ch:
			return ev
		case <-time.After(time.Second):
			t.Fatal("no change notification")
			return Change{}
		}
	}

	ev := recv()
	assert.Equal(t, "acquired", ev.Kind)
	assert.Equal(t, l.ID, ev.LockID)
	assert.Equal(t, "alice", ev.UserID)

	ev = recv()
	assert.Equal(t, "expired", ev.Kind)
	assert.Equal(t, l.ID, ev.LockID)

	c.Announce("p1", "a.txt", "bob")
	ev = recv()
	assert.Equal(t, "joined", ev.Kind)
	assert.Equal(t, "bob", ev.UserID)

	c.Leave("p1", "a.txt", "bob")
	ev = recv()
	assert.Equal(t, "left", ev.Kind)
}

func TestConcurrentNotifyAndUnsubscribe(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			c.Announce("p1", "a.txt", "u")
			c.Leave("p1", "a.txt", "u")
		}
	}()

	// Churn subscribers while notifications are in flight. A close racing a
	// send would panic the notifier.
	for i := 0; i < 500; i++ {
		ch := c.Subscribe("p1", "a.txt")
		for len(ch) > 0 {
			<-ch
		}
		c.Unsubscribe("p1", "a.txt", ch)
	}

	close(done)
	wg.Wait()
}
