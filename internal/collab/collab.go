// Package collab provides per-project advisory file locks and presence,
// used to serialize concurrent edits above the file manager layer. Locks are
// in-process only; they carry no cross-process guarantee.
package collab

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandfile/sandfile/internal/errs"
	"github.com/sandfile/sandfile/internal/metrics"
)

// LockType distinguishes exclusive from shared locks.
type LockType string

const (
	LockExclusive LockType = "exclusive"
	LockShared    LockType = "shared"
)

// Lock is one advisory lock on a path.
type Lock struct {
	ID         string            `json:"id"`
	Project    string            `json:"project"`
	Path       string            `json:"path"`
	UserID     string            `json:"user_id"`
	Type       LockType          `json:"type"`
	AcquiredAt time.Time         `json:"acquired_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (l *Lock) expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Change is delivered to path subscribers on lock and presence transitions.
type Change struct {
	Project string    `json:"project"`
	Path    string    `json:"path"`
	Kind    string    `json:"kind"` // acquired, released, expired, joined, left
	UserID  string    `json:"user_id,omitempty"`
	LockID  string    `json:"lock_id,omitempty"`
	Time    time.Time `json:"time"`
}

// pathKey scopes lock and presence tables by project.
type pathKey struct {
	project string
	path    string
}

type presence struct {
	userID   string
	lastSeen time.Time
}

// Coordinator owns the lock table, the presence map and the per-path
// subscriber lists. All methods are safe for concurrent use.
type Coordinator struct {
	mu       sync.RWMutex
	locks    map[pathKey][]*Lock // slice: one exclusive, or n shared
	byID     map[string]*Lock
	present  map[pathKey]map[string]*presence
	subs     map[pathKey][]chan Change
	lockTTL  time.Duration
	presTTL  time.Duration
	log      *zap.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// Config controls coordinator defaults.
type Config struct {
	DefaultLockTTL time.Duration // applied when Acquire gets ttl <= 0
	PresenceTTL    time.Duration // presence entries idle beyond this are swept
	SweepInterval  time.Duration
}

// New creates the coordinator and starts its expiry sweeper.
func New(cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DefaultLockTTL <= 0 {
		cfg.DefaultLockTTL = 10 * time.Minute
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	c := &Coordinator{
		locks:   make(map[pathKey][]*Lock),
		byID:    make(map[string]*Lock),
		present: make(map[pathKey]map[string]*presence),
		subs:    make(map[pathKey][]chan Change),
		lockTTL: cfg.DefaultLockTTL,
		presTTL: cfg.PresenceTTL,
		log:     log,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(cfg.SweepInterval)
	return c
}

// Acquire takes a lock on (project, path). A shared request is compatible
// with existing shared locks; every other combination fails with
// ErrAlreadyLocked. A non-positive ttl uses the coordinator default.
func (c *Coordinator) Acquire(project, path, user string, typ LockType, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = c.lockTTL
	}
	now := time.Now()
	k := pathKey{project, path}

	c.mu.Lock()
	held := c.pruneLocked(k, now)
	for _, l := range held {
		if l.Type == LockExclusive || typ == LockExclusive {
			c.mu.Unlock()
			return nil, errs.New("lock", project, path, errs.ErrAlreadyLocked)
		}
	}

	l := &Lock{
		ID:         uuid.NewString(),
		Project:    project,
		Path:       path,
		UserID:     user,
		Type:       typ,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	c.locks[k] = append(held, l)
	c.byID[l.ID] = l
	n := len(c.byID)
	c.mu.Unlock()

	metrics.SetLocksActive(n)
	c.notify(k, Change{Project: project, Path: path, Kind: "acquired",
		UserID: user, LockID: l.ID, Time: now})
	return l, nil
}

// Release drops the lock with the given id. Only the holder may release;
// anyone else gets ErrNotLocked, as does a release of an unknown id.
func (c *Coordinator) Release(project, id, user string) error {
	c.mu.Lock()
	l, ok := c.byID[id]
	if !ok || l.Project != project || l.UserID != user {
		c.mu.Unlock()
		return errs.New("unlock", project, "", errs.ErrNotLocked)
	}
	c.removeLocked(l)
	n := len(c.byID)
	c.mu.Unlock()

	metrics.SetLocksActive(n)
	c.notify(pathKey{project, l.Path}, Change{Project: project, Path: l.Path,
		Kind: "released", UserID: user, LockID: id, Time: time.Now()})
	return nil
}

// Locks returns the live locks on a path.
func (c *Coordinator) Locks(project, path string) []Lock {
	now := time.Now()
	k := pathKey{project, path}

	c.mu.Lock()
	held := c.pruneLocked(k, now)
	out := make([]Lock, len(held))
	for i, l := range held {
		out[i] = *l
	}
	c.mu.Unlock()
	return out
}

// Announce records (and refreshes) a user's presence on a path.
func (c *Coordinator) Announce(project, path, user string) {
	k := pathKey{project, path}
	now := time.Now()

	c.mu.Lock()
	users, ok := c.present[k]
	if !ok {
		users = make(map[string]*presence)
		c.present[k] = users
	}
	_, known := users[user]
	users[user] = &presence{userID: user, lastSeen: now}
	c.mu.Unlock()

	if !known {
		c.notify(k, Change{Project: project, Path: path, Kind: "joined",
			UserID: user, Time: now})
	}
}

// Leave removes a user's presence from a path.
func (c *Coordinator) Leave(project, path, user string) {
	k := pathKey{project, path}

	c.mu.Lock()
	users := c.present[k]
	_, known := users[user]
	delete(users, user)
	if len(users) == 0 {
		delete(c.present, k)
	}
	c.mu.Unlock()

	if known {
		c.notify(k, Change{Project: project, Path: path, Kind: "left",
			UserID: user, Time: time.Now()})
	}
}

// Present returns the users currently announced on a path.
func (c *Coordinator) Present(project, path string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	users := c.present[pathKey{project, path}]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	return out
}

// Subscribe registers for lock and presence changes on a path. The channel
// is buffered; slow consumers drop notifications rather than block.
func (c *Coordinator) Subscribe(project, path string) chan Change {
	ch := make(chan Change, 16)
	k := pathKey{project, path}

	c.mu.Lock()
	c.subs[k] = append(c.subs[k], ch)
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (c *Coordinator) Unsubscribe(project, path string, ch chan Change) {
	k := pathKey{project, path}

	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[k]
	for i, s := range subs {
		if s == ch {
			c.subs[k] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(c.subs[k]) == 0 {
		delete(c.subs, k)
	}
}

// Close stops the sweeper.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

// notify sends under the read lock so Unsubscribe's close cannot land
// between snapshot and send. Sends are non-blocking; slow subscribers drop.
func (c *Coordinator) notify(k pathKey, ch Change) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.subs[k] {
		select {
		case s <- ch:
		default:
		}
	}
}

// pruneLocked drops expired locks on k and returns the survivors.
// Callers hold c.mu. Expiry notifications are sent by the sweeper, not here.
func (c *Coordinator) pruneLocked(k pathKey, now time.Time) []*Lock {
	held := c.locks[k]
	live := held[:0]
	for _, l := range held {
		if l.expired(now) {
			delete(c.byID, l.ID)
			continue
		}
		live = append(live, l)
	}
	if len(live) == 0 {
		delete(c.locks, k)
		return nil
	}
	c.locks[k] = live
	return live
}

// removeLocked removes one lock from both indexes. Callers hold c.mu.
func (c *Coordinator) removeLocked(l *Lock) {
	delete(c.byID, l.ID)
	k := pathKey{l.Project, l.Path}
	held := c.locks[k]
	for i, h := range held {
		if h == l {
			c.locks[k] = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(c.locks[k]) == 0 {
		delete(c.locks, k)
	}
}

func (c *Coordinator) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep(time.Now())
		case <-c.done:
			return
		}
	}
}

// sweep expires stale locks and presence, notifying affected paths.
func (c *Coordinator) sweep(now time.Time) {
	type expiry struct {
		k  pathKey
		ch Change
	}
	var expired []expiry

	c.mu.Lock()
	for k, held := range c.locks {
		live := held[:0]
		for _, l := range held {
			if l.expired(now) {
				delete(c.byID, l.ID)
				expired = append(expired, expiry{k, Change{
					Project: l.Project, Path: l.Path, Kind: "expired",
					UserID: l.UserID, LockID: l.ID, Time: now,
				}})
				continue
			}
			live = append(live, l)
		}
		if len(live) == 0 {
			delete(c.locks, k)
		} else {
			c.locks[k] = live
		}
	}
	for k, users := range c.present {
		for u, p := range users {
			if now.Sub(p.lastSeen) > c.presTTL {
				delete(users, u)
				expired = append(expired, expiry{k, Change{
					Project: k.project, Path: k.path, Kind: "left",
					UserID: u, Time: now,
				}})
			}
		}
		if len(users) == 0 {
			delete(c.present, k)
		}
	}
	n := len(c.byID)
	c.mu.Unlock()

	metrics.SetLocksActive(n)
	for _, e := range expired {
		c.notify(e.k, e.ch)
	}
	if len(expired) > 0 {
		c.log.Debug("collab sweep expired entries", zap.Int("count", len(expired)))
	}
}
