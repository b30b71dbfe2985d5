// Package cache provides the shared, partitioned key-value cache with TTL
// expiry, size-bounded LRU eviction, and pattern invalidation.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sandfile/sandfile/internal/metrics"
)

// Key identifies an entry inside a project partition.
type Key struct {
	Project string
	Name    string
}

// entry is a cached value plus its bookkeeping.
type entry struct {
	key         Key
	value       any
	size        int64
	expiresAt   time.Time // zero means never
	version     uint64
	stale       bool
	accessCount uint64
	lastAccess  time.Time
}

// Config controls the engine.
type Config struct {
	// MaxBytes is the global size budget. <= 0 disables LRU eviction.
	MaxBytes int64
	// DefaultTTL applies when Put is called with ttl <= 0. Zero means
	// entries never expire unless given an explicit ttl.
	DefaultTTL time.Duration
	// SweepInterval is the period of the background expiry sweep.
	// <= 0 disables the sweep; expiry still happens lazily on read.
	SweepInterval time.Duration
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Entries     int
	SizeBytes   int64
	Evictions   int64
	Expirations int64
}

// Engine is a single shared concurrent table, partitioned logically by
// (project, key). Safe for concurrent use; internal synchronization is the
// engine's responsibility.
type Engine struct {
	maxBytes   int64
	defaultTTL time.Duration

	mu        sync.Mutex
	items     map[Key]*list.Element
	evictList *list.List // front = most recently used
	size      int64
	hot       map[Key]*hotStat

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

// New creates an engine and, if configured, starts its background sweep.
func New(cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		maxBytes:   cfg.MaxBytes,
		defaultTTL: cfg.DefaultTTL,
		items:      make(map[Key]*list.Element),
		evictList:  list.New(),
		hot:        make(map[Key]*hotStat),
		done:       make(chan struct{}),
		log:        log,
	}
	if cfg.SweepInterval > 0 {
		go e.sweepLoop(cfg.SweepInterval)
	}
	return e
}

// Get returns the cached value for (project, name). Entries past their
// expiry, and entries marked stale, report a miss.
func (e *Engine) Get(project, name string) (any, bool) {
	v, stale, ok := e.get(Key{project, name})
	if !ok || stale {
		return nil, false
	}
	return v, true
}

// GetAllowStale returns the value even when the entry is marked stale, so a
// caller that opted in may serve stale data while a refresh is queued.
func (e *Engine) GetAllowStale(project, name string) (value any, stale, ok bool) {
	return e.get(Key{project, name})
}

func (e *Engine) get(k Key) (any, bool, bool) {
	now := time.Now()

	e.mu.Lock()
	el, ok := e.items[k]
	if !ok {
		e.mu.Unlock()
		e.misses.Add(1)
		metrics.RecordCacheMiss()
		return nil, false, false
	}
	ent := el.Value.(*entry)
	if ent.expired(now) {
		e.removeElement(el)
		e.mu.Unlock()
		e.expirations.Add(1)
		e.misses.Add(1)
		metrics.RecordCacheMiss()
		return nil, false, false
	}
	if ent.stale {
		// Stale entries are misses for telemetry and keep their LRU slot,
		// so soft-invalidated data ages out rather than staying warm.
		value := ent.value
		e.mu.Unlock()
		e.misses.Add(1)
		metrics.RecordCacheMiss()
		return value, true, true
	}
	ent.accessCount++
	ent.lastAccess = now
	e.evictList.MoveToFront(el)
	e.touchHot(k, now)
	value := ent.value
	e.mu.Unlock()

	e.hits.Add(1)
	metrics.RecordCacheHit()
	return value, false, true
}

// Put stores value under (project, name). size is the caller-accounted byte
// weight; ttl <= 0 falls back to the configured default.
func (e *Engine) Put(project, name string, value any, size int64, ttl time.Duration) {
	e.PutVersioned(project, name, value, size, ttl, 0)
}

// PutVersioned stores value with a version tag for bulk invalidation.
func (e *Engine) PutVersioned(project, name string, value any, size int64, ttl time.Duration, version uint64) {
	if size < 0 {
		size = 0
	}
	if ttl <= 0 {
		ttl = e.defaultTTL
	}
	now := time.Now()
	ent := &entry{
		key:        Key{project, name},
		value:      value,
		size:       size,
		version:    version,
		lastAccess: now,
	}
	if ttl > 0 {
		ent.expiresAt = now.Add(ttl)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if el, ok := e.items[ent.key]; ok {
		e.removeElement(el)
	}

	// Items larger than the whole budget are not cached at all.
	if e.maxBytes > 0 && size > e.maxBytes {
		return
	}
	// Proactive LRU eviction before an insert that would overflow.
	if e.maxBytes > 0 {
		for e.size+size > e.maxBytes {
			if !e.evictOldest() {
				break
			}
		}
	}

	el := e.evictList.PushFront(ent)
	e.items[ent.key] = el
	e.size += size
	e.publishSize()
}

// Invalidate removes a single entry.
func (e *Engine) Invalidate(project, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	el, ok := e.items[Key{project, name}]
	if !ok {
		return false
	}
	e.removeElement(el)
	e.publishSize()
	return true
}

// MarkStale soft-invalidates an entry: it stays resident but is only served
// through GetAllowStale.
func (e *Engine) MarkStale(project, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	el, ok := e.items[Key{project, name}]
	if !ok {
		return false
	}
	el.Value.(*entry).stale = true
	return true
}

// InvalidatePrefix removes every entry in the project partition whose name
// starts with prefix, byte-wise. Used for cascading directory invalidation.
func (e *Engine) InvalidatePrefix(project, prefix string) int {
	return e.invalidateMatching(project, func(name string) bool {
		return len(name) >= len(prefix) && name[:len(prefix)] == prefix
	})
}

// InvalidatePattern removes every entry in the project partition whose name
// matches the anchored glob: `*` spans one path segment, `**` any depth.
func (e *Engine) InvalidatePattern(project, glob string) (int, error) {
	re, err := compileGlob(glob)
	if err != nil {
		return 0, err
	}
	return e.invalidateMatching(project, re.MatchString), nil
}

// InvalidateVersion removes every project entry tagged with a version below
// the given one.
func (e *Engine) InvalidateVersion(project string, below uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var toRemove []*list.Element
	for k, el := range e.items {
		if k.Project == project && el.Value.(*entry).version < below {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		e.removeElement(el)
	}
	e.publishSize()
	return len(toRemove)
}

// invalidateMatching is a full scan filtered by partition, not an index
// lookup.
func (e *Engine) invalidateMatching(project string, match func(string) bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var toRemove []*list.Element
	for k, el := range e.items {
		if k.Project == project && match(k.Name) {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		e.removeElement(el)
	}
	e.publishSize()
	return len(toRemove)
}

// Clear removes every entry in the project partition. An empty project
// clears the whole table.
func (e *Engine) Clear(project string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var toRemove []*list.Element
	for k, el := range e.items {
		if project == "" || k.Project == project {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		e.removeElement(el)
	}
	e.publishSize()
	return len(toRemove)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	entries := len(e.items)
	size := e.size
	e.mu.Unlock()

	return Stats{
		Hits:        e.hits.Load(),
		Misses:      e.misses.Load(),
		Entries:     entries,
		SizeBytes:   size,
		Evictions:   e.evictions.Load(),
		Expirations: e.expirations.Load(),
	}
}

// Close stops the background sweep. The table remains usable.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// evictOldest removes the least-recently-used entry. Lock must be held.
func (e *Engine) evictOldest() bool {
	el := e.evictList.Back()
	if el == nil {
		return false
	}
	e.removeElement(el)
	e.evictions.Add(1)
	metrics.RecordCacheEviction("lru")
	return true
}

// removeElement unlinks an entry and adjusts the size accounting, which
// must never underflow. Lock must be held.
func (e *Engine) removeElement(el *list.Element) {
	ent := el.Value.(*entry)
	e.evictList.Remove(el)
	delete(e.items, ent.key)
	e.size -= ent.size
	if e.size < 0 {
		e.size = 0
	}
}

// publishSize updates the exported gauges. Lock must be held.
func (e *Engine) publishSize() {
	metrics.SetCacheSize(e.size, len(e.items))
}

func (e *Engine) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweep(time.Now())
		case <-e.done:
			return
		}
	}
}

// sweep proactively purges expired entries, re-checks the LRU budget, and
// prunes cold hot-key stats.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()

	var expired []*list.Element
	for _, el := range e.items {
		if el.Value.(*entry).expired(now) {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		e.removeElement(el)
		e.expirations.Add(1)
		metrics.RecordCacheEviction("expired")
	}

	if e.maxBytes > 0 {
		for e.size > e.maxBytes {
			if !e.evictOldest() {
				break
			}
		}
	}

	e.pruneHot(now)
	e.publishSize()
	removed := len(expired)
	e.mu.Unlock()

	if removed > 0 {
		e.log.Debug("cache sweep purged expired entries", zap.Int("removed", removed))
	}
}

func (ent *entry) expired(now time.Time) bool {
	return !ent.expiresAt.IsZero() && now.After(ent.expiresAt)
}
