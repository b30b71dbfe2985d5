package cache

import (
	"sort"
	"time"
)

// hotKeyRetention is how long an untouched hot-key stat survives before the
// sweep prunes it.
const hotKeyRetention = time.Hour

// hotStat is the side-table record backing hot-key queries. It outlives the
// cached entry itself, so eviction does not erase access history.
type hotStat struct {
	count      uint64
	lastAccess time.Time
}

// HotKey is one row of a top-N hot-key query.
type HotKey struct {
	Name        string
	AccessCount uint64
	LastAccess  time.Time
}

// touchHot bumps the side-table counter. Lock must be held.
func (e *Engine) touchHot(k Key, now time.Time) {
	hs, ok := e.hot[k]
	if !ok {
		hs = &hotStat{}
		e.hot[k] = hs
	}
	hs.count++
	hs.lastAccess = now
}

// pruneHot drops cold, rarely-touched stats. Lock must be held.
func (e *Engine) pruneHot(now time.Time) {
	for k, hs := range e.hot {
		if now.Sub(hs.lastAccess) > hotKeyRetention {
			delete(e.hot, k)
		}
	}
}

// HotKeys returns the top-n most-accessed keys in the project partition,
// most accessed first.
func (e *Engine) HotKeys(project string, n int) []HotKey {
	if n <= 0 {
		return nil
	}

	e.mu.Lock()
	rows := make([]HotKey, 0, len(e.hot))
	for k, hs := range e.hot {
		if k.Project != project {
			continue
		}
		rows = append(rows, HotKey{
			Name:        k.Name,
			AccessCount: hs.count,
			LastAccess:  hs.lastAccess,
		})
	}
	e.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].AccessCount != rows[j].AccessCount {
			return rows[i].AccessCount > rows[j].AccessCount
		}
		return rows[i].Name < rows[j].Name
	})
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}
