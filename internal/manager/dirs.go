package manager

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sandfile/sandfile/internal/errs"
)

// MkdirRequest creates a directory (parents included).
type MkdirRequest struct {
	Path   string
	UserID string
}

// ListOptions select, order and page a directory listing.
type ListOptions struct {
	SortBy     string // name, size, mtime
	Descending bool
	DirsFirst  bool
	Filter     string // glob against the entry name
	Offset     int
	Limit      int // 0 means no limit
}

// ListRequest reads one directory level.
type ListRequest struct {
	Dir     string
	UserID  string
	Options ListOptions
}

// Listing is a paged directory read. Total counts entries after filtering,
// before paging.
type Listing struct {
	Dir     string     `json:"dir"`
	Entries []FileInfo `json:"entries"`
	Total   int        `json:"total"`
}

// CreateDirectory makes the directory and any missing parents.
func (m *Manager) CreateDirectory(ctx context.Context, req MkdirRequest) (*FileInfo, error) {
	const op = "mkdir"
	start := time.Now()
	fi, err := m.mkdir(ctx, req)
	m.finish(op, req.UserID, req.Path, start, err)
	return fi, err
}

func (m *Manager) mkdir(ctx context.Context, req MkdirRequest) (*FileInfo, error) {
	const op = "mkdir"
	if err := m.authorize(ctx, op, req.UserID, req.Path); err != nil {
		return nil, err
	}
	validated, err := m.sb.Validate(req.Path)
	if err != nil {
		return nil, errs.New(op, m.project, req.Path, err)
	}

	if _, serr := os.Lstat(validated); serr == nil {
		return nil, errs.New(op, m.project, req.Path, errs.ErrFileAlreadyExists)
	}
	if err := os.MkdirAll(validated, 0o755); err != nil {
		return nil, m.wrap(op, req.Path, err)
	}

	rel := m.sb.Rel(validated)
	m.invalidate(rel, true)

	fi, err := os.Lstat(validated)
	if err != nil {
		return nil, m.wrap(op, req.Path, err)
	}
	info := m.info(validated, fi)
	return &info, nil
}

// List reads one directory level with filtering, sorting and paging. The
// result is cached; distinct option sets occupy distinct cache slots.
func (m *Manager) List(ctx context.Context, req ListRequest) (*Listing, error) {
	const op = "list"
	start := time.Now()
	l, err := m.list(ctx, req)
	m.finish(op, req.UserID, req.Dir, start, err)
	return l, err
}

func (m *Manager) list(ctx context.Context, req ListRequest) (*Listing, error) {
	const op = "list"
	if err := m.authorize(ctx, op, req.UserID, req.Dir); err != nil {
		return nil, err
	}
	validated, err := m.sb.Validate(req.Dir)
	if err != nil {
		return nil, errs.New(op, m.project, req.Dir, err)
	}
	rel := m.sb.Rel(validated)

	key := listKey(rel, req.Options)
	if m.cache != nil {
		if v, ok := m.cache.Get(m.project, key); ok {
			if l, ok := v.(*Listing); ok {
				return l, nil
			}
		}
	}

	fi, err := os.Lstat(validated)
	if err != nil {
		return nil, m.wrap(op, req.Dir, err)
	}
	if !fi.IsDir() {
		return nil, errs.New(op, m.project, req.Dir, errs.ErrDirectoryNotFound)
	}

	dirents, err := os.ReadDir(validated)
	if err != nil {
		return nil, m.wrap(op, req.Dir, err)
	}

	entries := make([]FileInfo, 0, len(dirents))
	for _, d := range dirents {
		if hidden(d.Name()) {
			continue
		}
		if req.Options.Filter != "" {
			ok, merr := filepath.Match(req.Options.Filter, d.Name())
			if merr != nil || !ok {
				continue
			}
		}
		efi, ierr := d.Info()
		if ierr != nil {
			continue // entry vanished between readdir and stat
		}
		entries = append(entries, m.info(filepath.Join(validated, d.Name()), efi))
	}

	sortEntries(entries, req.Options)
	total := len(entries)
	entries = page(entries, req.Options.Offset, req.Options.Limit)

	l := &Listing{Dir: rel, Entries: entries, Total: total}
	if m.cache != nil {
		m.cache.Put(m.project, key, l, listCacheCost(l), m.cacheTTL)
	}
	return l, nil
}

// hidden filters the service's own bookkeeping directories out of listings.
func hidden(name string) bool {
	return name == ".tmp" || name == ".trash"
}

func sortEntries(entries []FileInfo, opts ListOptions) {
	less := func(a, b FileInfo) bool { return a.Name < b.Name }
	switch opts.SortBy {
	case "size":
		less = func(a, b FileInfo) bool { return a.Size < b.Size }
	case "mtime":
		less = func(a, b FileInfo) bool { return a.ModTime.Before(b.ModTime) }
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if opts.DirsFirst && a.IsDir != b.IsDir {
			return a.IsDir
		}
		if opts.Descending {
			return less(b, a)
		}
		return less(a, b)
	})
}

func page(entries []FileInfo, offset, limit int) []FileInfo {
	if offset >= len(entries) {
		return []FileInfo{}
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

func listCacheCost(l *Listing) int64 {
	return int64(len(l.Entries))*infoCacheCost + 64
}
