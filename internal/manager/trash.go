package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sandfile/sandfile/internal/errs"
)

// trashTimeFormat is the suffix appended to trashed entries. Parseable, so
// the empty-trash sweep can age entries without extra bookkeeping.
const trashTimeFormat = "20060102T150405.000000000"

// DeleteRequest removes a file or directory. The default is a reversible
// move to trash; Permanent deletes outright, and permanently deleting a
// directory additionally requires Recursive.
type DeleteRequest struct {
	Path      string
	UserID    string
	Permanent bool
	Recursive bool
}

// RestoreRequest moves a trashed entry back to its original path.
type RestoreRequest struct {
	TrashName string
	UserID    string
}

// TrashEntry describes one trashed item.
type TrashEntry struct {
	Name         string    `json:"name"` // name inside the trash dir
	OriginalPath string    `json:"original_path"`
	DeletedAt    time.Time `json:"deleted_at"`
	Size         int64     `json:"size"`
	IsDir        bool      `json:"is_dir"`
}

// Delete removes req.Path. Without Permanent the entry is renamed into the
// hidden trash directory with a timestamp suffix and can be restored.
func (m *Manager) Delete(ctx context.Context, req DeleteRequest) error {
	const op = "delete"
	start := time.Now()
	err := m.delete(ctx, req)
	m.finish(op, req.UserID, req.Path, start, err)
	return err
}

func (m *Manager) delete(ctx context.Context, req DeleteRequest) error {
	const op = "delete"
	if err := m.authorize(ctx, op, req.UserID, req.Path); err != nil {
		return err
	}
	validated, err := m.sb.Validate(req.Path)
	if err != nil {
		return errs.New(op, m.project, req.Path, err)
	}
	if validated == m.sb.Root() {
		return errs.New(op, m.project, req.Path, errs.ErrPermissionDenied)
	}

	fi, err := os.Lstat(validated)
	if err != nil {
		return m.wrap(op, req.Path, err)
	}
	rel := m.sb.Rel(validated)

	if !req.Permanent {
		if err := m.moveToTrash(validated, rel); err != nil {
			return m.wrap(op, req.Path, err)
		}
	} else if fi.IsDir() {
		if !req.Recursive {
			return errs.New(op, m.project, req.Path,
				fmt.Errorf("directory delete requires recursive: %w", errs.ErrPermissionDenied))
		}
		if err := os.RemoveAll(validated); err != nil {
			return m.wrap(op, req.Path, err)
		}
	} else {
		if err := os.Remove(validated); err != nil {
			return m.wrap(op, req.Path, err)
		}
	}

	m.invalidate(rel, fi.IsDir())
	return nil
}

// moveToTrash renames the entry under the trash dir, preserving its
// root-relative path and appending the deletion timestamp.
func (m *Manager) moveToTrash(validated, rel string) error {
	name := trashName(rel, time.Now().UTC())
	target := filepath.Join(m.trashDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.Rename(validated, target)
}

// Restore moves a trashed entry back to its original location. It fails
// with FileAlreadyExists when the original path has been reoccupied.
func (m *Manager) Restore(ctx context.Context, req RestoreRequest) (*FileInfo, error) {
	const op = "restore"
	start := time.Now()
	fi, err := m.restore(ctx, req)
	m.finish(op, req.UserID, req.TrashName, start, err)
	return fi, err
}

func (m *Manager) restore(ctx context.Context, req RestoreRequest) (*FileInfo, error) {
	const op = "restore"
	if err := m.authorize(ctx, op, req.UserID, req.TrashName); err != nil {
		return nil, err
	}
	rel, _, ok := splitTrashName(req.TrashName)
	if !ok {
		return nil, errs.New(op, m.project, req.TrashName, errs.ErrFileNotFound)
	}

	src := filepath.Join(m.trashDir, filepath.FromSlash(req.TrashName))
	if _, err := os.Lstat(src); err != nil {
		return nil, m.wrap(op, req.TrashName, err)
	}

	validated, err := m.sb.Validate(rel)
	if err != nil {
		return nil, errs.New(op, m.project, rel, err)
	}
	if _, err := os.Lstat(validated); err == nil {
		return nil, errs.New(op, m.project, rel, errs.ErrFileAlreadyExists)
	}

	if err := os.MkdirAll(filepath.Dir(validated), 0o755); err != nil {
		return nil, m.wrap(op, rel, err)
	}
	if err := os.Rename(src, validated); err != nil {
		return nil, m.wrap(op, req.TrashName, err)
	}

	fi, err := os.Lstat(validated)
	if err != nil {
		return nil, m.wrap(op, rel, err)
	}
	sfi := m.info(validated, fi)
	m.invalidate(m.sb.Rel(validated), fi.IsDir())
	return &sfi, nil
}

// ListTrash enumerates trashed entries, newest first.
func (m *Manager) ListTrash(ctx context.Context, user string) ([]TrashEntry, error) {
	const op = "list_trash"
	start := time.Now()
	entries, err := m.listTrash(ctx, user)
	m.finish(op, user, "", start, err)
	return entries, err
}

func (m *Manager) listTrash(ctx context.Context, user string) ([]TrashEntry, error) {
	if err := m.authorize(ctx, "list_trash", user, ""); err != nil {
		return nil, err
	}

	var entries []TrashEntry
	err := filepath.WalkDir(m.trashDir, func(p string, d os.DirEntry, werr error) error {
		if werr != nil || p == m.trashDir {
			return werr
		}
		name, rerr := filepath.Rel(m.trashDir, p)
		if rerr != nil {
			return rerr
		}
		name = filepath.ToSlash(name)
		rel, ts, ok := splitTrashName(name)
		if !ok {
			return nil // intermediate directory
		}
		fi, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		entries = append(entries, TrashEntry{
			Name:         name,
			OriginalPath: rel,
			DeletedAt:    ts,
			Size:         fi.Size(),
			IsDir:        fi.IsDir(),
		})
		if fi.IsDir() {
			return filepath.SkipDir // a trashed dir counts as one entry
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DeletedAt.After(entries[j].DeletedAt)
	})
	return entries, nil
}

// EmptyTrash permanently removes trashed entries older than olderThan.
// A zero olderThan empties everything.
func (m *Manager) EmptyTrash(ctx context.Context, user string, olderThan time.Duration) (int, error) {
	const op = "empty_trash"
	start := time.Now()
	n, err := m.emptyTrash(ctx, user, olderThan)
	m.finish(op, user, "", start, err)
	return n, err
}

func (m *Manager) emptyTrash(ctx context.Context, user string, olderThan time.Duration) (int, error) {
	if err := m.authorize(ctx, "empty_trash", user, ""); err != nil {
		return 0, err
	}

	entries, err := m.listTrash(ctx, user)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if olderThan > 0 && e.DeletedAt.After(cutoff) {
			continue
		}
		p := filepath.Join(m.trashDir, filepath.FromSlash(e.Name))
		if rerr := os.RemoveAll(p); rerr != nil {
			m.log.Warn("trash removal failed", zap.String("entry", e.Name), zap.Error(rerr))
			continue
		}
		removed++
	}
	return removed, nil
}

// trashName appends the timestamp suffix to a root-relative path.
func trashName(rel string, ts time.Time) string {
	return rel + "." + ts.Format(trashTimeFormat)
}

// splitTrashName recovers the original relative path and deletion time.
func splitTrashName(name string) (rel string, ts time.Time, ok bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return "", time.Time{}, false
	}
	// The format itself contains a dot (fractional seconds); find the
	// suffix by scanning back one more dot.
	j := strings.LastIndexByte(name[:i], '.')
	if j <= 0 {
		return "", time.Time{}, false
	}
	t, err := time.Parse(trashTimeFormat, name[j+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return name[:j], t, true
}
