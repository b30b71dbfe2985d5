// Package manager composes the sandbox, content screen, encryptor and cache
// into atomic file operations. Every mutating call invalidates the affected
// cache keys and emits an audit record.
package manager

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sandfile/sandfile/internal/audit"
	"github.com/sandfile/sandfile/internal/cache"
	"github.com/sandfile/sandfile/internal/config"
	"github.com/sandfile/sandfile/internal/errs"
	"github.com/sandfile/sandfile/internal/metrics"
	"github.com/sandfile/sandfile/internal/sandbox"
	"github.com/sandfile/sandfile/internal/security"
)

// Authorizer gates operations at the boundary. A nil authorizer allows all.
type Authorizer interface {
	Authorize(ctx context.Context, op, project, user, path string) error
}

// FileInfo is the metadata for one entry, path root-relative.
type FileInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	IsDir     bool      `json:"is_dir"`
	ModTime   time.Time `json:"mod_time"`
	Encrypted bool      `json:"encrypted,omitempty"`
}

// FileContent is a read result. Data is plaintext; transparently decrypted
// when the stored content carried the encryption marker.
type FileContent struct {
	Info FileInfo `json:"info"`
	Data []byte   `json:"-"`
}

// Manager orchestrates sandboxed file operations for one project. The
// sandbox configuration is fixed at construction. Safe for concurrent use;
// same-path mutual exclusion is the caller's business (via collab locks).
type Manager struct {
	project string
	sb      *sandbox.Sandbox
	screen  *security.Screen
	cache   *cache.Engine
	sink    audit.Sink
	auth    Authorizer
	log     *zap.Logger

	secret       string
	maxFileSize  int64
	tempDir      string
	trashDir     string
	cacheTTL     time.Duration
	auditEnabled bool
}

// Options bundles the collaborators a Manager composes.
type Options struct {
	Project    string
	Cache      *cache.Engine // nil disables caching
	Sink       audit.Sink    // nil uses NopSink
	Authorizer Authorizer    // nil allows all
	Scanner    security.MalwareScanner
}

// New builds a manager from the validated configuration. The sandbox root
// must exist; the temp and trash directories are created under it.
func New(cfg *config.Config, opts Options, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sb, err := sandbox.New(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(sb.Root(), ".tmp")
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	trashDir := cfg.TrashDir
	if !filepath.IsAbs(trashDir) {
		trashDir = filepath.Join(sb.Root(), trashDir)
	}
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return nil, fmt.Errorf("trash dir: %w", err)
	}

	var scanner security.MalwareScanner
	if cfg.EnableVirusScan {
		scanner = opts.Scanner
	}
	screen := security.New(security.Config{
		AllowedExtensions: cfg.AllowedExtensions,
		Scanner:           scanner,
	}, log)

	sink := opts.Sink
	if sink == nil {
		sink = audit.NopSink{}
	}

	c := opts.Cache
	if !cfg.EnableCache {
		c = nil
	}

	return &Manager{
		project:      opts.Project,
		sb:           sb,
		screen:       screen,
		cache:        c,
		sink:         sink,
		auth:         opts.Authorizer,
		log:          log.Named("manager"),
		secret:       cfg.EncryptionSecret,
		maxFileSize:  cfg.MaxFileSize,
		tempDir:      tempDir,
		trashDir:     trashDir,
		cacheTTL:     cfg.CacheDefaultTTL,
		auditEnabled: cfg.EnableAudit,
	}, nil
}

// Project returns the project id this manager serves.
func (m *Manager) Project() string {
	return m.project
}

// Root returns the canonical sandbox root.
func (m *Manager) Root() string {
	return m.sb.Root()
}

func (m *Manager) authorize(ctx context.Context, op, user, path string) error {
	if m.auth == nil {
		return nil
	}
	if err := m.auth.Authorize(ctx, op, m.project, user, path); err != nil {
		return errs.New(op, m.project, path, errs.ErrUnauthorized)
	}
	return nil
}

// finish records metrics and the audit trail for one operation. Security
// failures are always audited, even when auditing is disabled.
func (m *Manager) finish(op, user, path string, start time.Time, err error) {
	d := time.Since(start)
	metrics.RecordFileOperation(op, d, err == nil)

	sec := errs.IsSecurity(err)
	if sec {
		metrics.RecordSecurityRejection(op)
	}
	if !m.auditEnabled && !sec {
		return
	}

	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
	}
	r := audit.NewRecord(op, m.project, path, status)
	r.UserID = user
	r.Duration = d
	if err != nil {
		r.Metadata = map[string]string{"error": err.Error()}
	}
	m.sink.Emit(r)
}

// wrap maps OS-level failures onto the error taxonomy, keeping the cause.
func (m *Manager) wrap(op, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return errs.New(op, m.project, path, errs.ErrFileNotFound)
	case os.IsPermission(err):
		return errs.New(op, m.project, path, errs.ErrPermissionDenied)
	case os.IsExist(err):
		return errs.New(op, m.project, path, errs.ErrFileAlreadyExists)
	default:
		return errs.New(op, m.project, path, err)
	}
}

func (m *Manager) info(validated string, fi os.FileInfo) FileInfo {
	return FileInfo{
		Name:    fi.Name(),
		Path:    m.sb.Rel(validated),
		Size:    fi.Size(),
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime(),
	}
}

// aad is the additional authenticated data bound into every encrypted file.
// The filename is deliberately absent so move and rename never invalidate.
func (m *Manager) aad() map[string]string {
	return map[string]string{"project": m.project, "v": "1"}
}

// invalidate drops the path's own entry, its parent's listings and, for
// directories, every descendant key.
func (m *Manager) invalidate(rel string, isDir bool) {
	if m.cache == nil {
		return
	}
	m.cache.Invalidate(m.project, rel)
	if isDir {
		m.cache.InvalidatePrefix(m.project, rel+"/")
		m.cache.InvalidatePrefix(m.project, "list:"+rel)
	}
	parent := filepath.ToSlash(filepath.Dir(rel))
	m.cache.InvalidatePrefix(m.project, "list:"+parent+":")
}

// listKey derives the cache key for a directory listing: the same directory
// queried with different options occupies distinct slots.
func listKey(dir string, opts ListOptions) string {
	h := fnv.New64a()
	h.Write([]byte(opts.SortBy))
	h.Write([]byte{0, boolByte(opts.Descending), 0, boolByte(opts.DirsFirst)})
	h.Write([]byte(opts.Filter))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(opts.Offset)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(opts.Limit)))
	return "list:" + dir + ":" + strconv.FormatUint(h.Sum64(), 16)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
