package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandfile/sandfile/internal/crypt"
	"github.com/sandfile/sandfile/internal/errs"
	"github.com/sandfile/sandfile/internal/metrics"
)

// ReadRequest identifies the file to read.
type ReadRequest struct {
	Path   string
	UserID string
}

// WriteRequest carries content for an atomic write.
type WriteRequest struct {
	Path      string
	Data      []byte
	UserID    string
	Overwrite bool
	Encrypt   bool
}

// CopyRequest copies a file or directory tree.
type CopyRequest struct {
	Source      string
	Destination string
	UserID      string
}

// MoveRequest renames a file or directory.
type MoveRequest struct {
	Source      string
	Destination string
	UserID      string
}

// copyConcurrency bounds the parallel file copies inside a tree copy.
const copyConcurrency = 4

// Read returns the file's metadata and content. Content carrying the
// encryption marker is decrypted transparently when a secret is configured.
func (m *Manager) Read(ctx context.Context, req ReadRequest) (*FileContent, error) {
	const op = "read"
	start := time.Now()
	fc, err := m.read(ctx, req)
	m.finish(op, req.UserID, req.Path, start, err)
	return fc, err
}

func (m *Manager) read(ctx context.Context, req ReadRequest) (*FileContent, error) {
	const op = "read"
	if err := m.authorize(ctx, op, req.UserID, req.Path); err != nil {
		return nil, err
	}
	validated, err := m.sb.Validate(req.Path)
	if err != nil {
		return nil, errs.New(op, m.project, req.Path, err)
	}
	rel := m.sb.Rel(validated)

	info, cached := m.cachedInfo(rel)
	if !cached {
		fi, err := os.Lstat(validated)
		if err != nil {
			return nil, m.wrap(op, req.Path, err)
		}
		if fi.IsDir() {
			return nil, errs.New(op, m.project, req.Path, errs.ErrFileNotFound)
		}
		info = m.info(validated, fi)
	}

	data, err := os.ReadFile(validated)
	if err != nil {
		return nil, m.wrap(op, req.Path, err)
	}

	if crypt.HasMarker(data) {
		if m.secret == "" {
			return nil, errs.New(op, m.project, req.Path, errs.ErrDecryptionFailed)
		}
		plain, derr := crypt.Decrypt(crypt.StripMarker(data), m.secret, m.aad())
		if derr != nil {
			return nil, errs.New(op, m.project, req.Path, derr)
		}
		data = plain
		info.Encrypted = true
	}

	if !cached {
		m.putInfo(rel, info)
	}
	metrics.RecordBytesRead(int64(len(data)))
	return &FileContent{Info: info, Data: data}, nil
}

// Write stores content atomically: screened, optionally encrypted, written
// to a scratch file and renamed into place. Any failure after the temp file
// is created removes it; no partial file is ever visible at the target.
func (m *Manager) Write(ctx context.Context, req WriteRequest) (*FileInfo, error) {
	const op = "write"
	start := time.Now()
	fi, err := m.write(ctx, req)
	m.finish(op, req.UserID, req.Path, start, err)
	return fi, err
}

func (m *Manager) write(ctx context.Context, req WriteRequest) (*FileInfo, error) {
	const op = "write"
	if err := m.authorize(ctx, op, req.UserID, req.Path); err != nil {
		return nil, err
	}
	validated, err := m.sb.Validate(req.Path)
	if err != nil {
		return nil, errs.New(op, m.project, req.Path, err)
	}

	if int64(len(req.Data)) > m.maxFileSize {
		return nil, errs.New(op, m.project, req.Path, errs.ErrFileTooLarge)
	}
	if fi, serr := os.Lstat(validated); serr == nil {
		if fi.IsDir() {
			return nil, errs.New(op, m.project, req.Path, errs.ErrFileAlreadyExists)
		}
		if !req.Overwrite {
			return nil, errs.New(op, m.project, req.Path, errs.ErrFileAlreadyExists)
		}
	}
	if err := m.screen.ValidateBytes(ctx, req.Data, filepath.Base(validated)); err != nil {
		return nil, errs.New(op, m.project, req.Path, err)
	}

	out := req.Data
	if req.Encrypt {
		if m.secret == "" {
			return nil, errs.New(op, m.project, req.Path, errs.ErrEncryptionFailed)
		}
		enc, eerr := crypt.Encrypt(req.Data, m.secret, m.aad())
		if eerr != nil {
			return nil, errs.New(op, m.project, req.Path, eerr)
		}
		out = append(append([]byte{}, crypt.Marker...), enc...)
	}

	if err := os.MkdirAll(filepath.Dir(validated), 0o755); err != nil {
		return nil, m.wrap(op, req.Path, err)
	}
	if err := m.atomicWrite(validated, out); err != nil {
		return nil, m.wrap(op, req.Path, err)
	}

	fi, err := os.Lstat(validated)
	if err != nil {
		return nil, m.wrap(op, req.Path, err)
	}
	info := m.info(validated, fi)
	info.Encrypted = req.Encrypt

	rel := m.sb.Rel(validated)
	m.invalidate(rel, false)
	m.putInfo(rel, info)
	metrics.RecordBytesWritten(int64(len(req.Data)))
	return &info, nil
}

// atomicWrite writes data to a scratch file and renames it into place.
func (m *Manager) atomicWrite(target string, data []byte) error {
	tmp, err := os.CreateTemp(m.tempDir, "write-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// Move renames a file or directory inside the sandbox.
func (m *Manager) Move(ctx context.Context, req MoveRequest) (*FileInfo, error) {
	const op = "move"
	start := time.Now()
	fi, err := m.move(ctx, req)
	m.finish(op, req.UserID, req.Source, start, err)
	return fi, err
}

func (m *Manager) move(ctx context.Context, req MoveRequest) (*FileInfo, error) {
	const op = "move"
	if err := m.authorize(ctx, op, req.UserID, req.Source); err != nil {
		return nil, err
	}
	src, err := m.sb.Validate(req.Source)
	if err != nil {
		return nil, errs.New(op, m.project, req.Source, err)
	}
	dst, err := m.sb.Validate(req.Destination)
	if err != nil {
		return nil, errs.New(op, m.project, req.Destination, err)
	}

	sfi, err := os.Lstat(src)
	if err != nil {
		return nil, m.wrap(op, req.Source, err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return nil, errs.New(op, m.project, req.Destination, errs.ErrFileAlreadyExists)
	}
	if err := m.screen.ValidateFilename(filepath.Base(dst)); err != nil {
		return nil, errs.New(op, m.project, req.Destination, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, m.wrap(op, req.Destination, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, m.wrap(op, req.Source, err)
	}

	m.invalidate(m.sb.Rel(src), sfi.IsDir())
	m.invalidate(m.sb.Rel(dst), sfi.IsDir())

	fi, err := os.Lstat(dst)
	if err != nil {
		return nil, m.wrap(op, req.Destination, err)
	}
	info := m.info(dst, fi)
	return &info, nil
}

// Copy duplicates a file, or a directory tree with bounded parallelism.
func (m *Manager) Copy(ctx context.Context, req CopyRequest) (*FileInfo, error) {
	const op = "copy"
	start := time.Now()
	fi, err := m.copy(ctx, req)
	m.finish(op, req.UserID, req.Source, start, err)
	return fi, err
}

func (m *Manager) copy(ctx context.Context, req CopyRequest) (*FileInfo, error) {
	const op = "copy"
	if err := m.authorize(ctx, op, req.UserID, req.Source); err != nil {
		return nil, err
	}
	src, err := m.sb.Validate(req.Source)
	if err != nil {
		return nil, errs.New(op, m.project, req.Source, err)
	}
	dst, err := m.sb.Validate(req.Destination)
	if err != nil {
		return nil, errs.New(op, m.project, req.Destination, err)
	}

	sfi, err := os.Lstat(src)
	if err != nil {
		return nil, m.wrap(op, req.Source, err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return nil, errs.New(op, m.project, req.Destination, errs.ErrFileAlreadyExists)
	}

	if sfi.IsDir() {
		err = m.copyTree(ctx, src, dst)
	} else {
		err = m.copyFile(src, dst)
	}
	if err != nil {
		return nil, m.wrap(op, req.Source, err)
	}

	m.invalidate(m.sb.Rel(dst), sfi.IsDir())

	fi, err := os.Lstat(dst)
	if err != nil {
		return nil, m.wrap(op, req.Destination, err)
	}
	info := m.info(dst, fi)
	return &info, nil
}

func (m *Manager) copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return m.atomicWrite(dst, data)
}

// copyTree walks the source once to build the directory skeleton, then
// copies the files in parallel.
func (m *Manager) copyTree(ctx context.Context, src, dst string) error {
	var files [][2]string
	err := filepath.WalkDir(src, func(p string, d os.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		rel, rerr := filepath.Rel(src, p)
		if rerr != nil {
			return rerr
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil // symlinks and specials are not copied
		}
		files = append(files, [2]string{p, target})
		return nil
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(copyConcurrency)
	for _, pair := range files {
		pair := pair
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return m.copyFile(pair[0], pair[1])
		})
	}
	return g.Wait()
}

func (m *Manager) cachedInfo(rel string) (FileInfo, bool) {
	if m.cache == nil {
		return FileInfo{}, false
	}
	v, ok := m.cache.Get(m.project, rel)
	if !ok {
		return FileInfo{}, false
	}
	info, ok := v.(FileInfo)
	return info, ok
}

func (m *Manager) putInfo(rel string, info FileInfo) {
	if m.cache == nil {
		return
	}
	m.cache.Put(m.project, rel, info, infoCacheCost, m.cacheTTL)
}

// infoCacheCost is the flat accounting size for one metadata entry.
const infoCacheCost = 256
