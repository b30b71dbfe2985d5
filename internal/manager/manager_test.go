package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandfile/sandfile/internal/cache"
	"github.com/sandfile/sandfile/internal/config"
	"github.com/sandfile/sandfile/internal/crypt"
	"github.com/sandfile/sandfile/internal/errs"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		RootPath:        t.TempDir(),
		TrashDir:        ".trash",
		MaxFileSize:     1024 * 1024,
		EnableAudit:     true,
		EnableCache:     true,
		CacheMaxBytes:   8 * 1024 * 1024,
		CacheDefaultTTL: time.Minute,
	}
}

func newTestManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	eng := cache.New(cache.Config{MaxBytes: cfg.CacheMaxBytes}, nil)
	t.Cleanup(eng.Close)

	m, err := New(cfg, Options{Project: "p1", Cache: eng}, nil)
	require.NoError(t, err)
	return m
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	info, err := m.Write(ctx, WriteRequest{Path: "docs/readme.md", Data: []byte("hello"), UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "docs/readme.md", info.Path)
	assert.Equal(t, int64(5), info.Size)

	fc, err := m.Read(ctx, ReadRequest{Path: "docs/readme.md", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), fc.Data)
	assert.False(t, fc.Info.Encrypted)
}

func TestWriteOverwriteGuard(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Write(ctx, WriteRequest{Path: "a.txt", Data: []byte("one")})
	require.NoError(t, err)

	_, err = m.Write(ctx, WriteRequest{Path: "a.txt", Data: []byte("two")})
	assert.ErrorIs(t, err, errs.ErrFileAlreadyExists)

	_, err = m.Write(ctx, WriteRequest{Path: "a.txt", Data: []byte("two"), Overwrite: true})
	require.NoError(t, err)

	fc, err := m.Read(ctx, ReadRequest{Path: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), fc.Data)
}

func TestWriteTooLargeLeavesNoResidue(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFileSize = 8
	m := newTestManager(t, cfg)

	_, err := m.Write(context.Background(), WriteRequest{
		Path: "big.txt",
		Data: []byte("way more than eight bytes"),
	})
	assert.ErrorIs(t, err, errs.ErrFileTooLarge)

	_, serr := os.Lstat(filepath.Join(m.Root(), "big.txt"))
	assert.True(t, os.IsNotExist(serr))

	ents, rerr := os.ReadDir(filepath.Join(m.Root(), ".tmp"))
	require.NoError(t, rerr)
	assert.Empty(t, ents, "no temp file may survive a failed write")
}

func TestWriteRejectsTraversal(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Write(context.Background(), WriteRequest{Path: "../outside.txt", Data: []byte("x")})
	assert.ErrorIs(t, err, errs.ErrPathTraversal)
}

func TestWriteRejectsDeniedExtension(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Write(context.Background(), WriteRequest{Path: "tool.exe", Data: []byte("MZ")})
	assert.ErrorIs(t, err, errs.ErrInvalidExtension)
}

func TestWriteRejectsDangerousContent(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Write(context.Background(), WriteRequest{
		Path: "page.html",
		Data: []byte(`<html><script>fetch("http://evil")</script></html>`),
	})
	assert.ErrorIs(t, err, errs.ErrDangerousContent)
}

func TestEncryptedWriteReadsBackPlaintext(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionSecret = "project secret"
	m := newTestManager(t, cfg)
	ctx := context.Background()

	plain := []byte("confidential notes")
	info, err := m.Write(ctx, WriteRequest{Path: "notes.txt", Data: plain, Encrypt: true})
	require.NoError(t, err)
	assert.True(t, info.Encrypted)

	raw, err := os.ReadFile(filepath.Join(m.Root(), "notes.txt"))
	require.NoError(t, err)
	assert.True(t, crypt.HasMarker(raw), "on-disk content must carry the format marker")
	assert.NotContains(t, string(raw), "confidential")

	fc, err := m.Read(ctx, ReadRequest{Path: "notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, plain, fc.Data)
	assert.True(t, fc.Info.Encrypted)
}

func TestEncryptedReadSurvivesMove(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionSecret = "project secret"
	m := newTestManager(t, cfg)
	ctx := context.Background()

	plain := []byte("payload")
	_, err := m.Write(ctx, WriteRequest{Path: "a.txt", Data: plain, Encrypt: true})
	require.NoError(t, err)

	_, err = m.Move(ctx, MoveRequest{Source: "a.txt", Destination: "b.txt"})
	require.NoError(t, err)

	fc, err := m.Read(ctx, ReadRequest{Path: "b.txt"})
	require.NoError(t, err)
	assert.Equal(t, plain, fc.Data)
}

func TestEncryptWithoutSecretFails(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Write(context.Background(), WriteRequest{Path: "a.txt", Data: []byte("x"), Encrypt: true})
	assert.ErrorIs(t, err, errs.ErrEncryptionFailed)
}

func TestDeleteMovesToTrashAndRestores(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Write(ctx, WriteRequest{Path: "docs/keep.md", Data: []byte("v1")})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, DeleteRequest{Path: "docs/keep.md"}))

	_, err = m.Read(ctx, ReadRequest{Path: "docs/keep.md"})
	assert.ErrorIs(t, err, errs.ErrFileNotFound)

	trash, err := m.ListTrash(ctx, "")
	require.NoError(t, err)
	require.Len(t, trash, 1)
	assert.Equal(t, "docs/keep.md", trash[0].OriginalPath)

	_, err = m.Restore(ctx, RestoreRequest{TrashName: trash[0].Name})
	require.NoError(t, err)

	fc, err := m.Read(ctx, ReadRequest{Path: "docs/keep.md"})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), fc.Data)
}

func TestRestoreRefusesOccupiedPath(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Write(ctx, WriteRequest{Path: "a.txt", Data: []byte("old")})
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, DeleteRequest{Path: "a.txt"}))
	_, err = m.Write(ctx, WriteRequest{Path: "a.txt", Data: []byte("new")})
	require.NoError(t, err)

	trash, err := m.ListTrash(ctx, "")
	require.NoError(t, err)
	require.Len(t, trash, 1)

	_, err = m.Restore(ctx, RestoreRequest{TrashName: trash[0].Name})
	assert.ErrorIs(t, err, errs.ErrFileAlreadyExists)
}

func TestPermanentDirectoryDeleteRequiresRecursive(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Write(ctx, WriteRequest{Path: "dir/file.txt", Data: []byte("x")})
	require.NoError(t, err)

	err = m.Delete(ctx, DeleteRequest{Path: "dir", Permanent: true})
	assert.Error(t, err)

	require.NoError(t, m.Delete(ctx, DeleteRequest{Path: "dir", Permanent: true, Recursive: true}))
	_, serr := os.Lstat(filepath.Join(m.Root(), "dir"))
	assert.True(t, os.IsNotExist(serr))
}

func TestEmptyTrash(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Write(ctx, WriteRequest{Path: "a.txt", Data: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, DeleteRequest{Path: "a.txt"}))

	n, err := m.EmptyTrash(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trash, err := m.ListTrash(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, trash)
}

func TestListSortFilterPage(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	for _, f := range []struct {
		name string
		data string
	}{
		{"b.txt", "bb"},
		{"a.txt", "a"},
		{"c.md", "ccc"},
	} {
		_, err := m.Write(ctx, WriteRequest{Path: f.name, Data: []byte(f.data)})
		require.NoError(t, err)
	}
	_, err := m.CreateDirectory(ctx, MkdirRequest{Path: "sub"})
	require.NoError(t, err)

	l, err := m.List(ctx, ListRequest{Dir: "."})
	require.NoError(t, err)
	assert.Equal(t, 4, l.Total)
	assert.Equal(t, "a.txt", l.Entries[0].Name)

	l, err = m.List(ctx, ListRequest{Dir: ".", Options: ListOptions{Filter: "*.txt"}})
	require.NoError(t, err)
	assert.Equal(t, 2, l.Total)

	l, err = m.List(ctx, ListRequest{Dir: ".", Options: ListOptions{SortBy: "size", Descending: true, Limit: 1}})
	require.NoError(t, err)
	assert.Equal(t, 4, l.Total)
	require.Len(t, l.Entries, 1)
	assert.Equal(t, "c.md", l.Entries[0].Name)

	l, err = m.List(ctx, ListRequest{Dir: ".", Options: ListOptions{DirsFirst: true}})
	require.NoError(t, err)
	assert.Equal(t, "sub", l.Entries[0].Name)
}

func TestListCacheInvalidatedByWrite(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Write(ctx, WriteRequest{Path: "dir/a.txt", Data: []byte("x")})
	require.NoError(t, err)

	l, err := m.List(ctx, ListRequest{Dir: "dir"})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Total)

	_, err = m.Write(ctx, WriteRequest{Path: "dir/b.txt", Data: []byte("y")})
	require.NoError(t, err)

	l, err = m.List(ctx, ListRequest{Dir: "dir"})
	require.NoError(t, err)
	assert.Equal(t, 2, l.Total, "write must invalidate the parent listing")
}

func TestMoveDirectory(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Write(ctx, WriteRequest{Path: "src/a.txt", Data: []byte("a")})
	require.NoError(t, err)

	info, err := m.Move(ctx, MoveRequest{Source: "src", Destination: "dst"})
	require.NoError(t, err)
	assert.True(t, info.IsDir)

	fc, err := m.Read(ctx, ReadRequest{Path: "dst/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), fc.Data)
}

func TestMoveRefusesOccupiedDestination(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Write(ctx, WriteRequest{Path: "a.txt", Data: []byte("a")})
	require.NoError(t, err)
	_, err = m.Write(ctx, WriteRequest{Path: "b.txt", Data: []byte("b")})
	require.NoError(t, err)

	_, err = m.Move(ctx, MoveRequest{Source: "a.txt", Destination: "b.txt"})
	assert.ErrorIs(t, err, errs.ErrFileAlreadyExists)
}

func TestCopyTree(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	for _, p := range []string{"src/a.txt", "src/nested/b.txt", "src/nested/deep/c.txt"} {
		_, err := m.Write(ctx, WriteRequest{Path: p, Data: []byte(p)})
		require.NoError(t, err)
	}

	info, err := m.Copy(ctx, CopyRequest{Source: "src", Destination: "dst"})
	require.NoError(t, err)
	assert.True(t, info.IsDir)

	for _, p := range []string{"dst/a.txt", "dst/nested/b.txt", "dst/nested/deep/c.txt"} {
		fc, rerr := m.Read(ctx, ReadRequest{Path: p})
		require.NoError(t, rerr)
		orig := "src" + p[3:]
		assert.Equal(t, []byte(orig), fc.Data)
	}

	// Source stays intact.
	_, err = m.Read(ctx, ReadRequest{Path: "src/a.txt"})
	require.NoError(t, err)
}

type denyAll struct{}

func (denyAll) Authorize(ctx context.Context, op, project, user, path string) error {
	return errs.ErrUnauthorized
}

func TestAuthorizerDeniesOperation(t *testing.T) {
	cfg := testConfig(t)
	eng := cache.New(cache.Config{MaxBytes: cfg.CacheMaxBytes}, nil)
	t.Cleanup(eng.Close)
	m, err := New(cfg, Options{Project: "p1", Cache: eng, Authorizer: denyAll{}}, nil)
	require.NoError(t, err)

	_, err = m.Write(context.Background(), WriteRequest{Path: "a.txt", Data: []byte("x")})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}
