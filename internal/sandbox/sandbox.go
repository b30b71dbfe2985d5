// Package sandbox validates paths against a project root, rejecting
// traversal sequences and symlink escapes.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sandfile/sandfile/internal/errs"
)

// maxLinkDepth bounds symlink resolution to prevent link-cycle loops.
const maxLinkDepth = 10

// Sandbox validates requested paths against a canonicalized project root.
// Validation is pure: no files are created, and callers must re-check
// existence separately.
type Sandbox struct {
	root string
}

// New creates a sandbox rooted at root. The root must exist and is
// canonicalized (symlinks resolved) once at construction.
func New(root string) (*Sandbox, error) {
	if root == "" {
		return nil, fmt.Errorf("sandbox root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize root %s: %w", abs, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", canonical, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", canonical)
	}
	return &Sandbox{root: canonical}, nil
}

// Root returns the canonicalized sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// Validate normalizes path and verifies it stays inside the sandbox root.
// It rejects NUL bytes, ".." components and absolute prefixes outside the
// root, then walks each component from the root downward resolving symlinks
// (bounded to maxLinkDepth) and verifying containment at every step.
//
// Non-existent leaves validate, provided the existing parent chain passes,
// so create operations can be checked before the file exists.
func (s *Sandbox) Validate(path string) (string, error) {
	if path == "" {
		return "", errs.ErrPathTraversal
	}
	if strings.IndexByte(path, 0) >= 0 {
		return "", errs.ErrPathTraversal
	}

	clean := filepath.Clean(path)
	for _, seg := range strings.Split(filepath.ToSlash(clean), "/") {
		if seg == ".." {
			return "", errs.ErrPathTraversal
		}
	}

	var full string
	if filepath.IsAbs(clean) {
		if !s.contains(clean) {
			return "", errs.ErrPathTraversal
		}
		full = clean
	} else {
		full = filepath.Join(s.root, clean)
	}

	resolved, err := s.walk(full)
	if err != nil {
		return "", err
	}
	if !s.contains(resolved) {
		return "", errs.ErrPathTraversal
	}
	return resolved, nil
}

// Rel returns the root-relative slash path for a previously validated path.
// Used as the cache key component.
func (s *Sandbox) Rel(validated string) string {
	rel, err := filepath.Rel(s.root, validated)
	if err != nil {
		return filepath.ToSlash(validated)
	}
	return filepath.ToSlash(rel)
}

// contains reports whether p equals the root or is a descendant of it.
func (s *Sandbox) contains(p string) bool {
	return p == s.root || strings.HasPrefix(p, s.root+string(filepath.Separator))
}

// walk resolves full component by component from the root downward.
// As soon as a missing component is hit, the remaining components are
// appended lexically: they cannot be symlinks since they do not exist.
func (s *Sandbox) walk(full string) (string, error) {
	rel, err := filepath.Rel(s.root, full)
	if err != nil {
		return "", errs.ErrPathTraversal
	}
	if rel == "." {
		return s.root, nil
	}

	segs := strings.Split(rel, string(filepath.Separator))
	cur := s.root
	for i, seg := range segs {
		cur = filepath.Join(cur, seg)
		resolved, rerr := s.resolveLink(cur, 0)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				return filepath.Join(append([]string{cur}, segs[i+1:]...)...), nil
			}
			return "", rerr
		}
		cur = resolved
	}
	return cur, nil
}

// resolveLink follows p if it is a symlink, resolving relative targets
// against the link's containing directory and verifying each hop stays
// under the root.
func (s *Sandbox) resolveLink(p string, depth int) (string, error) {
	info, err := os.Lstat(p)
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return p, nil
	}
	if depth >= maxLinkDepth {
		return "", errs.ErrSymlinkLoop
	}

	target, err := os.Readlink(p)
	if err != nil {
		return "", fmt.Errorf("readlink %s: %w", p, err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(p), target)
	}
	target = filepath.Clean(target)
	if !s.contains(target) {
		return "", errs.ErrSymlinkEscape
	}
	return s.resolveLink(target, depth+1)
}
