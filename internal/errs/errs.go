// Package errs defines the error taxonomy shared by all sandfile components.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrUnauthorized indicates the authorizer rejected the operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPathTraversal indicates a path containing traversal sequences or
	// resolving outside the sandbox root.
	ErrPathTraversal = errors.New("path traversal rejected")

	// ErrSymlinkEscape indicates a symlink whose target lies outside the
	// sandbox root.
	ErrSymlinkEscape = errors.New("symlink escapes sandbox root")

	// ErrSymlinkLoop indicates symlink resolution exceeded the depth bound.
	ErrSymlinkLoop = errors.New("symlink loop detected")

	// ErrFileNotFound indicates the target file does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrDirectoryNotFound indicates the target directory does not exist.
	ErrDirectoryNotFound = errors.New("directory not found")

	// ErrFileAlreadyExists indicates the destination already exists.
	ErrFileAlreadyExists = errors.New("file already exists")

	// ErrPermissionDenied indicates the OS denied the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrFileTooLarge indicates content exceeds the configured size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrInvalidExtension indicates a denied or disallowed file extension.
	ErrInvalidExtension = errors.New("invalid file extension")

	// ErrDangerousContent indicates content matched a security signature.
	ErrDangerousContent = errors.New("dangerous content detected")

	// ErrMalwareDetected indicates the external scanner flagged the content.
	ErrMalwareDetected = errors.New("malware detected")

	// ErrEncryptionFailed indicates encryption could not complete.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed indicates an authentication or format failure
	// while decrypting.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrQueueTimeout indicates a queued watcher request expired unserved.
	ErrQueueTimeout = errors.New("watcher admission queue timeout")

	// ErrAlreadyLocked indicates an incompatible lock is held on the path.
	ErrAlreadyLocked = errors.New("file already locked")

	// ErrNotLocked indicates a release for a lock that is not held.
	ErrNotLocked = errors.New("file not locked")
)

// OpError wraps errors with operation context.
type OpError struct {
	Op      string // Operation that failed
	Project string // Project involved
	Path    string // Path if known
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.Project, e.Path, e.Err)
	}
	if e.Project != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Project, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}

// Is supports errors.Is for comparison.
func (e *OpError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// New creates an OpError.
func New(op, project, path string, err error) *OpError {
	return &OpError{
		Op:      op,
		Project: project,
		Path:    path,
		Err:     err,
	}
}

// IsSecurity reports whether err is one of the security-classified failures
// that must always be audited.
func IsSecurity(err error) bool {
	return errors.Is(err, ErrPathTraversal) ||
		errors.Is(err, ErrSymlinkEscape) ||
		errors.Is(err, ErrSymlinkLoop) ||
		errors.Is(err, ErrDangerousContent) ||
		errors.Is(err, ErrMalwareDetected)
}
