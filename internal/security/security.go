// Package security screens filenames and content against dangerous
// extensions, suspicious patterns, and an optional external malware scanner.
package security

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sandfile/sandfile/internal/errs"
)

// scanSizeCeiling is the largest content size subjected to pattern scanning.
const scanSizeCeiling = 10 * 1024 * 1024

// binarySampleSize is how much of the content the binary heuristic inspects.
const binarySampleSize = 1024

// MalwareScanner is an optional external scan hook. A non-nil error from
// Scan means the scan itself failed; infected=true means the content was
// flagged.
type MalwareScanner interface {
	Scan(ctx context.Context, content []byte, filename string) (infected bool, err error)
}

// deniedExtensions lists executable, script and installer extensions that
// are rejected unless explicitly allowed.
var deniedExtensions = map[string]struct{}{
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {},
	".bat": {}, ".cmd": {}, ".com": {}, ".scr": {}, ".pif": {},
	".msi": {}, ".msp": {}, ".deb": {}, ".rpm": {}, ".pkg": {}, ".dmg": {},
	".sh": {}, ".bash": {}, ".zsh": {}, ".ps1": {}, ".psm1": {},
	".vbs": {}, ".vbe": {}, ".jse": {}, ".wsf": {}, ".hta": {},
	".jar": {}, ".apk": {}, ".app": {},
}

// archiveMagic maps archive extensions to their expected header bytes.
var archiveMagic = map[string][][]byte{
	".zip": {{0x50, 0x4b, 0x03, 0x04}, {0x50, 0x4b, 0x05, 0x06}, {0x50, 0x4b, 0x07, 0x08}},
	".gz":  {{0x1f, 0x8b}},
	".tgz": {{0x1f, 0x8b}},
	".bz2": {{0x42, 0x5a, 0x68}},
	".xz":  {{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}},
	".7z":  {{0x37, 0x7a, 0xbc, 0xaf, 0x27, 0x1c}},
	".rar": {{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07}},
}

// dangerPatterns is the fixed signature list for text content scans,
// covering script-injection, SQL-injection, command-injection and
// embedded-interpreter markers.
var dangerPatterns = []*regexp.Regexp{
	// Script injection
	regexp.MustCompile(`(?i)<script[\s>]`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)on(load|click|error|mouseover)\s*=`),
	// SQL injection
	regexp.MustCompile(`(?i)union\s+(all\s+)?select\s`),
	regexp.MustCompile(`(?i);\s*drop\s+table\s`),
	regexp.MustCompile(`(?i);\s*delete\s+from\s`),
	regexp.MustCompile(`(?i)'\s*or\s+'1'\s*=\s*'1`),
	// Command injection
	regexp.MustCompile(`(?i);\s*rm\s+-rf\s`),
	regexp.MustCompile(`\$\(\s*(curl|wget|nc|bash|sh)\b`),
	regexp.MustCompile("`\\s*(curl|wget|nc)\\s"),
	regexp.MustCompile(`(?i)\|\s*(bash|sh)\s*$`),
	// Embedded interpreters
	regexp.MustCompile(`^#!\s*/(usr/)?bin/(env\s+)?(sh|bash|zsh|python|perl|ruby)`),
	regexp.MustCompile(`(?i)<\?php`),
	regexp.MustCompile(`(?i)eval\s*\(\s*base64_decode`),
	regexp.MustCompile(`(?i)powershell\s+-enc(odedcommand)?\s`),
}

// traversalMarkers are filename substrings that indicate traversal attempts,
// including percent-encoded variants.
var traversalMarkers = []string{
	"../", "..\\", "%2e%2e%2f", "%2e%2e/", "..%2f", "%2e%2e%5c", "..%5c",
}

// Config controls the screen.
type Config struct {
	// AllowedExtensions overrides the denylist. Empty means "all except
	// the denylist".
	AllowedExtensions []string
	// Scanner is the optional external malware hook.
	Scanner MalwareScanner
}

// Screen validates filenames and content before they reach disk.
type Screen struct {
	allowed map[string]struct{} // nil means all except denylist
	scanner MalwareScanner
	log     *zap.Logger
}

// New creates a content screen.
func New(cfg Config, log *zap.Logger) *Screen {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Screen{scanner: cfg.Scanner, log: log}
	if len(cfg.AllowedExtensions) > 0 {
		s.allowed = make(map[string]struct{}, len(cfg.AllowedExtensions))
		for _, e := range cfg.AllowedExtensions {
			s.allowed[strings.ToLower(e)] = struct{}{}
		}
	}
	return s
}

// ValidateFile screens an on-disk file: type check, extension check, and a
// content scan for files under the scan ceiling.
func (s *Screen) ValidateFile(ctx context.Context, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.ErrFileNotFound
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: not a regular file", errs.ErrDangerousContent)
	}
	if err := s.checkFilename(filepath.Base(path)); err != nil {
		return err
	}
	if info.Size() > scanSizeCeiling {
		// Too big to scan; extension and filename checks already passed.
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return s.ValidateBytes(ctx, content, filepath.Base(path))
}

// ValidateBytes screens content destined for filename. Checks compose in
// order and short-circuit on the first failure.
func (s *Screen) ValidateBytes(ctx context.Context, content []byte, filename string) error {
	if err := s.checkFilename(filename); err != nil {
		return err
	}
	if err := s.checkArchive(content, filename); err != nil {
		return err
	}
	if len(content) <= scanSizeCeiling && !isBinary(content) {
		if err := scanPatterns(content); err != nil {
			return err
		}
	}
	return s.runScanner(ctx, content, filename)
}

// ValidateFilename screens only the name: extension policy and traversal
// markers. Used on rename targets where no content changes hands.
func (s *Screen) ValidateFilename(filename string) error {
	return s.checkFilename(filename)
}

// checkFilename rejects traversal markers and denied extensions.
func (s *Screen) checkFilename(filename string) error {
	lower := strings.ToLower(filename)
	for _, marker := range traversalMarkers {
		if strings.Contains(lower, marker) {
			return errs.ErrPathTraversal
		}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return nil
	}
	if s.allowed != nil {
		if _, ok := s.allowed[ext]; !ok {
			return fmt.Errorf("%w: %s", errs.ErrInvalidExtension, ext)
		}
		return nil
	}
	if _, ok := deniedExtensions[ext]; ok {
		return fmt.Errorf("%w: %s", errs.ErrInvalidExtension, ext)
	}
	return nil
}

// checkArchive verifies that files carrying archive extensions actually
// start with the matching archive header.
func (s *Screen) checkArchive(content []byte, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	magics, ok := archiveMagic[ext]
	if !ok {
		return nil
	}
	if len(content) == 0 {
		return nil // empty archives are created before content arrives
	}
	for _, magic := range magics {
		if bytes.HasPrefix(content, magic) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s header mismatch", errs.ErrDangerousContent, ext)
}

func (s *Screen) runScanner(ctx context.Context, content []byte, filename string) error {
	if s.scanner == nil {
		s.log.Debug("malware scanner not configured, skipping scan",
			zap.String("filename", filename))
		return nil
	}
	infected, err := s.scanner.Scan(ctx, content, filename)
	if err != nil {
		return fmt.Errorf("malware scan: %w", err)
	}
	if infected {
		return fmt.Errorf("%w: %s", errs.ErrMalwareDetected, filename)
	}
	return nil
}

// scanPatterns checks text content against the fixed signature list.
func scanPatterns(content []byte) error {
	for _, re := range dangerPatterns {
		if re.Match(content) {
			return fmt.Errorf("%w: matched %q", errs.ErrDangerousContent, re.String())
		}
	}
	return nil
}

// isBinary reports whether content looks binary: a NUL byte, or more than
// 30% non-printable bytes, in the first 1KB sample. Binary content is
// exempt from text-pattern scanning.
func isBinary(content []byte) bool {
	sample := content
	if len(sample) > binarySampleSize {
		sample = sample[:binarySampleSize]
	}
	if len(sample) == 0 {
		return false
	}
	nonPrintable := 0
	for _, b := range sample {
		if b == 0 {
			return true
		}
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(sample)) > 0.30
}
