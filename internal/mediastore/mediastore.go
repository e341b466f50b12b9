// Package mediastore keeps uploaded media files on the local filesystem,
// grouped by tenant.
package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("mediastore: file too large")
	// ErrOutsideRoot is returned for paths that do not resolve inside the
	// store root.
	ErrOutsideRoot = errors.New("mediastore: path outside root")
)

// Stored describes a file written by Save.
type Stored struct {
	// Path is relative to the store root.
	Path     string
	Filename string
	Size     int64
}

// Store writes media under Root/<tenant>/<uuid>-<sanitized name>.
type Store struct {
	root     string
	maxBytes int64
}

func New(root string, maxBytes int64) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("mediastore: root directory required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Store{root: abs, maxBytes: maxBytes}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Save copies r into a new file for tenantID. Partial files are removed when
// the copy fails or the size limit is exceeded.
func (s *Store) Save(ctx context.Context, tenantID, originalName string, r io.Reader) (Stored, error) {
	if err := ctx.Err(); err != nil {
		return Stored{}, err
	}
	tenantDir := SanitizeFilename(tenantID)
	filename := SanitizeFilename(originalName)
	rel := filepath.Join(tenantDir, uuid.NewString()+"-"+filename)
	full := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return Stored{}, fmt.Errorf("create tenant dir: %w", err)
	}

	file, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return Stored{}, fmt.Errorf("create media file: %w", err)
	}
	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	written, copyErr := io.Copy(file, &ctxReader{ctx: ctx, r: src})
	closeErr := file.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(full)
		return Stored{}, fmt.Errorf("write media file: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(full)
		return Stored{}, fmt.Errorf("close media file: %w", closeErr)
	case s.maxBytes > 0 && written > s.maxBytes:
		_ = os.Remove(full)
		return Stored{}, ErrTooLarge
	}
	return Stored{Path: filepath.ToSlash(rel), Filename: filename, Size: written}, nil
}

// Open returns the file at a path previously returned by Save.
func (s *Store) Open(path string) (*os.File, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

// Remove deletes the file at path. Missing files are not an error.
func (s *Store) Remove(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove media file: %w", err)
	}
	return nil
}

func (s *Store) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ErrOutsideRoot
	}
	full := filepath.Join(s.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", ErrOutsideRoot
	}
	return full, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// SanitizeFilename folds name to a portable ASCII file name: accents are
// stripped, anything outside [A-Za-z0-9._-] becomes a dash and leading dots
// are dropped.
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), base)
	if err != nil {
		folded = base
	}
	var b strings.Builder
	prevDash := false
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_'):
			b.WriteRune(r)
			prevDash = false
		case !prevDash:
			b.WriteRune('-')
			prevDash = true
		}
	}
	cleaned := strings.Trim(b.String(), "-.")
	if cleaned == "" {
		return "upload"
	}
	if len(cleaned) > 128 {
		ext := filepath.Ext(cleaned)
		if len(ext) > 16 {
			ext = ""
		}
		cleaned = cleaned[:128-len(ext)] + ext
	}
	return cleaned
}

// DeriveTitle turns a file name into a display title, e.g.
// "my_holiday-clip.mp4" becomes "My Holiday Clip".
func DeriveTitle(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	var cleaned strings.Builder
	prevSpace := false
	for _, r := range base {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			cleaned.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '.':
			if !prevSpace {
				cleaned.WriteRune(' ')
				prevSpace = true
			}
		}
	}
	title := strings.TrimSpace(cleaned.String())
	if title == "" {
		return "Untitled"
	}
	return cases.Title(language.Und).String(title)
}
