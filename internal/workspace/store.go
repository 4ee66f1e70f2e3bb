// Package workspace maps operators to private working directories on disk.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/ashureev/agentrelay/internal/domain"
)

// MaxUploadBytes is the default upload size limit.
const MaxUploadBytes = 20 << 20

const (
	dirPerm     = 0o750
	filePerm    = 0o640
	tempPattern = ".upload-*"
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Attachment describes a file written into a workspace.
type Attachment struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	MIME string `json:"mime"`
}

// Store owns the workspace root. Each user gets exactly one directory
// directly below it.
type Store struct {
	root      string
	maxUpload int64
}

// New creates the workspace root if needed. maxUpload <= 0 selects
// MaxUploadBytes.
func New(root string, maxUpload int64) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if maxUpload <= 0 {
		maxUpload = MaxUploadBytes
	}
	return &Store{root: abs, maxUpload: maxUpload}, nil
}

// Root returns the absolute workspace root.
func (s *Store) Root() string { return s.root }

// MaxUpload returns the upload size limit in bytes.
func (s *Store) MaxUpload() int64 { return s.maxUpload }

// ValidUserID reports whether id can name a workspace.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

func (s *Store) dir(userID string) (string, error) {
	if !ValidUserID(userID) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidIdentifier, userID)
	}
	dir := filepath.Join(s.root, userID)
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || rel != userID {
		return "", fmt.Errorf("%w: %q escapes workspace root", domain.ErrInvalidIdentifier, userID)
	}
	return dir, nil
}

// Acquire returns the user's workspace path, creating it on first use.
func (s *Store) Acquire(userID string) (string, error) {
	dir, err := s.dir(userID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create workspace for %s: %w", userID, err)
	}
	return dir, nil
}

// Clear removes everything inside the user's workspace. The directory itself
// survives, so Acquire keeps returning the same path.
func (s *Store) Clear(userID string) error {
	dir, err := s.Acquire(userID)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workspace: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("clear workspace for %s: %w", userID, errors.Join(errs...))
	}
	slog.Info("Workspace cleared", "user_id", userID, "removed", len(entries))
	return nil
}

// AttachFile writes an uploaded file into the workspace. Oversized content is
// rejected before anything touches the filesystem.
func (s *Store) AttachFile(userID string, data []byte, filename string) (*Attachment, error) {
	if int64(len(data)) > s.maxUpload {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", domain.ErrFileTooLarge, len(data), s.maxUpload)
	}
	name, err := sanitizeFilename(filename)
	if err != nil {
		return nil, err
	}
	dir, err := s.Acquire(userID)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close upload: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		slog.Debug("Failed to chmod upload", "error", err)
	}

	dst := filepath.Join(dir, name)
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("store upload: %w", err)
	}

	return &Attachment{
		Path: dst,
		Name: name,
		Size: int64(len(data)),
		MIME: mimetype.Detect(data).String(),
	}, nil
}

// Usage walks the workspace and reports regular file count and total size.
func (s *Store) Usage(userID string) (int, int64, error) {
	dir, err := s.dir(userID)
	if err != nil {
		return 0, 0, err
	}
	var files int
	var size int64
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files++
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("workspace usage: %w", err)
	}
	return files, size, nil
}

func sanitizeFilename(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	switch {
	case base == "" || base == "." || base == ".." || base == "/":
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidFilename, name)
	case strings.ContainsRune(base, 0):
		return "", fmt.Errorf("%w: contains NUL", domain.ErrInvalidFilename)
	case len(base) > 255:
		return "", fmt.Errorf("%w: name too long", domain.ErrInvalidFilename)
	case strings.HasPrefix(base, ".upload-"):
		return "", fmt.Errorf("%w: reserved name %q", domain.ErrInvalidFilename, base)
	}
	return base, nil
}
