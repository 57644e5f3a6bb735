// Package local archives checkpoint logs into a directory tree.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Archive copies objects below a base directory.
type Archive struct {
	baseDir string
}

// New creates baseDir if needed and checks that it is writable.
func New(baseDir string) (*Archive, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(baseDir, 0o750); err != nil {
			return nil, fmt.Errorf("create base directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("%s is not a directory", baseDir)
	}

	probe, err := os.CreateTemp(baseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}
	return &Archive{baseDir: filepath.Clean(baseDir)}, nil
}

// PutObject writes r to path below the base directory via a temp file and
// rename, returning a file:// URI. contentType is ignored.
func (a *Archive) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("object path is required")
	}
	full := filepath.Join(a.baseDir, filepath.FromSlash(path))
	if !strings.HasPrefix(full, a.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("object path %q escapes base directory", path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("rename object: %w", err)
	}
	return "file://" + filepath.ToSlash(full), nil
}
