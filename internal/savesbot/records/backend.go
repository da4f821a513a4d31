package records

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
)

// Backend reads and writes one serialized document.
type Backend interface {
	// Load returns the document bytes, or (nil, nil) when no document exists.
	Load(ctx context.Context) ([]byte, error)
	// Save replaces the document with data.
	Save(ctx context.Context, data []byte) error
}

// FileBackend stores a document in a single file, replaced atomically on
// every save so a crash mid-write never leaves a truncated document.
type FileBackend struct {
	Path string
}

// Load reads the file. A missing file is not an error.
func (f FileBackend) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	return data, nil
}

// Save writes data to a temp file in the same directory and renames it over
// the target.
func (f FileBackend) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", f.Path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp for %s: %w", f.Path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp for %s: %w", f.Path, err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", f.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", f.Path, err)
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("rename temp for %s: %w", f.Path, err)
	}

	// Best effort directory sync; ignore failures.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
