package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"notify_bot/internal/apperr"
)

// File implements Storage with one JSON file per module under a directory.
// Writes go to a temp file first and are renamed into place.
type File struct {
	dir string
	mu  sync.Mutex
}

// NewFile creates the directory if needed and returns a File store rooted at it.
func NewFile(dir string) (*File, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("storage path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(module string) string {
	return filepath.Join(f.dir, strings.ToLower(module)+".json")
}

// LoadDocument reads <dir>/<module>.json.
func (f *File) LoadDocument(_ context.Context, module string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(module))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no checkpoint for module %q", apperr.ErrNotFound, module)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read checkpoint: %w", apperr.ErrStorage, err)
	}
	return data, nil
}

// SaveDocument replaces <dir>/<module>.json.
func (f *File) SaveDocument(_ context.Context, module string, doc []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.path(module)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o600); err != nil {
		return fmt.Errorf("%w: write checkpoint: %w", apperr.ErrStorage, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: replace checkpoint: %w", apperr.ErrStorage, err)
	}
	return nil
}

// UpdatedAt returns the modification time of <dir>/<module>.json.
func (f *File) UpdatedAt(_ context.Context, module string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path(module))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, fmt.Errorf("%w: no checkpoint for module %q", apperr.ErrNotFound, module)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: stat checkpoint: %w", apperr.ErrStorage, err)
	}
	return info.ModTime().UTC(), nil
}

// Close is a no-op; File holds no open handles.
func (f *File) Close() error {
	return nil
}
