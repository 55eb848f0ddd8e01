// Package storage persists module checkpoint documents.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Storage keeps one opaque JSON document per module, rewritten wholesale on save.
type Storage interface {
	// LoadDocument returns the stored document of a module.
	// A module that never saved returns an error wrapping apperr.ErrNotFound.
	LoadDocument(ctx context.Context, module string) ([]byte, error)
	SaveDocument(ctx context.Context, module string, doc []byte) error
	// UpdatedAt returns when the document of a module was last saved.
	UpdatedAt(ctx context.Context, module string) (time.Time, error)
	Close() error
}

// Config selects and configures a storage backend.
type Config struct {
	Driver string // "sqlite" or "file"
	Path   string // database file for sqlite, directory for file
}

// Open initializes the configured backend.
func Open(cfg Config) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return NewSQLite(cfg.Path)
	case "file", "json":
		return NewFile(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
