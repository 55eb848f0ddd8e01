package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"notify_bot/internal/apperr"
	"notify_bot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// LoadDocument returns the checkpoint document of a module.
func (s *SQLite) LoadDocument(ctx context.Context, module string) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM checkpoints WHERE module = ?`, module,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no checkpoint for module %q", apperr.ErrNotFound, module)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query checkpoint: %w", apperr.ErrStorage, err)
	}
	return []byte(doc), nil
}

// SaveDocument replaces the checkpoint document of a module.
func (s *SQLite) SaveDocument(ctx context.Context, module string, doc []byte) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (module, document, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(module) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		module, string(doc), now,
	)
	if err != nil {
		return fmt.Errorf("%w: save checkpoint: %w", apperr.ErrStorage, err)
	}
	return nil
}

// UpdatedAt returns when the checkpoint of a module was last saved.
func (s *SQLite) UpdatedAt(ctx context.Context, module string) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM checkpoints WHERE module = ?`, module,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: no checkpoint for module %q", apperr.ErrNotFound, module)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: query checkpoint: %w", apperr.ErrStorage, err)
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parse updated_at: %w", apperr.ErrStorage, err)
	}
	return t, nil
}
