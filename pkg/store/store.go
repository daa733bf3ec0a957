package store

import (
	"database/sql"
	"errors"
	"fmt"

	"hostsync/pkg/store/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrJobActive is returned when a non-terminal job already blocks
	// creation of a new one.
	ErrJobActive = errors.New("job already active")
	// ErrNotPending is returned when a pending-only transition finds the
	// job in another state.
	ErrNotPending = errors.New("job is not pending")
)

// Store is the durable state store for connections, credentials, sync jobs,
// sync history and per-file sync state. All writes are individually atomic;
// sqlite serializes concurrent writers.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and brings the schema
// up to date.
func Open(path string) (*Store, error) {
	// Foreign keys drive the delete cascades and sqlite defaults them to
	// off. Set via DSN so every pooled connection gets them, not just the
	// one a PRAGMA statement happens to run on.
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
