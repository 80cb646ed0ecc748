package db

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultBusyTimeout is how long a connection waits on a lock held by the
// live serving process before giving up.
const DefaultBusyTimeout = 30 * time.Second

// ErrNotFound is returned by OpenExisting when the database file is missing.
var ErrNotFound = errors.New("database file not found")

// ErrExists is returned by Create when the database file is already present.
var ErrExists = errors.New("database file already exists")

// DB wraps a SQLite database connection
type DB struct {
	*sqlx.DB
	path string
}

// Open opens a SQLite database at the given path, creating the file and its
// parent directory if needed.
func Open(path string, busyTimeout time.Duration) (*DB, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return open(path, busyTimeout)
}

// OpenExisting opens a SQLite database that must already exist.
func OpenExisting(path string, busyTimeout time.Duration) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat database: %w", err)
	}
	return open(path, busyTimeout)
}

func open(path string, busyTimeout time.Duration) (*DB, error) {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}

	// Pragmas go through the DSN so every pooled connection gets them.
	params := url.Values{}
	params.Set("_busy_timeout", strconv.FormatInt(busyTimeout.Milliseconds(), 10))
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")

	conn, err := sqlx.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	return &DB{DB: conn, path: path}, nil
}

// Create makes a new database at path from a schema script. It refuses to
// touch an existing file; call Remove first to replace one.
func Create(ctx context.Context, path, script string, busyTimeout time.Duration) (*DB, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}
	database, err := Open(path, busyTimeout)
	if err != nil {
		return nil, err
	}
	if err := database.ApplySchema(ctx, script); err != nil {
		database.Close()
		os.Remove(path)
		return nil, err
	}
	return database, nil
}

// Remove deletes the database at path together with its -wal, -shm and
// -journal files. Missing files are ignored.
func Remove(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// ApplySchema executes a schema script verbatim.
func (db *DB) ApplySchema(ctx context.Context, script string) error {
	if _, err := db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("failed to apply schema to %s: %w", db.path, err)
	}
	return nil
}

// Object is a table or index defined in a database.
type Object struct {
	Type string `db:"type" json:"type" yaml:"type"`
	Name string `db:"name" json:"name" yaml:"name"`
}

// Objects lists user-defined tables and indexes.
func (db *DB) Objects(ctx context.Context) ([]Object, error) {
	var objects []Object
	err := db.SelectContext(ctx, &objects, `
		SELECT type, name
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND name NOT LIKE 'sqlite_%'
		ORDER BY type, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schema objects: %w", err)
	}
	return objects, nil
}

// HasTable reports whether the main schema defines the named table.
func (db *DB) HasTable(ctx context.Context, table string) (bool, error) {
	var count int
	err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table)
	if err != nil {
		return false, fmt.Errorf("failed to check for table %s: %w", table, err)
	}
	return count > 0, nil
}

// Count returns the number of rows in a table of the main schema.
func (db *DB) Count(ctx context.Context, table string) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	var n int64
	if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// SnapshotTo writes a consistent copy of the database to dest using VACUUM INTO.
func (db *DB) SnapshotTo(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("output file already exists: %s (remove it first or choose a different path)", dest)
	}
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		os.Remove(dest)
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}
