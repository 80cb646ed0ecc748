package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/jmoiron/sqlx"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// Session pins a single pooled connection for the duration of one operation.
// ATTACH is connection-scoped in SQLite, so cross-database statements must
// all run on the same connection the secondary schemas were attached to.
type Session struct {
	conn     *sqlx.Conn
	attached []string
}

// NewSession reserves a connection from the pool. Close returns it.
func (db *DB) NewSession(ctx context.Context) (*Session, error) {
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection for %s: %w", db.path, err)
	}
	return &Session{conn: conn}, nil
}

// Conn exposes the pinned connection for reads outside a transaction.
func (s *Session) Conn() *sqlx.Conn {
	return s.conn
}

// Attach attaches the existing database file at path under alias. SQLite
// would create a missing file, so that is reported as ErrNotFound instead.
// Must not be called inside an open transaction.
func (s *Session) Attach(ctx context.Context, path, alias string) error {
	if err := validIdent(alias); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if _, err := s.conn.ExecContext(ctx, "ATTACH DATABASE ? AS "+alias, path); err != nil {
		return fmt.Errorf("failed to attach %s as %s: %w", path, alias, err)
	}
	s.attached = append(s.attached, alias)
	return nil
}

// Detach detaches a previously attached schema.
func (s *Session) Detach(ctx context.Context, alias string) error {
	if err := validIdent(alias); err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, "DETACH DATABASE "+alias); err != nil {
		return fmt.Errorf("failed to detach %s: %w", alias, err)
	}
	for i, a := range s.attached {
		if a == alias {
			s.attached = append(s.attached[:i], s.attached[i+1:]...)
			break
		}
	}
	return nil
}

// HasTable reports whether the attached schema alias defines table.
func (s *Session) HasTable(ctx context.Context, alias, table string) (bool, error) {
	if err := validIdent(alias); err != nil {
		return false, err
	}
	var count int
	err := s.conn.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM "+alias+".sqlite_master WHERE type = 'table' AND name = ?", table)
	if err != nil {
		return false, fmt.Errorf("failed to check for table %s.%s: %w", alias, table, err)
	}
	return count > 0, nil
}

// Begin starts a transaction on the pinned connection.
func (s *Session) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Close detaches anything still attached and releases the connection.
// Safe to call more than once.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	var firstErr error
	ctx := context.Background()
	for len(s.attached) > 0 {
		alias := s.attached[len(s.attached)-1]
		if err := s.Detach(ctx, alias); err != nil {
			firstErr = err
			break
		}
	}
	if firstErr != nil {
		// A connection with a schema still attached must not go back to the
		// pool; reporting it bad makes database/sql close it.
		_ = s.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	if err := s.conn.Close(); err != nil && firstErr == nil && !errors.Is(err, sql.ErrConnDone) {
		firstErr = err
	}
	s.conn = nil
	s.attached = nil
	return firstErr
}
