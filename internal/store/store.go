// Package store reads and writes a tenant's task tables. Actor ids in those
// tables belong to the shared users store, which is attached as "users" for
// every operation that needs names or natural keys.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lherron/boardtasks/internal/db"
)

const usersAlias = "users"

// Store is the root store that provides access to domain-specific stores.
type Store struct {
	db         *db.DB
	sharedPath string

	Tasks *TaskStore
}

// New creates a Store over an open tenant store. sharedPath is the shared
// users store attached for actor lookups.
func New(database *db.DB, sharedPath string) *Store {
	s := &Store{db: database, sharedPath: sharedPath}
	s.Tasks = &TaskStore{store: s}
	return s
}

// DB returns the underlying database connection (for read-only queries).
func (s *Store) DB() *db.DB {
	return s.db
}

// withUsers runs fn on a connection with the shared users store attached.
func (s *Store) withUsers(ctx context.Context, fn func(conn *sqlx.Conn) error) error {
	sess, err := s.db.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Attach(ctx, s.sharedPath, usersAlias); err != nil {
		return err
	}
	if err := fn(sess.Conn()); err != nil {
		return err
	}
	return sess.Detach(ctx, usersAlias)
}

// withTx executes fn within a transaction with the shared users store
// attached. If fn returns nil, the transaction is committed; otherwise it is
// rolled back.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	sess, err := s.db.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Attach(ctx, s.sharedPath, usersAlias); err != nil {
		return err
	}

	tx, err := sess.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return sess.Detach(ctx, usersAlias)
}
