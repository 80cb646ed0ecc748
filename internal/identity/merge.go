// Package identity consolidates tenant-local user rows into the shared
// users store, keyed by line_user_id.
package identity

import (
	"context"
	"fmt"

	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/layout"
	"github.com/lherron/boardtasks/internal/scratch"
	"github.com/rs/zerolog"
)

const (
	legacyAlias = "legacy"
	copySuffix  = ".temp"
)

// Rows already present under the same line_user_id are ignored, so the first
// tenant to contribute a user wins. Rows without a natural key cannot be
// merged and are left behind.
const mergeUsersSQL = `
	INSERT OR IGNORE INTO main.users (line_user_id, name, avatar, created_at, updated_at)
	SELECT line_user_id, name, avatar,
	       COALESCE(created_at, CURRENT_TIMESTAMP),
	       COALESCE(updated_at, created_at, CURRENT_TIMESTAMP)
	FROM legacy.users
	WHERE line_user_id IS NOT NULL AND line_user_id <> ''
	ORDER BY id
`

// Result reports one tenant's merge.
type Result struct {
	// Seen is the number of legacy rows carrying a natural key.
	Seen int64 `json:"seen" yaml:"seen"`
	// Migrated is the number of rows the shared store actually gained.
	Migrated int64 `json:"migrated" yaml:"migrated"`
	// Skipped is set when there was nothing to merge.
	Skipped    bool   `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty" yaml:"skip_reason,omitempty"`
}

// Duplicates is the number of legacy rows whose natural key was already known.
func (r Result) Duplicates() int64 {
	return r.Seen - r.Migrated
}

// Merger copies legacy users into an open shared store.
type Merger struct {
	shared  *db.DB
	scratch *scratch.Manager
	logger  zerolog.Logger
}

// NewMerger returns a Merger writing into shared.
func NewMerger(shared *db.DB, sc *scratch.Manager, logger zerolog.Logger) *Merger {
	return &Merger{shared: shared, scratch: sc, logger: logger}
}

// Merge inserts every legacy user of the tenant store at tenantPath whose
// line_user_id is not yet in the shared store. The tenant file is never
// read directly: a disposable copy is attached instead and removed before
// Merge returns. A missing tenant file, or one that no longer has a users
// table, is skipped without error.
func (m *Merger) Merge(ctx context.Context, slug, tenantPath string) (Result, error) {
	log := m.logger.With().Str("tenant", slug).Str("stage", "merge").Logger()

	ok, err := layout.Exists(tenantPath)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		log.Info().Str("path", tenantPath).Msg("no tenant store, skipping user merge")
		return Result{Skipped: true, SkipReason: "no tenant store"}, nil
	}

	cp, err := m.scratch.Copy(tenantPath, copySuffix)
	if err != nil {
		return Result{}, fmt.Errorf("failed to copy tenant store: %w", err)
	}
	defer cp.Release()

	sess, err := m.shared.NewSession(ctx)
	if err != nil {
		return Result{}, err
	}
	defer sess.Close()

	if err := sess.Attach(ctx, cp.Path, legacyAlias); err != nil {
		return Result{}, err
	}

	hasUsers, err := sess.HasTable(ctx, legacyAlias, "users")
	if err != nil {
		return Result{}, err
	}
	if !hasUsers {
		log.Info().Str("path", tenantPath).Msg("tenant store has no users table, skipping user merge")
		return Result{Skipped: true, SkipReason: "no legacy users table"}, nil
	}

	result, err := m.insert(ctx, sess)
	if err != nil {
		return Result{}, err
	}

	if err := sess.Detach(ctx, legacyAlias); err != nil {
		return Result{}, err
	}

	log.Info().
		Int64("seen", result.Seen).
		Int64("migrated", result.Migrated).
		Int64("duplicates", result.Duplicates()).
		Msg("merged users")
	return result, nil
}

func (m *Merger) insert(ctx context.Context, sess *db.Session) (Result, error) {
	tx, err := sess.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	var result Result
	if err := tx.GetContext(ctx, &result.Seen,
		"SELECT COUNT(*) FROM legacy.users WHERE line_user_id IS NOT NULL AND line_user_id <> ''"); err != nil {
		return Result{}, fmt.Errorf("failed to count legacy users: %w", err)
	}

	res, err := tx.ExecContext(ctx, mergeUsersSQL)
	if err != nil {
		return Result{}, fmt.Errorf("failed to merge users: %w", err)
	}
	result.Migrated, err = res.RowsAffected()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read merged row count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("failed to commit user merge: %w", err)
	}
	return result, nil
}

// Count returns the number of users in the shared store.
func (m *Merger) Count(ctx context.Context) (int64, error) {
	return m.shared.Count(ctx, "users")
}
