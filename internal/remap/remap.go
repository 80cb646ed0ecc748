// Package remap rebuilds a tenant's task tables from its pre-migration
// backup, translating tenant-local user ids into shared user ids.
package remap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/scratch"
	"github.com/rs/zerolog"
)

const (
	legacyAlias = "legacy"
	sharedAlias = "shared"
	copySuffix  = ".temp_backup"
)

// ErrStoreNotEmpty is returned when the target store already holds task rows.
var ErrStoreNotEmpty = errors.New("target tenant store is not empty")

// ErrHistoryWithoutBoard is returned when backup history rows have no
// board_code. History is never dropped, so such a backup cannot be replayed.
var ErrHistoryWithoutBoard = errors.New("backup history rows without board_code")

// Result counts the rows written to the fresh tenant store.
type Result struct {
	Statuses int64 `json:"statuses" yaml:"statuses"`
	History  int64 `json:"history" yaml:"history"`
	// Rows that had an actor in the backup but were written with none.
	StatusUnresolved  int64 `json:"status_unresolved" yaml:"status_unresolved"`
	HistoryUnresolved int64 `json:"history_unresolved" yaml:"history_unresolved"`
}

// Remapper replays backups into fresh tenant stores.
type Remapper struct {
	scratch *scratch.Manager
	logger  zerolog.Logger
}

// NewRemapper returns a Remapper.
func NewRemapper(sc *scratch.Manager, logger zerolog.Logger) *Remapper {
	return &Remapper{scratch: sc, logger: logger}
}

// actorJoin resolves src.<column> to su.id. With a legacy users table the
// old id goes through its line_user_id; without one the backup already holds
// shared ids and only those still present are kept.
func actorJoin(column string, legacyUsers bool) string {
	if legacyUsers {
		return fmt.Sprintf(`
		LEFT JOIN legacy.users lu ON lu.id = src.%s
		LEFT JOIN shared.users su ON su.line_user_id = lu.line_user_id`, column)
	}
	return fmt.Sprintf(`
		LEFT JOIN shared.users su ON su.id = src.%s`, column)
}

// Later rows replace earlier ones for the same board_code.
func statusInsertSQL(legacyUsers bool) string {
	return `
		INSERT OR REPLACE INTO main.task_status (board_code, status, updated_by, updated_at, last_comment)
		SELECT src.board_code,
		       COALESCE(src.status, 'pending'),
		       su.id,
		       COALESCE(src.updated_at, CURRENT_TIMESTAMP),
		       src.last_comment
		FROM legacy.task_status src` + actorJoin("updated_by", legacyUsers) + `
		WHERE src.board_code IS NOT NULL
		ORDER BY src.rowid`
}

func statusUnresolvedSQL(legacyUsers bool) string {
	return `
		SELECT COUNT(*)
		FROM legacy.task_status src` + actorJoin("updated_by", legacyUsers) + `
		WHERE src.board_code IS NOT NULL
		  AND src.updated_by IS NOT NULL
		  AND su.id IS NULL`
}

// Rows are appended in creation order so new ids follow the original
// timeline. Timestamps are compared with julianday so the space and ISO "T"
// forms interleave correctly. Rows without a parseable timestamp go last,
// and those without any are stamped now.
func historyInsertSQL(legacyUsers bool) string {
	return `
		INSERT INTO main.status_history (board_code, user_id, old_status, new_status, note, created_at)
		SELECT src.board_code,
		       su.id,
		       src.old_status,
		       src.new_status,
		       src.note,
		       COALESCE(src.created_at, CURRENT_TIMESTAMP)
		FROM legacy.status_history src` + actorJoin("user_id", legacyUsers) + `
		ORDER BY julianday(src.created_at) IS NULL, julianday(src.created_at), src.id`
}

func historyUnresolvedSQL(legacyUsers bool) string {
	return `
		SELECT COUNT(*)
		FROM legacy.status_history src` + actorJoin("user_id", legacyUsers) + `
		WHERE src.user_id IS NOT NULL
		  AND su.id IS NULL`
}

// Remap fills fresh, which must have the tenant schema and no rows, from the
// backup at backupPath using the shared store at sharedPath for identity
// lookups. The backup itself is never opened: a disposable copy is attached
// and removed before Remap returns. On error fresh may be partially written
// and should be recreated before retrying; the backup is untouched.
func (r *Remapper) Remap(ctx context.Context, slug, backupPath, sharedPath string, fresh *db.DB) (Result, error) {
	log := r.logger.With().Str("tenant", slug).Str("stage", "remap").Logger()

	cp, err := r.scratch.Copy(backupPath, copySuffix)
	if err != nil {
		return Result{}, fmt.Errorf("failed to copy backup: %w", err)
	}
	defer cp.Release()

	sess, err := fresh.NewSession(ctx)
	if err != nil {
		return Result{}, err
	}
	defer sess.Close()

	if err := sess.Attach(ctx, sharedPath, sharedAlias); err != nil {
		return Result{}, err
	}
	if err := sess.Attach(ctx, cp.Path, legacyAlias); err != nil {
		return Result{}, err
	}

	tables := map[string]bool{}
	for _, name := range []string{"users", "task_status", "status_history"} {
		ok, err := sess.HasTable(ctx, legacyAlias, name)
		if err != nil {
			return Result{}, err
		}
		tables[name] = ok
	}
	if !tables["users"] {
		log.Info().Msg("backup has no users table, keeping actor ids found in shared store")
	}

	result, err := r.replay(ctx, sess, tables)
	if err != nil {
		return Result{}, err
	}

	if err := sess.Detach(ctx, legacyAlias); err != nil {
		return Result{}, err
	}
	if err := sess.Detach(ctx, sharedAlias); err != nil {
		return Result{}, err
	}

	log.Info().
		Int64("statuses", result.Statuses).
		Int64("history", result.History).
		Int64("status_unresolved", result.StatusUnresolved).
		Int64("history_unresolved", result.HistoryUnresolved).
		Msg("remapped task tables")
	return result, nil
}

func (r *Remapper) replay(ctx context.Context, sess *db.Session, tables map[string]bool) (Result, error) {
	tx, err := sess.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	var existing int64
	if err := tx.GetContext(ctx, &existing,
		"SELECT (SELECT COUNT(*) FROM main.task_status) + (SELECT COUNT(*) FROM main.status_history)"); err != nil {
		return Result{}, fmt.Errorf("failed to inspect target store: %w", err)
	}
	if existing > 0 {
		return Result{}, fmt.Errorf("%w: %d rows present", ErrStoreNotEmpty, existing)
	}

	legacyUsers := tables["users"]
	var result Result

	if tables["task_status"] {
		if err := tx.GetContext(ctx, &result.StatusUnresolved, statusUnresolvedSQL(legacyUsers)); err != nil {
			return Result{}, fmt.Errorf("failed to count unresolved status actors: %w", err)
		}
		if _, err := tx.ExecContext(ctx, statusInsertSQL(legacyUsers)); err != nil {
			return Result{}, fmt.Errorf("failed to remap task_status: %w", err)
		}
		if err := tx.GetContext(ctx, &result.Statuses, "SELECT COUNT(*) FROM main.task_status"); err != nil {
			return Result{}, fmt.Errorf("failed to count remapped statuses: %w", err)
		}
	}

	if tables["status_history"] {
		var boardless int64
		if err := tx.GetContext(ctx, &boardless,
			"SELECT COUNT(*) FROM legacy.status_history WHERE board_code IS NULL"); err != nil {
			return Result{}, fmt.Errorf("failed to inspect backup history: %w", err)
		}
		if boardless > 0 {
			return Result{}, fmt.Errorf("%w: %d rows", ErrHistoryWithoutBoard, boardless)
		}
		if err := tx.GetContext(ctx, &result.HistoryUnresolved, historyUnresolvedSQL(legacyUsers)); err != nil {
			return Result{}, fmt.Errorf("failed to count unresolved history actors: %w", err)
		}
		res, err := tx.ExecContext(ctx, historyInsertSQL(legacyUsers))
		if err != nil {
			return Result{}, fmt.Errorf("failed to remap status_history: %w", err)
		}
		if result.History, err = res.RowsAffected(); err != nil {
			return Result{}, fmt.Errorf("failed to read remapped history count: %w", err)
		}
		if err := checkHistoryComplete(ctx, tx, result.History); err != nil {
			return Result{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("failed to commit remap: %w", err)
	}
	return result, nil
}

func checkHistoryComplete(ctx context.Context, tx *sqlx.Tx, written int64) error {
	var source int64
	if err := tx.GetContext(ctx, &source, "SELECT COUNT(*) FROM legacy.status_history"); err != nil {
		return fmt.Errorf("failed to count backup history: %w", err)
	}
	if source != written {
		return fmt.Errorf("history row count mismatch: backup has %d, wrote %d", source, written)
	}
	return nil
}
