package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Task status values.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusIssue      = "issue"
)

// Statuses lists the valid status values in display order.
var Statuses = []string{StatusPending, StatusInProgress, StatusDone, StatusIssue}

// ErrInvalidStatus is returned for a status outside Statuses.
var ErrInvalidStatus = errors.New("invalid status")

// ErrUnknownUser is returned when a line_user_id has no shared user row.
var ErrUnknownUser = errors.New("unknown user")

// DefaultHistoryLimit caps the history returned by Get.
const DefaultHistoryLimit = 50

// IsValidStatus reports whether s is one of Statuses.
func IsValidStatus(s string) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// TaskStore handles task status persistence operations.
type TaskStore struct {
	store *Store
}

// Status is a board's current task state.
type Status struct {
	BoardCode       string         `db:"board_code" json:"board_code" yaml:"board_code"`
	Status          string         `db:"status" json:"status" yaml:"status"`
	LastComment     sql.NullString `db:"last_comment" json:"-" yaml:"-"`
	UpdatedAt       sql.NullString `db:"updated_at" json:"-" yaml:"-"`
	UpdatedBy       sql.NullInt64  `db:"updated_by" json:"-" yaml:"-"`
	UpdatedByName   sql.NullString `db:"updated_by_name" json:"-" yaml:"-"`
	UpdatedByLineID sql.NullString `db:"updated_by_line_id" json:"-" yaml:"-"`
}

// HistoryEntry is one status_history row with the actor's display name.
type HistoryEntry struct {
	ID        int64          `db:"id" json:"id" yaml:"id"`
	BoardCode string         `db:"board_code" json:"board_code" yaml:"board_code"`
	UserID    sql.NullInt64  `db:"user_id" json:"-" yaml:"-"`
	UserName  sql.NullString `db:"user_name" json:"-" yaml:"-"`
	OldStatus sql.NullString `db:"old_status" json:"-" yaml:"-"`
	NewStatus sql.NullString `db:"new_status" json:"-" yaml:"-"`
	Note      sql.NullString `db:"note" json:"-" yaml:"-"`
	CreatedAt string         `db:"created_at" json:"created_at" yaml:"created_at"`
}

// Totals counts boards per status. Values outside Statuses land in Other.
type Totals struct {
	Pending    int64 `json:"pending" yaml:"pending"`
	InProgress int64 `json:"in_progress" yaml:"in_progress"`
	Done       int64 `json:"done" yaml:"done"`
	Issue      int64 `json:"issue" yaml:"issue"`
	Other      int64 `json:"other,omitempty" yaml:"other,omitempty"`
}

func (t *Totals) add(status string, n int64) {
	switch status {
	case StatusPending:
		t.Pending += n
	case StatusInProgress:
		t.InProgress += n
	case StatusDone:
		t.Done += n
	case StatusIssue:
		t.Issue += n
	default:
		t.Other += n
	}
}

type statusCount struct {
	Status string `db:"status"`
	Count  int64  `db:"cnt"`
}

// Totals counts every board by status.
func (ts *TaskStore) Totals(ctx context.Context) (Totals, error) {
	var rows []statusCount
	err := ts.store.db.SelectContext(ctx, &rows,
		"SELECT status, COUNT(*) AS cnt FROM task_status GROUP BY status")
	if err != nil {
		return Totals{}, fmt.Errorf("failed to count statuses: %w", err)
	}
	var t Totals
	for _, r := range rows {
		t.add(r.Status, r.Count)
	}
	return t, nil
}

// Mine counts the boards last updated by the user with lineUserID.
func (ts *TaskStore) Mine(ctx context.Context, lineUserID string) (Totals, error) {
	var t Totals
	err := ts.store.withUsers(ctx, func(conn *sqlx.Conn) error {
		var rows []statusCount
		err := conn.SelectContext(ctx, &rows, `
			SELECT ts.status, COUNT(*) AS cnt
			FROM task_status ts
			JOIN users.users u ON u.id = ts.updated_by
			WHERE u.line_user_id = ?
			GROUP BY ts.status
		`, lineUserID)
		if err != nil {
			return fmt.Errorf("failed to count statuses for %s: %w", lineUserID, err)
		}
		for _, r := range rows {
			t.add(r.Status, r.Count)
		}
		return nil
	})
	return t, err
}

// Get returns a board's status and its most recent history, newest first.
// A board with no row yet is reported as pending.
func (ts *TaskStore) Get(ctx context.Context, code string, limit int) (*Status, []HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var status *Status
	var history []HistoryEntry
	err := ts.store.withUsers(ctx, func(conn *sqlx.Conn) error {
		var err error
		status, history, err = getStatus(ctx, conn, code, limit)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return status, history, nil
}

type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func getStatus(ctx context.Context, q queryer, code string, limit int) (*Status, []HistoryEntry, error) {
	status := &Status{}
	err := q.GetContext(ctx, status, `
		SELECT ts.board_code, ts.status, ts.last_comment, ts.updated_at, ts.updated_by,
		       u.name AS updated_by_name, u.line_user_id AS updated_by_line_id
		FROM task_status ts
		LEFT JOIN users.users u ON u.id = ts.updated_by
		WHERE ts.board_code = ?
	`, code)
	if errors.Is(err, sql.ErrNoRows) {
		status = &Status{BoardCode: code, Status: StatusPending}
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to get status for %s: %w", code, err)
	}

	var history []HistoryEntry
	err = q.SelectContext(ctx, &history, `
		SELECT sh.id, sh.board_code, sh.user_id, u.name AS user_name,
		       sh.old_status, sh.new_status, sh.note, sh.created_at
		FROM status_history sh
		LEFT JOIN users.users u ON u.id = sh.user_id
		WHERE sh.board_code = ?
		ORDER BY sh.created_at DESC, sh.id DESC
		LIMIT ?
	`, code, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get history for %s: %w", code, err)
	}
	return status, history, nil
}

// SetStatusParams contains parameters for changing a board's status.
type SetStatusParams struct {
	BoardCode  string
	Status     string
	LineUserID string
	Note       string
}

// SetStatus records a status change by the given user and appends it to the
// board's history in the same transaction.
func (ts *TaskStore) SetStatus(ctx context.Context, params SetStatusParams) (*Status, error) {
	code := strings.TrimSpace(params.BoardCode)
	if code == "" {
		return nil, fmt.Errorf("board code is required")
	}
	if !IsValidStatus(params.Status) {
		return nil, fmt.Errorf("%w: %q (want one of %s)", ErrInvalidStatus, params.Status, strings.Join(Statuses, ", "))
	}
	var note *string
	if n := strings.TrimSpace(params.Note); n != "" {
		note = &n
	}

	var result *Status
	err := ts.store.withTx(ctx, func(tx *sqlx.Tx) error {
		userID, err := resolveUser(ctx, tx, params.LineUserID)
		if err != nil {
			return err
		}

		old := StatusPending
		err = tx.GetContext(ctx, &old, "SELECT status FROM task_status WHERE board_code = ?", code)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read current status: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_status (board_code, status, updated_by, last_comment)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(board_code) DO UPDATE SET
			  status = excluded.status,
			  updated_by = excluded.updated_by,
			  last_comment = excluded.last_comment,
			  updated_at = CURRENT_TIMESTAMP
		`, code, params.Status, userID, note); err != nil {
			return fmt.Errorf("failed to set status: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO status_history (board_code, user_id, old_status, new_status, note)
			VALUES (?, ?, ?, ?, ?)
		`, code, userID, old, params.Status, note); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}

		result, _, err = getStatus(ctx, tx, code, 1)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AddCommentParams contains parameters for commenting on a board.
type AddCommentParams struct {
	BoardCode  string
	LineUserID string
	Note       string
}

// AddComment records a note without changing the board's status. The
// history row carries the current status as both old and new status, and
// the board's last comment and updater are replaced.
func (ts *TaskStore) AddComment(ctx context.Context, params AddCommentParams) (*Status, error) {
	code := strings.TrimSpace(params.BoardCode)
	if code == "" {
		return nil, fmt.Errorf("board code is required")
	}
	note := strings.TrimSpace(params.Note)
	if note == "" {
		return nil, fmt.Errorf("comment is required")
	}

	var result *Status
	err := ts.store.withTx(ctx, func(tx *sqlx.Tx) error {
		userID, err := resolveUser(ctx, tx, params.LineUserID)
		if err != nil {
			return err
		}

		cur := StatusPending
		err = tx.GetContext(ctx, &cur, "SELECT status FROM task_status WHERE board_code = ?", code)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read current status: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO status_history (board_code, user_id, old_status, new_status, note)
			VALUES (?, ?, ?, ?, ?)
		`, code, userID, cur, cur, note); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_status (board_code, status, updated_by, last_comment)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(board_code) DO UPDATE SET
			  last_comment = excluded.last_comment,
			  updated_by = excluded.updated_by,
			  updated_at = CURRENT_TIMESTAMP
		`, code, cur, userID, note); err != nil {
			return fmt.Errorf("failed to save comment: %w", err)
		}

		result, _, err = getStatus(ctx, tx, code, 1)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func resolveUser(ctx context.Context, q queryer, lineUserID string) (int64, error) {
	var id int64
	err := q.GetContext(ctx, &id, "SELECT id FROM users.users WHERE line_user_id = ?", lineUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUser, lineUserID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve user: %w", err)
	}
	return id, nil
}
