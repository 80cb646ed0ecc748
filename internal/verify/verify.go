// Package verify checks a rebuilt tenant store against the backup it was
// rebuilt from.
package verify

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/scratch"
	"github.com/lherron/boardtasks/internal/store"
	"github.com/pmezard/go-difflib/difflib"
)

const copySuffix = ".temp_verify"

// Report lists what was compared and every problem found.
type Report struct {
	Slug       string `json:"slug" yaml:"slug"`
	BackupPath string `json:"backup_path" yaml:"backup_path"`

	BackupHistory  int64 `json:"backup_history" yaml:"backup_history"`
	History        int64 `json:"history" yaml:"history"`
	BackupBoards   int64 `json:"backup_boards" yaml:"backup_boards"`
	Statuses       int64 `json:"statuses" yaml:"statuses"`
	DanglingStatus int64 `json:"dangling_status" yaml:"dangling_status"`
	DanglingActors int64 `json:"dangling_history" yaml:"dangling_history"`
	OutOfOrder     int64 `json:"out_of_order" yaml:"out_of_order"`

	UnknownStatuses []string           `json:"unknown_statuses,omitempty" yaml:"unknown_statuses,omitempty"`
	SequenceDrifts  []db.SequenceDrift `json:"sequence_drifts,omitempty" yaml:"sequence_drifts,omitempty"`
	HistoryDiff     string             `json:"history_diff,omitempty" yaml:"history_diff,omitempty"`

	Problems []string `json:"problems,omitempty" yaml:"problems,omitempty"`
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// OK reports whether no problems were found. Warnings do not count.
func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

// Table renders the compared counts, backup against tenant store.
func (r *Report) Table() ([]string, [][]string) {
	n := func(v int64) string { return strconv.FormatInt(v, 10) }
	return []string{"CHECK", "BACKUP", "TENANT"}, [][]string{
		{"history rows", n(r.BackupHistory), n(r.History)},
		{"boards with status", n(r.BackupBoards), n(r.Statuses)},
		{"dangling status actors", "-", n(r.DanglingStatus)},
		{"dangling history actors", "-", n(r.DanglingActors)},
		{"history out of order", "-", n(r.OutOfOrder)},
	}
}

func (r *Report) problemf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

type historyLine struct {
	BoardCode string         `db:"board_code"`
	OldStatus sql.NullString `db:"old_status"`
	NewStatus sql.NullString `db:"new_status"`
	Note      sql.NullString `db:"note"`
	CreatedAt string         `db:"created_at"`
}

func (h historyLine) String() string {
	return fmt.Sprintf("%s|%s→%s|%s\n", h.BoardCode, h.OldStatus.String, h.NewStatus.String, h.Note.String)
}

// Check compares the tenant store fresh with the backup at backupPath and
// resolves actors against the shared store at sharedPath. Both other files
// are only read; the backup through a disposable copy.
func Check(ctx context.Context, slug string, fresh *db.DB, backupPath, sharedPath string, sc *scratch.Manager) (*Report, error) {
	report := &Report{Slug: slug, BackupPath: backupPath}

	drifts, err := db.SequenceDrifts(ctx, fresh, db.HistorySequence())
	if err != nil {
		return nil, err
	}
	report.SequenceDrifts = drifts
	for _, d := range drifts {
		report.problemf("%s id sequence %d is below max id %d", d.Table, d.SeqValue, d.MaxID)
	}

	cp, err := sc.Copy(backupPath, copySuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to copy backup: %w", err)
	}
	defer cp.Release()

	sess, err := fresh.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.Attach(ctx, sharedPath, "shared"); err != nil {
		return nil, err
	}
	if err := sess.Attach(ctx, cp.Path, "legacy"); err != nil {
		return nil, err
	}

	conn := sess.Conn()
	if err := checkCounts(ctx, conn, report); err != nil {
		return nil, err
	}
	if err := checkActors(ctx, conn, report); err != nil {
		return nil, err
	}
	if err := checkStatuses(ctx, conn, report); err != nil {
		return nil, err
	}
	if err := checkHistory(ctx, conn, report); err != nil {
		return nil, err
	}

	if err := sess.Detach(ctx, "legacy"); err != nil {
		return nil, err
	}
	if err := sess.Detach(ctx, "shared"); err != nil {
		return nil, err
	}
	return report, nil
}

func checkCounts(ctx context.Context, conn *sqlx.Conn, r *Report) error {
	counts := []struct {
		dst   *int64
		query string
	}{
		{&r.History, "SELECT COUNT(*) FROM main.status_history"},
		{&r.Statuses, "SELECT COUNT(*) FROM main.task_status"},
		{&r.BackupHistory, "SELECT COUNT(*) FROM legacy.status_history"},
		{&r.BackupBoards, "SELECT COUNT(DISTINCT board_code) FROM legacy.task_status"},
	}
	for _, c := range counts {
		if err := conn.GetContext(ctx, c.dst, c.query); err != nil {
			return fmt.Errorf("failed to count rows: %w", err)
		}
	}

	if r.History != r.BackupHistory {
		r.problemf("history has %d rows, backup has %d", r.History, r.BackupHistory)
	}
	if r.Statuses != r.BackupBoards {
		r.problemf("task_status has %d rows, backup has %d distinct board codes", r.Statuses, r.BackupBoards)
	}
	return nil
}

func checkActors(ctx context.Context, conn *sqlx.Conn, r *Report) error {
	err := conn.GetContext(ctx, &r.DanglingStatus, `
		SELECT COUNT(*) FROM main.task_status t
		WHERE t.updated_by IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM shared.users u WHERE u.id = t.updated_by)
	`)
	if err != nil {
		return fmt.Errorf("failed to check status actors: %w", err)
	}
	err = conn.GetContext(ctx, &r.DanglingActors, `
		SELECT COUNT(*) FROM main.status_history h
		WHERE h.user_id IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM shared.users u WHERE u.id = h.user_id)
	`)
	if err != nil {
		return fmt.Errorf("failed to check history actors: %w", err)
	}

	if r.DanglingStatus > 0 {
		r.problemf("%d task_status rows reference missing users", r.DanglingStatus)
	}
	if r.DanglingActors > 0 {
		r.problemf("%d status_history rows reference missing users", r.DanglingActors)
	}
	return nil
}

func checkStatuses(ctx context.Context, conn *sqlx.Conn, r *Report) error {
	var values []string
	if err := conn.SelectContext(ctx, &values, "SELECT DISTINCT status FROM main.task_status ORDER BY status"); err != nil {
		return fmt.Errorf("failed to list statuses: %w", err)
	}
	for _, v := range values {
		if !store.IsValidStatus(v) {
			r.UnknownStatuses = append(r.UnknownStatuses, v)
		}
	}
	if len(r.UnknownStatuses) > 0 {
		r.Warnings = append(r.Warnings, "unknown status values: "+strings.Join(r.UnknownStatuses, ", "))
	}
	return nil
}

func checkHistory(ctx context.Context, conn *sqlx.Conn, r *Report) error {
	var backup, current []historyLine
	err := conn.SelectContext(ctx, &backup, `
		SELECT sh.board_code, sh.old_status, sh.new_status, sh.note, COALESCE(sh.created_at, '') AS created_at
		FROM legacy.status_history sh
		ORDER BY julianday(sh.created_at) IS NULL, julianday(sh.created_at), sh.id
	`)
	if err != nil {
		return fmt.Errorf("failed to read backup history: %w", err)
	}
	err = conn.SelectContext(ctx, &current, `
		SELECT board_code, old_status, new_status, note, created_at
		FROM main.status_history
		ORDER BY id
	`)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	// Timestamps may mix the space and ISO "T" forms, so compare as dates.
	err = conn.GetContext(ctx, &r.OutOfOrder, `
		SELECT COUNT(*) FROM (
		  SELECT julianday(created_at) AS at,
		         LAG(julianday(created_at)) OVER (ORDER BY id) AS prev
		  FROM main.status_history
		) WHERE at < prev
	`)
	if err != nil {
		return fmt.Errorf("failed to check history order: %w", err)
	}
	if r.OutOfOrder > 0 {
		r.problemf("%d history rows are earlier than the row before them", r.OutOfOrder)
	}

	a := make([]string, len(backup))
	for i, h := range backup {
		a[i] = h.String()
	}
	b := make([]string, len(current))
	for i, h := range current {
		b[i] = h.String()
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        a,
		B:        b,
		FromFile: "backup",
		ToFile:   "tenant",
		Context:  2,
	})
	if err != nil {
		return fmt.Errorf("failed to diff history: %w", err)
	}
	if diff != "" {
		r.HistoryDiff = diff
		r.problemf("history content or order differs from backup")
	}
	return nil
}
