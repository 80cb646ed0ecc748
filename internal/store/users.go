package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ErrSameUser is returned when a reassignment names the same user twice.
var ErrSameUser = errors.New("source and target user are the same")

// Reassignment lists the boards moved from one user to another.
type Reassignment struct {
	From   string   `json:"from" yaml:"from"`
	To     string   `json:"to" yaml:"to"`
	Count  int64    `json:"reassigned_count" yaml:"reassigned_count"`
	Boards []string `json:"boards" yaml:"boards"`
}

// Table lists the moved boards.
func (r *Reassignment) Table() ([]string, [][]string) {
	rows := make([][]string, 0, len(r.Boards))
	for _, code := range r.Boards {
		rows = append(rows, []string{code, r.From, r.To})
	}
	return []string{"BOARD", "FROM", "TO"}, rows
}

// ReassignInProgress hands every in_progress board last updated by the user
// with line id from over to the user with line id to. Other statuses keep
// their updater. No history row is written.
func (ts *TaskStore) ReassignInProgress(ctx context.Context, from, to string) (*Reassignment, error) {
	if from == to {
		return nil, fmt.Errorf("%w: %s", ErrSameUser, from)
	}
	result := &Reassignment{From: from, To: to, Boards: []string{}}
	err := ts.store.withTx(ctx, func(tx *sqlx.Tx) error {
		fromID, err := resolveUser(ctx, tx, from)
		if err != nil {
			return err
		}
		toID, err := resolveUser(ctx, tx, to)
		if err != nil {
			return err
		}

		if err := tx.SelectContext(ctx, &result.Boards, `
			SELECT board_code FROM task_status
			WHERE status = ? AND updated_by = ?
			ORDER BY board_code
		`, StatusInProgress, fromID); err != nil {
			return fmt.Errorf("failed to list in_progress boards: %w", err)
		}
		if len(result.Boards) == 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE task_status SET updated_by = ?, updated_at = CURRENT_TIMESTAMP
			WHERE status = ? AND updated_by = ?
		`, toID, StatusInProgress, fromID)
		if err != nil {
			return fmt.Errorf("failed to reassign boards: %w", err)
		}
		result.Count, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Activity sort keys accepted by Activity.
const (
	SortDone       = "done"
	SortInProgress = "in_progress"
	SortIssue      = "issue"
	SortBoards     = "boards"
	SortName       = "name"
	SortLast       = "last"
)

// ActivitySorts lists the valid sort keys.
var ActivitySorts = []string{SortDone, SortInProgress, SortIssue, SortBoards, SortName, SortLast}

// UserActivity summarizes one shared user's work in a tenant. Counts are
// over the boards the user updated last.
type UserActivity struct {
	ID            int64          `db:"id" json:"id" yaml:"id"`
	Name          string         `db:"name" json:"name" yaml:"name"`
	LineUserID    string         `db:"line_user_id" json:"line_user_id" yaml:"line_user_id"`
	InProgress    int64          `db:"in_progress_count" json:"in_progress" yaml:"in_progress"`
	Done          int64          `db:"done_count" json:"done" yaml:"done"`
	Issue         int64          `db:"issue_count" json:"issue" yaml:"issue"`
	BoardsUpdated int64          `db:"boards_updated" json:"boards_updated" yaml:"boards_updated"`
	Comments      int64          `db:"comments_count" json:"comments" yaml:"comments"`
	LastStatus    sql.NullString `db:"last_ts" json:"-" yaml:"-"`
	LastHistory   sql.NullString `db:"last_hist" json:"-" yaml:"-"`
	LastActivity  string         `db:"-" json:"last_activity,omitempty" yaml:"last_activity,omitempty"`
}

// Activity lists every shared user with their counts in this tenant,
// ordered by sortKey (empty means done).
func (ts *TaskStore) Activity(ctx context.Context, sortKey string) ([]UserActivity, error) {
	if sortKey == "" {
		sortKey = SortDone
	}
	less, ok := activityOrder[sortKey]
	if !ok {
		return nil, fmt.Errorf("invalid sort %q (want one of %s)", sortKey, strings.Join(ActivitySorts, ", "))
	}

	var users []UserActivity
	err := ts.store.withUsers(ctx, func(conn *sqlx.Conn) error {
		err := conn.SelectContext(ctx, &users, `
			SELECT u.id,
			       COALESCE(u.name, '') AS name,
			       u.line_user_id,
			       COALESCE(SUM(CASE WHEN ts.status = 'in_progress' THEN 1 ELSE 0 END), 0) AS in_progress_count,
			       COALESCE(SUM(CASE WHEN ts.status = 'done' THEN 1 ELSE 0 END), 0) AS done_count,
			       COALESCE(SUM(CASE WHEN ts.status = 'issue' THEN 1 ELSE 0 END), 0) AS issue_count,
			       COUNT(DISTINCT ts.board_code) AS boards_updated,
			       (SELECT COUNT(*) FROM status_history c
			        WHERE c.user_id = u.id AND c.note IS NOT NULL AND TRIM(c.note) <> '') AS comments_count,
			       (SELECT MAX(x.updated_at) FROM task_status x WHERE x.updated_by = u.id) AS last_ts,
			       (SELECT MAX(y.created_at) FROM status_history y WHERE y.user_id = u.id) AS last_hist
			FROM users.users u
			LEFT JOIN task_status ts ON ts.updated_by = u.id
			GROUP BY u.id, u.name, u.line_user_id
		`)
		if err != nil {
			return fmt.Errorf("failed to list user activity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range users {
		u := &users[i]
		u.LastActivity = u.LastStatus.String
		if u.LastHistory.String > u.LastActivity {
			u.LastActivity = u.LastHistory.String
		}
	}
	sort.SliceStable(users, func(i, j int) bool { return less(&users[i], &users[j]) })
	return users, nil
}

// activityOrder compares two users for each sort key; counts descend and
// names break ties case-insensitively.
var activityOrder = map[string]func(a, b *UserActivity) bool{
	SortDone: func(a, b *UserActivity) bool {
		return byCounts(a, b, a.Done-b.Done, a.InProgress-b.InProgress, a.Issue-b.Issue)
	},
	SortInProgress: func(a, b *UserActivity) bool {
		return byCounts(a, b, a.InProgress-b.InProgress, a.Done-b.Done, a.Issue-b.Issue)
	},
	SortIssue: func(a, b *UserActivity) bool {
		return byCounts(a, b, a.Issue-b.Issue, a.Done-b.Done, a.InProgress-b.InProgress)
	},
	SortBoards: func(a, b *UserActivity) bool {
		return byCounts(a, b, a.BoardsUpdated-b.BoardsUpdated, a.Done-b.Done)
	},
	SortName: func(a, b *UserActivity) bool {
		return byCounts(a, b)
	},
	SortLast: func(a, b *UserActivity) bool {
		// users without activity go last
		if a.LastActivity != b.LastActivity {
			if a.LastActivity == "" || b.LastActivity == "" {
				return b.LastActivity == ""
			}
			return a.LastActivity > b.LastActivity
		}
		return byCounts(a, b)
	},
}

func byCounts(a, b *UserActivity, diffs ...int64) bool {
	for _, d := range diffs {
		if d != 0 {
			return d > 0
		}
	}
	return strings.ToLower(a.Name) < strings.ToLower(b.Name)
}
