package boards

import (
	"context"
	"errors"
	"fmt"

	"github.com/lherron/boardtasks/internal/db"
)

// Limits applied by Query.
const (
	DefaultQueryLimit = 10000
	MaxQueryLimit     = 1000000
)

// BBox is an inclusive latitude/longitude rectangle.
type BBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

// Valid reports whether the box is ordered and on the globe.
func (b BBox) Valid() bool {
	return b.MinLat <= b.MaxLat && b.MinLon <= b.MaxLon &&
		b.MinLat >= -90 && b.MaxLat <= 90 && b.MinLon >= -180 && b.MaxLon <= 180
}

// Filter selects boards for a listing. A nil BBox lists every board; with a
// box, boards without coordinates are left out. Limit outside
// (0, MaxQueryLimit] means DefaultQueryLimit.
type Filter struct {
	BBox  *BBox
	Limit int
}

// Listing is a board with its task state.
type Listing struct {
	Board           `yaml:",inline"`
	Status          string `db:"task_status" json:"status" yaml:"status"`
	UpdatedByLineID string `db:"updated_by_line_id" json:"updated_by_line_id,omitempty" yaml:"updated_by_line_id,omitempty"`
	HasComment      bool   `db:"has_comment" json:"has_comment" yaml:"has_comment"`
}

// Query lists boards ordered by code. The tenant task store at
// tasksPath supplies each board's status and the shared users store at
// sharedPath the updater's line id; either may be missing, in which case
// boards are reported as pending or without an updater.
func Query(ctx context.Context, database *db.DB, tasksPath, sharedPath string, q Filter) ([]Listing, error) {
	if q.BBox != nil && !q.BBox.Valid() {
		return nil, fmt.Errorf("invalid bounding box %+v", *q.BBox)
	}
	limit := q.Limit
	if limit <= 0 || limit > MaxQueryLimit {
		limit = DefaultQueryLimit
	}

	sess, err := database.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	withTasks, err := attachOptional(ctx, sess, tasksPath, "tasks")
	if err != nil {
		return nil, err
	}
	withUsers := false
	if withTasks {
		if withUsers, err = attachOptional(ctx, sess, sharedPath, "users"); err != nil {
			return nil, err
		}
	}

	selectStatus := "'pending' AS task_status, '' AS updated_by_line_id, 0 AS has_comment"
	join := ""
	if withTasks {
		selectStatus = `COALESCE(ts.status, 'pending') AS task_status, '' AS updated_by_line_id,
			CASE WHEN ts.last_comment IS NOT NULL AND ts.last_comment <> '' THEN 1 ELSE 0 END AS has_comment`
		join = "LEFT JOIN tasks.task_status ts ON ts.board_code = b.code"
	}
	if withUsers {
		selectStatus = `COALESCE(ts.status, 'pending') AS task_status, COALESCE(u.line_user_id, '') AS updated_by_line_id,
			CASE WHEN ts.last_comment IS NOT NULL AND ts.last_comment <> '' THEN 1 ELSE 0 END AS has_comment`
		join += " LEFT JOIN users.users u ON u.id = ts.updated_by"
	}

	where := ""
	args := []any{}
	if b := q.BBox; b != nil {
		where = "WHERE b.lat BETWEEN ? AND ? AND b.lon BETWEEN ? AND ?"
		args = append(args, b.MinLat, b.MaxLat, b.MinLon, b.MaxLon)
	}
	args = append(args, limit)

	var listings []Listing
	err = sess.Conn().SelectContext(ctx, &listings, `
		SELECT b.code, b.address, COALESCE(b.place, '') AS place, b.lat, b.lon, `+selectStatus+`
		FROM main.boards b `+join+`
		`+where+`
		ORDER BY b.code
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query boards: %w", err)
	}
	return listings, nil
}

func attachOptional(ctx context.Context, sess *db.Session, path, alias string) (bool, error) {
	if path == "" {
		return false, nil
	}
	err := sess.Attach(ctx, path, alias)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
