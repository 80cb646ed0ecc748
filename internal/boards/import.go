package boards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/lherron/boardtasks/internal/db"
)

// ErrBoardNotFound is returned by SetCoords for an unknown board code.
var ErrBoardNotFound = errors.New("board not found")

// Import inserts boards into an empty boards store in one transaction and
// returns the number of rows written.
func Import(ctx context.Context, database *db.DB, boards []Board) (int64, error) {
	tx, err := database.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO boards (code, address, place, lat, lon)
		VALUES (:code, :address, :place, :lat, :lon)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare board insert: %w", err)
	}
	defer stmt.Close()

	var n int64
	for _, b := range boards {
		if _, err := stmt.ExecContext(ctx, b); err != nil {
			return 0, fmt.Errorf("failed to insert board %s: %w", b.Code, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit boards: %w", err)
	}
	return n, nil
}

// SetCoords moves a board to lat/lon.
func SetCoords(ctx context.Context, database *db.DB, code string, lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("invalid coordinates %f,%f", lat, lon)
	}
	res, err := database.ExecContext(ctx, "UPDATE boards SET lat = ?, lon = ? WHERE code = ?", lat, lon, NormalizeCode(code))
	if err != nil {
		return fmt.Errorf("failed to set coordinates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set coordinates: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrBoardNotFound, code)
	}
	return nil
}

// Get returns a board by code.
func Get(ctx context.Context, database *db.DB, code string) (*Board, error) {
	var b Board
	err := database.GetContext(ctx, &b,
		"SELECT code, address, COALESCE(place, '') AS place, lat, lon FROM boards WHERE code = ?", NormalizeCode(code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBoardNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get board %s: %w", code, err)
	}
	return &b, nil
}
