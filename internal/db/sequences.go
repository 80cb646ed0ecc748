package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SequenceSpec names an AUTOINCREMENT table whose sqlite_sequence row must
// never fall below its largest id, otherwise surrogate ids could be reused.
type SequenceSpec struct {
	Table    string
	IDColumn string
}

// SequenceDrift captures drift between sqlite_sequence and the max existing ID.
type SequenceDrift struct {
	Table    string `json:"table" yaml:"table"`
	MaxID    int64  `json:"max_id" yaml:"max_id"`
	SeqValue int64  `json:"seq_value" yaml:"seq_value"`
}

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UsersSequence is the shared identity store's id sequence.
func UsersSequence() []SequenceSpec {
	return []SequenceSpec{{Table: "users", IDColumn: "id"}}
}

// HistorySequence is the tenant store's status history id sequence.
func HistorySequence() []SequenceSpec {
	return []SequenceSpec{{Table: "status_history", IDColumn: "id"}}
}

// SequenceDrifts returns any sequences whose sqlite_sequence value is below the max existing ID.
func SequenceDrifts(ctx context.Context, exec sqlExecutor, specs []SequenceSpec) ([]SequenceDrift, error) {
	drifts := []SequenceDrift{}

	for _, spec := range specs {
		if err := validIdent(spec.Table); err != nil {
			return nil, err
		}
		if err := validIdent(spec.IDColumn); err != nil {
			return nil, err
		}

		var maxID int64
		query := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", spec.IDColumn, spec.Table)
		if err := exec.QueryRowContext(ctx, query).Scan(&maxID); err != nil {
			return nil, fmt.Errorf("failed to compute max ID for %s: %w", spec.Table, err)
		}

		seqValue, err := currentSequence(ctx, exec, spec.Table)
		if err != nil {
			return nil, fmt.Errorf("failed to read sqlite_sequence for %s: %w", spec.Table, err)
		}

		if seqValue < maxID {
			drifts = append(drifts, SequenceDrift{
				Table:    spec.Table,
				MaxID:    maxID,
				SeqValue: seqValue,
			})
		}
	}

	return drifts, nil
}

// FixSequenceDrifts updates sqlite_sequence to match the max existing IDs.
// Returns the list of sequences that were updated.
func FixSequenceDrifts(ctx context.Context, exec sqlExecutor, specs []SequenceSpec) ([]SequenceDrift, error) {
	drifts, err := SequenceDrifts(ctx, exec, specs)
	if err != nil {
		return nil, err
	}

	for _, drift := range drifts {
		if err := setSequence(ctx, exec, drift.Table, drift.MaxID); err != nil {
			return nil, fmt.Errorf("failed to update sqlite_sequence for %s: %w", drift.Table, err)
		}
	}

	return drifts, nil
}

func currentSequence(ctx context.Context, exec sqlExecutor, table string) (int64, error) {
	var seq sql.NullInt64
	err := exec.QueryRowContext(ctx, "SELECT seq FROM sqlite_sequence WHERE name = ?", table).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

func setSequence(ctx context.Context, exec sqlExecutor, table string, value int64) error {
	res, err := exec.ExecContext(ctx, "UPDATE sqlite_sequence SET seq = ? WHERE name = ?", value, table)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	_, err = exec.ExecContext(ctx, "INSERT INTO sqlite_sequence (name, seq) VALUES (?, ?)", table, value)
	return err
}
