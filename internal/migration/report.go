package migration

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/identity"
	"github.com/lherron/boardtasks/internal/remap"
	"github.com/mattn/go-sqlite3"
)

// State is a tenant's position in the migration pipeline.
type State string

const (
	StatePending  State = "PENDING"
	StateMerged   State = "MERGED"
	StateBackedUp State = "BACKED_UP"
	StateRemapped State = "REMAPPED"
	StateDone     State = "DONE"
	StateFailed   State = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// StageError is a tenant failure while moving to Stage.
type StageError struct {
	Slug  string
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("tenant %s: %s stage: %v", e.Slug, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// TenantResult is one tenant's outcome.
type TenantResult struct {
	Slug  string `json:"slug" yaml:"slug"`
	State State  `json:"state" yaml:"state"`
	// FailedStage is the stage that was being entered when the tenant failed.
	FailedStage State  `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
	// Busy is set when the failure was SQLite lock contention.
	Busy bool `json:"busy,omitempty" yaml:"busy,omitempty"`

	Merge        identity.Result `json:"merge" yaml:"merge"`
	Remap        remap.Result    `json:"remap" yaml:"remap"`
	RemapSkipped bool            `json:"remap_skipped,omitempty" yaml:"remap_skipped,omitempty"`
	Resumed      bool            `json:"resumed,omitempty" yaml:"resumed,omitempty"`
	BackupPath   string          `json:"backup_path,omitempty" yaml:"backup_path,omitempty"`

	err *StageError
}

// Err returns the tenant's failure, or nil.
func (r *TenantResult) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

func (r *TenantResult) advance(to State) {
	r.State = to
}

func (r *TenantResult) fail(stage State, err error) *StageError {
	se := &StageError{Slug: r.Slug, Stage: stage, Err: err}
	r.State = StateFailed
	r.FailedStage = stage
	r.Error = err.Error()
	r.Busy = isBusy(err)
	r.err = se
	return se
}

// Report summarizes a migration run.
type Report struct {
	RunID         string             `json:"run_id" yaml:"run_id"`
	StartedAt     time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt    time.Time          `json:"finished_at" yaml:"finished_at"`
	SharedStore   string             `json:"shared_store" yaml:"shared_store"`
	MergeOnly     bool               `json:"merge_only,omitempty" yaml:"merge_only,omitempty"`
	Tenants       []*TenantResult    `json:"tenants" yaml:"tenants"`
	TotalUsers    int64              `json:"total_users" yaml:"total_users"`
	SequenceFixes []db.SequenceDrift `json:"sequence_fixes,omitempty" yaml:"sequence_fixes,omitempty"`
	Warnings      []string           `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Failed returns the tenants that ended in FAILED.
func (r *Report) Failed() []*TenantResult {
	var failed []*TenantResult
	for _, t := range r.Tenants {
		if t.State == StateFailed {
			failed = append(failed, t)
		}
	}
	return failed
}

// UsersMerged is the number of users added to the shared store by this run.
func (r *Report) UsersMerged() int64 {
	var n int64
	for _, t := range r.Tenants {
		n += t.Merge.Migrated
	}
	return n
}

// Table renders one row per tenant.
func (r *Report) Table() ([]string, [][]string) {
	headers := []string{"SLUG", "STATE", "USERS", "STATUSES", "HISTORY", "UNRESOLVED", "NOTE"}
	rows := make([][]string, 0, len(r.Tenants))
	for _, t := range r.Tenants {
		state := string(t.State)
		if t.State == StateFailed {
			state = fmt.Sprintf("%s(%s)", t.State, t.FailedStage)
		}
		rows = append(rows, []string{
			t.Slug,
			state,
			fmt.Sprintf("%d/%d", t.Merge.Migrated, t.Merge.Seen),
			strconv.FormatInt(t.Remap.Statuses, 10),
			strconv.FormatInt(t.Remap.History, 10),
			strconv.FormatInt(t.Remap.StatusUnresolved+t.Remap.HistoryUnresolved, 10),
			t.note(),
		})
	}
	return headers, rows
}

func (t *TenantResult) note() string {
	switch {
	case t.Error != "" && t.Busy:
		return "database busy: " + t.Error
	case t.Error != "":
		return t.Error
	case t.Resumed:
		return "resumed from backup"
	case t.RemapSkipped:
		return "no previous store, created empty"
	case t.Merge.Skipped:
		return "merge skipped: " + t.Merge.SkipReason
	}
	return ""
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
