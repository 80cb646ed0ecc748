// Package migration moves every tenant onto the shared users store: legacy
// users are merged first, then each tenant store is set aside as a backup,
// recreated from the current schema and refilled with translated actor ids.
package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/identity"
	"github.com/lherron/boardtasks/internal/layout"
	"github.com/lherron/boardtasks/internal/remap"
	"github.com/lherron/boardtasks/internal/scratch"
	"github.com/rs/zerolog"
)

// ErrSharedStoreMissing is returned when the shared users store does not
// exist. Nothing is attempted without it.
var ErrSharedStoreMissing = errors.New("shared users store not found")

// Options configures an Orchestrator.
type Options struct {
	// SchemaDir overrides the embedded schemas when set.
	SchemaDir   string
	BusyTimeout time.Duration
	// Clock stamps the report; defaults to the wall clock.
	Clock clock.Clock
}

// Orchestrator runs the per-tenant migration pipeline.
type Orchestrator struct {
	layout  layout.Layout
	opts    Options
	scratch *scratch.Manager
	logger  zerolog.Logger
}

// New returns an Orchestrator over the stores in l.
func New(l layout.Layout, sc *scratch.Manager, logger zerolog.Logger, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Orchestrator{layout: l, opts: opts, scratch: sc, logger: logger}
}

// Run migrates slugs in order. Tenant failures are recorded in the report
// and never stop other tenants; only invalid slugs and a missing shared
// store return an error.
func (o *Orchestrator) Run(ctx context.Context, slugs []string) (*Report, error) {
	return o.run(ctx, slugs, false)
}

// MergeUsers runs only the identity merge for slugs, leaving tenant stores
// untouched.
func (o *Orchestrator) MergeUsers(ctx context.Context, slugs []string) (*Report, error) {
	return o.run(ctx, slugs, true)
}

func (o *Orchestrator) run(ctx context.Context, slugs []string, mergeOnly bool) (*Report, error) {
	if err := layout.ValidateSlugs(slugs); err != nil {
		return nil, err
	}

	sharedPath := o.layout.SharedStore()
	shared, err := db.OpenExisting(sharedPath, o.opts.BusyTimeout)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s (run boardsadm init-users first)", ErrSharedStoreMissing, sharedPath)
		}
		return nil, err
	}
	defer shared.Close()

	report := &Report{
		RunID:       uuid.NewString(),
		StartedAt:   o.opts.Clock.Now().UTC(),
		SharedStore: sharedPath,
		MergeOnly:   mergeOnly,
	}
	log := o.logger.With().Str("run_id", report.RunID).Logger()
	log.Info().Strs("tenants", slugs).Bool("merge_only", mergeOnly).Msg("starting user migration")

	for _, slug := range slugs {
		report.Tenants = append(report.Tenants, &TenantResult{Slug: slug, State: StatePending})
	}

	merger := identity.NewMerger(shared, o.scratch, log)
	for _, t := range report.Tenants {
		src, err := o.inspect(t.Slug)
		if err != nil {
			o.logFailure(log, t.fail(StateMerged, err))
			continue
		}
		res, err := merger.Merge(ctx, t.Slug, src.mergeSource())
		if err != nil {
			o.logFailure(log, t.fail(StateMerged, err))
			continue
		}
		t.Merge = res
		t.advance(StateMerged)
	}

	fixes, err := db.FixSequenceDrifts(ctx, shared, db.UsersSequence())
	if err != nil {
		log.Warn().Err(err).Msg("failed to check users id sequence")
		report.Warnings = append(report.Warnings, fmt.Sprintf("users id sequence check failed: %v", err))
	}
	for _, fix := range fixes {
		log.Warn().Str("table", fix.Table).Int64("max_id", fix.MaxID).Int64("seq", fix.SeqValue).Msg("raised id sequence to max id")
	}
	report.SequenceFixes = fixes

	if !mergeOnly {
		remapper := remap.NewRemapper(o.scratch, log)
		for _, t := range report.Tenants {
			if t.State == StateFailed {
				continue
			}
			if se := o.rebuild(ctx, t, sharedPath, remapper, log); se != nil {
				o.logFailure(log, se)
			}
		}
	}

	if report.TotalUsers, err = shared.Count(ctx, "users"); err != nil {
		log.Warn().Err(err).Msg("failed to count shared users")
		report.Warnings = append(report.Warnings, fmt.Sprintf("shared user count unavailable: %v", err))
	}
	report.FinishedAt = o.opts.Clock.Now().UTC()

	log.Info().
		Int64("users_merged", report.UsersMerged()).
		Int64("total_users", report.TotalUsers).
		Int("failed", len(report.Failed())).
		Msg("user migration finished")
	return report, nil
}

func (o *Orchestrator) logFailure(log zerolog.Logger, se *StageError) {
	log.Error().
		Err(se.Err).
		Str("tenant", se.Slug).
		Str("stage", string(se.Stage)).
		Bool("busy", isBusy(se.Err)).
		Msg("tenant migration failed")
}

// rebuild takes a merged tenant through BACKED_UP, REMAPPED and DONE.
func (o *Orchestrator) rebuild(ctx context.Context, t *TenantResult, sharedPath string, remapper *remap.Remapper, log zerolog.Logger) *StageError {
	log = log.With().Str("tenant", t.Slug).Logger()

	fresh, hasBackup, err := o.backup(ctx, t, log)
	if err != nil {
		return t.fail(StateBackedUp, err)
	}
	defer fresh.Close()
	t.advance(StateBackedUp)

	if hasBackup {
		res, err := remapper.Remap(ctx, t.Slug, t.BackupPath, sharedPath, fresh)
		if err != nil {
			return t.fail(StateRemapped, err)
		}
		t.Remap = res
	} else {
		t.RemapSkipped = true
		log.Info().Msg("no previous tenant store, created empty store")
	}
	t.advance(StateRemapped)

	if err := fresh.Close(); err != nil {
		return t.fail(StateDone, fmt.Errorf("failed to close tenant store: %w", err))
	}
	if err := o.scratch.Remove(o.layout.PendingMarker(t.Slug)); err != nil {
		return t.fail(StateDone, err)
	}
	t.advance(StateDone)
	return nil
}

// backup sets the live tenant store aside and creates a fresh one from the
// tenant schema. A pending marker left by an interrupted run means the
// existing backup is the real pre-migration data, so it is reused and the
// partial live store discarded.
func (o *Orchestrator) backup(ctx context.Context, t *TenantResult, log zerolog.Logger) (*db.DB, bool, error) {
	script, err := db.LoadSchema(db.SchemaTasks, o.opts.SchemaDir)
	if err != nil {
		return nil, false, err
	}

	src, err := o.inspect(t.Slug)
	if err != nil {
		return nil, false, err
	}
	live, backup, marker := src.live, src.backup, src.marker

	hasBackup := true
	switch {
	case src.resume():
		log.Warn().Str("backup", backup).Msg("resuming interrupted rebuild from existing backup")
		t.Resumed = true
		if err := writeMarker(marker, t.Slug); err != nil {
			return nil, false, err
		}
		if err := o.removeStore(live); err != nil {
			return nil, false, err
		}
	case src.liveExists:
		if err := o.removeStore(backup); err != nil {
			return nil, false, fmt.Errorf("failed to remove stale backup: %w", err)
		}
		if err := writeMarker(marker, t.Slug); err != nil {
			return nil, false, err
		}
		if err := renameStore(live, backup); err != nil {
			return nil, false, err
		}
		log.Info().Str("backup", backup).Msg("moved tenant store aside")
	default:
		hasBackup = false
	}
	if hasBackup {
		t.BackupPath = backup
	}

	fresh, err := db.Open(live, o.opts.BusyTimeout)
	if err != nil {
		return nil, false, err
	}
	if err := fresh.ApplySchema(ctx, script); err != nil {
		fresh.Close()
		return nil, false, err
	}
	return fresh, hasBackup, nil
}

// tenantFiles is the on-disk state of one tenant.
type tenantFiles struct {
	live, backup, marker string

	liveExists, backupExists, markerExists bool
}

func (o *Orchestrator) inspect(slug string) (tenantFiles, error) {
	f := tenantFiles{
		live:   o.layout.TenantStore(slug),
		backup: o.layout.Backup(slug),
		marker: o.layout.PendingMarker(slug),
	}
	var err error
	if f.liveExists, err = layout.Exists(f.live); err != nil {
		return f, err
	}
	if f.backupExists, err = layout.Exists(f.backup); err != nil {
		return f, err
	}
	if f.markerExists, err = layout.Exists(f.marker); err != nil {
		return f, err
	}
	return f, nil
}

// resume reports whether an interrupted rebuild left the pre-migration data
// in the backup.
func (f tenantFiles) resume() bool {
	return f.backupExists && (f.markerExists || !f.liveExists)
}

// mergeSource is the store holding the tenant's legacy users.
func (f tenantFiles) mergeSource() string {
	if f.resume() {
		return f.backup
	}
	return f.live
}

func writeMarker(path, slug string) error {
	if err := os.WriteFile(path, []byte(slug+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write pending marker: %w", err)
	}
	return nil
}

// removeStore deletes a database file and its sidecars.
func (o *Orchestrator) removeStore(path string) error {
	for _, p := range append([]string{path}, sidecarPaths(path)...) {
		if err := o.scratch.Remove(p); err != nil {
			return err
		}
	}
	return nil
}

// renameStore moves a database file and its write-ahead log together. The
// shared-memory index is rebuilt by SQLite and is dropped.
func renameStore(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to rename %s: %w", from, err)
	}
	if ok, _ := layout.Exists(from + "-wal"); ok {
		if err := os.Rename(from+"-wal", to+"-wal"); err != nil {
			return fmt.Errorf("failed to rename %s-wal: %w", from, err)
		}
	}
	os.Remove(from + "-shm")
	return nil
}

func sidecarPaths(path string) []string {
	paths := make([]string, 0, len(layout.Sidecars))
	for _, s := range layout.Sidecars {
		paths = append(paths, path+s)
	}
	return paths
}
