package migration_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/layout"
	"github.com/lherron/boardtasks/internal/migration"
	"github.com/lherron/boardtasks/internal/scratch"
	"github.com/lherron/boardtasks/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 7, 20, 6, 0, 0, 0, time.UTC)

func newOrchestrator(t *testing.T, l layout.Layout, opts migration.Options) *migration.Orchestrator {
	logger := testutil.Logger(t)
	if opts.Clock == nil {
		opts.Clock = testclock.NewClock(epoch)
	}
	return migration.New(l, scratch.NewManager(logger), logger, opts)
}

func alphaLegacy() testutil.Legacy {
	return testutil.Legacy{
		Users: []testutil.LegacyUser{{ID: 1, LineUserID: "u1", Name: "Alice"}, {ID: 2, LineUserID: "u2", Name: "Bob"}},
		Statuses: []testutil.LegacyStatus{
			{BoardCode: "B001", Status: "done", UpdatedBy: testutil.ID(1)},
			{BoardCode: "B002", Status: "in_progress", UpdatedBy: testutil.ID(2)},
		},
		History: []testutil.LegacyHistory{
			{BoardCode: "B001", UserID: testutil.ID(1), NewStatus: "done", CreatedAt: "2025-07-01 09:00:00"},
			{BoardCode: "B002", UserID: testutil.ID(99), NewStatus: "in_progress", CreatedAt: "2025-07-02 09:00:00"},
		},
	}
}

func betaLegacy() testutil.Legacy {
	return testutil.Legacy{
		Users:    []testutil.LegacyUser{{ID: 1, LineUserID: "u2", Name: "Bob-dup-name"}, {ID: 2, LineUserID: "u3", Name: "Carol"}},
		Statuses: []testutil.LegacyStatus{{BoardCode: "K-1", Status: "issue", UpdatedBy: testutil.ID(2)}},
		History: []testutil.LegacyHistory{
			{BoardCode: "K-1", UserID: testutil.ID(2), NewStatus: "issue", CreatedAt: "2025-07-03 09:00:00"},
		},
	}
}

func tenantByName(t *testing.T, r *migration.Report, slug string) *migration.TenantResult {
	for _, tr := range r.Tenants {
		if tr.Slug == slug {
			return tr
		}
	}
	t.Fatalf("tenant %s missing from report", slug)
	return nil
}

func updatedBy(t *testing.T, path, code string) sql.NullInt64 {
	store := testutil.OpenStore(t, path)
	var id sql.NullInt64
	require.NoError(t, store.Get(&id, "SELECT updated_by FROM task_status WHERE board_code = ?", code))
	require.NoError(t, store.Close())
	return id
}

func sharedID(t *testing.T, shared *db.DB, lineUserID string) int64 {
	var id int64
	require.NoError(t, shared.Get(&id, "SELECT id FROM users WHERE line_user_id = ?", lineUserID))
	return id
}

func TestRunMigratesAllTenants(t *testing.T) {
	l := testutil.TempLayout(t)
	shared := testutil.SharedStore(t, l, "someone-else")
	testutil.WriteLegacyTenant(t, l.TenantStore("alpha"), alphaLegacy())
	testutil.WriteLegacyTenant(t, l.TenantStore("beta"), betaLegacy())

	report, err := newOrchestrator(t, l, migration.Options{}).Run(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, epoch, report.StartedAt)
	assert.Empty(t, report.Failed())
	assert.Equal(t, int64(4), report.TotalUsers)
	assert.Equal(t, int64(3), report.UsersMerged())

	alpha := tenantByName(t, report, "alpha")
	assert.Equal(t, migration.StateDone, alpha.State)
	assert.Equal(t, int64(2), alpha.Merge.Migrated)
	assert.Equal(t, int64(2), alpha.Remap.Statuses)
	assert.Equal(t, int64(2), alpha.Remap.History)
	assert.Equal(t, int64(1), alpha.Remap.HistoryUnresolved)
	assert.Equal(t, l.Backup("alpha"), alpha.BackupPath)

	beta := tenantByName(t, report, "beta")
	assert.Equal(t, migration.StateDone, beta.State)
	assert.Equal(t, int64(1), beta.Merge.Migrated)

	var bob string
	require.NoError(t, shared.Get(&bob, "SELECT name FROM users WHERE line_user_id = 'u2'"))
	assert.Equal(t, "Bob", bob)

	assert.Equal(t, sharedID(t, shared, "u1"), updatedBy(t, l.TenantStore("alpha"), "B001").Int64)
	assert.Equal(t, sharedID(t, shared, "u3"), updatedBy(t, l.TenantStore("beta"), "K-1").Int64)

	for _, slug := range []string{"alpha", "beta"} {
		ok, err := layout.Exists(l.Backup(slug))
		require.NoError(t, err)
		assert.True(t, ok, "backup for %s must be kept", slug)

		ok, err = layout.Exists(l.PendingMarker(slug))
		require.NoError(t, err)
		assert.False(t, ok, "pending marker for %s must be cleared", slug)

		store := testutil.OpenStore(t, l.TenantStore(slug))
		hasUsers, err := store.HasTable(context.Background(), "users")
		require.NoError(t, err)
		assert.False(t, hasUsers, "rebuilt store for %s must not carry users", slug)
	}
}

func TestRunIsolatesTenantFailures(t *testing.T) {
	l := testutil.TempLayout(t)
	testutil.SharedStore(t, l)

	broken := l.TenantStore("alpha")
	require.NoError(t, os.MkdirAll(filepath.Dir(broken), 0755))
	garbage := []byte("definitely not a sqlite database; the header check rejects this file")
	require.NoError(t, os.WriteFile(broken, garbage, 0644))
	testutil.WriteLegacyTenant(t, l.TenantStore("beta"), betaLegacy())

	report, err := newOrchestrator(t, l, migration.Options{}).Run(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)

	alpha := tenantByName(t, report, "alpha")
	assert.Equal(t, migration.StateFailed, alpha.State)
	assert.Equal(t, migration.StateMerged, alpha.FailedStage)
	assert.NotEmpty(t, alpha.Error)

	var se *migration.StageError
	require.ErrorAs(t, alpha.Err(), &se)
	assert.Equal(t, "alpha", se.Slug)

	beta := tenantByName(t, report, "beta")
	assert.Equal(t, migration.StateDone, beta.State)
	assert.Len(t, report.Failed(), 1)

	// A tenant that failed to merge is not rebuilt.
	content, err := os.ReadFile(broken)
	require.NoError(t, err)
	assert.Equal(t, garbage, content)
	ok, err := layout.Exists(l.Backup("alpha"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunRequiresSharedStore(t *testing.T) {
	l := testutil.TempLayout(t)
	testutil.WriteLegacyTenant(t, l.TenantStore("alpha"), alphaLegacy())

	_, err := newOrchestrator(t, l, migration.Options{}).Run(context.Background(), []string{"alpha"})
	require.ErrorIs(t, err, migration.ErrSharedStoreMissing)

	ok, err := layout.Exists(l.Backup("alpha"))
	require.NoError(t, err)
	assert.False(t, ok, "nothing may be touched without the shared store")
}

func TestRunRejectsInvalidSlugs(t *testing.T) {
	l := testutil.TempLayout(t)
	testutil.SharedStore(t, l)

	_, err := newOrchestrator(t, l, migration.Options{}).Run(context.Background(), []string{"../etc"})
	require.Error(t, err)
}

func TestRunCreatesEmptyStoreForNewTenant(t *testing.T) {
	l := testutil.TempLayout(t)
	testutil.SharedStore(t, l)

	report, err := newOrchestrator(t, l, migration.Options{}).Run(context.Background(), []string{"gamma"})
	require.NoError(t, err)

	gamma := tenantByName(t, report, "gamma")
	assert.Equal(t, migration.StateDone, gamma.State)
	assert.True(t, gamma.Merge.Skipped)
	assert.True(t, gamma.RemapSkipped)
	assert.Empty(t, gamma.BackupPath)

	store := testutil.OpenStore(t, l.TenantStore("gamma"))
	ok, err := store.HasTable(context.Background(), "status_history")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunResumesInterruptedRebuild(t *testing.T) {
	l := testutil.TempLayout(t)
	shared := testutil.SharedStore(t, l)

	// Previous run renamed the store aside and died part way through remap.
	testutil.WriteLegacyTenant(t, l.Backup("alpha"), alphaLegacy())
	partial := testutil.NewStore(t, l.TenantStore("alpha"), db.SchemaTasks)
	_, err := partial.Exec("INSERT INTO task_status (board_code, status) VALUES ('B001', 'pending')")
	require.NoError(t, err)
	require.NoError(t, partial.Close())
	require.NoError(t, os.WriteFile(l.PendingMarker("alpha"), []byte("alpha\n"), 0644))

	report, err := newOrchestrator(t, l, migration.Options{}).Run(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	alpha := tenantByName(t, report, "alpha")
	assert.Equal(t, migration.StateDone, alpha.State)
	assert.True(t, alpha.Resumed)
	assert.Equal(t, int64(2), alpha.Merge.Migrated, "users are merged from the backup")
	assert.Equal(t, int64(2), alpha.Remap.Statuses)
	assert.Equal(t, int64(2), alpha.Remap.History)

	store := testutil.OpenStore(t, l.TenantStore("alpha"))
	var status string
	require.NoError(t, store.Get(&status, "SELECT status FROM task_status WHERE board_code = 'B001'"))
	assert.Equal(t, "done", status)
	assert.Equal(t, sharedID(t, shared, "u1"), updatedBy(t, l.TenantStore("alpha"), "B001").Int64)
}

func TestRunReplacesStaleBackup(t *testing.T) {
	l := testutil.TempLayout(t)
	shared := testutil.SharedStore(t, l)

	// A backup left by an earlier aborted run, with no pending marker and the
	// live store still in place.
	testutil.WriteLegacyTenant(t, l.Backup("alpha"), testutil.Legacy{
		Users:    []testutil.LegacyUser{{ID: 1, LineUserID: "u-stale", Name: "Stale"}},
		Statuses: []testutil.LegacyStatus{{BoardCode: "STALE-1", Status: "done", UpdatedBy: testutil.ID(1)}},
		History:  []testutil.LegacyHistory{{BoardCode: "STALE-1", UserID: testutil.ID(1), NewStatus: "done", CreatedAt: "2025-06-01 09:00:00"}},
	})
	testutil.WriteLegacyTenant(t, l.TenantStore("alpha"), alphaLegacy())

	report, err := newOrchestrator(t, l, migration.Options{}).Run(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	alpha := tenantByName(t, report, "alpha")
	assert.Equal(t, migration.StateDone, alpha.State)
	assert.False(t, alpha.Resumed)
	assert.Equal(t, int64(2), alpha.Remap.Statuses)
	assert.Equal(t, int64(2), alpha.Remap.History)

	store := testutil.OpenStore(t, l.TenantStore("alpha"))
	var stale int
	require.NoError(t, store.Get(&stale,
		"SELECT (SELECT COUNT(*) FROM task_status WHERE board_code = 'STALE-1') + (SELECT COUNT(*) FROM status_history WHERE board_code = 'STALE-1')"))
	assert.Zero(t, stale, "stale backup rows must not be replayed")

	backup := testutil.OpenStore(t, l.Backup("alpha"))
	var lineUserIDs []string
	require.NoError(t, backup.Select(&lineUserIDs, "SELECT line_user_id FROM users ORDER BY id"))
	assert.Equal(t, []string{"u1", "u2"}, lineUserIDs, "backup holds the live store from this run")

	var sharedStale int
	require.NoError(t, shared.Get(&sharedStale, "SELECT COUNT(*) FROM users WHERE line_user_id = 'u-stale'"))
	assert.Zero(t, sharedStale)
	assert.NoFileExists(t, l.PendingMarker("alpha"))
}

func TestRunTwiceKeepsTranslatedActors(t *testing.T) {
	l := testutil.TempLayout(t)
	shared := testutil.SharedStore(t, l, "someone-else")
	testutil.WriteLegacyTenant(t, l.TenantStore("alpha"), alphaLegacy())
	o := newOrchestrator(t, l, migration.Options{})

	_, err := o.Run(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	second, err := o.Run(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	alpha := tenantByName(t, second, "alpha")
	assert.Equal(t, migration.StateDone, alpha.State)
	assert.True(t, alpha.Merge.Skipped)
	assert.Zero(t, second.UsersMerged())
	assert.Equal(t, int64(2), alpha.Remap.History)

	assert.Equal(t, sharedID(t, shared, "u1"), updatedBy(t, l.TenantStore("alpha"), "B001").Int64)
}

func TestRunMissingTenantSchemaLeavesStoreInPlace(t *testing.T) {
	l := testutil.TempLayout(t)
	testutil.SharedStore(t, l)
	testutil.WriteLegacyTenant(t, l.TenantStore("alpha"), alphaLegacy())

	report, err := newOrchestrator(t, l, migration.Options{SchemaDir: t.TempDir()}).
		Run(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	alpha := tenantByName(t, report, "alpha")
	assert.Equal(t, migration.StateFailed, alpha.State)
	assert.Equal(t, migration.StateBackedUp, alpha.FailedStage)
	require.ErrorIs(t, alpha.Err(), db.ErrSchemaMissing)

	ok, err := layout.Exists(l.Backup("alpha"))
	require.NoError(t, err)
	assert.False(t, ok, "live store must not be moved aside without a schema to rebuild it")
}

func TestMergeUsersLeavesTenantStores(t *testing.T) {
	l := testutil.TempLayout(t)
	testutil.SharedStore(t, l)
	testutil.WriteLegacyTenant(t, l.TenantStore("alpha"), alphaLegacy())

	report, err := newOrchestrator(t, l, migration.Options{}).MergeUsers(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	assert.True(t, report.MergeOnly)
	alpha := tenantByName(t, report, "alpha")
	assert.Equal(t, migration.StateMerged, alpha.State)
	assert.Equal(t, int64(2), report.TotalUsers)

	ok, err := layout.Exists(l.Backup("alpha"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPlanDoesNotWrite(t *testing.T) {
	l := testutil.TempLayout(t)
	testutil.SharedStore(t, l, "u1")
	testutil.WriteLegacyTenant(t, l.TenantStore("alpha"), alphaLegacy())

	plan, err := newOrchestrator(t, l, migration.Options{}).Plan(context.Background(), []string{"alpha", "gamma"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), plan.SharedUsers)
	require.Len(t, plan.Tenants, 2)
	alpha := plan.Tenants[0]
	assert.Equal(t, migration.ActionRebuild, alpha.Action)
	assert.Equal(t, int64(2), alpha.LegacyUsers)
	assert.Equal(t, int64(2), alpha.Statuses)
	assert.Equal(t, int64(2), alpha.History)
	assert.Empty(t, alpha.Error)
	assert.Equal(t, migration.ActionCreate, plan.Tenants[1].Action)

	_, err = os.Stat(l.TenantDir("gamma"))
	assert.True(t, os.IsNotExist(err), "plan must not create tenant directories")
	ok, err := layout.Exists(l.Backup("alpha"))
	require.NoError(t, err)
	assert.False(t, ok)
}
