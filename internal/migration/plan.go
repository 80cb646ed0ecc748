package migration

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/layout"
)

// Planned actions for a tenant.
const (
	ActionRebuild = "merge, back up, remap"
	ActionResume  = "resume from existing backup"
	ActionCreate  = "create empty store"
)

// TenantPlan describes what Run would do for one tenant.
type TenantPlan struct {
	Slug         string `json:"slug" yaml:"slug"`
	Action       string `json:"action" yaml:"action"`
	TenantStore  string `json:"tenant_store" yaml:"tenant_store"`
	LiveExists   bool   `json:"live_exists" yaml:"live_exists"`
	BackupExists bool   `json:"backup_exists" yaml:"backup_exists"`
	Pending      bool   `json:"pending" yaml:"pending"`
	// Row counts of the store the remap would read from.
	LegacyUsers int64  `json:"legacy_users" yaml:"legacy_users"`
	Statuses    int64  `json:"statuses" yaml:"statuses"`
	History     int64  `json:"history" yaml:"history"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Plan is the dry-run view of a migration.
type Plan struct {
	SharedStore string       `json:"shared_store" yaml:"shared_store"`
	SharedUsers int64        `json:"shared_users" yaml:"shared_users"`
	Tenants     []TenantPlan `json:"tenants" yaml:"tenants"`
}

// Table renders one row per tenant.
func (p *Plan) Table() ([]string, [][]string) {
	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}
	headers := []string{"SLUG", "ACTION", "LIVE", "BACKUP", "PENDING", "USERS", "STATUSES", "HISTORY", "ERROR"}
	rows := make([][]string, 0, len(p.Tenants))
	for _, t := range p.Tenants {
		rows = append(rows, []string{
			t.Slug,
			t.Action,
			yesNo(t.LiveExists),
			yesNo(t.BackupExists),
			yesNo(t.Pending),
			strconv.FormatInt(t.LegacyUsers, 10),
			strconv.FormatInt(t.Statuses, 10),
			strconv.FormatInt(t.History, 10),
			t.Error,
		})
	}
	return headers, rows
}

// Plan inspects the stores for slugs without writing to any of them.
// Tenant stores are read through disposable copies.
func (o *Orchestrator) Plan(ctx context.Context, slugs []string) (*Plan, error) {
	if err := layout.ValidateSlugs(slugs); err != nil {
		return nil, err
	}

	sharedPath := o.layout.SharedStore()
	shared, err := db.OpenExisting(sharedPath, o.opts.BusyTimeout)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSharedStoreMissing, sharedPath)
		}
		return nil, err
	}
	defer shared.Close()

	plan := &Plan{SharedStore: sharedPath}
	if plan.SharedUsers, err = shared.Count(ctx, "users"); err != nil {
		return nil, err
	}

	for _, slug := range slugs {
		tp := TenantPlan{Slug: slug, TenantStore: o.layout.TenantStore(slug)}
		if err := o.planTenant(ctx, &tp); err != nil {
			tp.Error = err.Error()
		}
		plan.Tenants = append(plan.Tenants, tp)
	}
	return plan, nil
}

func (o *Orchestrator) planTenant(ctx context.Context, tp *TenantPlan) error {
	src, err := o.inspect(tp.Slug)
	if err != nil {
		return err
	}
	tp.LiveExists, tp.BackupExists, tp.Pending = src.liveExists, src.backupExists, src.markerExists

	switch {
	case src.resume():
		tp.Action = ActionResume
	case src.liveExists:
		tp.Action = ActionRebuild
	default:
		tp.Action = ActionCreate
		return nil
	}
	source := src.mergeSource()

	cp, err := o.scratch.Copy(source, ".temp_plan")
	if err != nil {
		return err
	}
	defer cp.Release()

	store, err := db.OpenExisting(cp.Path, o.opts.BusyTimeout)
	if err != nil {
		return err
	}
	defer store.Close()

	counts := []struct {
		table string
		dst   *int64
	}{
		{"users", &tp.LegacyUsers},
		{"task_status", &tp.Statuses},
		{"status_history", &tp.History},
	}
	for _, c := range counts {
		ok, err := store.HasTable(ctx, c.table)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if *c.dst, err = store.Count(ctx, c.table); err != nil {
			return err
		}
	}
	return nil
}
