package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lherron/boardtasks/internal/cli/appctx"
	"github.com/lherron/boardtasks/internal/layout"
	"github.com/lherron/boardtasks/internal/migration"
	"github.com/lherron/boardtasks/internal/render"
	"github.com/spf13/cobra"
)

var migrateUsersCmd = &cobra.Command{
	Use:   "migrate-users",
	Short: "Move tenant users into the shared store and rewrite actor ids",
	Long: `migrate-users runs the shared-identity migration for every configured
municipality (or the --slug list):

  1. merge each tenant's users into users.sqlite (first occurrence of a
     line_user_id wins, in tenant order)
  2. per tenant, rename tasks.sqlite to tasks.sqlite.old, create a fresh
     tasks.sqlite from tasks.sql and replay task_status and status_history
     with actor ids translated to the shared ids

A tenant that fails is reported and left for a re-run; the others continue.
An interrupted rebuild resumes from tasks.sqlite.old on the next run.
Use --dry-run to see what would happen without writing anything.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.Options{}, runMigrateUsers),
}

var (
	migrateDryRun     bool
	migrateJSON       bool
	migrateYAML       bool
	migrateReportPath string
)

func init() {
	rootAdmCmd.AddCommand(migrateUsersCmd)

	migrateUsersCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Show the plan without writing")
	migrateUsersCmd.Flags().BoolVar(&migrateJSON, "json", false, "Print the report as JSON")
	migrateUsersCmd.Flags().BoolVar(&migrateYAML, "yaml", false, "Print the report as YAML")
	migrateUsersCmd.Flags().StringVar(&migrateReportPath, "report", "", "Also write the JSON report to path")
	migrateUsersCmd.MarkFlagsMutuallyExclusive("json", "yaml")
}

func newOrchestrator(app *appctx.App) *migration.Orchestrator {
	return migration.New(app.Layout, app.Scratch, app.Logger, migration.Options{
		SchemaDir:   app.Config.SchemaDir,
		BusyTimeout: app.Config.BusyTimeout(),
	})
}

// reportFormat applies the --json/--yaml shortcuts over --output.
func reportFormat(app *appctx.App, asJSON, asYAML bool) {
	switch {
	case asJSON:
		app.Output = render.FormatJSON
	case asYAML:
		app.Output = render.FormatYAML
	}
}

func runMigrateUsers(app *appctx.App, cmd *cobra.Command, args []string) error {
	reportFormat(app, migrateJSON, migrateYAML)
	orch := newOrchestrator(app)

	if migrateDryRun {
		plan, err := orch.Plan(cmd.Context(), app.Slugs)
		if err != nil {
			return migrationError(err)
		}
		if migrateReportPath != "" {
			if err := writeJSONReport(cmd, migrateReportPath, plan); err != nil {
				return exitError(ExitFailure, err)
			}
		}
		if app.Output == render.FormatTable {
			fmt.Fprintf(cmd.OutOrStdout(), "Dry run: nothing written. Shared store %s has %s users.\n",
				plan.SharedStore, humanize.Comma(plan.SharedUsers))
		}
		return newRenderer(app, cmd).Render(plan)
	}

	report, err := orch.Run(cmd.Context(), app.Slugs)
	if err != nil {
		return migrationError(err)
	}
	return printMigrationReport(app, cmd, report, migrateReportPath)
}

// migrationError maps orchestrator preconditions to exit codes.
func migrationError(err error) error {
	if errors.Is(err, layout.ErrInvalidSlug) {
		return exitError(ExitUsage, err)
	}
	return exitError(ExitFailure, err)
}

func printMigrationReport(app *appctx.App, cmd *cobra.Command, report *migration.Report, reportPath string) error {
	if reportPath != "" {
		if err := writeJSONReport(cmd, reportPath, report); err != nil {
			return exitError(ExitFailure, err)
		}
	}
	if err := newRenderer(app, cmd).Render(report); err != nil {
		return err
	}
	if app.Output == render.FormatTable {
		printMigrationSummary(cmd, report)
	}
	return nil
}

func printMigrationSummary(cmd *cobra.Command, report *migration.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Run %s finished in %s\n", report.RunID, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "Users: %s added, %s in %s\n",
		humanize.Comma(report.UsersMerged()), humanize.Comma(report.TotalUsers), report.SharedStore)
	for _, fix := range report.SequenceFixes {
		fmt.Fprintf(out, "Fixed %s id sequence: %d -> %d\n", fix.Table, fix.SeqValue, fix.MaxID)
	}
	for _, w := range report.Warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}
	if failed := report.Failed(); len(failed) > 0 {
		fmt.Fprintf(out, "%d of %d tenants failed; fix the cause and re-run for:", len(failed), len(report.Tenants))
		for _, t := range failed {
			fmt.Fprintf(out, " %s", t.Slug)
		}
		fmt.Fprintln(out)
		return
	}
	fmt.Fprintf(out, "✓ All %d tenants done\n", len(report.Tenants))
}
