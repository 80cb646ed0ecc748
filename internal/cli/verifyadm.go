package cli

import (
	"fmt"

	"github.com/lherron/boardtasks/internal/cli/appctx"
	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/render"
	"github.com/lherron/boardtasks/internal/verify"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [slug]",
	Short: "Check a migrated task store against its backup",
	Long: `verify compares boards/<slug>/tasks.sqlite with tasks.sqlite.old after a
migration: history row counts, one status per board, actor ids that exist
in the shared store, history order and the history id sequence. When the
history differs a unified diff of board|old→new|note lines is printed.

Exits non-zero when a problem is found. Unknown status values are only
warnings.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.Options{}, runVerify),
}

func init() {
	rootAdmCmd.AddCommand(verifyCmd)
}

func runVerify(app *appctx.App, cmd *cobra.Command, args []string) error {
	slug, err := app.Slug(args)
	if err != nil {
		return exitError(ExitUsage, err)
	}

	tenant, err := db.OpenExisting(app.Layout.TenantStore(slug), app.Config.BusyTimeout())
	if err != nil {
		return exitError(ExitFailure, err)
	}
	defer tenant.Close()

	report, err := verify.Check(cmd.Context(), slug, tenant, app.Layout.Backup(slug), app.Layout.SharedStore(), app.Scratch)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	if err := newRenderer(app, cmd).Render(report); err != nil {
		return err
	}

	if app.Output == render.FormatTable {
		out := cmd.OutOrStdout()
		for _, w := range report.Warnings {
			fmt.Fprintf(out, "Warning: %s\n", w)
		}
		for _, p := range report.Problems {
			fmt.Fprintf(out, "✗ %s\n", p)
		}
		if report.HistoryDiff != "" {
			fmt.Fprintf(out, "\n%s", report.HistoryDiff)
		}
		if report.OK() {
			fmt.Fprintf(out, "✓ %s verified\n", slug)
		}
	}
	if !report.OK() {
		return exitError(ExitFailure, fmt.Errorf("%s: %d problem(s) found", slug, len(report.Problems)))
	}
	return nil
}
