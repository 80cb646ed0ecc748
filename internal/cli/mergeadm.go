package cli

import (
	"github.com/lherron/boardtasks/internal/cli/appctx"
	"github.com/lherron/boardtasks/internal/layout"
	"github.com/spf13/cobra"
)

var mergeUsersCmd = &cobra.Command{
	Use:   "merge-users [slug...]",
	Short: "Merge tenant users into the shared store without touching task stores",
	Long: `merge-users copies each tenant's users into users.sqlite. A user whose
line_user_id already exists is left as it is, so the first tenant listed
wins. Task stores are only read (through a disposable copy). Running it
again adds nothing.`,
	RunE: appctx.WithApp(appctx.Options{}, runMergeUsers),
}

var (
	mergeJSON       bool
	mergeReportPath string
)

func init() {
	rootAdmCmd.AddCommand(mergeUsersCmd)

	mergeUsersCmd.Flags().BoolVar(&mergeJSON, "json", false, "Print the report as JSON")
	mergeUsersCmd.Flags().StringVar(&mergeReportPath, "report", "", "Also write the JSON report to path")
}

func runMergeUsers(app *appctx.App, cmd *cobra.Command, args []string) error {
	reportFormat(app, mergeJSON, false)
	slugs := app.Slugs
	if len(args) > 0 {
		if err := layout.ValidateSlugs(args); err != nil {
			return exitError(ExitUsage, err)
		}
		slugs = args
	}

	report, err := newOrchestrator(app).MergeUsers(cmd.Context(), slugs)
	if err != nil {
		return migrationError(err)
	}
	return printMigrationReport(app, cmd, report, mergeReportPath)
}
