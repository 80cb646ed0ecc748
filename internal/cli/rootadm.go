package cli

import (
	"github.com/spf13/cobra"
)

var rootAdmCmd = &cobra.Command{
	Use:   "boardsadm",
	Short: "Administrative CLI for the poster-board task stores",
	Long: `boardsadm manages the SQLite stores behind the poster-board task app:
the shared users store, each municipality's task store and its board
locations. It also runs the one-off migration that moves tenant-local users
into the shared store and rewrites actor references to the shared ids.

Stop the web app (or expect it to wait on locks) while migrate-users runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteAdmin runs the admin root command
func ExecuteAdmin() error {
	return rootAdmCmd.Execute()
}

func init() {
	flags := rootAdmCmd.PersistentFlags()
	flags.String("data-dir", "", "Data directory holding users.sqlite and boards/<slug>/ (overrides BOARDS_DATA_DIR)")
	flags.String("schema-dir", "", "Directory with users.sql, tasks.sql and boards.sql (default: built-in schemas)")
	flags.String("tenants", "", "Tenant file listing MUNICIPALITIES (overrides BOARDS_TENANTS_FILE)")
	flags.StringArray("slug", nil, "Municipality slug to process (repeatable, replaces the tenant file list)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: console or json")
	flags.StringP("output", "o", "", "Output format: table, tsv, json or yaml")
}
