package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/lherron/boardtasks/internal/cli/appctx"
	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/render"
	"github.com/spf13/cobra"
)

var initUsersCmd = &cobra.Command{
	Use:   "init-users",
	Short: "Create the shared users store",
	Long: `Creates <data-dir>/users.sqlite from users.sql and lists the tables and
indexes it contains. An existing store is left alone unless --force is
given, in which case it is deleted first.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.Options{}, runInitUsers),
}

var initTasksCmd = &cobra.Command{
	Use:   "init-tasks [slug]",
	Short: "Create an empty task store for a municipality",
	Long: `Creates <data-dir>/boards/<slug>/tasks.sqlite from tasks.sql. Use this for
a municipality that never had a store; existing stores are migrated with
migrate-users instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.Options{}, runInitTasks),
}

var (
	initUsersForce bool
	initTasksForce bool
)

// initResult lists what a freshly created store contains.
type initResult struct {
	Path    string      `json:"path" yaml:"path"`
	Objects []db.Object `json:"objects" yaml:"objects"`
}

func (r *initResult) Table() ([]string, [][]string) {
	rows := make([][]string, 0, len(r.Objects))
	for _, o := range r.Objects {
		rows = append(rows, []string{o.Type, o.Name})
	}
	return []string{"TYPE", "NAME"}, rows
}

func init() {
	rootAdmCmd.AddCommand(initUsersCmd)
	rootAdmCmd.AddCommand(initTasksCmd)

	initUsersCmd.Flags().BoolVar(&initUsersForce, "force", false, "Delete an existing users store first")
	initTasksCmd.Flags().BoolVar(&initTasksForce, "force", false, "Delete an existing task store first")
}

func runInitUsers(app *appctx.App, cmd *cobra.Command, args []string) error {
	res, err := createStore(cmd.Context(), app, app.Layout.SharedStore(), db.SchemaUsers, initUsersForce)
	if err != nil {
		return err
	}
	return printInitResult(app, cmd, "shared users store", res)
}

func runInitTasks(app *appctx.App, cmd *cobra.Command, args []string) error {
	slug, err := app.Slug(args)
	if err != nil {
		return exitError(ExitUsage, err)
	}
	res, err := createStore(cmd.Context(), app, app.Layout.TenantStore(slug), db.SchemaTasks, initTasksForce)
	if err != nil {
		return err
	}
	return printInitResult(app, cmd, "task store for "+slug, res)
}

func createStore(ctx context.Context, app *appctx.App, path string, kind db.SchemaKind, force bool) (*initResult, error) {
	script, err := db.LoadSchema(kind, app.Config.SchemaDir)
	if err != nil {
		return nil, exitError(ExitFailure, err)
	}
	if force {
		if err := db.Remove(path); err != nil {
			return nil, exitError(ExitFailure, err)
		}
		app.Logger.Warn().Str("path", path).Msg("removed existing store")
	}

	database, err := db.Create(ctx, path, script, app.Config.BusyTimeout())
	if errors.Is(err, db.ErrExists) {
		return nil, exitError(ExitFailure, fmt.Errorf("%w (use --force to recreate it)", err))
	}
	if err != nil {
		return nil, exitError(ExitFailure, err)
	}
	defer database.Close()

	objects, err := database.Objects(ctx)
	if err != nil {
		return nil, exitError(ExitFailure, err)
	}
	app.Logger.Info().Str("path", path).Str("schema", string(kind)).Int("objects", len(objects)).Msg("created store")
	return &initResult{Path: path, Objects: objects}, nil
}

func printInitResult(app *appctx.App, cmd *cobra.Command, what string, res *initResult) error {
	if app.Output == render.FormatTable {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Created %s at %s\n", what, res.Path)
	}
	return newRenderer(app, cmd).Render(res)
}
