package cli

import (
	"strconv"

	"github.com/lherron/boardtasks/internal/cli/appctx"
	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/store"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats [slug]",
	Short: "Count boards per status for a municipality",
	Long: `stats counts task_status rows per status. With --line-user the boards
last updated by that user are counted as well, resolved through the
shared users store.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.Options{}, runStats),
}

var statsLineUser string

type statsResult struct {
	Slug   string        `json:"slug" yaml:"slug"`
	Totals store.Totals  `json:"totals" yaml:"totals"`
	Mine   *store.Totals `json:"mine,omitempty" yaml:"mine,omitempty"`
}

func (r *statsResult) Table() ([]string, [][]string) {
	headers := []string{"STATUS", "BOARDS"}
	if r.Mine != nil {
		headers = append(headers, "MINE")
	}
	row := func(name string, pick func(store.Totals) int64) []string {
		cells := []string{name, strconv.FormatInt(pick(r.Totals), 10)}
		if r.Mine != nil {
			cells = append(cells, strconv.FormatInt(pick(*r.Mine), 10))
		}
		return cells
	}
	rows := [][]string{
		row(store.StatusPending, func(t store.Totals) int64 { return t.Pending }),
		row(store.StatusInProgress, func(t store.Totals) int64 { return t.InProgress }),
		row(store.StatusDone, func(t store.Totals) int64 { return t.Done }),
		row(store.StatusIssue, func(t store.Totals) int64 { return t.Issue }),
	}
	if r.Totals.Other > 0 || (r.Mine != nil && r.Mine.Other > 0) {
		rows = append(rows, row("other", func(t store.Totals) int64 { return t.Other }))
	}
	return headers, rows
}

func init() {
	rootAdmCmd.AddCommand(statsCmd)

	statsCmd.Flags().StringVar(&statsLineUser, "line-user", "", "Also count boards last updated by this LINE user id")
}

func runStats(app *appctx.App, cmd *cobra.Command, args []string) error {
	slug, err := app.Slug(args)
	if err != nil {
		return exitError(ExitUsage, err)
	}
	tenant, err := db.OpenExisting(app.Layout.TenantStore(slug), app.Config.BusyTimeout())
	if err != nil {
		return exitError(ExitFailure, err)
	}
	defer tenant.Close()

	tasks := store.New(tenant, app.Layout.SharedStore()).Tasks
	res := &statsResult{Slug: slug}
	if res.Totals, err = tasks.Totals(cmd.Context()); err != nil {
		return exitError(ExitFailure, err)
	}
	if statsLineUser != "" {
		mine, err := tasks.Mine(cmd.Context(), statsLineUser)
		if err != nil {
			return exitError(ExitFailure, err)
		}
		res.Mine = &mine
	}
	return newRenderer(app, cmd).Render(res)
}
