package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/lherron/boardtasks/internal/cli/appctx"
	"github.com/lherron/boardtasks/internal/render"
	"github.com/lherron/boardtasks/internal/store"
	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users [slug]",
	Short: "List shared users with their task counts in a municipality",
	Long: `users lists every user in the shared store with the number of boards they
last moved to in_progress, done or issue in this municipality, how many
boards they updated, how many comments they wrote and when they were last
active. --sort is one of ` + strings.Join(store.ActivitySorts, ", ") + `.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.Options{}, runUsers),
}

var reassignCmd = &cobra.Command{
	Use:   "reassign <slug>",
	Short: "Hand a user's in_progress boards over to another user",
	Long: `reassign moves every in_progress board last updated by --from to --to.
Both are LINE user ids resolved through the shared users store. Boards in
other states keep their updater.`,
	Args: cobra.ExactArgs(1),
	RunE: appctx.WithApp(appctx.Options{}, runReassign),
}

var (
	usersSort    string
	reassignFrom string
	reassignTo   string
)

func init() {
	rootAdmCmd.AddCommand(usersCmd)
	rootAdmCmd.AddCommand(reassignCmd)

	usersCmd.Flags().StringVar(&usersSort, "sort", store.SortDone, "Sort order")
	reassignCmd.Flags().StringVar(&reassignFrom, "from", "", "LINE user id giving up the boards (required)")
	reassignCmd.Flags().StringVar(&reassignTo, "to", "", "LINE user id taking the boards (required)")
	reassignCmd.MarkFlagRequired("from")
	reassignCmd.MarkFlagRequired("to")
}

type activityList []store.UserActivity

func (l activityList) Table() ([]string, [][]string) {
	n := func(v int64) string { return strconv.FormatInt(v, 10) }
	rows := make([][]string, 0, len(l))
	for _, u := range l {
		last := u.LastActivity
		if last == "" {
			last = "-"
		}
		rows = append(rows, []string{u.Name, u.LineUserID, n(u.InProgress), n(u.Done), n(u.Issue), n(u.BoardsUpdated), n(u.Comments), last})
	}
	return []string{"NAME", "LINE USER", "IN_PROGRESS", "DONE", "ISSUE", "BOARDS", "COMMENTS", "LAST"}, rows
}

func runUsers(app *appctx.App, cmd *cobra.Command, args []string) error {
	slug, err := app.Slug(args)
	if err != nil {
		return exitError(ExitUsage, err)
	}
	st, closeStore, err := openTaskStore(app, slug)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	defer closeStore()

	users, err := st.Tasks.Activity(cmd.Context(), usersSort)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	return newRenderer(app, cmd).Render(activityList(users))
}

func runReassign(app *appctx.App, cmd *cobra.Command, args []string) error {
	slug, err := app.Slug(args)
	if err != nil {
		return exitError(ExitUsage, err)
	}
	st, closeStore, err := openTaskStore(app, slug)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	defer closeStore()

	res, err := st.Tasks.ReassignInProgress(cmd.Context(), reassignFrom, reassignTo)
	if errors.Is(err, store.ErrSameUser) {
		return exitError(ExitUsage, err)
	}
	if err != nil {
		return exitError(ExitFailure, err)
	}
	app.Logger.Info().Str("tenant", slug).Str("from", reassignFrom).Str("to", reassignTo).
		Int64("boards", res.Count).Msg("reassigned in_progress boards")

	if app.Output == render.FormatTable {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ Reassigned %s in_progress boards from %s to %s\n", humanize.Comma(res.Count), res.From, res.To)
		for _, code := range res.Boards {
			fmt.Fprintf(out, "  %s\n", code)
		}
		return nil
	}
	return newRenderer(app, cmd).Render(res)
}
