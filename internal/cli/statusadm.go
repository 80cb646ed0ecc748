package cli

import (
	"fmt"
	"strconv"

	"github.com/lherron/boardtasks/internal/cli/appctx"
	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/render"
	"github.com/lherron/boardtasks/internal/store"
	"github.com/spf13/cobra"
)

var setStatusCmd = &cobra.Command{
	Use:   "set-status <slug> <board-code> <status>",
	Short: "Set a board's status on behalf of a user",
	Long: `set-status records a status change for a board and appends it to the
board's history, attributed to the shared user with --line-user. Status is
one of pending, in_progress, done or issue.`,
	Args: cobra.ExactArgs(3),
	RunE: appctx.WithApp(appctx.Options{}, runSetStatus),
}

var commentCmd = &cobra.Command{
	Use:   "comment <slug> <board-code> <note>",
	Short: "Add a comment to a board without changing its status",
	Long: `comment appends a history entry that keeps the board's current status,
and makes the note the board's last comment. The board is attributed to the
shared user with --line-user.`,
	Args: cobra.ExactArgs(3),
	RunE: appctx.WithApp(appctx.Options{}, runComment),
}

var showCmd = &cobra.Command{
	Use:   "show <slug> <board-code>",
	Short: "Show a board's status and recent history",
	Args:  cobra.ExactArgs(2),
	RunE:  appctx.WithApp(appctx.Options{}, runShow),
}

var (
	setStatusLineUser string
	setStatusNote     string
	commentLineUser   string
	showLimit         int
)

func init() {
	rootAdmCmd.AddCommand(setStatusCmd)
	rootAdmCmd.AddCommand(commentCmd)
	rootAdmCmd.AddCommand(showCmd)

	setStatusCmd.Flags().StringVar(&setStatusLineUser, "line-user", "", "LINE user id of the acting user (required)")
	setStatusCmd.Flags().StringVar(&setStatusNote, "note", "", "Note stored with the change")
	setStatusCmd.MarkFlagRequired("line-user")
	commentCmd.Flags().StringVar(&commentLineUser, "line-user", "", "LINE user id of the commenting user (required)")
	commentCmd.MarkFlagRequired("line-user")
	showCmd.Flags().IntVar(&showLimit, "limit", store.DefaultHistoryLimit, "Maximum history entries to show")
}

// boardView is the printable form of a board's status and history.
type boardView struct {
	BoardCode   string        `json:"board_code" yaml:"board_code"`
	Status      string        `json:"status" yaml:"status"`
	LastComment string        `json:"last_comment,omitempty" yaml:"last_comment,omitempty"`
	UpdatedAt   string        `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	UpdatedBy   string        `json:"updated_by,omitempty" yaml:"updated_by,omitempty"`
	History     []historyView `json:"history,omitempty" yaml:"history,omitempty"`
}

type historyView struct {
	ID        int64  `json:"id" yaml:"id"`
	OldStatus string `json:"old_status,omitempty" yaml:"old_status,omitempty"`
	NewStatus string `json:"new_status" yaml:"new_status"`
	Note      string `json:"note,omitempty" yaml:"note,omitempty"`
	User      string `json:"user,omitempty" yaml:"user,omitempty"`
	CreatedAt string `json:"created_at" yaml:"created_at"`
}

func newBoardView(s *store.Status, history []store.HistoryEntry) *boardView {
	v := &boardView{
		BoardCode:   s.BoardCode,
		Status:      s.Status,
		LastComment: s.LastComment.String,
		UpdatedAt:   s.UpdatedAt.String,
		UpdatedBy:   s.UpdatedByName.String,
	}
	if v.UpdatedBy == "" && s.UpdatedBy.Valid {
		v.UpdatedBy = "#" + strconv.FormatInt(s.UpdatedBy.Int64, 10)
	}
	for _, h := range history {
		v.History = append(v.History, historyView{
			ID:        h.ID,
			OldStatus: h.OldStatus.String,
			NewStatus: h.NewStatus.String,
			Note:      h.Note.String,
			User:      h.UserName.String,
			CreatedAt: h.CreatedAt,
		})
	}
	return v
}

func (v *boardView) Table() ([]string, [][]string) {
	rows := make([][]string, 0, len(v.History))
	for _, h := range v.History {
		rows = append(rows, []string{h.CreatedAt, h.OldStatus, h.NewStatus, h.User, h.Note})
	}
	return []string{"WHEN", "FROM", "TO", "BY", "NOTE"}, rows
}

func openTaskStore(app *appctx.App, slug string) (*store.Store, func(), error) {
	tenant, err := db.OpenExisting(app.Layout.TenantStore(slug), app.Config.BusyTimeout())
	if err != nil {
		return nil, nil, err
	}
	return store.New(tenant, app.Layout.SharedStore()), func() { tenant.Close() }, nil
}

func runSetStatus(app *appctx.App, cmd *cobra.Command, args []string) error {
	slug, err := app.Slug(args[:1])
	if err != nil {
		return exitError(ExitUsage, err)
	}
	st, closeStore, err := openTaskStore(app, slug)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	defer closeStore()

	status, err := st.Tasks.SetStatus(cmd.Context(), store.SetStatusParams{
		BoardCode:  args[1],
		Status:     args[2],
		LineUserID: setStatusLineUser,
		Note:       setStatusNote,
	})
	if err != nil {
		return exitError(ExitFailure, err)
	}
	app.Logger.Info().Str("tenant", slug).Str("board", status.BoardCode).Str("status", status.Status).
		Str("line_user_id", setStatusLineUser).Msg("status updated")

	if app.Output == render.FormatTable {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %s\n", status.BoardCode, status.Status)
		return nil
	}
	return newRenderer(app, cmd).Render(newBoardView(status, nil))
}

func runComment(app *appctx.App, cmd *cobra.Command, args []string) error {
	slug, err := app.Slug(args[:1])
	if err != nil {
		return exitError(ExitUsage, err)
	}
	st, closeStore, err := openTaskStore(app, slug)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	defer closeStore()

	status, err := st.Tasks.AddComment(cmd.Context(), store.AddCommentParams{
		BoardCode:  args[1],
		LineUserID: commentLineUser,
		Note:       args[2],
	})
	if err != nil {
		return exitError(ExitFailure, err)
	}
	app.Logger.Info().Str("tenant", slug).Str("board", status.BoardCode).
		Str("line_user_id", commentLineUser).Msg("comment added")

	if app.Output == render.FormatTable {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: comment added (%s)\n", status.BoardCode, status.Status)
		return nil
	}
	return newRenderer(app, cmd).Render(newBoardView(status, nil))
}

func runShow(app *appctx.App, cmd *cobra.Command, args []string) error {
	slug, err := app.Slug(args[:1])
	if err != nil {
		return exitError(ExitUsage, err)
	}
	st, closeStore, err := openTaskStore(app, slug)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	defer closeStore()

	status, history, err := st.Tasks.Get(cmd.Context(), args[1], showLimit)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	view := newBoardView(status, history)

	if app.Output == render.FormatTable {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Board:   %s\n", view.BoardCode)
		fmt.Fprintf(out, "Status:  %s\n", view.Status)
		if view.UpdatedAt != "" {
			fmt.Fprintf(out, "Updated: %s by %s\n", view.UpdatedAt, view.UpdatedBy)
		}
		if view.LastComment != "" {
			fmt.Fprintf(out, "Comment: %s\n", view.LastComment)
		}
		if len(view.History) == 0 {
			return nil
		}
		fmt.Fprintln(out)
	}
	return newRenderer(app, cmd).Render(view)
}
