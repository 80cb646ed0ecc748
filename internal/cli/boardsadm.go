package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/lherron/boardtasks/internal/boards"
	"github.com/lherron/boardtasks/internal/cli/appctx"
	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/render"
	"github.com/spf13/cobra"
)

var importBoardsCmd = &cobra.Command{
	Use:   "import-boards [slug]",
	Short: "Rebuild a municipality's board locations from a TSV file",
	Long: `import-boards reads a tab-separated board list with a header row
(code, address and optionally place, lat, lon), UTF-8 or Shift_JIS, and
replaces boards/<slug>/boards.sqlite with its contents. Rows without a code
or address and duplicate codes are skipped with a warning. The existing
store is only replaced once the new one is complete.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.Options{}, runImportBoards),
}

var setCoordsCmd = &cobra.Command{
	Use:   "set-coords <slug> <board-code> <lat> <lon>",
	Short: "Move a board to new coordinates",
	Long: `set-coords updates a board's latitude and longitude. Only municipalities
with allow_offset in the tenant file accept coordinate changes.`,
	Args: cobra.ExactArgs(4),
	RunE: appctx.WithApp(appctx.Options{}, runSetCoords),
}

var listBoardsCmd = &cobra.Command{
	Use:   "list-boards [slug]",
	Short: "List boards with their task status",
	Long: `list-boards lists a municipality's boards ordered by code, with each
board's status from the tenant task store and the LINE user id of its last
updater from the shared users store. --bbox min_lat,min_lon,max_lat,max_lon
restricts the list to boards inside the box.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.Options{}, runListBoards),
}

var (
	importBoardsTSV string
	listBoardsBBox  string
	listBoardsLimit int
)

type importResult struct {
	Slug     string                `json:"slug" yaml:"slug"`
	Path     string                `json:"path" yaml:"path"`
	Encoding string                `json:"encoding" yaml:"encoding"`
	Imported int64                 `json:"imported" yaml:"imported"`
	Warnings []boards.ParseWarning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func (r *importResult) Table() ([]string, [][]string) {
	rows := make([][]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		rows = append(rows, []string{strconv.Itoa(w.Line), w.Message})
	}
	return []string{"LINE", "WARNING"}, rows
}

func init() {
	rootAdmCmd.AddCommand(importBoardsCmd)
	rootAdmCmd.AddCommand(setCoordsCmd)
	rootAdmCmd.AddCommand(listBoardsCmd)

	importBoardsCmd.Flags().StringVar(&importBoardsTSV, "tsv", "", "Board list to import (required)")
	importBoardsCmd.MarkFlagRequired("tsv")
	listBoardsCmd.Flags().StringVar(&listBoardsBBox, "bbox", "", "Bounding box as min_lat,min_lon,max_lat,max_lon")
	listBoardsCmd.Flags().IntVar(&listBoardsLimit, "limit", boards.DefaultQueryLimit, "Maximum boards to list")
}

type boardList []boards.Listing

func (l boardList) Table() ([]string, [][]string) {
	coord := func(v *float64) string {
		if v == nil {
			return "-"
		}
		return strconv.FormatFloat(*v, 'f', 6, 64)
	}
	rows := make([][]string, 0, len(l))
	for _, b := range l {
		comment := ""
		if b.HasComment {
			comment = "yes"
		}
		rows = append(rows, []string{b.Code, b.Status, b.Address, b.Place, coord(b.Lat), coord(b.Lon), b.UpdatedByLineID, comment})
	}
	return []string{"CODE", "STATUS", "ADDRESS", "PLACE", "LAT", "LON", "UPDATED BY", "COMMENT"}, rows
}

// parseBBox reads min_lat,min_lon,max_lat,max_lon.
func parseBBox(s string) (*boards.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid --bbox %q (want min_lat,min_lon,max_lat,max_lon)", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --bbox %q: %w", s, err)
		}
		v[i] = f
	}
	b := &boards.BBox{MinLat: v[0], MinLon: v[1], MaxLat: v[2], MaxLon: v[3]}
	if !b.Valid() {
		return nil, fmt.Errorf("invalid --bbox %q: minimum above maximum or off the globe", s)
	}
	return b, nil
}

func runImportBoards(app *appctx.App, cmd *cobra.Command, args []string) error {
	slug, err := app.Slug(args)
	if err != nil {
		return exitError(ExitUsage, err)
	}
	ctx := cmd.Context()

	f, err := os.Open(importBoardsTSV)
	if err != nil {
		return exitError(ExitFailure, fmt.Errorf("failed to open TSV: %w", err))
	}
	parsed, err := boards.ParseTSV(f)
	f.Close()
	if err != nil {
		return exitError(ExitFailure, err)
	}
	if len(parsed.Boards) == 0 {
		return exitError(ExitFailure, fmt.Errorf("%s: no boards found", importBoardsTSV))
	}

	script, err := db.LoadSchema(db.SchemaBoards, app.Config.SchemaDir)
	if err != nil {
		return exitError(ExitFailure, err)
	}

	// Build next to the live store and swap it in once complete.
	path := app.Layout.BoardsStore(slug)
	tmp := path + ".import"
	if err := db.Remove(tmp); err != nil {
		return exitError(ExitFailure, err)
	}
	store, err := db.Create(ctx, tmp, script, app.Config.BusyTimeout())
	if err != nil {
		return exitError(ExitFailure, err)
	}
	n, err := boards.Import(ctx, store, parsed.Boards)
	store.Close()
	if err != nil {
		db.Remove(tmp)
		return exitError(ExitFailure, err)
	}
	if err := db.Remove(path); err != nil {
		return exitError(ExitFailure, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return exitError(ExitFailure, fmt.Errorf("failed to replace %s: %w", path, err))
	}

	app.Logger.Info().Str("tenant", slug).Str("encoding", parsed.Encoding).Int64("boards", n).
		Int("warnings", len(parsed.Warnings)).Msg("imported boards")

	res := &importResult{Slug: slug, Path: path, Encoding: parsed.Encoding, Imported: n, Warnings: parsed.Warnings}
	if app.Output == render.FormatTable {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Imported %s boards into %s (%s)\n", humanize.Comma(n), path, parsed.Encoding)
	}
	return newRenderer(app, cmd).Render(res)
}

func runSetCoords(app *appctx.App, cmd *cobra.Command, args []string) error {
	slug, err := app.Slug(args[:1])
	if err != nil {
		return exitError(ExitUsage, err)
	}
	if !app.Municipality(slug).AllowOffset {
		return exitError(ExitFailure, fmt.Errorf("coordinate changes are not allowed for %s (allow_offset is off)", slug))
	}
	lat, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return exitError(ExitUsage, fmt.Errorf("invalid latitude %q", args[2]))
	}
	lon, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return exitError(ExitUsage, fmt.Errorf("invalid longitude %q", args[3]))
	}

	store, err := db.OpenExisting(app.Layout.BoardsStore(slug), app.Config.BusyTimeout())
	if err != nil {
		return exitError(ExitFailure, err)
	}
	defer store.Close()

	if err := boards.SetCoords(cmd.Context(), store, args[1], lat, lon); err != nil {
		return exitError(ExitFailure, err)
	}
	b, err := boards.Get(cmd.Context(), store, args[1])
	if err != nil {
		return exitError(ExitFailure, err)
	}
	if app.Output == render.FormatTable {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s moved to %.6f,%.6f\n", b.Code, *b.Lat, *b.Lon)
		return nil
	}
	return newRenderer(app, cmd).Render(b)
}

func runListBoards(app *appctx.App, cmd *cobra.Command, args []string) error {
	slug, err := app.Slug(args)
	if err != nil {
		return exitError(ExitUsage, err)
	}
	filter := boards.Filter{Limit: listBoardsLimit}
	if listBoardsBBox != "" {
		if filter.BBox, err = parseBBox(listBoardsBBox); err != nil {
			return exitError(ExitUsage, err)
		}
	}

	store, err := db.OpenExisting(app.Layout.BoardsStore(slug), app.Config.BusyTimeout())
	if err != nil {
		return exitError(ExitFailure, err)
	}
	defer store.Close()

	listings, err := boards.Query(cmd.Context(), store, app.Layout.TenantStore(slug), app.Layout.SharedStore(), filter)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	app.Logger.Debug().Str("tenant", slug).Int("boards", len(listings)).Msg("listed boards")
	return newRenderer(app, cmd).Render(boardList(listings))
}
