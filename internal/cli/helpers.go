package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/lherron/boardtasks/internal/cli/appctx"
	"github.com/lherron/boardtasks/internal/render"
	"github.com/spf13/cobra"
)

// Exit codes returned by ExitCode.
const (
	ExitFailure = 1
	ExitUsage   = 2
)

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// exitError returns an error that will cause the CLI to exit with the given code
func exitError(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// ExitCode maps an error from ExecuteAdmin to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return ExitFailure
}

// newRenderer renders to the command's stdout in the configured format.
func newRenderer(app *appctx.App, cmd *cobra.Command) *render.Renderer {
	return render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: app.Output})
}

// writeJSONReport writes v as indented JSON to path.
func writeJSONReport(cmd *cobra.Command, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "✓ Report written to %s\n", path)
	return nil
}
