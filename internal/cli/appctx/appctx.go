// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, flag overrides, logger construction and
// tenant resolution to reduce boilerplate across commands.
package appctx

import (
	"fmt"
	"strings"

	"github.com/lherron/boardtasks/internal/config"
	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/layout"
	"github.com/lherron/boardtasks/internal/logging"
	"github.com/lherron/boardtasks/internal/render"
	"github.com/lherron/boardtasks/internal/scratch"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration with flag overrides applied
	Config *config.Config

	Logger  zerolog.Logger
	Layout  layout.Layout
	Tenants *config.Tenants
	Output  render.Format
	Scratch *scratch.Manager

	// Slugs is the --slug list when given, otherwise the tenant file order.
	Slugs []string

	// Shared is the open shared users store (nil unless NeedsShared)
	Shared *db.DB
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.Shared != nil {
		a.Shared.Close()
		a.Shared = nil
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsShared opens the existing shared users store.
	NeedsShared bool
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// Resources opened by Bootstrap are released when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)

	app := &App{Config: cfg}

	app.Logger, err = logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	app.Output, err = render.ParseFormat(cfg.Output)
	if err != nil {
		return nil, err
	}
	app.Layout = layout.New(cfg.DataDir)
	app.Scratch = scratch.NewManager(app.Logger)

	app.Tenants, err = config.LoadTenants(cfg.TenantsFile)
	if err != nil {
		return nil, err
	}
	if app.Tenants.Defaults() {
		app.Logger.Debug().Str("tenants_file", cfg.TenantsFile).Strs("slugs", app.Tenants.Slugs()).
			Msg("no municipalities configured, using default slugs")
	}
	app.Slugs = app.Tenants.Slugs()
	if f := cmd.Flag("slug"); f != nil && f.Changed {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			app.Slugs = sv.GetSlice()
		}
	}
	if err := layout.ValidateSlugs(app.Slugs); err != nil {
		return nil, err
	}

	if opts.NeedsShared {
		app.Shared, err = db.OpenExisting(app.Layout.SharedStore(), cfg.BusyTimeout())
		if err != nil {
			return nil, fmt.Errorf("failed to open shared users store (run 'boardsadm init-users' first): %w", err)
		}
	}

	return app, nil
}

// Municipality returns the tenant entry for slug. Slugs passed explicitly
// but absent from the tenant file get a bare entry.
func (a *App) Municipality(slug string) config.Municipality {
	for _, m := range a.Tenants.Municipalities {
		if m.Slug == slug {
			return m
		}
	}
	return config.Municipality{Slug: slug}
}

// Slug picks the tenant for single-tenant commands: the positional
// argument, else DEFAULT_SLUG from the tenant file, else the only
// configured tenant.
func (a *App) Slug(args []string) (string, error) {
	slug := ""
	switch {
	case len(args) > 0:
		slug = strings.TrimSpace(args[0])
	case a.Tenants.DefaultSlug != "":
		slug = a.Tenants.DefaultSlug
	case len(a.Slugs) == 1:
		slug = a.Slugs[0]
	default:
		return "", fmt.Errorf("municipality slug required (one of %s)", strings.Join(a.Slugs, ", "))
	}
	if err := layout.ValidateSlug(slug); err != nil {
		return "", err
	}
	return slug, nil
}

// applyFlags lets persistent root flags override the loaded config.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	override := func(name string, dst *string) {
		if f := cmd.Flag(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	override("data-dir", &cfg.DataDir)
	override("schema-dir", &cfg.SchemaDir)
	override("tenants", &cfg.TenantsFile)
	override("log-level", &cfg.LogLevel)
	override("log-format", &cfg.LogFormat)
	override("output", &cfg.Output)
}
