package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/leapstack-labs/leapcompare/internal/catalog"
	"github.com/leapstack-labs/leapcompare/internal/cli/config"
	"github.com/leapstack-labs/leapcompare/internal/cli/output"
	"github.com/leapstack-labs/leapcompare/internal/compare"
	intconfig "github.com/leapstack-labs/leapcompare/internal/config"
	"github.com/leapstack-labs/leapcompare/internal/notifier"
	"github.com/leapstack-labs/leapcompare/internal/provider"
	"github.com/leapstack-labs/leapcompare/internal/provider/echo"
	"github.com/leapstack-labs/leapcompare/internal/provider/openrouter"
	"github.com/leapstack-labs/leapcompare/internal/resumable"
	"github.com/leapstack-labs/leapcompare/internal/state"
	"github.com/spf13/cobra"
)

// Provider names understood by the router.
const (
	ProviderOpenRouter = "openrouter"
	ProviderEcho       = "echo"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Renderer *output.Renderer
}

// NewCommandContext builds the context shared by all commands.
func NewCommandContext(cmd *cobra.Command) *CommandContext {
	cfg := getConfig()
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(cmd.Context()),
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat)),
	}
}

// OpenStore opens the configured state store and applies migrations.
func (c *CommandContext) OpenStore(ctx context.Context) (*state.SQLStore, error) {
	return c.openStore(ctx, true)
}

func (c *CommandContext) openStore(ctx context.Context, migrate bool) (*state.SQLStore, error) {
	dialect, err := state.ParseDialect(c.Cfg.State.Driver)
	if err != nil {
		return nil, err
	}

	if dialect == state.DialectSQLite {
		if err := ensureDir(c.Cfg.State.DSN); err != nil {
			return nil, err
		}
	}

	if !migrate {
		return state.Connect(ctx, dialect, c.Cfg.State.DSN, c.Logger)
	}
	return state.Open(ctx, dialect, c.Cfg.State.DSN, c.Logger)
}

// ensureDir creates the parent directory of a SQLite database file.
func ensureDir(dsn string) error {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return nil
}

// demoModels is the catalog used when the config lists no models.
var demoModels = []catalog.Model{
	{ID: "echo-1", Provider: ProviderEcho, DisplayName: "Echo 1"},
	{ID: "echo-2", Provider: ProviderEcho, DisplayName: "Echo 2"},
}

// catalogModels returns the configured models. A non-empty providerOverride
// routes every model through that provider.
func catalogModels(models []catalog.Model, providerOverride string) []catalog.Model {
	if len(models) == 0 {
		models = demoModels
	}
	if providerOverride == "" {
		return models
	}
	out := make([]catalog.Model, len(models))
	for i, m := range models {
		m.Provider = providerOverride
		out[i] = m
	}
	return out
}

// BuildCatalog creates the model catalog from config.
func (c *CommandContext) BuildCatalog(providerOverride string) (*catalog.Catalog, error) {
	cat, err := catalog.New(catalogModels(c.Cfg.Models, providerOverride))
	if err != nil {
		return nil, fmt.Errorf("invalid model catalog: %w", err)
	}
	return cat, nil
}

// CatalogLoader re-reads the models from the config file in use.
func (c *CommandContext) CatalogLoader(providerOverride string) catalog.LoadFunc {
	path := c.Cfg.ConfigFile
	return func() ([]catalog.Model, error) {
		models, err := intconfig.LoadModels(path)
		if err != nil {
			return nil, err
		}
		return catalogModels(models, providerOverride), nil
	}
}

// BuildRouter registers the adapters for every known provider.
func (c *CommandContext) BuildRouter(cat *catalog.Catalog) *provider.Router {
	router := provider.NewRouter(cat)
	router.Register(ProviderEcho, echo.New(c.Cfg.Echo.Delay, c.Cfg.Echo.Reasoning))

	orc := c.Cfg.OpenRouter
	opts := []openrouter.Option{
		openrouter.WithLogger(c.Logger),
		openrouter.WithAppInfo(orc.Referer, orc.Title),
	}
	if orc.BaseURL != "" {
		opts = append(opts, openrouter.WithBaseURL(orc.BaseURL))
	}
	router.Register(ProviderOpenRouter, openrouter.NewClient(orc.APIKey, opts...))

	if orc.APIKey == "" {
		for _, m := range cat.List() {
			if m.Provider == ProviderOpenRouter {
				c.Logger.Warn("openrouter api key not set, requests will fail", "model_id", m.ID)
				break
			}
		}
	}
	return router
}

// ServiceOptions are the per-command overrides for BuildService.
type ServiceOptions struct {
	Store     *state.SQLStore
	Catalog   *catalog.Catalog
	Notifier  *notifier.Notifier
	Resumable bool
}

// BuildService wires the compare service from config.
func (c *CommandContext) BuildService(opts ServiceOptions) (*compare.Service, error) {
	cfg := compare.Config{
		Store:             opts.Store,
		Adapter:           c.BuildRouter(opts.Catalog),
		Catalog:           opts.Catalog,
		Notifier:          opts.Notifier,
		Logger:            c.Logger,
		MaxModels:         c.Cfg.Compare.MaxModels,
		MaxPromptBytes:    c.Cfg.Compare.MaxPromptBytes,
		HeartbeatInterval: c.Cfg.Compare.HeartbeatInterval,
		ModelTimeout:      c.Cfg.Compare.ModelTimeout,
	}
	if opts.Resumable {
		cfg.Streams = resumable.NewMemoryStore(c.Cfg.Resumable.Retention, c.Logger)
	}
	return compare.NewService(cfg)
}

// getConfig returns the current configuration, or defaults when none was loaded.
func getConfig() *config.Config {
	if cfg := config.GetCurrentConfig(); cfg != nil {
		return cfg
	}
	cfg, err := config.LoadConfig("", nil)
	if err != nil {
		return &config.Config{OutputFormat: intconfig.DefaultOutput}
	}
	return cfg
}
