package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/leapstack-labs/leapcompare/internal/notifier"
	"github.com/leapstack-labs/leapcompare/internal/server"
	"github.com/spf13/cobra"
)

// ServeOptions holds options for the serve command.
type ServeOptions struct {
	Provider string
	NoWatch  bool
}

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the compare HTTP server",
		Long: `Start the HTTP server that runs compare requests and streams their events.

On startup, runs left unfinished by a previous process are marked failed.
The model catalog is reloaded when the config file changes.`,
		Example: `  # Serve on the configured address
  leapcompare serve

  # Route every model through the local echo provider
  leapcompare serve --provider echo

  # Serve with resumable streams on another port
  leapcompare serve --addr :9000 --resumable`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Provider, "provider", "", "Route every model through this provider (echo|openrouter)")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "Don't reload the model catalog on config changes")

	_ = cmd.RegisterFlagCompletionFunc("provider", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{ProviderEcho, ProviderOpenRouter}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cmdCtx := NewCommandContext(cmd)
	cfg := cmdCtx.Cfg
	logger := cmdCtx.Logger
	r := cmdCtx.Renderer

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cmdCtx.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	cat, err := cmdCtx.BuildCatalog(opts.Provider)
	if err != nil {
		return err
	}

	n := notifier.New()
	svc, err := cmdCtx.BuildService(ServiceOptions{
		Store:     store,
		Catalog:   cat,
		Notifier:  n,
		Resumable: cfg.Resumable.Enabled,
	})
	if err != nil {
		return err
	}

	recovered, err := svc.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		logger.Info("marked interrupted runs as failed", "count", recovered)
	}

	secret := cfg.Server.SessionSecret
	if secret == "" {
		secret, err = randomSecret()
		if err != nil {
			return err
		}
		logger.Warn("server.session_secret not set, sessions will not survive a restart")
	}

	srvCfg := server.Config{
		Service:         svc,
		Catalog:         cat,
		Notifier:        n,
		Logger:          logger,
		Addr:            cfg.Server.Addr,
		SessionName:     cfg.Server.SessionName,
		SessionSecret:   secret,
		TrustUserHeader: cfg.Server.TrustUserHeader,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	if cfg.ConfigFile != "" && !opts.NoWatch {
		srvCfg.CatalogPath = cfg.ConfigFile
		srvCfg.LoadCatalog = cmdCtx.CatalogLoader(opts.Provider)
	}

	r.Success(fmt.Sprintf("Serving on http://%s (%d models, resumable=%t)", cfg.Server.Addr, len(cat.List()), svc.Resumable()))
	return server.NewServer(srvCfg).Serve(ctx)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
