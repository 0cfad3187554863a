package commands

import (
	"fmt"

	"github.com/leapstack-labs/leapcompare/internal/cli/output"
	"github.com/spf13/cobra"
)

// NewModelsCommand creates the models command.
func NewModelsCommand() *cobra.Command {
	var providerOverride string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models a run may target",
		Long: `List the model catalog from the config file's models section.

When no models are configured, two local echo models are available.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx := NewCommandContext(cmd)
			cat, err := cmdCtx.BuildCatalog(providerOverride)
			if err != nil {
				return err
			}

			models := cat.List()
			r := cmdCtx.Renderer
			if r.EffectiveMode() == output.ModeJSON {
				return r.JSON(map[string]any{"models": models, "maxModels": cmdCtx.Cfg.Compare.MaxModels})
			}

			r.Header(1, fmt.Sprintf("Models (%d, up to %d per run)", len(models), cmdCtx.Cfg.Compare.MaxModels))
			rows := make([][]string, 0, len(models))
			for _, m := range models {
				rows = append(rows, []string{m.ID, m.Provider, m.Upstream(), m.DisplayName})
			}
			r.Table([]string{"ID", "Provider", "Upstream", "Name"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&providerOverride, "provider", "", "Show models as routed through this provider")
	return cmd
}
