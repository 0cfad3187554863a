package commands

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCommand creates the config command.
func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, config file, environment and flags
are merged. Secrets are masked.`,
		Example: `  # Effective config as YAML
  leapcompare config

  # See what an env override does
  LEAPCOMPARE_COMPARE__MAX_MODELS=6 leapcompare config`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx := NewCommandContext(cmd)
			cfg := cmdCtx.Cfg.Redacted()
			r := cmdCtx.Renderer

			if cfg.ConfigFile != "" {
				r.Println(r.Muted("# " + cfg.ConfigFile))
			}
			enc := yaml.NewEncoder(r.Writer())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
