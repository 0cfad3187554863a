package commands

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapcompare/internal/cli/output"
	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending state store migrations",
		Long: `Apply pending schema migrations to the configured state store.

serve and the other commands migrate on startup; run this to migrate ahead of
a deploy or to inspect the schema version.`,
		Example: `  # Migrate the default SQLite store
  leapcompare migrate

  # Show the current version against Postgres
  leapcompare migrate status --state-driver postgres --state-dsn postgres://localhost/compare`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx := NewCommandContext(cmd)
			store, err := cmdCtx.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			version, err := store.MigrationVersion(cmd.Context())
			if err != nil {
				return err
			}
			r := cmdCtx.Renderer
			if r.EffectiveMode() == output.ModeJSON {
				return r.JSON(map[string]any{"dialect": store.Dialect(), "version": version})
			}
			r.Success(fmt.Sprintf("%s store at version %d", store.Dialect(), version))
			return nil
		},
	}

	cmd.AddCommand(newMigrateStatusCommand())
	return cmd
}

func newMigrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx := NewCommandContext(cmd)
			store, err := cmdCtx.openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			current, pending, err := store.MigrationStatus(cmd.Context())
			if err != nil {
				return err
			}

			r := cmdCtx.Renderer
			switch r.EffectiveMode() {
			case output.ModeJSON:
				return r.JSON(map[string]any{
					"dialect": store.Dialect(),
					"version": current,
					"pending": pending,
				})
			case output.ModeMarkdown:
				r.Println(output.FormatHeader(1, "Migrations"))
				r.Println("")
				r.Println(output.FormatKeyValue("Dialect", string(store.Dialect())))
				r.Println(output.FormatKeyValue("Version", fmt.Sprint(current)))
				r.Println(output.FormatKeyValue("Pending", formatVersions(pending)))
			default:
				r.Header(1, "Migrations")
				r.Printf("dialect  %s\n", store.Dialect())
				r.Printf("version  %d\n", current)
				if len(pending) == 0 {
					r.Success("up to date")
				} else {
					r.Warning(fmt.Sprintf("%d pending: %s", len(pending), formatVersions(pending)))
				}
			}
			return nil
		},
	}
}

func formatVersions(versions []int64) string {
	if len(versions) == 0 {
		return "none"
	}
	parts := make([]string, len(versions))
	for i, v := range versions {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}
