package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/leapstack-labs/leapcompare/internal/cli/output"
	"github.com/leapstack-labs/leapcompare/internal/compare"
	"github.com/leapstack-labs/leapcompare/pkg/core"
	"github.com/spf13/cobra"
)

// RunsOptions holds options shared by the runs subcommands.
type RunsOptions struct {
	ChatID string
	UserID string
	Cursor string
	Limit  int
}

// NewRunsCommand creates the runs command group.
func NewRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect persisted compare runs",
	}
	cmd.AddCommand(newRunsListCommand(), newRunsShowCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	opts := &RunsOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the runs of a chat, oldest first",
		Example: `  # First page of a chat's runs
  leapcompare runs list --chat 3f1c

  # Next page
  leapcompare runs list --chat 3f1c --cursor eyJ...

  # Machine-readable
  leapcompare runs list --chat 3f1c -o json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRunsList(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ChatID, "chat", "", "Chat id (required)")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "Only runs owned by this user")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "Cursor returned by a previous page")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "Page size")
	_ = cmd.MarkFlagRequired("chat")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	opts := &RunsOptions{}

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with every model's answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, cmdCtx *CommandContext, svc *compare.Service) error {
				snap, err := svc.GetRun(ctx, opts.UserID, args[0])
				if err != nil {
					return err
				}
				return renderSnapshot(cmdCtx.Renderer, snap)
			})
		},
	}

	cmd.Flags().StringVar(&opts.UserID, "user", "", "Require the run to be owned by this user")
	return cmd
}

func runRunsList(cmd *cobra.Command, opts *RunsOptions) error {
	return withService(cmd, func(ctx context.Context, cmdCtx *CommandContext, svc *compare.Service) error {
		page, err := svc.ListRuns(ctx, opts.UserID, core.ListRunsParams{
			ChatID: opts.ChatID,
			Cursor: opts.Cursor,
			Limit:  opts.Limit,
		})
		if err != nil {
			return err
		}

		r := cmdCtx.Renderer
		if r.EffectiveMode() == output.ModeJSON {
			return r.JSON(page)
		}

		r.Header(1, fmt.Sprintf("Runs for chat %s (%d)", opts.ChatID, len(page.Items)))
		if len(page.Items) == 0 {
			r.Println(r.Muted("no runs"))
			return nil
		}

		rows := make([][]string, 0, len(page.Items))
		for _, snap := range page.Items {
			rows = append(rows, []string{
				snap.Run.ID,
				snap.Run.CreatedAt.Local().Format(time.DateTime),
				string(snap.Run.Status),
				resultSummary(snap.Results),
				output.Truncate(snap.Run.Prompt, 40),
			})
		}
		r.Table([]string{"Run", "Created", "Status", "Models", "Prompt"}, rows)

		if page.HasMore {
			r.Println("")
			r.Println(r.Muted("more: --cursor " + page.NextCursor))
		}
		return nil
	})
}

// resultSummary counts results by status, e.g. "2/3 completed".
func resultSummary(results []*core.CompareResult) string {
	done := 0
	for _, res := range results {
		if res.Status == core.ResultStatusCompleted {
			done++
		}
	}
	return fmt.Sprintf("%d/%d completed", done, len(results))
}

// withService opens the store, builds a service over it and calls fn.
func withService(cmd *cobra.Command, fn func(context.Context, *CommandContext, *compare.Service) error) error {
	cmdCtx := NewCommandContext(cmd)
	ctx := cmd.Context()

	store, err := cmdCtx.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	cat, err := cmdCtx.BuildCatalog("")
	if err != nil {
		return err
	}
	svc, err := cmdCtx.BuildService(ServiceOptions{Store: store, Catalog: cat})
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close(context.Background()) }()

	return fn(ctx, cmdCtx, svc)
}
