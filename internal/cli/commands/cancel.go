package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/leapstack-labs/leapcompare/internal/compare"
	"github.com/leapstack-labs/leapcompare/internal/server"
	"github.com/spf13/cobra"
)

// CancelOptions holds options for the cancel command.
type CancelOptions struct {
	ModelID string
	UserID  string
	Server  string
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand() *cobra.Command {
	opts := &CancelOptions{}

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run or one of its models",
		Long: `Cancel a whole run, or a single model with --model.

Without --server the cancellation is written to the state store directly,
which settles runs whose server is gone. With --server the request goes to
the running server so live streams stop too.`,
		Example: `  # Cancel every model still running
  leapcompare cancel 0192f3a0-...

  # Cancel one model through a live server
  leapcompare cancel 0192f3a0-... --model gpt-4o --server http://127.0.0.1:8787 --user u1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.ModelID, "model", "", "Cancel only this model")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "User id that owns the run")
	cmd.Flags().StringVar(&opts.Server, "server", "", "Base URL of a running server")

	return cmd
}

func runCancel(cmd *cobra.Command, opts *CancelOptions, runID string) error {
	if opts.Server != "" {
		if err := cancelRemote(cmd.Context(), opts, runID); err != nil {
			return err
		}
		NewCommandContext(cmd).Renderer.Success(cancelMessage(opts, runID))
		return nil
	}

	return withService(cmd, func(ctx context.Context, cmdCtx *CommandContext, svc *compare.Service) error {
		var err error
		if opts.ModelID != "" {
			err = svc.CancelModel(ctx, opts.UserID, runID, opts.ModelID)
		} else {
			err = svc.CancelAll(ctx, opts.UserID, runID)
		}
		if err != nil {
			return err
		}
		cmdCtx.Renderer.Success(cancelMessage(opts, runID))
		return nil
	})
}

func cancelMessage(opts *CancelOptions, runID string) string {
	if opts.ModelID != "" {
		return fmt.Sprintf("Canceled %s in run %s", opts.ModelID, runID)
	}
	return "Canceled run " + runID
}

// cancelRemote posts the cancel request to a live server.
func cancelRemote(ctx context.Context, opts *CancelOptions, runID string) error {
	body, err := json.Marshal(map[string]string{"runId": runID, "modelId": opts.ModelID})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := strings.TrimSuffix(opts.Server, "/") + "/api/compare/cancel"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.UserID != "" {
		req.Header.Set(server.UserHeader, opts.UserID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Message == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return fmt.Errorf("server rejected cancel (%s): %s", envelope.Error.Code, envelope.Error.Message)
}
