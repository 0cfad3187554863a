package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/leapstack-labs/leapcompare/internal/cli/output"
	"github.com/leapstack-labs/leapcompare/internal/compare"
	"github.com/leapstack-labs/leapcompare/internal/provider"
	"github.com/leapstack-labs/leapcompare/pkg/core"
	"github.com/spf13/cobra"
)

// LocalUser owns runs started from the terminal.
const LocalUser = "local"

// CompareOptions holds options for the compare command.
type CompareOptions struct {
	Models   []string
	ChatID   string
	UserID   string
	System   string
	Provider string
	Stream   bool
}

// NewCompareCommand creates the compare command.
func NewCompareCommand() *cobra.Command {
	opts := &CompareOptions{}

	cmd := &cobra.Command{
		Use:   "compare [prompt]",
		Short: "Run one prompt against several models",
		Long: `Send a prompt to several models at once and print their answers side by side.

The run is persisted like runs started over HTTP. Press Ctrl-C to cancel the
remaining models; finished answers are kept.

The prompt is read from stdin when no argument is given or the argument is "-".`,
		Example: `  # Compare two catalog models
  leapcompare compare -m gpt-4o -m claude-sonnet "Explain CRDTs in one paragraph"

  # Use every catalog model (up to compare.max_models) with the echo provider
  leapcompare compare --provider echo "hello there"

  # Print raw stream events as JSON lines
  leapcompare compare -m gpt-4o --stream "hi" | jq .type`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return runCompare(cmd, opts, prompt)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Models, "model", "m", nil, "Model id to compare (repeatable)")
	cmd.Flags().StringVar(&opts.ChatID, "chat", "", "Chat id to file the run under (default: new id)")
	cmd.Flags().StringVar(&opts.UserID, "user", LocalUser, "User id that owns the run")
	cmd.Flags().StringVar(&opts.System, "system", "", "System message sent before the prompt")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "Route every model through this provider (echo|openrouter)")
	cmd.Flags().BoolVar(&opts.Stream, "stream", false, "Print stream events as JSON lines")

	return cmd
}

func readPrompt(in io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func runCompare(cmd *cobra.Command, opts *CompareOptions, prompt string) error {
	cmdCtx := NewCommandContext(cmd)
	r := cmdCtx.Renderer
	ctx := cmd.Context()

	store, err := cmdCtx.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	cat, err := cmdCtx.BuildCatalog(opts.Provider)
	if err != nil {
		return err
	}
	svc, err := cmdCtx.BuildService(ServiceOptions{Store: store, Catalog: cat})
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close(context.Background()) }()

	models := opts.Models
	if len(models) == 0 {
		for _, m := range cat.List() {
			if len(models) == svc.MaxModels() {
				break
			}
			models = append(models, m.ID)
		}
	}

	chatID := opts.ChatID
	if chatID == "" {
		chatID = uuid.NewString()
	}

	req := compare.StartRequest{
		ChatID:   chatID,
		UserID:   opts.UserID,
		Prompt:   prompt,
		ModelIDs: models,
	}
	if opts.System != "" {
		req.History = []provider.Message{{Role: provider.RoleSystem, Content: opts.System}}
	}

	rs, err := svc.StartRun(ctx, req)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	drained := make(chan struct{})
	go func() {
		select {
		case <-drained:
			return
		case <-sigCtx.Done():
		}
		if ctx.Err() != nil {
			return
		}
		r.Warning("canceling remaining models")
		if err := svc.CancelAll(context.Background(), opts.UserID, rs.RunID); err != nil {
			cmdCtx.Logger.Error("cancel failed", "run_id", rs.RunID, "error", err)
		}
	}()

	progress := newProgressPrinter(r, opts.Stream)
	var end *compare.RunEnd
	for frame := range rs.Frames {
		ev, err := compare.Decode(frame)
		if err != nil {
			return err
		}
		if re, ok := ev.(compare.RunEnd); ok {
			end = &re
		}
		if err := progress.handle(ev); err != nil {
			return err
		}
	}
	close(drained)

	if opts.Stream {
		return nil
	}
	if end == nil {
		return errors.New("stream ended before the run finished")
	}

	snap, err := svc.GetRun(context.Background(), opts.UserID, rs.RunID)
	if err != nil {
		return err
	}
	return renderSnapshot(r, snap)
}

// progressPrinter reports stream progress on stderr, or raw events on stdout
// in stream mode.
type progressPrinter struct {
	r      *output.Renderer
	stream bool
}

func newProgressPrinter(r *output.Renderer, stream bool) *progressPrinter {
	return &progressPrinter{r: r, stream: stream}
}

func (p *progressPrinter) handle(ev compare.Event) error {
	if p.stream {
		payload, err := compare.MarshalEvent(ev)
		if err != nil {
			return err
		}
		p.r.Println(string(payload))
		return nil
	}
	if p.r.EffectiveMode() == output.ModeJSON {
		return nil
	}

	w := p.r.ErrWriter()
	s := p.r.Styles()
	switch e := ev.(type) {
	case compare.RunStart:
		_, _ = fmt.Fprintln(w, p.r.Muted("run "+e.RunID))
	case compare.ModelStart:
		_, _ = fmt.Fprintf(w, "%s %s\n", s.ModelID.Render(e.ModelID), p.r.Muted("started"))
	case compare.ModelEnd:
		_, _ = fmt.Fprintf(w, "%s %s %s\n", s.ModelID.Render(e.ModelID), s.Status(string(core.ResultStatusCompleted)),
			p.r.Muted(formatMillis(e.InferenceTimeMS)))
	case compare.ModelError:
		_, _ = fmt.Fprintf(w, "%s %s %s\n", s.ModelID.Render(e.ModelID), s.Status(string(core.ResultStatusFailed)), e.Error)
	}
	return nil
}

func formatMillis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

// renderSnapshot prints a run with every model's answer.
func renderSnapshot(r *output.Renderer, snap *core.RunSnapshot) error {
	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(snap)
	case output.ModeMarkdown:
		renderSnapshotMarkdown(r, snap)
	default:
		renderSnapshotText(r, snap)
	}
	return nil
}

func renderSnapshotText(r *output.Renderer, snap *core.RunSnapshot) {
	s := r.Styles()
	r.Header(1, fmt.Sprintf("Run %s (%s)", snap.Run.ID, s.Status(string(snap.Run.Status))))
	r.Println(r.Muted("chat " + snap.Run.ChatID + " · " + snap.Run.CreatedAt.Local().Format(time.DateTime)))
	r.Println("")

	for _, res := range snap.Results {
		r.Println(s.ModelID.Render(res.ModelID) + " " + s.Status(string(res.Status)))
		if res.Reasoning != "" {
			r.Println(r.Muted(res.Reasoning))
		}
		if res.Content != "" {
			r.Println(res.Content)
		}
		if res.Error != "" {
			r.Println(s.Error.Render(res.Error))
		}
		r.Println("")
	}
	r.Table(resultHeader, resultRows(snap.Results))
}

func renderSnapshotMarkdown(r *output.Renderer, snap *core.RunSnapshot) {
	r.Println(output.FormatHeader(1, "Run "+snap.Run.ID))
	r.Println("")
	r.Println(output.FormatKeyValue("Status", string(snap.Run.Status)))
	r.Println(output.FormatKeyValue("Chat", snap.Run.ChatID))
	r.Println(output.FormatKeyValue("Created", snap.Run.CreatedAt.Format(time.RFC3339)))
	r.Println(output.FormatKeyValue("Prompt", output.Truncate(snap.Run.Prompt, 120)))
	r.Println("")

	for _, res := range snap.Results {
		r.Println(output.FormatHeader(2, res.ModelID+" ("+string(res.Status)+")"))
		r.Println("")
		if res.Reasoning != "" {
			for _, line := range strings.Split(res.Reasoning, "\n") {
				r.Println("> " + line)
			}
			r.Println("")
		}
		if res.Content != "" {
			r.Println(res.Content)
			r.Println("")
		}
		if res.Error != "" {
			r.Println(output.FormatKeyValue("Error", res.Error))
			r.Println("")
		}
	}
	r.Table(resultHeader, resultRows(snap.Results))
}

var resultHeader = []string{"Model", "Status", "Time", "Tokens in", "Tokens out"}

func resultRows(results []*core.CompareResult) [][]string {
	rows := make([][]string, 0, len(results))
	for _, res := range results {
		elapsed, in, out := "-", "-", "-"
		if res.InferenceTimeMS != nil {
			elapsed = formatMillis(*res.InferenceTimeMS)
		}
		if res.Usage != nil {
			in = fmt.Sprint(res.Usage.InputTokens)
			out = fmt.Sprint(res.Usage.OutputTokens)
		}
		rows = append(rows, []string{res.ModelID, string(res.Status), elapsed, in, out})
	}
	return rows
}
