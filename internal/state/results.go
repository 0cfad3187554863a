package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/leapcompare/pkg/core"
)

const resultColumns = `run_id, model_id, status, content, reasoning, input_tokens, output_tokens, error, started_at, completed_at, inference_ms`

// nonTerminal restricts updates to rows that can still change.
const nonTerminal = `status IN ('pending', 'running')`

// MarkResultStarted records the server-observed start time of a model.
func (s *SQLStore) MarkResultStarted(ctx context.Context, runID, modelID string, startedAt time.Time) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE compare_results SET status = ?, started_at = ? WHERE run_id = ? AND model_id = ? AND `+nonTerminal),
		string(core.ResultStatusRunning), startedAt.UTC(), runID, modelID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark result started: %w", err)
	}
	return s.checkResultUpdate(ctx, res, runID, modelID)
}

// AppendResultDelta appends streamed text to a non-terminal result.
func (s *SQLStore) AppendResultDelta(ctx context.Context, runID, modelID, textDelta, reasoningDelta string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if textDelta == "" && reasoningDelta == "" {
		return nil
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE compare_results SET content = content || ?, reasoning = reasoning || ? WHERE run_id = ? AND model_id = ? AND `+nonTerminal),
		textDelta, reasoningDelta, runID, modelID,
	)
	if err != nil {
		return fmt.Errorf("failed to append delta: %w", err)
	}
	return s.checkResultUpdate(ctx, res, runID, modelID)
}

// FinalizeResult writes the terminal state of a result. Only the first call for a row takes effect.
func (s *SQLStore) FinalizeResult(ctx context.Context, runID, modelID string, final core.ResultFinal) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if !final.Status.IsTerminal() {
		return fmt.Errorf("cannot finalize result with status %q", final.Status)
	}

	var inputTokens, outputTokens, inferenceMS sql.NullInt64
	if final.Usage != nil {
		inputTokens = sql.NullInt64{Int64: int64(final.Usage.InputTokens), Valid: true}
		outputTokens = sql.NullInt64{Int64: int64(final.Usage.OutputTokens), Valid: true}
	}

	var startedAt sql.NullTime
	if final.StartedAt != nil {
		startedAt = sql.NullTime{Time: final.StartedAt.UTC(), Valid: true}
		if final.Status == core.ResultStatusCompleted {
			inferenceMS = sql.NullInt64{Int64: final.CompletedAt.Sub(*final.StartedAt).Milliseconds(), Valid: true}
		}
	}

	var errMsg sql.NullString
	if final.Error != "" {
		errMsg = sql.NullString{String: final.Error, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE compare_results
		SET status = ?, content = ?, reasoning = ?, input_tokens = ?, output_tokens = ?, error = ?,
			started_at = COALESCE(started_at, ?), completed_at = ?, inference_ms = ?
		WHERE run_id = ? AND model_id = ? AND `+nonTerminal),
		string(final.Status), final.Content, final.Reasoning, inputTokens, outputTokens, errMsg,
		startedAt, final.CompletedAt.UTC(), inferenceMS, runID, modelID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize result: %w", err)
	}

	if err := s.checkResultUpdate(ctx, res, runID, modelID); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`UPDATE compare_runs SET updated_at = ? WHERE id = ?`), time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to touch run: %w", err)
	}
	return nil
}

// checkResultUpdate distinguishes a missing row from one that is already terminal.
func (s *SQLStore) checkResultUpdate(ctx context.Context, res sql.Result, runID, modelID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, s.rebind(
		`SELECT status FROM compare_results WHERE run_id = ? AND model_id = ?`), runID, modelID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.getRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", core.ErrModelNotInRun, modelID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up result: %w", err)
	}

	s.logger.Debug("result already terminal",
		slog.String("run_id", runID),
		slog.String("model_id", modelID),
		slog.String("status", status))
	return nil
}

// resultsForRuns loads results for the given runs, keyed by run id and ordered by model position.
func (s *SQLStore) resultsForRuns(ctx context.Context, runIDs []string) (map[string][]*core.CompareResult, error) {
	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+resultColumns+` FROM compare_results WHERE run_id IN (`+placeholders(len(runIDs))+`) ORDER BY run_id, position`),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]*core.CompareResult, len(runIDs))
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		out[r.RunID] = append(out[r.RunID], r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}
	return out, nil
}

func scanResult(row rowScanner) (*core.CompareResult, error) {
	var (
		r                         core.CompareResult
		status                    string
		inputTokens, outputTokens sql.NullInt64
		inferenceMS               sql.NullInt64
		errMsg                    sql.NullString
		startedAt, completedAt    sql.NullTime
	)

	if err := row.Scan(&r.RunID, &r.ModelID, &status, &r.Content, &r.Reasoning,
		&inputTokens, &outputTokens, &errMsg, &startedAt, &completedAt, &inferenceMS); err != nil {
		return nil, err
	}

	r.Status = core.ResultStatus(status)
	r.Error = errMsg.String
	if inputTokens.Valid || outputTokens.Valid {
		r.Usage = &core.Usage{InputTokens: int(inputTokens.Int64), OutputTokens: int(outputTokens.Int64)}
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		r.CompletedAt = &t
	}
	if inferenceMS.Valid {
		ms := inferenceMS.Int64
		r.InferenceTimeMS = &ms
	}
	return &r, nil
}
