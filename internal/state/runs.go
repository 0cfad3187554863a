package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leapstack-labs/leapcompare/pkg/core"
)

const runColumns = `id, chat_id, user_id, prompt, model_ids, status, created_at, updated_at`

// Page size bounds for ListRuns.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// CreateRun inserts the run and one running result row per model in a single transaction.
func (s *SQLStore) CreateRun(ctx context.Context, run *core.CompareRun) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if len(run.ModelIDs) == 0 {
		return fmt.Errorf("run has no models")
	}

	if run.ID == "" {
		run.ID = generateID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	run.Status = core.RunStatusRunning

	modelIDs, err := json.Marshal(run.ModelIDs)
	if err != nil {
		return fmt.Errorf("failed to encode model ids: %w", err)
	}

	s.logger.Debug("creating compare run",
		slog.String("run_id", run.ID),
		slog.String("chat_id", run.ChatID),
		slog.Int("models", len(run.ModelIDs)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO compare_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.ChatID, run.UserID, run.Prompt, string(modelIDs), string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	insertResult := s.rebind(`INSERT INTO compare_results (run_id, model_id, position, status) VALUES (?, ?, ?, ?)`)
	for i, modelID := range run.ModelIDs {
		if _, err := tx.ExecContext(ctx, insertResult, run.ID, modelID, i, string(core.ResultStatusRunning)); err != nil {
			return fmt.Errorf("failed to create result for %s: %w", modelID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// CompleteRun sets the run's terminal status. Runs that already left running are left untouched.
func (s *SQLStore) CompleteRun(ctx context.Context, runID string, status core.RunStatus) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE compare_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(status), time.Now().UTC(), runID, string(core.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n == 0 {
		if _, err := s.getRun(ctx, runID); err != nil {
			return err
		}
		s.logger.Debug("run already terminal", slog.String("run_id", runID))
	}
	return nil
}

// GetRun retrieves a run and its results.
func (s *SQLStore) GetRun(ctx context.Context, runID string) (*core.RunSnapshot, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	results, err := s.resultsForRuns(ctx, []string{run.ID})
	if err != nil {
		return nil, err
	}

	return &core.RunSnapshot{Run: run, Results: results[run.ID]}, nil
}

func (s *SQLStore) getRun(ctx context.Context, runID string) (*core.CompareRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM compare_runs WHERE id = ?`), runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs for a chat oldest first, with their results.
func (s *SQLStore) ListRuns(ctx context.Context, params core.ListRunsParams) (*core.RunPage, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	limit := params.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	query := `SELECT ` + runColumns + ` FROM compare_runs WHERE chat_id = ?`
	args := []any{params.ChatID}

	if params.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, params.UserID)
	}

	if params.Cursor != "" {
		c, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, err
		}
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, c.CreatedAt, c.CreatedAt, c.ID)
	}

	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*core.CompareRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	page := &core.RunPage{Items: []*core.RunSnapshot{}}
	if len(runs) > limit {
		runs = runs[:limit]
		page.HasMore = true
	}
	if len(runs) == 0 {
		return page, nil
	}

	ids := make([]string, len(runs))
	for i, run := range runs {
		ids[i] = run.ID
	}
	results, err := s.resultsForRuns(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, run := range runs {
		page.Items = append(page.Items, &core.RunSnapshot{Run: run, Results: results[run.ID]})
	}
	if page.HasMore {
		last := runs[len(runs)-1]
		page.NextCursor = encodeCursor(cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// ListRunningRuns returns every run still marked running.
func (s *SQLStore) ListRunningRuns(ctx context.Context) ([]*core.CompareRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+runColumns+` FROM compare_runs WHERE status = ? ORDER BY created_at ASC, id ASC`),
		string(core.RunStatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list running runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*core.CompareRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteChatRuns removes every run of a chat. Results cascade with their run.
func (s *SQLStore) DeleteChatRuns(ctx context.Context, chatID string) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database not opened")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// explicit child delete keeps this correct when foreign keys are disabled
	_, err = tx.ExecContext(ctx, s.rebind(
		`DELETE FROM compare_results WHERE run_id IN (SELECT id FROM compare_runs WHERE chat_id = ?)`), chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete results: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM compare_runs WHERE chat_id = ?`), chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}

	s.logger.Debug("deleted chat runs", slog.String("chat_id", chatID), slog.Int64("count", n))
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*core.CompareRun, error) {
	var (
		run      core.CompareRun
		modelIDs string
		status   string
	)
	if err := row.Scan(&run.ID, &run.ChatID, &run.UserID, &run.Prompt, &modelIDs, &status, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = core.RunStatus(status)
	if err := json.Unmarshal([]byte(modelIDs), &run.ModelIDs); err != nil {
		return nil, fmt.Errorf("failed to decode model ids: %w", err)
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return &run, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
