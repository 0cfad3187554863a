package core

import (
	"context"
	"errors"
	"time"
)

// RunStatus is the aggregate status of a compare run.
type RunStatus string

// Run status constants.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCanceled  RunStatus = "canceled"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the run has reached a final status.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusCanceled || s == RunStatusFailed
}

// ResultStatus is the status of one model's result within a run.
type ResultStatus string

// Result status constants.
const (
	ResultStatusPending   ResultStatus = "pending"
	ResultStatusRunning   ResultStatus = "running"
	ResultStatusCompleted ResultStatus = "completed"
	ResultStatusCanceled  ResultStatus = "canceled"
	ResultStatusFailed    ResultStatus = "failed"
)

// IsTerminal reports whether the result can no longer change.
func (s ResultStatus) IsTerminal() bool {
	return s == ResultStatusCompleted || s == ResultStatusCanceled || s == ResultStatusFailed
}

// Sentinel errors shared by stores and the compare engine.
var (
	ErrRunNotFound   = errors.New("compare run not found")
	ErrModelNotInRun = errors.New("model is not part of this run")
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Usage holds token accounting reported by a provider.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// CompareRun is one user prompt fanned out to a set of models.
type CompareRun struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	Prompt    string    `json:"prompt"`
	ModelIDs  []string  `json:"modelIds"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CompareResult is the accumulated output of a single model within a run.
// InferenceTimeMS is only set once the result completed.
type CompareResult struct {
	RunID           string       `json:"runId"`
	ModelID         string       `json:"modelId"`
	Status          ResultStatus `json:"status"`
	Content         string       `json:"content"`
	Reasoning       string       `json:"reasoning,omitempty"`
	Usage           *Usage       `json:"usage,omitempty"`
	Error           string       `json:"error,omitempty"`
	StartedAt       *time.Time   `json:"serverStartedAt,omitempty"`
	CompletedAt     *time.Time   `json:"serverCompletedAt,omitempty"`
	InferenceTimeMS *int64       `json:"inferenceTimeMs,omitempty"`
}

// RunSnapshot is a run together with its results, ordered as the run's models.
type RunSnapshot struct {
	Run     *CompareRun      `json:"run"`
	Results []*CompareResult `json:"results"`
}

// ResultFinal carries the terminal state written when a result is finalized.
type ResultFinal struct {
	Status      ResultStatus
	Content     string
	Reasoning   string
	Usage       *Usage
	Error       string
	StartedAt   *time.Time
	CompletedAt time.Time
}

// ListRunsParams selects a page of runs for a chat.
type ListRunsParams struct {
	ChatID string
	// UserID restricts the listing to runs owned by the user when set.
	UserID string
	Cursor string
	Limit  int
}

// RunPage is one page of runs, oldest first.
type RunPage struct {
	Items      []*RunSnapshot `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
	HasMore    bool           `json:"hasMore"`
}

// CompareStore persists compare runs and their per-model results.
//
// A result row has exactly one writer: the worker streaming that model.
// Content only grows until the row is finalized, and finalization happens once.
type CompareStore interface {
	// CreateRun inserts the run and one running result row per model atomically.
	CreateRun(ctx context.Context, run *CompareRun) error
	MarkResultStarted(ctx context.Context, runID, modelID string, startedAt time.Time) error
	AppendResultDelta(ctx context.Context, runID, modelID, textDelta, reasoningDelta string) error
	FinalizeResult(ctx context.Context, runID, modelID string, final ResultFinal) error
	CompleteRun(ctx context.Context, runID string, status RunStatus) error

	GetRun(ctx context.Context, runID string) (*RunSnapshot, error)
	ListRuns(ctx context.Context, params ListRunsParams) (*RunPage, error)
	ListRunningRuns(ctx context.Context) ([]*CompareRun, error)
	DeleteChatRuns(ctx context.Context, chatID string) (int64, error)

	Close() error
}
