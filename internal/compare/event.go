package compare

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leapstack-labs/leapcompare/pkg/core"
)

// EventType is the wire discriminator of a stream event.
type EventType string

// Event types.
const (
	TypeRunStart       EventType = "run_start"
	TypeModelStart     EventType = "model_start"
	TypeDelta          EventType = "delta"
	TypeReasoningDelta EventType = "reasoning_delta"
	TypeModelEnd       EventType = "model_end"
	TypeModelError     EventType = "model_error"
	TypeRunEnd         EventType = "run_end"
	TypeHeartbeat      EventType = "heartbeat"
)

// Event is one item of a run's output stream. The set of implementations
// is closed: only the types in this file satisfy it.
type Event interface {
	Type() EventType
	isEvent()
}

// RunStart announces the accepted run.
type RunStart struct {
	RunID string `json:"runId"`
}

// ModelStart marks a model entering running.
type ModelStart struct {
	ModelID         string    `json:"modelId"`
	ServerStartedAt time.Time `json:"serverStartedAt"`
}

// Delta carries incremental answer text.
type Delta struct {
	ModelID   string `json:"modelId"`
	TextDelta string `json:"textDelta"`
}

// ReasoningDelta carries incremental reasoning text.
type ReasoningDelta struct {
	ModelID        string `json:"modelId"`
	ReasoningDelta string `json:"reasoningDelta"`
}

// ModelEnd reports a model that finished successfully.
type ModelEnd struct {
	ModelID           string      `json:"modelId"`
	Usage             *core.Usage `json:"usage"`
	ServerStartedAt   time.Time   `json:"serverStartedAt"`
	ServerCompletedAt time.Time   `json:"serverCompletedAt"`
	InferenceTimeMS   int64       `json:"inferenceTimeMs"`
}

// ModelError reports a failed model with a human-readable message.
type ModelError struct {
	ModelID string `json:"modelId"`
	Error   string `json:"error"`
}

// RunEnd is the final event, sent once every result is terminal.
type RunEnd struct {
	RunID   string                `json:"runId"`
	Status  core.RunStatus        `json:"status"`
	Results []*core.CompareResult `json:"results"`
}

// Heartbeat keeps idle connections open.
type Heartbeat struct{}

func (RunStart) Type() EventType       { return TypeRunStart }
func (ModelStart) Type() EventType     { return TypeModelStart }
func (Delta) Type() EventType          { return TypeDelta }
func (ReasoningDelta) Type() EventType { return TypeReasoningDelta }
func (ModelEnd) Type() EventType       { return TypeModelEnd }
func (ModelError) Type() EventType     { return TypeModelError }
func (RunEnd) Type() EventType         { return TypeRunEnd }
func (Heartbeat) Type() EventType      { return TypeHeartbeat }

func (RunStart) isEvent()       {}
func (ModelStart) isEvent()     {}
func (Delta) isEvent()          {}
func (ReasoningDelta) isEvent() {}
func (ModelEnd) isEvent()       {}
func (ModelError) isEvent()     {}
func (RunEnd) isEvent()         {}
func (Heartbeat) isEvent()      {}

// ModelIDOf returns the model an event belongs to, or "" for run-level events.
func ModelIDOf(ev Event) string {
	switch e := ev.(type) {
	case ModelStart:
		return e.ModelID
	case Delta:
		return e.ModelID
	case ReasoningDelta:
		return e.ModelID
	case ModelEnd:
		return e.ModelID
	case ModelError:
		return e.ModelID
	case RunStart, RunEnd, Heartbeat:
		return ""
	default:
		panic(fmt.Sprintf("compare: unhandled event %T", ev))
	}
}

// MarshalEvent encodes an event with its type discriminator.
func MarshalEvent(ev Event) ([]byte, error) {
	var payload any
	switch e := ev.(type) {
	case RunStart:
		type alias RunStart
		payload = struct {
			Type EventType `json:"type"`
			alias
		}{e.Type(), alias(e)}
	case ModelStart:
		type alias ModelStart
		payload = struct {
			Type EventType `json:"type"`
			alias
		}{e.Type(), alias(e)}
	case Delta:
		type alias Delta
		payload = struct {
			Type EventType `json:"type"`
			alias
		}{e.Type(), alias(e)}
	case ReasoningDelta:
		type alias ReasoningDelta
		payload = struct {
			Type EventType `json:"type"`
			alias
		}{e.Type(), alias(e)}
	case ModelEnd:
		type alias ModelEnd
		payload = struct {
			Type EventType `json:"type"`
			alias
		}{e.Type(), alias(e)}
	case ModelError:
		type alias ModelError
		payload = struct {
			Type EventType `json:"type"`
			alias
		}{e.Type(), alias(e)}
	case RunEnd:
		type alias RunEnd
		payload = struct {
			Type EventType `json:"type"`
			alias
		}{e.Type(), alias(e)}
	case Heartbeat:
		payload = struct {
			Type EventType `json:"type"`
		}{e.Type()}
	default:
		return nil, fmt.Errorf("unknown event %T", ev)
	}
	return json.Marshal(payload)
}

// UnmarshalEvent decodes a JSON payload produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch head.Type {
	case TypeRunStart:
		ev, err = decodeAs[RunStart](data)
	case TypeModelStart:
		ev, err = decodeAs[ModelStart](data)
	case TypeDelta:
		ev, err = decodeAs[Delta](data)
	case TypeReasoningDelta:
		ev, err = decodeAs[ReasoningDelta](data)
	case TypeModelEnd:
		ev, err = decodeAs[ModelEnd](data)
	case TypeModelError:
		ev, err = decodeAs[ModelError](data)
	case TypeRunEnd:
		ev, err = decodeAs[RunEnd](data)
	case TypeHeartbeat:
		ev = Heartbeat{}
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
	return ev, err
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
