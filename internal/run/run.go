// Package run defines the run ledger: the durable record of every
// execution the engine accepts, plus the dispatcher that turns
// submissions into runs.
package run

import (
	"time"

	"github.com/strandkit/strand/pkg/errors"
)

// Status is a run's lifecycle state.
type Status string

const (
	// StatusPending means the run row exists but has not been queued.
	StatusPending Status = "pending"
	// StatusQueued means the run awaits a worker.
	StatusQueued Status = "queued"
	// StatusRunning means a worker is executing the run.
	StatusRunning Status = "running"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal failure.
	StatusFailed Status = "failed"
	// StatusCancelled is terminal cancellation.
	StatusCancelled Status = "cancelled"
	// StatusDeadLettered marks a failed run moved to the dead letter
	// queue after exhausting retries.
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether the status admits no further transitions
// except failed → dead_lettered.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDeadLettered:
		return true
	}
	return false
}

// validTransitions is the allowed status graph. Heartbeats are events,
// not transitions, so running → running is absent.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusRunning, StatusCancelled, StatusFailed},
	StatusQueued:  {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusDeadLettered},
}

// CanTransition reports whether from → to is an allowed transition.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders work within a lane.
type Priority string

const (
	PriorityRealtime Priority = "realtime"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PrioritySlow     Priority = "slow"
)

// Weight maps a priority to a sortable integer; lower runs first.
func (p Priority) Weight() int {
	switch p {
	case PriorityRealtime:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	case PrioritySlow:
		return 4
	default:
		return 2
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityRealtime, PriorityHigh, PriorityNormal, PriorityLow, PrioritySlow:
		return true
	}
	return false
}

// Kind classifies what a run executes.
type Kind string

const (
	// KindTask is a single registered handler.
	KindTask Kind = "task"
	// KindPipeline is a registered handler that itself drives stages.
	KindPipeline Kind = "pipeline"
	// KindWorkflow is a registered workflow definition.
	KindWorkflow Kind = "workflow"
	// KindStep is a child run spawned by a workflow operation step.
	KindStep Kind = "step"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindPipeline, KindWorkflow, KindStep:
		return true
	}
	return false
}

// Run is one row of the run ledger.
type Run struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	Name           string         `json:"name"`
	Status         Status         `json:"status"`
	Lane           string         `json:"lane"`
	Priority       Priority       `json:"priority"`
	Params         map[string]any `json:"params,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorCategory  string         `json:"error_category,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ParentRunID    string         `json:"parent_run_id,omitempty"`
	RetryOfRunID   string         `json:"retry_of_run_id,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	BatchID        string         `json:"batch_id,omitempty"`
	TriggerSource  string         `json:"trigger_source"`
	Attempt        int            `json:"attempt"`
	MaxRetries     int            `json:"max_retries"`
	RetryDelay     time.Duration  `json:"retry_delay,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
	FinishedAt     time.Time      `json:"finished_at,omitempty"`
}

// WorkSpec describes a submission to the dispatcher.
type WorkSpec struct {
	Kind           Kind           `json:"kind"`
	Name           string         `json:"name"`
	Params         map[string]any `json:"params,omitempty"`
	Lane           string         `json:"lane,omitempty"`
	Priority       Priority       `json:"priority,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ParentRunID    string         `json:"parent_run_id,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	BatchID        string         `json:"batch_id,omitempty"`
	TriggerSource  string         `json:"trigger_source,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
	RetryDelay     time.Duration  `json:"retry_delay,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// RetryOf links the created run to a prior run through
	// retry_of_run_id, continuing its attempt counter. Replays and
	// manual resubmissions use this to preserve lineage.
	RetryOf string `json:"retry_of,omitempty"`

	// SkipIfExists returns the prior run even when it failed or was
	// cancelled, instead of creating a retry-linked run.
	SkipIfExists bool `json:"skip_if_exists,omitempty"`

	// Force bypasses the idempotency lookup entirely and always
	// creates a new run.
	Force bool `json:"force,omitempty"`
}

// Validate checks the spec before submission.
func (w *WorkSpec) Validate() error {
	if !w.Kind.Valid() {
		return &errors.ValidationError{
			Field:      "kind",
			Message:    "must be one of task, pipeline, workflow, step",
			Suggestion: "set WorkSpec.Kind",
		}
	}
	if w.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if w.Priority != "" && !w.Priority.Valid() {
		return &errors.ValidationError{
			Field:   "priority",
			Message: "must be one of realtime, high, normal, low, slow",
		}
	}
	if w.MaxRetries < 0 {
		return &errors.ValidationError{Field: "max_retries", Message: "must not be negative"}
	}
	if w.RetryDelay < 0 {
		return &errors.ValidationError{Field: "retry_delay", Message: "must not be negative"}
	}
	return nil
}

// Filter narrows List queries. Zero values mean no constraint.
type Filter struct {
	Status        Status
	Kind          Kind
	Name          string
	Lane          string
	ParentRunID   string
	CorrelationID string
	BatchID       string
	Since         time.Time
	Until         time.Time
}

// Page bounds List results.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) limitOrDefault() int {
	if p.Limit <= 0 || p.Limit > 500 {
		return 100
	}
	return p.Limit
}
