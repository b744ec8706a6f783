package workflow

import "time"

// StepStatus is the terminal disposition of a single step.
type StepStatus string

const (
	// StepStatusCompleted indicates the step succeeded.
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed indicates the step failed.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped indicates the step was routed around.
	StepStatusSkipped StepStatus = "skipped"
	// StepStatusCancelled indicates the step observed cancellation.
	StepStatusCancelled StepStatus = "cancelled"
)

// StepResult is what a handler returns: success with outputs and
// optional context updates, or failure with an error category and a
// retryable hint.
type StepResult struct {
	// Output is merged into context.outputs[step] on success.
	Output map[string]any `json:"output,omitempty"`

	// ContextUpdates are merged into the context params on success.
	ContextUpdates map[string]any `json:"context_updates,omitempty"`

	// Err is the failure message. Empty means success.
	Err string `json:"error,omitempty"`

	// Category is the handler-assigned failure category.
	Category string `json:"category,omitempty"`

	// Retryable reports whether the failure is considered transient.
	Retryable bool `json:"retryable,omitempty"`
}

// OK builds a successful step result.
func OK(output map[string]any) *StepResult {
	return &StepResult{Output: output}
}

// OKWithUpdates builds a successful step result that also updates
// context params.
func OKWithUpdates(output, updates map[string]any) *StepResult {
	return &StepResult{Output: output, ContextUpdates: updates}
}

// Fail builds a failed step result.
func Fail(message, category string, retryable bool) *StepResult {
	return &StepResult{Err: message, Category: category, Retryable: retryable}
}

// Failed reports whether the result is a failure.
func (r *StepResult) Failed() bool {
	return r != nil && r.Err != ""
}

// RunStatus is the terminal disposition of a workflow run.
type RunStatus string

const (
	// RunCompleted means every reached step succeeded.
	RunCompleted RunStatus = "completed"
	// RunFailed means a STOP-policy step failed, or CONTINUE steps
	// failed and nothing else remained.
	RunFailed RunStatus = "failed"
	// RunPartial means some CONTINUE-policy steps failed but the
	// workflow drained.
	RunPartial RunStatus = "partial"
	// RunCancelled means the run observed cancellation or lost its
	// concurrency lease.
	RunCancelled RunStatus = "cancelled"
)

// StepExecution records one step's execution for the workflow result.
type StepExecution struct {
	Step       string         `json:"step"`
	Type       StepType       `json:"type"`
	Status     StepStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Category   string         `json:"category,omitempty"`
	Retryable  bool           `json:"retryable,omitempty"`
	Attempt    int            `json:"attempt"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Duration is the step's wall-clock execution time.
func (e *StepExecution) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

// Result is the outcome of one workflow run.
type Result struct {
	Status          RunStatus       `json:"status"`
	CompletedSteps  []string        `json:"completed_steps"`
	FailedSteps     []string        `json:"failed_steps,omitempty"`
	SkippedSteps    []string        `json:"skipped_steps,omitempty"`
	ErrorStep       string          `json:"error_step,omitempty"`
	Error           string          `json:"error,omitempty"`
	StepExecutions  []StepExecution `json:"step_executions"`
	ContextSnapshot map[string]any  `json:"context_snapshot"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// Succeeded reports whether the workflow completed without failures.
func (r *Result) Succeeded() bool {
	return r.Status == RunCompleted
}
