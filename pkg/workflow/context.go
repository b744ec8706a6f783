package workflow

import (
	"context"
	"sync"
)

// Context is the per-run mutable state a workflow execution carries.
// The params seed is set once at run start; step outputs are committed
// by the runner as steps complete. Handlers read the context and return
// outputs through StepResult; they never write it directly.
//
// All accessors copy, so a snapshot taken by one step cannot be
// mutated by a concurrently completing step.
type Context struct {
	// RunID is the workflow run this context belongs to.
	RunID string

	// WorkflowName is the executing definition's name.
	WorkflowName string

	// ParentRunID links to the spawning run, if any.
	ParentRunID string

	// CorrelationID is shared across a logical chain of runs.
	CorrelationID string

	// BatchID is shared across a batch of runs.
	BatchID string

	// DryRun reports whether handlers are being bypassed.
	DryRun bool

	mu       sync.RWMutex
	params   map[string]any
	outputs  map[string]map[string]any
	progress func(data map[string]any)
}

// NewContext builds a context seeded with params.
func NewContext(runID, workflowName string, params map[string]any) *Context {
	seed := make(map[string]any, len(params))
	for k, v := range params {
		seed[k] = v
	}
	return &Context{
		RunID:        runID,
		WorkflowName: workflowName,
		params:       seed,
		outputs:      make(map[string]map[string]any),
	}
}

// Params returns a copy of the current params.
func (c *Context) Params() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// Param returns a single param value.
func (c *Context) Param(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.params[key]
	return v, ok
}

// MergeParams applies context_updates from a step result. Last writer
// wins when parallel steps update the same key.
func (c *Context) MergeParams(updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range updates {
		c.params[k] = v
	}
}

// SetProgressFunc attaches the progress sink. Runner use only.
func (c *Context) SetProgressFunc(fn func(data map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = fn
}

// Progress reports incremental progress from a long-running handler,
// e.g. rows processed so far. Without an attached sink it is a no-op,
// so handlers can call it unconditionally.
func (c *Context) Progress(data map[string]any) {
	c.mu.RLock()
	fn := c.progress
	c.mu.RUnlock()
	if fn != nil {
		fn(data)
	}
}

// SetOutput commits a step's output map. Runner use only.
func (c *Context) SetOutput(stepName string, output map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make(map[string]any, len(output))
	for k, v := range output {
		stored[k] = v
	}
	c.outputs[stepName] = stored
}

// Output returns a copy of one step's committed output.
func (c *Context) Output(stepName string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, ok := c.outputs[stepName]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, true
}

// Outputs returns a copy of all committed step outputs.
func (c *Context) Outputs() map[string]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]any, len(c.outputs))
	for step, m := range c.outputs {
		inner := make(map[string]any, len(m))
		for k, v := range m {
			inner[k] = v
		}
		out[step] = inner
	}
	return out
}

// Snapshot returns a serializable view of the context, used for the
// workflow result and for event payloads.
func (c *Context) Snapshot() map[string]any {
	return map[string]any{
		"run_id":         c.RunID,
		"workflow":       c.WorkflowName,
		"params":         c.Params(),
		"outputs":        c.Outputs(),
		"parent_run_id":  c.ParentRunID,
		"correlation_id": c.CorrelationID,
		"batch_id":       c.BatchID,
		"dry_run":        c.DryRun,
	}
}

// Handler is an in-process step implementation. It receives the run's
// workflow context (read-only by convention) and the step config, and
// reports its outcome as a StepResult. Handlers invoked from parallel
// DAG workflows must be safe for concurrent use.
//
// A nil return is treated as success with no output. Honoring ctx
// cancellation promptly is the handler's responsibility; the runner
// never hard-kills a handler.
type Handler func(ctx context.Context, wc *Context, config map[string]any) *StepResult
