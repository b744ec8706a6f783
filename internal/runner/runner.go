// Package runner executes runs: workflows through their definitions,
// tasks and pipelines through their registered handlers. It is the
// engine's Executor.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandkit/strand/internal/guard"
	"github.com/strandkit/strand/internal/ident"
	"github.com/strandkit/strand/internal/ledger"
	"github.com/strandkit/strand/internal/registry"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/pkg/errors"
	"github.com/strandkit/strand/pkg/workflow"
)

// Submitter spawns and observes child runs for operation and map
// steps. The wiring layer backs it with the dispatcher and repository.
type Submitter interface {
	Submit(ctx context.Context, spec run.WorkSpec) (*run.Run, error)
	Get(ctx context.Context, runID string) (*run.Run, error)
}

// Runner executes runs.
type Runner struct {
	workflows *workflow.Registry
	handlers  *registry.Registry
	guard     *guard.Guard
	ledger    *ledger.Ledger
	submitter Submitter
	logger    *slog.Logger

	leaseTTL       time.Duration
	maxConcurrency int
	pollInterval   time.Duration
}

// Options configures New.
type Options struct {
	LeaseTTL       time.Duration
	MaxConcurrency int
	Logger         *slog.Logger
}

// New creates a runner. The submitter attaches afterwards via
// SetSubmitter since the dispatcher depends on the engine which
// depends on the runner.
func New(workflows *workflow.Registry, handlers *registry.Registry, g *guard.Guard, lg *ledger.Ledger, opts Options) *Runner {
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	maxConc := opts.MaxConcurrency
	if maxConc < 1 {
		maxConc = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		workflows:      workflows,
		handlers:       handlers,
		guard:          g,
		ledger:         lg,
		logger:         logger,
		leaseTTL:       ttl,
		maxConcurrency: maxConc,
		pollInterval:   time.Second,
	}
}

// SetSubmitter attaches the child-run spawner.
func (r *Runner) SetSubmitter(s Submitter) { r.submitter = s }

// Execute runs one unit of work to completion. Implements
// engine.Executor.
func (r *Runner) Execute(ctx context.Context, rn *run.Run, token *run.Token) (map[string]any, error) {
	switch rn.Kind {
	case run.KindWorkflow:
		return r.executeWorkflow(ctx, rn, token)
	case run.KindTask, run.KindPipeline, run.KindStep:
		return r.executeHandler(ctx, rn, token)
	default:
		return nil, &errors.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("unknown run kind: %s", rn.Kind),
		}
	}
}

// executeHandler invokes a registered handler once.
func (r *Runner) executeHandler(ctx context.Context, rn *run.Run, token *run.Token) (map[string]any, error) {
	h, err := r.handlers.Get(string(rn.Kind), rn.Name)
	if err != nil {
		// Step runs execute handlers registered under any kind; try the
		// task table before giving up.
		if rn.Kind == run.KindStep {
			if h, err = r.handlers.Get(string(run.KindTask), rn.Name); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-hctx.Done():
		}
	}()

	wc := workflow.NewContext(rn.ID, rn.Name, rn.Params)
	wc.ParentRunID = rn.ParentRunID
	wc.CorrelationID = rn.CorrelationID
	wc.BatchID = rn.BatchID
	wc.SetProgressFunc(r.progressSink(ctx, rn.ID))

	res := h(hctx, wc, rn.Params)
	if token.Cancelled() {
		return nil, &errors.CancelledError{Reason: token.Reason()}
	}
	if res.Failed() {
		return nil, &errors.HandlerError{
			Handler:   rn.Name,
			Category:  res.Category,
			Retryable: res.Retryable,
			Message:   res.Err,
		}
	}
	if res == nil {
		return nil, nil
	}
	return res.Output, nil
}

// progressSink records handler progress reports in the run's ledger.
// A failed append only loses the report, never the run.
func (r *Runner) progressSink(ctx context.Context, runID string) func(data map[string]any) {
	return func(data map[string]any) {
		if _, err := r.ledger.Append(ctx, runID, ledger.EventProgress, data); err != nil {
			r.logger.Warn("progress event dropped", "run_id", runID, "error", err)
		}
	}
}

// executeWorkflow looks up the definition, takes the concurrency lease
// when the workflow declares lock params, and drives the steps.
func (r *Runner) executeWorkflow(ctx context.Context, rn *run.Run, token *run.Token) (map[string]any, error) {
	def, err := r.workflows.Get(rn.Name)
	if err != nil {
		return nil, err
	}

	params := make(map[string]any, len(def.Defaults)+len(rn.Params))
	for k, v := range def.Defaults {
		params[k] = v
	}
	for k, v := range rn.Params {
		params[k] = v
	}

	if len(def.LockParams) > 0 {
		key := lockKey(def.Name, params, def.LockParams)
		lease, err := r.guard.Acquire(ctx, key, rn.ID, r.leaseTTL)
		if err != nil {
			if errors.IsKind(err, errors.KindLockUnavailable) {
				return nil, &errors.CancelledError{
					Reason: "lock_unavailable: " + key,
				}
			}
			return nil, err
		}
		defer func() {
			rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer rcancel()
			if rerr := r.guard.Release(rctx, lease.Key, rn.ID); rerr != nil {
				r.logger.Warn("lease release failed",
					"lock_key", lease.Key, "run_id", rn.ID, "error", rerr)
			}
		}()
	}

	wc := workflow.NewContext(rn.ID, def.Name, params)
	wc.ParentRunID = rn.ParentRunID
	wc.CorrelationID = rn.CorrelationID
	wc.BatchID = rn.BatchID
	wc.SetProgressFunc(r.progressSink(ctx, rn.ID))
	if dry, ok := params["dry_run"].(bool); ok {
		wc.DryRun = dry
	}

	var result *workflow.Result
	if def.Policy.Mode == workflow.ModeParallel {
		result = r.runDAG(ctx, def, wc, token)
	} else {
		result = r.runSequential(ctx, def, wc, token)
	}

	out := resultMap(result, wc)
	switch result.Status {
	case workflow.RunCompleted, workflow.RunPartial:
		return out, nil
	case workflow.RunCancelled:
		return nil, &errors.CancelledError{Reason: result.Error}
	default:
		return nil, &errors.HandlerError{
			Handler:   def.Name,
			Category:  "workflow_failed",
			Retryable: retryableResult(result),
			Message:   fmt.Sprintf("step %s failed: %s", result.ErrorStep, result.Error),
		}
	}
}

// retryableResult reports whether the halting step's failure was
// marked transient.
func retryableResult(res *workflow.Result) bool {
	for i := range res.StepExecutions {
		ex := &res.StepExecutions[i]
		if ex.Step == res.ErrorStep && ex.Status == workflow.StepStatusFailed {
			return ex.Retryable
		}
	}
	return false
}

// lockKey derives the lease key from the workflow name and the values
// of the declared lock params.
func lockKey(name string, params map[string]any, lockParams []string) string {
	return "workflow:" + name + ":" + ident.PartitionHash(params, lockParams)
}

// resultMap flattens a workflow result into the run's stored result.
func resultMap(res *workflow.Result, wc *workflow.Context) map[string]any {
	return map[string]any{
		"status":          string(res.Status),
		"completed_steps": res.CompletedSteps,
		"failed_steps":    res.FailedSteps,
		"skipped_steps":   res.SkippedSteps,
		"outputs":         wc.Outputs(),
	}
}
