package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/strandkit/strand/internal/ledger"
	"github.com/strandkit/strand/internal/metrics"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/pkg/workflow"
)

// heartbeatEvery is how often long waits and child-run polls emit a
// heartbeat event.
const heartbeatEvery = 30 * time.Second

// execStep runs one non-choice step and returns its result. Choice
// steps are routed by the mode drivers since branching affects
// scheduling, not just the step's own outcome.
func (r *Runner) execStep(ctx context.Context, wc *workflow.Context, step *workflow.Step, token *run.Token) *workflow.StepResult {
	if wc.DryRun {
		return r.dryRunStep(step)
	}

	switch step.Type {
	case workflow.StepLambda:
		return r.execLambda(ctx, wc, step, token)
	case workflow.StepOperation:
		return r.execOperation(ctx, wc, step, token)
	case workflow.StepWait:
		return r.execWait(ctx, wc, step, token)
	case workflow.StepMap:
		return r.execMap(ctx, wc, step, token)
	default:
		return workflow.Fail(
			fmt.Sprintf("unexpected step type %s", step.Type),
			"internal", false)
	}
}

// dryRunStep synthesizes step outcomes without side effects. Waits
// collapse to zero; handlers and child runs are bypassed.
func (r *Runner) dryRunStep(step *workflow.Step) *workflow.StepResult {
	return workflow.OK(map[string]any{"dry_run": true})
}

// execLambda invokes the in-process handler, translating token
// cancellation into ctx cancellation so handlers only watch one
// signal.
func (r *Runner) execLambda(ctx context.Context, wc *workflow.Context, step *workflow.Step, token *run.Token) *workflow.StepResult {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-hctx.Done():
		}
	}()

	res := step.Handler(hctx, wc, step.Config)
	if res == nil {
		res = workflow.OK(nil)
	}
	return res
}

// execOperation submits a child run for the named handler and polls it
// to a terminal status.
func (r *Runner) execOperation(ctx context.Context, wc *workflow.Context, step *workflow.Step, token *run.Token) *workflow.StepResult {
	params := wc.Params()
	for k, v := range step.Config {
		params[k] = v
	}

	child, err := r.submitter.Submit(ctx, run.WorkSpec{
		Kind:          run.KindStep,
		Name:          step.OperationName,
		Params:        params,
		ParentRunID:   wc.RunID,
		CorrelationID: wc.CorrelationID,
		BatchID:       wc.BatchID,
		TriggerSource: "workflow",
	})
	if err != nil {
		return workflow.Fail(
			fmt.Sprintf("failed to submit operation %s: %v", step.OperationName, err),
			"dispatch", true)
	}

	return r.awaitChild(ctx, wc, child.ID, token)
}

// awaitChild polls a child run until it reaches a terminal status,
// observing cancellation between polls.
func (r *Runner) awaitChild(ctx context.Context, wc *workflow.Context, childID string, token *run.Token) *workflow.StepResult {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	lastBeat := time.Now()

	for {
		child, err := r.submitter.Get(ctx, childID)
		if err != nil {
			return workflow.Fail(
				fmt.Sprintf("failed to read child run %s: %v", childID, err),
				"storage", true)
		}
		switch child.Status {
		case run.StatusCompleted:
			return workflow.OK(child.Result)
		case run.StatusFailed, run.StatusDeadLettered:
			return workflow.Fail(child.Error, child.ErrorCategory, false)
		case run.StatusCancelled:
			return workflow.Fail("child run cancelled", "cancelled", false)
		}

		if time.Since(lastBeat) >= heartbeatEvery {
			_, _ = r.ledger.Append(ctx, wc.RunID, ledger.EventHeartbeat,
				map[string]any{"waiting_on": childID})
			lastBeat = time.Now()
		}

		select {
		case <-ctx.Done():
			return workflow.Fail("context cancelled", "cancelled", false)
		case <-token.Done():
			return workflow.Fail(token.Reason(), "cancelled", false)
		case <-ticker.C:
		}
	}
}

// execWait suspends for the configured duration, waking at least once
// per second to observe cancellation.
func (r *Runner) execWait(ctx context.Context, wc *workflow.Context, step *workflow.Step, token *run.Token) *workflow.StepResult {
	deadline := time.Now().Add(step.WaitDuration())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastBeat := time.Now()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return workflow.Fail("context cancelled", "cancelled", false)
		case <-token.Done():
			return workflow.Fail(token.Reason(), "cancelled", false)
		case <-ticker.C:
		}
		if time.Since(lastBeat) >= heartbeatEvery {
			_, _ = r.ledger.Append(ctx, wc.RunID, ledger.EventHeartbeat,
				map[string]any{"waiting_until": deadline.UTC().Format(time.RFC3339)})
			lastBeat = time.Now()
		}
	}
	return workflow.OK(map[string]any{"waited_seconds": step.WaitSeconds})
}

// execMap fans the sub-workflow out over the items list, bounded by
// the workflow's max concurrency. Each item becomes a child workflow
// run; the step fails if any item fails.
func (r *Runner) execMap(ctx context.Context, wc *workflow.Context, step *workflow.Step, token *run.Token) *workflow.StepResult {
	items, ok := r.mapItems(wc, step)
	if !ok {
		return workflow.Fail(
			fmt.Sprintf("items_param %s is not a list", step.ItemsParam),
			"validation", false)
	}
	if len(items) == 0 {
		return workflow.OK(map[string]any{"items": 0})
	}

	type itemResult struct {
		index int
		res   *workflow.StepResult
	}

	sem := make(chan struct{}, r.maxConcurrency)
	results := make(chan itemResult, len(items))

	for i, item := range items {
		go func(idx int, it any) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- itemResult{idx, workflow.Fail("context cancelled", "cancelled", false)}
				return
			case <-token.Done():
				results <- itemResult{idx, workflow.Fail(token.Reason(), "cancelled", false)}
				return
			}

			params := wc.Params()
			params["item"] = it
			params["item_index"] = idx
			child, err := r.submitter.Submit(ctx, run.WorkSpec{
				Kind:          run.KindWorkflow,
				Name:          step.MapWorkflow,
				Params:        params,
				ParentRunID:   wc.RunID,
				CorrelationID: wc.CorrelationID,
				BatchID:       wc.BatchID,
				TriggerSource: "workflow",
			})
			if err != nil {
				results <- itemResult{idx, workflow.Fail(
					fmt.Sprintf("failed to submit item %d: %v", idx, err),
					"dispatch", true)}
				return
			}
			results <- itemResult{idx, r.awaitChild(ctx, wc, child.ID, token)}
		}(i, item)
	}

	outputs := make([]any, len(items))
	failures := 0
	var firstErr string
	for range items {
		ir := <-results
		if ir.res.Failed() {
			failures++
			if firstErr == "" {
				firstErr = ir.res.Err
			}
			outputs[ir.index] = map[string]any{"error": ir.res.Err}
		} else {
			outputs[ir.index] = ir.res.Output
		}
	}

	if failures > 0 {
		return workflow.Fail(
			fmt.Sprintf("%d of %d items failed: %s", failures, len(items), firstErr),
			"map_item_failed", false)
	}
	return workflow.OK(map[string]any{
		"items":   len(items),
		"results": outputs,
	})
}

// mapItems resolves the items list from params, then step outputs.
func (r *Runner) mapItems(wc *workflow.Context, step *workflow.Step) ([]any, bool) {
	if v, ok := wc.Param(step.ItemsParam); ok {
		items, ok := v.([]any)
		return items, ok
	}
	// Fall back to a step output: "stepname.key".
	for name, out := range wc.Outputs() {
		for k, v := range out {
			if name+"."+k == step.ItemsParam {
				items, ok := v.([]any)
				return items, ok
			}
		}
	}
	return nil, false
}

// recordStep appends the step's ledger event and observes metrics.
func (r *Runner) recordStep(ctx context.Context, wc *workflow.Context, ex *workflow.StepExecution) {
	var eventType string
	switch ex.Status {
	case workflow.StepStatusCompleted:
		eventType = ledger.EventStepCompleted
	case workflow.StepStatusSkipped:
		eventType = ledger.EventStepSkipped
	default:
		eventType = ledger.EventStepFailed
	}

	data := map[string]any{"step": ex.Step, "type": string(ex.Type)}
	if ex.Error != "" {
		data["error"] = ex.Error
		data["category"] = ex.Category
	}
	if _, err := r.ledger.Append(ctx, wc.RunID, eventType, data); err != nil {
		r.logger.Warn("failed to append step event",
			"run_id", wc.RunID, "step", ex.Step, "error", err)
	}
	metrics.RecordStep(string(ex.Type), string(ex.Status), ex.Duration())
}
