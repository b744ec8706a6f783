package runner

import (
	"context"
	"time"

	"github.com/strandkit/strand/internal/ledger"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/pkg/workflow"
)

// runSequential executes steps in declaration order. A choice step
// deselects one of its targets; deselected steps are recorded skipped
// when the iteration reaches them. A STOP-policy failure halts the
// loop; CONTINUE failures are recorded and the loop proceeds.
func (r *Runner) runSequential(ctx context.Context, def *workflow.Definition, wc *workflow.Context, token *run.Token) *workflow.Result {
	result := &workflow.Result{
		Status:    workflow.RunCompleted,
		StartedAt: time.Now(),
	}
	deselected := make(map[string]bool)

	for i := range def.Steps {
		step := &def.Steps[i]

		select {
		case <-ctx.Done():
			return r.finish(result, workflow.RunCancelled, "", "context cancelled", wc)
		case <-token.Done():
			return r.finish(result, workflow.RunCancelled, "", token.Reason(), wc)
		default:
		}

		if deselected[step.Name] {
			r.recordSkip(ctx, wc, result, step, "branch not taken")
			continue
		}

		if step.Type == workflow.StepChoice {
			if halt := r.execChoice(ctx, wc, result, def, i, deselected); halt {
				return r.finish(result, workflow.RunFailed, step.Name,
					lastError(result, step.Name), wc)
			}
			continue
		}

		started := time.Now()
		_, _ = r.ledger.Append(ctx, wc.RunID, ledger.EventStepStarted,
			map[string]any{"step": step.Name, "type": string(step.Type)})

		res := r.execStep(ctx, wc, step, token)
		ex := buildExecution(step, res, started)
		result.StepExecutions = append(result.StepExecutions, ex)
		r.recordStep(ctx, wc, &result.StepExecutions[len(result.StepExecutions)-1])

		if res.Failed() {
			result.FailedSteps = append(result.FailedSteps, step.Name)
			if res.Category == "cancelled" {
				return r.finish(result, workflow.RunCancelled, step.Name, res.Err, wc)
			}
			if step.ErrorPolicy() == workflow.OnErrorStop {
				return r.finish(result, workflow.RunFailed, step.Name, res.Err, wc)
			}
			continue
		}

		wc.SetOutput(step.Name, res.Output)
		wc.MergeParams(res.ContextUpdates)
		result.CompletedSteps = append(result.CompletedSteps, step.Name)
	}

	status := workflow.RunCompleted
	if len(result.FailedSteps) > 0 {
		status = workflow.RunPartial
	}
	return r.finish(result, status, "", "", wc)
}

// execChoice evaluates the condition, records the choice step, and
// deselects everything off the taken path: the branch not taken, plus
// every step between the choice and its target, which the taken branch
// jumps over. Returns true when the evaluation failed under a STOP
// policy.
func (r *Runner) execChoice(ctx context.Context, wc *workflow.Context, result *workflow.Result, def *workflow.Definition, idx int, deselected map[string]bool) bool {
	step := &def.Steps[idx]
	started := time.Now()
	_, _ = r.ledger.Append(ctx, wc.RunID, ledger.EventStepStarted,
		map[string]any{"step": step.Name, "type": string(step.Type)})

	taken, err := step.Condition.Evaluate(wc)
	var res *workflow.StepResult
	if err != nil {
		res = workflow.Fail("condition evaluation failed: "+err.Error(), "condition", false)
	} else {
		selected := step.ThenStep
		other := step.ElseStep
		if !taken {
			selected, other = step.ElseStep, step.ThenStep
		}
		if other != "" {
			deselected[other] = true
		}
		if selected != "" {
			for j := idx + 1; j < len(def.Steps); j++ {
				if def.Steps[j].Name == selected {
					break
				}
				deselected[def.Steps[j].Name] = true
			}
		}
		res = workflow.OK(map[string]any{
			"condition": taken,
			"selected":  selected,
		})
	}

	ex := buildExecution(step, res, started)
	result.StepExecutions = append(result.StepExecutions, ex)
	r.recordStep(ctx, wc, &result.StepExecutions[len(result.StepExecutions)-1])

	if res.Failed() {
		result.FailedSteps = append(result.FailedSteps, step.Name)
		return step.ErrorPolicy() == workflow.OnErrorStop
	}

	wc.SetOutput(step.Name, res.Output)
	result.CompletedSteps = append(result.CompletedSteps, step.Name)
	return false
}

// recordSkip marks a step skipped in the result and the ledger.
func (r *Runner) recordSkip(ctx context.Context, wc *workflow.Context, result *workflow.Result, step *workflow.Step, reason string) {
	now := time.Now()
	result.SkippedSteps = append(result.SkippedSteps, step.Name)
	result.StepExecutions = append(result.StepExecutions, workflow.StepExecution{
		Step:       step.Name,
		Type:       step.Type,
		Status:     workflow.StepStatusSkipped,
		Attempt:    1,
		StartedAt:  now,
		FinishedAt: now,
	})
	r.recordStep(ctx, wc, &result.StepExecutions[len(result.StepExecutions)-1])
}

// finish seals the result with its terminal status.
func (r *Runner) finish(result *workflow.Result, status workflow.RunStatus, errorStep, errMsg string, wc *workflow.Context) *workflow.Result {
	result.Status = status
	result.ErrorStep = errorStep
	result.Error = errMsg
	result.FinishedAt = time.Now()
	result.ContextSnapshot = wc.Snapshot()
	return result
}

// buildExecution assembles a StepExecution from a result.
func buildExecution(step *workflow.Step, res *workflow.StepResult, started time.Time) workflow.StepExecution {
	ex := workflow.StepExecution{
		Step:       step.Name,
		Type:       step.Type,
		Status:     workflow.StepStatusCompleted,
		Attempt:    1,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if res.Failed() {
		ex.Status = workflow.StepStatusFailed
		ex.Error = res.Err
		ex.Category = res.Category
		ex.Retryable = res.Retryable
		if res.Category == "cancelled" {
			ex.Status = workflow.StepStatusCancelled
		}
	} else {
		ex.Output = res.Output
	}
	return ex
}

// lastError returns the recorded error for a step, for the halting
// path where the failure is already in StepExecutions.
func lastError(result *workflow.Result, step string) string {
	for i := len(result.StepExecutions) - 1; i >= 0; i-- {
		if result.StepExecutions[i].Step == step {
			return result.StepExecutions[i].Error
		}
	}
	return ""
}
