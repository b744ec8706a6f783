package runner

import (
	"context"
	"sort"
	"time"

	"github.com/strandkit/strand/internal/ledger"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/pkg/workflow"
)

// dagEdges holds the dependency graph with the implicit choice edges
// added: a choice step is a predecessor of both of its targets.
type dagEdges struct {
	order map[string]int
	preds map[string][]string
	succs map[string][]string
}

func buildEdges(def *workflow.Definition) *dagEdges {
	e := &dagEdges{
		order: make(map[string]int, len(def.Steps)),
		preds: make(map[string][]string, len(def.Steps)),
		succs: make(map[string][]string, len(def.Steps)),
	}
	for i := range def.Steps {
		e.order[def.Steps[i].Name] = i
	}
	add := func(from, to string) {
		e.preds[to] = append(e.preds[to], from)
		e.succs[from] = append(e.succs[from], to)
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		for _, dep := range step.DependsOn {
			add(dep, step.Name)
		}
		if step.Type == workflow.StepChoice {
			if step.ThenStep != "" {
				add(step.Name, step.ThenStep)
			}
			if step.ElseStep != "" {
				add(step.Name, step.ElseStep)
			}
		}
	}
	return e
}

// runDAG executes the workflow as a dependency graph with bounded
// concurrency. Steps become ready when all predecessors resolve; ties
// dispatch in declaration order. A STOP-policy failure stops new
// dispatch, cancels in-flight steps, and fails the run. Skips
// propagate: a step whose predecessors all skipped is itself skipped,
// and a single completed predecessor is enough to enable it.
func (r *Runner) runDAG(ctx context.Context, def *workflow.Definition, wc *workflow.Context, token *run.Token) *workflow.Result {
	result := &workflow.Result{
		Status:    workflow.RunCompleted,
		StartedAt: time.Now(),
	}

	edges := buildEdges(def)
	unresolved := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		unresolved[def.Steps[i].Name] = len(edges.preds[def.Steps[i].Name])
	}

	statuses := make(map[string]workflow.StepStatus, len(def.Steps))
	deselected := make(map[string]bool)

	maxConc := def.Policy.MaxConcurrency
	if maxConc < 1 {
		maxConc = r.maxConcurrency
	}

	dagCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	type stepDone struct {
		step *workflow.Step
		res  *workflow.StepResult
		from time.Time
	}
	done := make(chan stepDone)

	var ready []string
	for i := range def.Steps {
		if unresolved[def.Steps[i].Name] == 0 {
			ready = append(ready, def.Steps[i].Name)
		}
	}
	sortReady := func() {
		sort.Slice(ready, func(i, j int) bool {
			return edges.order[ready[i]] < edges.order[ready[j]]
		})
	}
	sortReady()

	running := 0
	halting := false
	cancelled := false

	// resolve marks a step finished and promotes successors whose
	// predecessors are all accounted for.
	resolve := func(name string) {
		for _, succ := range edges.succs[name] {
			unresolved[succ]--
			if unresolved[succ] == 0 {
				ready = append(ready, succ)
			}
		}
		sortReady()
	}

	allPredsSkipped := func(name string) bool {
		preds := edges.preds[name]
		if len(preds) == 0 {
			return false
		}
		for _, p := range preds {
			if statuses[p] != workflow.StepStatusSkipped {
				return false
			}
		}
		return true
	}

	record := func(step *workflow.Step, res *workflow.StepResult, started time.Time) {
		ex := buildExecution(step, res, started)
		result.StepExecutions = append(result.StepExecutions, ex)
		r.recordStep(ctx, wc, &result.StepExecutions[len(result.StepExecutions)-1])

		switch {
		case res.Failed():
			statuses[step.Name] = workflow.StepStatusFailed
			result.FailedSteps = append(result.FailedSteps, step.Name)
			if res.Category == "cancelled" {
				// Run-level cancellation only when the run's own token
				// fired. A cancelled category without it is fallout
				// from a STOP failure cancelling its in-flight peers.
				if token.Cancelled() {
					cancelled = true
				}
				halting = true
			} else if step.ErrorPolicy() == workflow.OnErrorStop {
				result.ErrorStep = step.Name
				result.Error = res.Err
				halting = true
				cancelAll()
			}
		default:
			statuses[step.Name] = workflow.StepStatusCompleted
			wc.SetOutput(step.Name, res.Output)
			wc.MergeParams(res.ContextUpdates)
			result.CompletedSteps = append(result.CompletedSteps, step.Name)
		}
		resolve(step.Name)
	}

	skip := func(step *workflow.Step) {
		statuses[step.Name] = workflow.StepStatusSkipped
		r.recordSkip(ctx, wc, result, step, "branch not taken")
		resolve(step.Name)
	}

	for {
		// Dispatch everything ready within the concurrency budget.
		for !halting && len(ready) > 0 && running < maxConc {
			select {
			case <-token.Done():
				cancelled = true
				halting = true
				cancelAll()
			default:
			}
			if halting {
				break
			}

			name := ready[0]
			ready = ready[1:]
			step := def.StepByName(name)

			if deselected[name] || allPredsSkipped(name) {
				skip(step)
				continue
			}

			if step.Type == workflow.StepChoice {
				// Conditions are pure; evaluate inline.
				started := time.Now()
				_, _ = r.ledger.Append(ctx, wc.RunID, ledger.EventStepStarted,
					map[string]any{"step": step.Name, "type": string(step.Type)})
				taken, err := step.Condition.Evaluate(wc)
				var res *workflow.StepResult
				if err != nil {
					res = workflow.Fail("condition evaluation failed: "+err.Error(), "condition", false)
				} else {
					selected, other := step.ThenStep, step.ElseStep
					if !taken {
						selected, other = step.ElseStep, step.ThenStep
					}
					if other != "" {
						deselected[other] = true
					}
					res = workflow.OK(map[string]any{"condition": taken, "selected": selected})
				}
				record(step, res, started)
				continue
			}

			running++
			started := time.Now()
			_, _ = r.ledger.Append(ctx, wc.RunID, ledger.EventStepStarted,
				map[string]any{"step": step.Name, "type": string(step.Type)})
			go func(s *workflow.Step, from time.Time) {
				done <- stepDone{step: s, res: r.execStep(dagCtx, wc, s, token), from: from}
			}(step, started)
		}

		if running == 0 {
			if halting || len(ready) == 0 {
				break
			}
			// Everything remaining is blocked behind skips; drain them.
			continue
		}

		d := <-done
		running--
		record(d.step, d.res, d.from)
	}

	switch {
	case cancelled:
		return r.finish(result, workflow.RunCancelled, result.ErrorStep, token.Reason(), wc)
	case result.ErrorStep != "":
		return r.finish(result, workflow.RunFailed, result.ErrorStep, result.Error, wc)
	case len(result.FailedSteps) > 0:
		return r.finish(result, workflow.RunPartial, "", "", wc)
	default:
		return r.finish(result, workflow.RunCompleted, "", "", wc)
	}
}
