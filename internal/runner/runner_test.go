package runner

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkit/strand/internal/guard"
	"github.com/strandkit/strand/internal/ident"
	"github.com/strandkit/strand/internal/ledger"
	"github.com/strandkit/strand/internal/registry"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
	"github.com/strandkit/strand/pkg/workflow"
)

// stubSubmitter resolves child runs immediately with a canned outcome.
type stubSubmitter struct {
	mu        sync.Mutex
	runs      map[string]*run.Run
	submitted []run.WorkSpec
	outcome   func(spec run.WorkSpec) *run.Run
}

func newStubSubmitter() *stubSubmitter {
	return &stubSubmitter{runs: make(map[string]*run.Run)}
}

func (s *stubSubmitter) Submit(ctx context.Context, spec run.WorkSpec) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, spec)
	var r *run.Run
	if s.outcome != nil {
		r = s.outcome(spec)
	} else {
		r = &run.Run{
			Status: run.StatusCompleted,
			Result: map[string]any{"operation": spec.Name},
		}
	}
	r.ID = ident.NewID()
	r.Kind = spec.Kind
	r.Name = spec.Name
	s.runs[r.ID] = r
	return r, nil
}

func (s *stubSubmitter) Get(ctx context.Context, runID string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return r, nil
}

func (s *stubSubmitter) submissions() []run.WorkSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]run.WorkSpec, len(s.submitted))
	copy(out, s.submitted)
	return out
}

type fixture struct {
	runner    *Runner
	workflows *workflow.Registry
	handlers  *registry.Registry
	guard     *guard.Guard
	ledger    *ledger.Ledger
	submitter *stubSubmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{
		URL: filepath.Join(t.TempDir(), "strand.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	workflows := workflow.NewRegistry()
	handlers := registry.New()
	g := guard.New(st, nil)
	lg := ledger.New(st)
	r := New(workflows, handlers, g, lg, Options{
		LeaseTTL:       time.Minute,
		MaxConcurrency: 4,
	})
	sub := newStubSubmitter()
	r.SetSubmitter(sub)
	return &fixture{runner: r, workflows: workflows, handlers: handlers, guard: g, ledger: lg, submitter: sub}
}

func workflowRun(name string, params map[string]any) *run.Run {
	return &run.Run{
		ID:     ident.NewID(),
		Kind:   run.KindWorkflow,
		Name:   name,
		Status: run.StatusRunning,
		Params: params,
	}
}

func lambda(fn func(wc *workflow.Context) *workflow.StepResult) workflow.Handler {
	return func(ctx context.Context, wc *workflow.Context, config map[string]any) *workflow.StepResult {
		return fn(wc)
	}
}

func TestExecuteSequentialWorkflow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "chain",
		Steps: []workflow.Step{
			{Name: "first", Type: workflow.StepLambda, Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				return workflow.OK(map[string]any{"value": 1})
			})},
			{Name: "second", Type: workflow.StepLambda, Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				out, _ := wc.Output("first")
				return workflow.OK(map[string]any{"value": out["value"].(int) + 1})
			})},
		},
	}))

	result, err := f.runner.Execute(context.Background(),
		workflowRun("chain", nil), run.NewToken())
	require.NoError(t, err)
	assert.Equal(t, "completed", result["status"])
	assert.Equal(t, []string{"first", "second"}, result["completed_steps"])

	outputs := result["outputs"].(map[string]map[string]any)
	assert.Equal(t, 2, outputs["second"]["value"])
}

func TestExecuteHandlerRun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.Register("task", "cleanup", "", lambda(func(wc *workflow.Context) *workflow.StepResult {
		v, _ := wc.Param("target")
		return workflow.OK(map[string]any{"cleaned": v})
	})))

	r := &run.Run{
		ID:     ident.NewID(),
		Kind:   run.KindTask,
		Name:   "cleanup",
		Params: map[string]any{"target": "/tmp"},
	}
	out, err := f.runner.Execute(context.Background(), r, run.NewToken())
	require.NoError(t, err)
	assert.Equal(t, "/tmp", out["cleaned"])

	// Unknown handler reports not found.
	_, err = f.runner.Execute(context.Background(),
		&run.Run{ID: "x", Kind: run.KindTask, Name: "missing"}, run.NewToken())
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestExecuteHandlerFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.Register("task", "flaky", "", lambda(func(wc *workflow.Context) *workflow.StepResult {
		return workflow.Fail("upstream down", "NETWORK", true)
	})))

	_, err := f.runner.Execute(context.Background(),
		&run.Run{ID: "x", Kind: run.KindTask, Name: "flaky"}, run.NewToken())
	require.Error(t, err)
	var he *errors.HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "NETWORK", he.Category)
	assert.True(t, he.Retryable)
	assert.True(t, errors.IsRetryable(err))
}

func TestStepRunFallsBackToTaskHandlers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.Register("task", "extract", "", lambda(func(wc *workflow.Context) *workflow.StepResult {
		return workflow.OK(map[string]any{"rows": 3})
	})))

	out, err := f.runner.Execute(context.Background(),
		&run.Run{ID: "x", Kind: run.KindStep, Name: "extract"}, run.NewToken())
	require.NoError(t, err)
	assert.Equal(t, 3, out["rows"])
}

func TestChoiceRoutesAndSkips(t *testing.T) {
	f := newFixture(t)
	var loaded, halted bool
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "gated",
		Steps: []workflow.Step{
			{Name: "route", Type: workflow.StepChoice,
				Condition: &workflow.Condition{Expression: "params.valid"},
				ThenStep:  "load", ElseStep: "halt"},
			{Name: "load", Type: workflow.StepLambda, Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				loaded = true
				return workflow.OK(nil)
			})},
			{Name: "halt", Type: workflow.StepLambda, Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				halted = true
				return workflow.OK(nil)
			})},
		},
	}))

	result, err := f.runner.Execute(context.Background(),
		workflowRun("gated", map[string]any{"valid": true}), run.NewToken())
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.False(t, halted, "the else branch must be skipped")
	assert.Equal(t, []string{"halt"}, result["skipped_steps"])
}

func TestChoiceSkipsJumpedSteps(t *testing.T) {
	f := newFixture(t)
	var ran []string
	record := func(name string) workflow.Step {
		return workflow.Step{
			Name: name, Type: workflow.StepLambda,
			Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				ran = append(ran, name)
				return workflow.OK(nil)
			}),
		}
	}
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "jumping",
		Steps: []workflow.Step{
			{Name: "route", Type: workflow.StepChoice,
				Condition: &workflow.Condition{Expression: "params.ready"},
				ThenStep:  "target", ElseStep: "fallback"},
			record("fallback"),
			record("middle"),
			record("target"),
		},
	}))

	result, err := f.runner.Execute(context.Background(),
		workflowRun("jumping", map[string]any{"ready": true}), run.NewToken())
	require.NoError(t, err)
	assert.Equal(t, []string{"target"}, ran,
		"taking a branch jumps straight to its target")
	skipped := result["skipped_steps"].([]string)
	assert.Contains(t, skipped, "fallback")
	assert.Contains(t, skipped, "middle")
}

func TestStopPolicyHaltsWorkflow(t *testing.T) {
	f := newFixture(t)
	var reached bool
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "brittle",
		Steps: []workflow.Step{
			{Name: "explode", Type: workflow.StepLambda, Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				return workflow.Fail("boom", "QUALITY_GATE", false)
			})},
			{Name: "after", Type: workflow.StepLambda, Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				reached = true
				return workflow.OK(nil)
			})},
		},
	}))

	_, err := f.runner.Execute(context.Background(),
		workflowRun("brittle", nil), run.NewToken())
	require.Error(t, err)
	assert.False(t, reached, "STOP failure halts the remaining steps")
	var he *errors.HandlerError
	require.ErrorAs(t, err, &he)
	assert.Contains(t, he.Message, "explode")
	assert.False(t, he.Retryable)
}

func TestContinuePolicyYieldsPartial(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "tolerant",
		Steps: []workflow.Step{
			{Name: "bad", Type: workflow.StepLambda, OnError: workflow.OnErrorContinue,
				Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
					return workflow.Fail("boom", "", false)
				})},
			{Name: "good", Type: workflow.StepLambda, Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				return workflow.OK(nil)
			})},
		},
	}))

	result, err := f.runner.Execute(context.Background(),
		workflowRun("tolerant", nil), run.NewToken())
	require.NoError(t, err, "a drained CONTINUE failure is not a run error")
	assert.Equal(t, "partial", result["status"])
	assert.Equal(t, []string{"bad"}, result["failed_steps"])
	assert.Equal(t, []string{"good"}, result["completed_steps"])
}

func TestWaitStepObservesCancellation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "pause",
		Steps: []workflow.Step{
			{Name: "wait", Type: workflow.StepWait, WaitSeconds: 3600},
		},
	}))

	cancels := run.NewCancelRegistry()
	r := workflowRun("pause", nil)
	token := cancels.Register(r.ID)

	done := make(chan error, 1)
	go func() {
		_, err := f.runner.Execute(context.Background(), r, token)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancels.Signal(r.ID, "operator request")

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("wait step did not observe cancellation")
	}
}

func TestParallelDAG(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var order []string
	step := func(name string) workflow.Step {
		return workflow.Step{
			Name: name,
			Type: workflow.StepLambda,
			Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return workflow.OK(map[string]any{"step": name})
			}),
		}
	}
	a := step("a")
	b := step("b")
	b.DependsOn = []string{"a"}
	c := step("c")
	c.DependsOn = []string{"a"}
	d := step("d")
	d.DependsOn = []string{"b", "c"}

	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name:   "diamond",
		Steps:  []workflow.Step{a, b, c, d},
		Policy: workflow.ExecutionPolicy{Mode: workflow.ModeParallel},
	}))

	result, err := f.runner.Execute(context.Background(),
		workflowRun("diamond", nil), run.NewToken())
	require.NoError(t, err)
	assert.Equal(t, "completed", result["status"])
	assert.Len(t, result["completed_steps"], 4)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "d", order[3])
}

func TestParallelStopFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "doomed",
		Steps: []workflow.Step{
			{Name: "slow", Type: workflow.StepWait, WaitSeconds: 3600},
			{Name: "explode", Type: workflow.StepLambda, Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				return workflow.Fail("ledger out of balance", "QUALITY_GATE", false)
			})},
		},
		Policy: workflow.ExecutionPolicy{Mode: workflow.ModeParallel},
	}))

	done := make(chan error, 1)
	go func() {
		_, err := f.runner.Execute(context.Background(),
			workflowRun("doomed", nil), run.NewToken())
		done <- err
	}()

	select {
	case err := <-done:
		// The in-flight wait step is torn down, but the run reports the
		// STOP failure, not a cancellation.
		require.Error(t, err)
		assert.Equal(t, errors.KindHandler, errors.KindOf(err))
		var he *errors.HandlerError
		require.ErrorAs(t, err, &he)
		assert.Contains(t, he.Message, "explode")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not resolve after the STOP failure")
	}
}

func TestHandlerProgressRecorded(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.Register("task", "bulk-load", "", func(ctx context.Context, wc *workflow.Context, config map[string]any) *workflow.StepResult {
		wc.Progress(map[string]any{"rows": 500})
		wc.Progress(map[string]any{"rows": 1000})
		return workflow.OK(map[string]any{"rows": 1000})
	}))

	r := &run.Run{ID: ident.NewID(), Kind: run.KindTask, Name: "bulk-load"}
	_, err := f.runner.Execute(context.Background(), r, run.NewToken())
	require.NoError(t, err)

	events, err := f.ledger.ListByType(context.Background(), r.ID, ledger.EventProgress)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, float64(500), events[0].Data["rows"])
	assert.Equal(t, float64(1000), events[1].Data["rows"])
}

func TestParallelDAGSkipPropagation(t *testing.T) {
	f := newFixture(t)
	var downstream bool
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "routed",
		Steps: []workflow.Step{
			{Name: "route", Type: workflow.StepChoice,
				Condition: &workflow.Condition{Expression: "false"},
				ThenStep:  "unlucky", ElseStep: "lucky"},
			{Name: "unlucky", Type: workflow.StepLambda, Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				return workflow.OK(nil)
			})},
			{Name: "lucky", Type: workflow.StepLambda, Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				return workflow.OK(nil)
			})},
			{Name: "downstream", Type: workflow.StepLambda, DependsOn: []string{"unlucky"},
				Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
					downstream = true
					return workflow.OK(nil)
				})},
		},
		Policy: workflow.ExecutionPolicy{Mode: workflow.ModeParallel},
	}))

	result, err := f.runner.Execute(context.Background(),
		workflowRun("routed", nil), run.NewToken())
	require.NoError(t, err)
	assert.False(t, downstream, "a step behind only skipped predecessors skips too")
	skipped := result["skipped_steps"].([]string)
	assert.Contains(t, skipped, "unlucky")
	assert.Contains(t, skipped, "downstream")
}

func TestWorkflowLease(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name:       "exclusive",
		LockParams: []string{"date"},
		Steps: []workflow.Step{
			{Name: "work", Type: workflow.StepLambda, Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				return workflow.OK(nil)
			})},
		},
	}))

	ctx := context.Background()
	params := map[string]any{"date": "2026-01-15"}
	key := lockKey("exclusive", params, []string{"date"})

	_, err := f.guard.Acquire(ctx, key, "other-run", time.Minute)
	require.NoError(t, err)

	_, err = f.runner.Execute(ctx, workflowRun("exclusive", params), run.NewToken())
	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
	assert.Contains(t, err.Error(), "lock_unavailable")

	// Once the holder releases, the workflow runs and releases after.
	require.NoError(t, f.guard.Release(ctx, key, "other-run"))
	_, err = f.runner.Execute(ctx, workflowRun("exclusive", params), run.NewToken())
	require.NoError(t, err)
	_, err = f.guard.Get(ctx, key)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err),
		"the lease is released when the workflow finishes")
}

func TestDryRunBypassesHandlers(t *testing.T) {
	f := newFixture(t)
	var invoked bool
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "effects",
		Steps: []workflow.Step{
			{Name: "mutate", Type: workflow.StepLambda, Handler: lambda(func(wc *workflow.Context) *workflow.StepResult {
				invoked = true
				return workflow.OK(nil)
			})},
		},
	}))

	result, err := f.runner.Execute(context.Background(),
		workflowRun("effects", map[string]any{"dry_run": true}), run.NewToken())
	require.NoError(t, err)
	assert.False(t, invoked)
	assert.Equal(t, "completed", result["status"])
}

func TestOperationStepSpawnsChild(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "delegating",
		Steps: []workflow.Step{
			{Name: "extract", Type: workflow.StepOperation, OperationName: "extract-positions",
				Config: map[string]any{"source": "feed"}},
		},
	}))

	parent := workflowRun("delegating", map[string]any{"date": "2026-01-15"})
	parent.CorrelationID = "corr-1"
	result, err := f.runner.Execute(context.Background(), parent, run.NewToken())
	require.NoError(t, err)
	assert.Equal(t, "completed", result["status"])

	subs := f.submitter.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, run.KindStep, subs[0].Kind)
	assert.Equal(t, "extract-positions", subs[0].Name)
	assert.Equal(t, parent.ID, subs[0].ParentRunID)
	assert.Equal(t, "corr-1", subs[0].CorrelationID)
	assert.Equal(t, "workflow", subs[0].TriggerSource)
	assert.Equal(t, "feed", subs[0].Params["source"], "step config overlays run params")
	assert.Equal(t, "2026-01-15", subs[0].Params["date"])
}

func TestOperationStepChildFailure(t *testing.T) {
	f := newFixture(t)
	f.submitter.outcome = func(spec run.WorkSpec) *run.Run {
		return &run.Run{Status: run.StatusFailed, Error: "bad feed", ErrorCategory: "SOURCE"}
	}
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "delegating",
		Steps: []workflow.Step{
			{Name: "extract", Type: workflow.StepOperation, OperationName: "extract-positions"},
		},
	}))

	_, err := f.runner.Execute(context.Background(),
		workflowRun("delegating", nil), run.NewToken())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad feed")
}

func TestMapStepFansOut(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "fan",
		Steps: []workflow.Step{
			{Name: "per-region", Type: workflow.StepMap,
				MapWorkflow: "load-region", ItemsParam: "regions"},
		},
	}))

	result, err := f.runner.Execute(context.Background(),
		workflowRun("fan", map[string]any{
			"regions": []any{"us-east", "eu-west", "ap-south"},
		}), run.NewToken())
	require.NoError(t, err)
	assert.Equal(t, "completed", result["status"])

	subs := f.submitter.submissions()
	require.Len(t, subs, 3)
	items := make(map[any]bool)
	for _, s := range subs {
		assert.Equal(t, run.KindWorkflow, s.Kind)
		assert.Equal(t, "load-region", s.Name)
		items[s.Params["item"]] = true
	}
	assert.Len(t, items, 3, "each item spawns its own child run")

	outputs := result["outputs"].(map[string]map[string]any)
	assert.Equal(t, 3, outputs["per-region"]["items"])
}

func TestMapStepItemFailure(t *testing.T) {
	f := newFixture(t)
	f.submitter.outcome = func(spec run.WorkSpec) *run.Run {
		if spec.Params["item"] == "eu-west" {
			return &run.Run{Status: run.StatusFailed, Error: "region offline", ErrorCategory: "SOURCE"}
		}
		return &run.Run{Status: run.StatusCompleted, Result: map[string]any{}}
	}
	require.NoError(t, f.workflows.Register(&workflow.Definition{
		Name: "fan",
		Steps: []workflow.Step{
			{Name: "per-region", Type: workflow.StepMap,
				MapWorkflow: "load-region", ItemsParam: "regions"},
		},
	}))

	_, err := f.runner.Execute(context.Background(),
		workflowRun("fan", map[string]any{
			"regions": []any{"us-east", "eu-west"},
		}), run.NewToken())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 items failed")
}

func TestExecuteRejectsUnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Execute(context.Background(),
		&run.Run{ID: "x", Kind: "cron", Name: "y"}, run.NewToken())
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}
