// Package workflow provides the workflow definition model and the
// per-run execution context.
//
// A Definition is a named list of steps with an execution policy.
// Steps form either a sequential list or a dependency DAG; choice steps
// branch, wait steps suspend, map steps fan out a sub-workflow over a
// list of items. Definitions are registered in-memory (programmatically
// or from YAML) and validated at registration time.
package workflow

import (
	"fmt"
	"time"

	"github.com/strandkit/strand/pkg/errors"
)

// Mode selects how a workflow's steps are ordered.
type Mode string

const (
	// ModeSequential executes steps in declaration order.
	ModeSequential Mode = "sequential"

	// ModeParallel executes steps as a dependency DAG with bounded
	// concurrency.
	ModeParallel Mode = "parallel"
)

// OnError selects what happens after a step fails.
type OnError string

const (
	// OnErrorStop halts the workflow when the step fails.
	OnErrorStop OnError = "STOP"

	// OnErrorContinue records the failure and keeps scheduling.
	OnErrorContinue OnError = "CONTINUE"
)

// StepType identifies the kind of work a step performs.
type StepType string

const (
	// StepOperation submits a child run for a named handler and waits
	// for its terminal status.
	StepOperation StepType = "operation"

	// StepLambda invokes an in-process handler synchronously.
	StepLambda StepType = "lambda"

	// StepChoice evaluates a condition and routes to one of two steps.
	StepChoice StepType = "choice"

	// StepWait suspends for a fixed duration.
	StepWait StepType = "wait"

	// StepMap fans a sub-workflow out over a list of items.
	StepMap StepType = "map"
)

// ExecutionPolicy controls workflow-level scheduling behavior.
type ExecutionPolicy struct {
	// Mode is sequential or parallel DAG execution.
	Mode Mode `yaml:"mode" json:"mode"`

	// MaxConcurrency bounds simultaneously running steps in parallel
	// mode. Zero means the runner default.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`

	// OnFailure is the workflow-level failure policy. STOP cancels
	// remaining steps when a STOP-step fails; CONTINUE lets the rest of
	// the graph drain.
	OnFailure OnError `yaml:"on_failure" json:"on_failure"`
}

// Definition is a registered workflow.
type Definition struct {
	// Name is the workflow identifier.
	Name string `yaml:"name" json:"name"`

	// Description provides human-readable context.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Steps are the executable units, in declaration order.
	Steps []Step `yaml:"steps" json:"steps"`

	// Policy controls sequencing and failure behavior.
	Policy ExecutionPolicy `yaml:"policy" json:"policy"`

	// Defaults seed the run params; submission params override them.
	Defaults map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// LockParams names the params whose values key the per-run
	// concurrency lease. Empty means the workflow takes no lease.
	LockParams []string `yaml:"lock_params,omitempty" json:"lock_params,omitempty"`
}

// Step is a unit within a workflow.
type Step struct {
	// Name is the step identifier, unique within the workflow.
	Name string `yaml:"name" json:"name"`

	// Type selects the step behavior.
	Type StepType `yaml:"type" json:"type"`

	// OperationName is the handler looked up for operation steps.
	OperationName string `yaml:"operation,omitempty" json:"operation,omitempty"`

	// Handler is the in-process function for lambda steps. Not
	// expressible in YAML.
	Handler Handler `yaml:"-" json:"-"`

	// Condition routes choice steps.
	Condition *Condition `yaml:"condition,omitempty" json:"condition,omitempty"`

	// ThenStep and ElseStep are the choice targets. ElseStep may be
	// empty (the false branch is a no-op).
	ThenStep string `yaml:"then_step,omitempty" json:"then_step,omitempty"`
	ElseStep string `yaml:"else_step,omitempty" json:"else_step,omitempty"`

	// WaitSeconds is the suspension length for wait steps.
	WaitSeconds int `yaml:"wait_seconds,omitempty" json:"wait_seconds,omitempty"`

	// MapWorkflow is the sub-workflow a map step runs per item.
	MapWorkflow string `yaml:"map_workflow,omitempty" json:"map_workflow,omitempty"`

	// ItemsParam names the param (or upstream output path) holding the
	// list a map step iterates.
	ItemsParam string `yaml:"items_param,omitempty" json:"items_param,omitempty"`

	// DependsOn lists upstream step names (DAG edges). Empty in
	// sequential mode means list-position ordering.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// OnError is the per-step failure policy. Empty means STOP.
	OnError OnError `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	// Config is passed opaquely to the handler.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// WaitDuration returns the wait-step suspension length.
func (s *Step) WaitDuration() time.Duration {
	return time.Duration(s.WaitSeconds) * time.Second
}

// ErrorPolicy returns the effective per-step failure policy.
func (s *Step) ErrorPolicy() OnError {
	if s.OnError == "" {
		return OnErrorStop
	}
	return s.OnError
}

// Validate checks structural invariants: at least one step, unique step
// names, resolvable depends_on references and choice targets, an
// acyclic dependency graph, and per-type configuration.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "workflow name is required",
			Suggestion: "add a descriptive name for the workflow",
		}
	}

	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow must have at least one step",
			Suggestion: "add at least one step to the workflow definition",
		}
	}

	switch d.Policy.Mode {
	case "", ModeSequential, ModeParallel:
	default:
		return &errors.ValidationError{
			Field:   "policy.mode",
			Message: fmt.Sprintf("invalid execution mode: %s", d.Policy.Mode),
		}
	}
	if d.Policy.MaxConcurrency < 0 {
		return &errors.ValidationError{
			Field:   "policy.max_concurrency",
			Message: "max_concurrency cannot be negative",
		}
	}

	names := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			return &errors.ValidationError{
				Field:      "steps.name",
				Message:    "step name is required",
				Suggestion: "add a 'name' field to each step",
			}
		}
		if names[step.Name] {
			return &errors.ValidationError{
				Field:   "steps.name",
				Message: fmt.Sprintf("duplicate step name: %s", step.Name),
			}
		}
		names[step.Name] = true

		if err := step.validate(); err != nil {
			return fmt.Errorf("invalid step %s: %w", step.Name, err)
		}
	}

	for i := range d.Steps {
		step := &d.Steps[i]
		for _, dep := range step.DependsOn {
			if !names[dep] {
				return &errors.ValidationError{
					Field:   "steps.depends_on",
					Message: fmt.Sprintf("step %s depends on unknown step: %s", step.Name, dep),
				}
			}
			if dep == step.Name {
				return &errors.ValidationError{
					Field:   "steps.depends_on",
					Message: fmt.Sprintf("step %s depends on itself", step.Name),
				}
			}
		}
		if step.Type == StepChoice {
			if step.ThenStep != "" && !names[step.ThenStep] {
				return &errors.ValidationError{
					Field:   "steps.then_step",
					Message: fmt.Sprintf("choice step %s routes to unknown step: %s", step.Name, step.ThenStep),
				}
			}
			if step.ElseStep != "" && !names[step.ElseStep] {
				return &errors.ValidationError{
					Field:   "steps.else_step",
					Message: fmt.Sprintf("choice step %s routes to unknown step: %s", step.Name, step.ElseStep),
				}
			}
		}
	}

	if err := d.checkAcyclic(); err != nil {
		return err
	}

	return nil
}

// validate checks per-type step configuration.
func (s *Step) validate() error {
	switch s.Type {
	case StepOperation:
		if s.OperationName == "" {
			return &errors.ValidationError{
				Field:   "operation",
				Message: "operation step requires an operation name",
			}
		}
	case StepLambda:
		if s.Handler == nil {
			return &errors.ValidationError{
				Field:      "handler",
				Message:    "lambda step requires a handler",
				Suggestion: "lambda steps must be registered programmatically",
			}
		}
	case StepChoice:
		if s.Condition == nil {
			return &errors.ValidationError{
				Field:   "condition",
				Message: "choice step requires a condition",
			}
		}
		if err := s.Condition.compile(); err != nil {
			return err
		}
		if s.ThenStep == "" {
			return &errors.ValidationError{
				Field:   "then_step",
				Message: "choice step requires a then_step",
			}
		}
	case StepWait:
		if s.WaitSeconds <= 0 {
			return &errors.ValidationError{
				Field:   "wait_seconds",
				Message: "wait step requires a positive duration",
			}
		}
	case StepMap:
		if s.MapWorkflow == "" {
			return &errors.ValidationError{
				Field:   "map_workflow",
				Message: "map step requires a sub-workflow name",
			}
		}
		if s.ItemsParam == "" {
			return &errors.ValidationError{
				Field:   "items_param",
				Message: "map step requires an items_param",
			}
		}
	default:
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("invalid step type: %s", s.Type),
			Suggestion: "use one of: operation, lambda, choice, wait, map",
		}
	}

	switch s.OnError {
	case "", OnErrorStop, OnErrorContinue:
	default:
		return &errors.ValidationError{
			Field:   "on_error",
			Message: fmt.Sprintf("invalid on_error policy: %s", s.OnError),
		}
	}

	return nil
}

// checkAcyclic rejects dependency cycles using Kahn's algorithm over
// depends_on edges plus the implicit choice→target edges.
func (d *Definition) checkAcyclic() error {
	indegree := make(map[string]int, len(d.Steps))
	edges := make(map[string][]string, len(d.Steps))
	for i := range d.Steps {
		indegree[d.Steps[i].Name] = 0
	}
	addEdge := func(from, to string) {
		edges[from] = append(edges[from], to)
		indegree[to]++
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		for _, dep := range step.DependsOn {
			addEdge(dep, step.Name)
		}
		if step.Type == StepChoice {
			if step.ThenStep != "" {
				addEdge(step.Name, step.ThenStep)
			}
			if step.ElseStep != "" {
				addEdge(step.Name, step.ElseStep)
			}
		}
	}

	queue := make([]string, 0, len(d.Steps))
	for i := range d.Steps {
		if indegree[d.Steps[i].Name] == 0 {
			queue = append(queue, d.Steps[i].Name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(d.Steps) {
		return &errors.ValidationError{
			Field:      "steps.depends_on",
			Message:    "workflow dependency graph has a cycle",
			Suggestion: "remove the circular depends_on reference",
		}
	}
	return nil
}

// StepByName returns the named step, or nil.
func (d *Definition) StepByName(name string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}
