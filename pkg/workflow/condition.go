package workflow

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/strandkit/strand/pkg/errors"
)

// Condition decides a choice step's branch. Exactly one of Expression
// or Func is set: Expression is compiled with expr-lang at registration
// and evaluated against the context snapshot; Func is an in-process
// predicate for programmatically registered workflows.
//
// Expressions see the env:
//
//	params  - the run params (defaults merged with submission params)
//	outputs - step name → output map of completed steps
//	run_id  - the current run id
type Condition struct {
	// Expression is an expr-lang boolean expression.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`

	// Func is an in-process predicate. Not expressible in YAML.
	Func func(*Context) bool `yaml:"-" json:"-"`

	program *vm.Program
}

// compile compiles the expression once. Called from Definition.Validate.
func (c *Condition) compile() error {
	if c.Func != nil && c.Expression != "" {
		return &errors.ValidationError{
			Field:   "condition",
			Message: "condition cannot set both expression and func",
		}
	}
	if c.Func == nil && c.Expression == "" {
		return &errors.ValidationError{
			Field:      "condition",
			Message:    "condition requires an expression or a func",
			Suggestion: "set an expr-lang expression such as 'params.valid'",
		}
	}
	if c.Expression == "" {
		return nil
	}
	program, err := expr.Compile(c.Expression, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return &errors.ValidationError{
			Field:      "condition.expression",
			Message:    fmt.Sprintf("invalid expression %q: %v", c.Expression, err),
			Suggestion: "expressions follow expr-lang syntax, e.g. 'params.tier == \"OTC\"'",
		}
	}
	c.program = program
	return nil
}

// Evaluate runs the condition against the workflow context.
func (c *Condition) Evaluate(wc *Context) (bool, error) {
	if c.Func != nil {
		return c.Func(wc), nil
	}
	if c.program == nil {
		if err := c.compile(); err != nil {
			return false, err
		}
	}
	env := map[string]any{
		"params":  wc.Params(),
		"outputs": wc.Outputs(),
		"run_id":  wc.RunID,
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", c.Expression, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", c.Expression)
	}
	return result, nil
}
