package workflow

import (
	"context"

	"github.com/songzhibin97/jobflow/types"
)

// Action is the work a step performs. It receives a copy of the execution
// context and returns a Result whose Output is merged under the step's context key.
type Action interface {
	Execute(ctx context.Context, input map[string]interface{}) (Result, error)
}

// ActionFunc is a function adapter for Action.
type ActionFunc func(ctx context.Context, input map[string]interface{}) (Result, error)

// Execute implements the Action interface.
func (f ActionFunc) Execute(ctx context.Context, input map[string]interface{}) (Result, error) {
	return f(ctx, input)
}

// Result is what an action hands back. Expansion is only honoured for graft steps.
type Result struct {
	Output    map[string]interface{}
	Expansion []NamedAction
}

// NamedAction pairs a step name with its action, for graft expansions and Parallel.
type NamedAction struct {
	Name   string
	Action Action
}

// Ok wraps output in a Result.
func Ok(output map[string]interface{}) Result {
	return Result{Output: output}
}

// Expand returns a Result that splices steps into the running execution.
func Expand(steps ...NamedAction) Result {
	return Result{Expansion: steps}
}

// RollbackFunc compensates a completed step. It receives the execution
// context as it stood when the rollback pass began.
type RollbackFunc func(ctx context.Context, input map[string]interface{}) error

// Hook observes an execution reaching a lifecycle point.
type Hook func(ctx context.Context, exec types.Execution)

// StepErrorHook observes a step failing after its retry budget is spent.
type StepErrorHook func(ctx context.Context, exec types.Execution, step string, err error)
