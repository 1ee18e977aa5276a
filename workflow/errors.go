package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrNotBuilt            = errors.New("workflow has not been built")
	ErrEmptyWorkflow       = errors.New("workflow has no steps")
	ErrDuplicateStep       = errors.New("duplicate step")
	ErrNoAction            = errors.New("step has no action")
	ErrRecursiveWorkflow   = errors.New("workflow references itself")
	ErrMissingDependencies = errors.New("missing dependencies")
	ErrInvalidState        = errors.New("execution is not in a state that allows this operation")
	ErrTimeout             = errors.New("timeout")
	ErrUnsatisfiable       = errors.New("remaining steps can never become ready")
	ErrChildWorkflow       = errors.New("child workflow did not complete")
	ErrInterrupted         = errors.New("execution interrupted by restart")
	ErrEngineStopped       = errors.New("engine is stopped")
)

// MissingDependenciesError names a step whose dependency references do not resolve.
type MissingDependenciesError struct {
	Step    string
	Missing []string
}

func (e *MissingDependenciesError) Error() string {
	return fmt.Sprintf("%s: step %s needs %s", ErrMissingDependencies, e.Step, strings.Join(e.Missing, ", "))
}

func (e *MissingDependenciesError) Unwrap() error { return ErrMissingDependencies }

// StepError is the terminal failure of one step.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// PanicError is a recovered panic from a step or hook.
type PanicError struct {
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
