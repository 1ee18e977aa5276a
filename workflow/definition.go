package workflow

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/songzhibin97/jobflow/graph"
	"github.com/songzhibin97/jobflow/types"
)

// ErrorPolicy decides what a terminal step failure does to the execution.
type ErrorPolicy string

const (
	// OnErrorFail aborts the execution and rolls back completed steps.
	OnErrorFail ErrorPolicy = "fail"
	// OnErrorSkip marks the step failed without blocking its dependents.
	OnErrorSkip ErrorPolicy = "skip"
	// OnErrorContinue treats the step as completed with no context contribution.
	OnErrorContinue ErrorPolicy = "continue"
)

// Step is one node of a workflow.
type Step struct {
	Name          string
	Action        Action
	Workflow      string // nested workflow run in place of Action
	Graft         bool
	After         []string
	AfterAny      []string
	AfterGroup    []string
	AfterGraft    []string
	Groups        []string
	Timeout       time.Duration
	Retry         RetryPolicy
	OnError       ErrorPolicy
	Rollback      RollbackFunc
	AwaitApproval bool
	ContextKey    string
	When          func(input map[string]interface{}) bool
	WhenExpr      string

	maxRetriesSet bool
	delaySet      bool
	backoffSet    bool
}

// StepOption configures a Step.
type StepOption func(*Step)

// After makes the step wait for every named step.
func After(steps ...string) StepOption {
	return func(s *Step) { s.After = append(s.After, steps...) }
}

// AfterAny makes the step wait for the first of the named steps to complete.
func AfterAny(steps ...string) StepOption {
	return func(s *Step) { s.AfterAny = append(s.AfterAny, steps...) }
}

// AfterGroup makes the step wait for every member of the named groups.
func AfterGroup(groups ...string) StepOption {
	return func(s *Step) { s.AfterGroup = append(s.AfterGroup, groups...) }
}

// AfterGraft makes the step wait for a graft and everything it expanded into.
func AfterGraft(grafts ...string) StepOption {
	return func(s *Step) { s.AfterGraft = append(s.AfterGraft, grafts...) }
}

// InGroup adds the step to groups.
func InGroup(groups ...string) StepOption {
	return func(s *Step) { s.Groups = append(s.Groups, groups...) }
}

// Timeout bounds each attempt of the step.
func Timeout(d time.Duration) StepOption {
	return func(s *Step) { s.Timeout = d }
}

// MaxRetries sets how many times a failed attempt is retried.
func MaxRetries(n int) StepOption {
	return func(s *Step) { s.Retry.MaxRetries, s.maxRetriesSet = n, true }
}

// RetryDelay sets the base delay between attempts.
func RetryDelay(d time.Duration) StepOption {
	return func(s *Step) { s.Retry.Delay, s.delaySet = d, true }
}

// RetryBackoff sets how the delay grows.
func RetryBackoff(kind Backoff) StepOption {
	return func(s *Step) { s.Retry.Backoff, s.backoffSet = kind, true }
}

// RetryMaxDelay caps the computed delay.
func RetryMaxDelay(d time.Duration) StepOption {
	return func(s *Step) { s.Retry.MaxDelay = d }
}

// RetryJitter randomises the delay by up to the given fraction.
func RetryJitter(fraction float64) StepOption {
	return func(s *Step) { s.Retry.Jitter = fraction }
}

// CustomBackoff computes the delay with fn.
func CustomBackoff(fn func(retry int, delay time.Duration) time.Duration) StepOption {
	return func(s *Step) {
		s.Retry.Backoff, s.backoffSet = BackoffCustom, true
		s.Retry.Custom = fn
	}
}

// RetryOn limits retries to errors accepted by fn.
func RetryOn(fn func(error) bool) StepOption {
	return func(s *Step) { s.Retry.RetryOn = fn }
}

// NoRetryOn excludes errors accepted by fn from retries.
func NoRetryOn(fn func(error) bool) StepOption {
	return func(s *Step) { s.Retry.NoRetryOn = fn }
}

// OnError sets the terminal failure policy.
func OnError(policy ErrorPolicy) StepOption {
	return func(s *Step) { s.OnError = policy }
}

// Rollback registers a compensating action.
func Rollback(fn RollbackFunc) StepOption {
	return func(s *Step) { s.Rollback = fn }
}

// AwaitApproval pauses the execution before the step runs until Resume is called.
func AwaitApproval() StepOption {
	return func(s *Step) { s.AwaitApproval = true }
}

// ContextKey sets where the step's output lands in the execution context.
func ContextKey(key string) StepOption {
	return func(s *Step) { s.ContextKey = key }
}

// When guards the step with a predicate over the current context.
func When(fn func(input map[string]interface{}) bool) StepOption {
	return func(s *Step) { s.When = fn }
}

// WhenExpr guards the step with an expression over the current context.
func WhenExpr(expression string) StepOption {
	return func(s *Step) { s.WhenExpr = expression }
}

// Definition is a named workflow under construction. Build validates it and
// fixes its execution order; only built definitions can run.
type Definition struct {
	name        string
	steps       map[string]*Step
	order       []string
	groups      map[string][]string
	timeout     time.Duration
	retry       RetryPolicy
	deadLetter  bool
	queue       string
	onSuccess   Hook
	onFailure   Hook
	onCancel    Hook
	onStepError StepErrorHook

	graph          *graph.Graph[string, *Step]
	executionOrder []string
	built          bool
	errs           []error
}

// Option configures a Definition.
type Option func(*Definition)

// WithTimeout bounds the whole execution.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Definition) { d.timeout = timeout }
}

// WithMaxRetries sets the default retry budget of steps.
func WithMaxRetries(n int) Option {
	return func(d *Definition) { d.retry.MaxRetries = n }
}

// WithRetryDelay sets the default retry delay of steps.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Definition) { d.retry.Delay = delay }
}

// WithBackoff sets the default backoff kind of steps.
func WithBackoff(kind Backoff) Option {
	return func(d *Definition) { d.retry.Backoff = kind }
}

// WithDeadLetter sends failed executions to the dead-letter queue.
func WithDeadLetter() Option {
	return func(d *Definition) { d.deadLetter = true }
}

// WithQueue names the queue scheduler jobs of this workflow run on.
func WithQueue(queue string) Option {
	return func(d *Definition) { d.queue = queue }
}

// New starts a workflow definition.
func New(name string, opts ...Option) *Definition {
	d := &Definition{
		name:   name,
		steps:  make(map[string]*Step),
		groups: make(map[string][]string),
		retry:  RetryPolicy{Backoff: BackoffFixed},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Definition) add(s *Step, opts []StepOption) *Definition {
	for _, opt := range opts {
		opt(s)
	}
	if s.Name == "" {
		d.errs = append(d.errs, errors.New("step name cannot be empty"))
		return d
	}
	if _, ok := d.steps[s.Name]; ok {
		d.errs = append(d.errs, fmt.Errorf("%w: %s", ErrDuplicateStep, s.Name))
		return d
	}
	if s.Action == nil && s.Workflow == "" {
		d.errs = append(d.errs, fmt.Errorf("%w: %s", ErrNoAction, s.Name))
		return d
	}
	if s.ContextKey == "" {
		s.ContextKey = s.Name
	}
	if s.OnError == "" {
		s.OnError = OnErrorFail
	}
	d.steps[s.Name] = s
	d.order = append(d.order, s.Name)
	for _, g := range s.Groups {
		d.groups[g] = append(d.groups[g], s.Name)
	}
	d.built = false
	return d
}

// Step adds a step running action.
func (d *Definition) Step(name string, action Action, opts ...StepOption) *Definition {
	return d.add(&Step{Name: name, Action: action}, opts)
}

// AddGraft adds a placeholder step whose action may return an Expansion.
func (d *Definition) AddGraft(name string, action Action, opts ...StepOption) *Definition {
	return d.add(&Step{Name: name, Action: action, Graft: true}, opts)
}

// Parallel adds each step with the same options.
func (d *Definition) Parallel(steps []NamedAction, opts ...StepOption) *Definition {
	for _, s := range steps {
		d.add(&Step{Name: s.Name, Action: s.Action}, opts)
	}
	return d
}

// FanOut adds steps that all run after from.
func (d *Definition) FanOut(from string, steps []NamedAction, opts ...StepOption) *Definition {
	return d.Parallel(steps, append([]StepOption{After(from)}, opts...)...)
}

// Branch adds a step that only runs when predicate holds.
func (d *Definition) Branch(name string, predicate func(map[string]interface{}) bool, action Action, opts ...StepOption) *Definition {
	return d.add(&Step{Name: name, Action: action, When: predicate}, opts)
}

// SubWorkflow adds a step that runs the registered workflow as a child execution.
func (d *Definition) SubWorkflow(name, workflow string, opts ...StepOption) *Definition {
	return d.add(&Step{Name: name, Workflow: workflow}, opts)
}

// OnSuccess registers a hook run when the execution completes.
func (d *Definition) OnSuccess(h Hook) *Definition { d.onSuccess = h; return d }

// OnFailure registers a hook run when the execution fails, before rollback.
func (d *Definition) OnFailure(h Hook) *Definition { d.onFailure = h; return d }

// OnCancel registers a hook run when the execution is cancelled.
func (d *Definition) OnCancel(h Hook) *Definition { d.onCancel = h; return d }

// OnStepError registers a hook run when a step spends its retry budget.
func (d *Definition) OnStepError(h StepErrorHook) *Definition { d.onStepError = h; return d }

// Build checks for cycles, then for unresolved references, then fixes the
// topological execution order.
func (d *Definition) Build() error {
	if len(d.errs) > 0 {
		return errors.Join(d.errs...)
	}
	if len(d.steps) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyWorkflow, d.name)
	}

	g := graph.New[string, *Step]()
	for _, name := range d.order {
		g = g.AddNode(name, d.steps[name])
	}
	for group, members := range d.groups {
		g = g.AddToGroup(group, members...)
	}
	for _, name := range d.order {
		s := d.steps[name]
		for _, dep := range s.After {
			g = g.AddEdge(dep, name, "after")
		}
		for _, group := range s.AfterGroup {
			for _, m := range d.groups[group] {
				g = g.AddEdge(m, name, "after_group")
			}
		}
		for _, graft := range s.AfterGraft {
			g = g.AddEdge(graft, name, "after_graft")
		}
	}

	if cycle, ok := g.DetectCycle(); ok {
		return &graph.CycleDetectedError{Path: cycle}
	}
	for _, name := range d.order {
		if missing := d.missing(d.steps[name]); len(missing) > 0 {
			return &MissingDependenciesError{Step: name, Missing: missing}
		}
		if d.steps[name].Workflow == d.name {
			return fmt.Errorf("%w: step %s", ErrRecursiveWorkflow, name)
		}
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return err
	}

	for _, s := range d.steps {
		if !s.maxRetriesSet {
			s.Retry.MaxRetries = d.retry.MaxRetries
		}
		if !s.delaySet {
			s.Retry.Delay = d.retry.Delay
		}
		if !s.backoffSet {
			s.Retry.Backoff = d.retry.Backoff
		}
	}
	d.graph = g
	d.executionOrder = order
	d.built = true
	return nil
}

func (d *Definition) missing(s *Step) []string {
	var out []string
	for _, dep := range append(append([]string{}, s.After...), s.AfterAny...) {
		if _, ok := d.steps[dep]; !ok {
			out = append(out, dep)
		}
	}
	for _, group := range s.AfterGroup {
		if _, ok := d.groups[group]; !ok {
			out = append(out, "group:"+group)
		}
	}
	for _, graft := range s.AfterGraft {
		if g, ok := d.steps[graft]; !ok || !g.Graft {
			out = append(out, "graft:"+graft)
		}
	}
	return out
}

// MustBuild is Build that panics with the typed error.
func (d *Definition) MustBuild() *Definition {
	if err := d.Build(); err != nil {
		panic(err)
	}
	return d
}

// Name returns the workflow name.
func (d *Definition) Name() string { return d.name }

// Queue returns the queue configured with WithQueue.
func (d *Definition) Queue() string { return d.queue }

// Built reports whether Build has succeeded since the last change.
func (d *Definition) Built() bool { return d.built }

// ExecutionOrder returns the topological order fixed by Build.
func (d *Definition) ExecutionOrder() []string {
	return append([]string(nil), d.executionOrder...)
}

// Graph returns the built dependency graph.
func (d *Definition) Graph() *graph.Graph[string, *Step] { return d.graph }

// Steps returns step names in insertion order.
func (d *Definition) Steps() []string {
	return append([]string(nil), d.order...)
}

// GetStep returns a step by name.
func (d *Definition) GetStep(name string) (*Step, bool) {
	s, ok := d.steps[name]
	return s, ok
}

// Dependencies returns the structural predecessors of a step, group and
// graft references expanded.
func (d *Definition) Dependencies(step string) []string {
	if d.graph == nil {
		return nil
	}
	return d.graph.Predecessors(step)
}

// Record is the persisted description of the definition.
func (d *Definition) Record() types.WorkflowRecord {
	deps := make(map[string][]string)
	for _, name := range d.order {
		if p := d.Dependencies(name); len(p) > 0 {
			deps[name] = p
		}
	}
	steps := d.Steps()
	sort.Strings(steps)
	return types.WorkflowRecord{
		Name:           d.name,
		Steps:          steps,
		ExecutionOrder: d.ExecutionOrder(),
		Dependencies:   deps,
		Queue:          d.queue,
		DeadLetter:     d.deadLetter,
	}
}
