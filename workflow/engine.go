package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/songzhibin97/jobflow/events"
	"github.com/songzhibin97/jobflow/peer"
	"github.com/songzhibin97/jobflow/rules"
	"github.com/songzhibin97/jobflow/storage"
	"github.com/songzhibin97/jobflow/types"
)

// Event names emitted by the engine.
const (
	EventExecutionStart = "workflow.execution.start"
	EventExecutionStop  = "workflow.execution.stop"
	EventExecutionPause = "workflow.execution.pause"
	EventStepStart      = "workflow.step.start"
	EventStepStop       = "workflow.step.stop"
	EventStepException  = "workflow.step.exception"
	EventStepRetry      = "workflow.step.retry"
	EventStepRollback   = "workflow.step.rollback"
)

// DeadLetterSink receives executions that failed with dead-lettering enabled.
type DeadLetterSink interface {
	Insert(ctx context.Context, entry types.DeadLetterEntry) (types.DeadLetterEntry, error)
}

// Engine runs workflow executions. Each execution is driven by its own loop
// goroutine; steps run on their own goroutines bounded by an engine-wide limit.
type Engine struct {
	registry    *Registry
	store       storage.ExecutionStore
	eventBus    *events.EventBus
	evaluator   rules.Evaluator
	deadLetter  DeadLetterSink
	generate    generator.Generator
	logger      *zap.Logger
	sem         *semaphore.Weighted
	stepTimeout time.Duration
	node        string
	elector     peer.Elector

	runs    map[uint64]*run
	mu      sync.RWMutex
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStore persists execution snapshots to store.
func WithStore(store storage.ExecutionStore) EngineOption {
	return func(e *Engine) { e.store = store }
}

// WithEventBus publishes execution and step events on bus.
func WithEventBus(bus *events.EventBus) EngineOption {
	return func(e *Engine) { e.eventBus = bus }
}

// WithEvaluator sets the evaluator used for WhenExpr guards.
func WithEvaluator(evaluator rules.Evaluator) EngineOption {
	return func(e *Engine) { e.evaluator = evaluator }
}

// WithDeadLetterSink receives failed executions of dead-lettering workflows.
func WithDeadLetterSink(sink DeadLetterSink) EngineOption {
	return func(e *Engine) { e.deadLetter = sink }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithConcurrency bounds the number of step attempts running at once across
// all executions. Zero means unbounded.
func WithConcurrency(n int64) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithStepTimeout is the attempt timeout for steps that set none.
func WithStepTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.stepTimeout = d }
}

// WithNodeID stamps executions started here with node, so Recover on a shared
// store only reclaims rows this node owns.
func WithNodeID(node string) EngineOption {
	return func(e *Engine) { e.node = node }
}

// WithElector lets Recover also reclaim executions owned by nodes that are no
// longer among the elector's peers. Without a node id the elector's is used.
func WithElector(elector peer.Elector) EngineOption {
	return func(e *Engine) { e.elector = elector }
}

// NewEngine creates an engine that runs workflows from registry.
func NewEngine(generate generator.Generator, registry *Registry, opts ...EngineOption) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}

	e := &Engine{
		registry: registry,
		generate: generate,
		logger:   zap.NewNop(),
		runs:     make(map[uint64]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = storage.NewMemoryStorage()
	}
	if e.evaluator == nil {
		e.evaluator = rules.NewExprEvaluator()
	}
	if e.node == "" && e.elector != nil {
		e.node = e.elector.Node()
	}
	e.logger = e.logger.With(zap.String("component", "workflow_engine"), zap.String("node", e.node))
	e.ctx, e.stop = context.WithCancel(context.Background())
	return e, nil
}

// Registry returns the registry the engine runs workflows from.
func (e *Engine) Registry() *Registry { return e.registry }

// StartOption configures a single execution.
type StartOption func(*startConfig)

type startConfig struct {
	id       uint64
	jobName  string
	parentID uint64
	at       time.Time
}

// WithExecutionID uses id instead of generating one. Callers that persist a
// placeholder before starting use it to keep a single id for the execution.
func WithExecutionID(id uint64) StartOption {
	return func(c *startConfig) { c.id = id }
}

// WithJobName records the scheduler job that started the execution.
func WithJobName(name string) StartOption {
	return func(c *startConfig) { c.jobName = name }
}

// WithParent records the parent execution of a nested workflow.
func WithParent(id uint64) StartOption {
	return func(c *startConfig) { c.parentID = id }
}

// Start begins a new execution of the named workflow and returns its id.
func (e *Engine) Start(ctx context.Context, name string, input map[string]interface{}, opts ...StartOption) (uint64, error) {
	r, err := e.start(ctx, name, input, time.Time{}, opts)
	if err != nil {
		return 0, err
	}
	return r.id, nil
}

// ScheduleExecution creates a pending execution that starts at at.
func (e *Engine) ScheduleExecution(ctx context.Context, name string, input map[string]interface{}, at time.Time, opts ...StartOption) (uint64, error) {
	r, err := e.start(ctx, name, input, at, opts)
	if err != nil {
		return 0, err
	}
	return r.id, nil
}

// Run starts an execution and waits for it to reach a terminal state.
func (e *Engine) Run(ctx context.Context, name string, input map[string]interface{}, opts ...StartOption) (types.Execution, error) {
	id, err := e.Start(ctx, name, input, opts...)
	if err != nil {
		return types.Execution{}, err
	}
	return e.Wait(ctx, id)
}

func (e *Engine) start(ctx context.Context, name string, input map[string]interface{}, at time.Time, opts []StartOption) (*run, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	def, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}
	cfg := startConfig{at: at}
	for _, opt := range opts {
		opt(&cfg)
	}
	id := cfg.id
	if id == 0 {
		if id, err = e.generate.NextID(); err != nil {
			return nil, fmt.Errorf("failed to generate ID: %w", err)
		}
	}

	r := newRun(e, def, id, input, cfg)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrEngineStopped
	}
	if _, ok := e.runs[id]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: execution %d is already running", ErrInvalidState, id)
	}
	e.runs[id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	r.persist()
	go func() {
		defer e.wg.Done()
		r.loop()
	}()
	return r, nil
}

func (e *Engine) getRun(id uint64) (*run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	return r, ok
}

// Wait blocks until the execution is terminal and returns its final snapshot.
func (e *Engine) Wait(ctx context.Context, id uint64) (types.Execution, error) {
	r, ok := e.getRun(id)
	if !ok {
		exec, err := e.GetState(ctx, id)
		if err != nil {
			return types.Execution{}, err
		}
		if !types.IsTerminal(exec.State) {
			return exec, fmt.Errorf("%w: execution %d is %s and not owned by this engine", ErrInvalidState, id, exec.State)
		}
		return exec, nil
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// GetState returns the current snapshot of an execution.
func (e *Engine) GetState(ctx context.Context, id uint64) (types.Execution, error) {
	if r, ok := e.getRun(id); ok {
		return r.snapshot(), nil
	}
	exec, err := e.store.GetExecution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Execution{}, fmt.Errorf("%w: %d", ErrExecutionNotFound, id)
	}
	return exec, err
}

// ListRunning returns snapshots of executions that are not terminal.
func (e *Engine) ListRunning() []types.Execution {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	var out []types.Execution
	for _, r := range runs {
		if exec := r.snapshot(); !types.IsTerminal(exec.State) {
			out = append(out, exec)
		}
	}
	return out
}

// Cancel stops dispatching new steps, asks running ones to stop and marks the
// execution cancelled. With rollback, completed steps are compensated.
func (e *Engine) Cancel(ctx context.Context, id uint64, rollback bool) error {
	return e.control(ctx, id, control{kind: controlCancel, rollback: rollback})
}

// Pause stops dispatching new steps. Running steps finish normally.
func (e *Engine) Pause(ctx context.Context, id uint64) error {
	return e.control(ctx, id, control{kind: controlPause})
}

// Resume continues a paused execution, approving a step awaiting approval and
// merging merge into the context.
func (e *Engine) Resume(ctx context.Context, id uint64, merge map[string]interface{}) error {
	return e.control(ctx, id, control{kind: controlResume, merge: merge})
}

func (e *Engine) control(ctx context.Context, id uint64, msg control) error {
	r, ok := e.getRun(id)
	if !ok {
		if _, err := e.GetState(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: execution %d is not running", ErrInvalidState, id)
	}
	msg.reply = make(chan error, 1)
	select {
	case r.controls <- msg:
	case <-r.done:
		return fmt.Errorf("%w: execution %d already finished", ErrInvalidState, id)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover marks executions the store still reports as running, paused or
// pending as failed when no live engine owns them: rows stamped with this
// node but not running here, and with an elector, rows of nodes missing from
// its peer list. Running state does not survive a restart.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	live := map[string]bool{}
	if e.elector != nil {
		peers, err := e.elector.Peers(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list peers: %w", err)
		}
		for _, p := range peers {
			live[p.Node] = true
		}
	}

	var recovered int
	for _, state := range []string{types.StateRunning, types.StatePaused, types.StatePending} {
		execs, err := e.store.GetExecutions(ctx, "", types.ExecutionFilter{State: state})
		if err != nil {
			return recovered, fmt.Errorf("failed to load %s executions: %w", state, err)
		}
		for _, exec := range execs {
			if exec.WorkflowName == "" {
				continue
			}
			if _, running := e.getRun(exec.ID); running {
				continue
			}
			if exec.Node != e.node && (e.elector == nil || live[exec.Node]) {
				continue
			}
			now := time.Now()
			exec.State = types.StateFailed
			exec.Error = ErrInterrupted.Error()
			exec.FinishedAt = &now
			exec.UpdatedAt = now
			if err := e.store.SaveExecution(ctx, exec); err != nil {
				return recovered, fmt.Errorf("failed to save execution %d: %w", exec.ID, err)
			}
			recovered++
			e.logger.Warn("recovered interrupted execution",
				zap.Uint64("execution_id", exec.ID), zap.String("workflow", exec.WorkflowName))
		}
	}
	return recovered, nil
}

// Stop halts every execution loop without finalizing it and waits for them to
// exit. Their last persisted state is left for Recover.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) forget(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, id)
}

// publishEvent emits an event on the bus without waiting for delivery.
func (e *Engine) publishEvent(name string, measurements map[string]float64, metadata map[string]interface{}) {
	e.eventBus.Emit(name, measurements, metadata)
}

// runChild runs a nested workflow and blocks until it is terminal.
func (e *Engine) runChild(ctx context.Context, parent uint64, step *Step, input map[string]interface{}) (Result, error) {
	child, err := e.start(ctx, step.Workflow, input, time.Time{}, []StartOption{WithParent(parent)})
	if err != nil {
		return Result{}, err
	}
	id := child.id
	select {
	case <-child.done:
	case <-ctx.Done():
		_ = e.Cancel(context.Background(), id, false)
		return Result{}, ctx.Err()
	}
	exec := child.snapshot()
	if exec.State != types.StateCompleted {
		return Result{}, fmt.Errorf("%w: %s execution %d %s: %s", ErrChildWorkflow, step.Workflow, id, exec.State, exec.Error)
	}
	return Ok(exec.Context), nil
}
