package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/jobflow/deadletter"
	"github.com/songzhibin97/jobflow/types"
)

// Step states recorded in Execution.StepStates.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepSkipped   = "skipped"
	StepIgnored   = "ignored"
	StepFailed    = "failed"
	StepAwaiting  = "awaiting"
)

type controlKind int

const (
	controlCancel controlKind = iota
	controlPause
	controlResume
)

type control struct {
	kind     controlKind
	rollback bool
	merge    map[string]interface{}
	reply    chan error
}

// stepRecord is the per-execution state of one step. Records live in an
// arena owned by the execution loop; graft expansions append to it.
type stepRecord struct {
	step          *Step
	status        string
	attempts      int
	succeeded     bool
	expansion     []string
	firstFailedAt time.Time
	err           error
}

type stepResult struct {
	name          string
	result        Result
	err           error
	attempts      int
	firstFailedAt time.Time
}

// run is one execution. Only the loop goroutine touches the arena and the
// bookkeeping fields; exec is guarded by mu so snapshots can be taken anywhere.
type run struct {
	id     uint64
	e      *Engine
	def    *Definition
	logger *zap.Logger
	input  map[string]interface{}
	at     time.Time

	mu   sync.RWMutex
	exec types.Execution

	arena            []*stepRecord
	index            map[string]*stepRecord
	approved         map[string]bool
	running          int
	failErr          error
	failedStep       *stepRecord
	cancelling       bool
	rollbackOnCancel bool

	ctx      context.Context
	cancel   context.CancelFunc
	results  chan stepResult
	controls chan control
	done     chan struct{}
}

func newRun(e *Engine, def *Definition, id uint64, input map[string]interface{}, cfg startConfig) *run {
	now := time.Now()
	r := &run{
		id:       id,
		e:        e,
		def:      def,
		input:    copyMap(input),
		at:       cfg.at,
		index:    make(map[string]*stepRecord),
		approved: make(map[string]bool),
		results:  make(chan stepResult),
		controls: make(chan control),
		done:     make(chan struct{}),
		logger: e.logger.With(
			zap.Uint64("execution_id", id),
			zap.String("workflow", def.Name()),
		),
	}
	r.ctx, r.cancel = context.WithCancel(e.ctx)
	r.exec = types.Execution{
		ID:           id,
		WorkflowName: def.Name(),
		JobName:      cfg.jobName,
		ParentID:     cfg.parentID,
		Node:         e.node,
		State:        types.StatePending,
		Context:      copyMap(input),
		StepStates:   make(map[string]string),
		StepAttempts: make(map[string]int),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, name := range def.executionOrder {
		step, _ := def.GetStep(name)
		rec := &stepRecord{step: step, status: StepPending}
		r.arena = append(r.arena, rec)
		r.index[name] = rec
		r.exec.StepStates[name] = StepPending
	}
	return r
}

func (r *run) loop() {
	defer r.e.forget(r.id)
	defer close(r.done)
	defer r.cancel()

	if !r.waitUntilStart() {
		return
	}

	now := time.Now()
	r.update(func(x *types.Execution) {
		x.State = types.StateRunning
		x.StartedAt = &now
	})
	r.persist()
	r.e.publishEvent(EventExecutionStart, nil, r.meta())
	r.logger.Info("execution started")

	var deadline <-chan time.Time
	if r.def.timeout > 0 {
		timer := time.NewTimer(r.def.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if r.e.ctx.Err() != nil {
			return
		}
		if r.failErr == nil && !r.cancelling && !r.paused() {
			r.dispatch()
		}
		if r.running == 0 {
			switch {
			case r.cancelling:
				r.finishCancelled()
				return
			case r.failErr != nil:
				r.finishFailed()
				return
			case r.allDone():
				r.finishCompleted()
				return
			case !r.paused():
				r.failErr = ErrUnsatisfiable
				continue
			}
		}

		select {
		case res := <-r.results:
			r.running--
			r.handle(res)
		case msg := <-r.controls:
			r.handleControl(msg)
		case <-deadline:
			deadline = nil
			if r.failErr == nil && !r.cancelling {
				r.failErr = fmt.Errorf("%w: execution exceeded %s", ErrTimeout, r.def.timeout)
				r.cancel()
			}
		case <-r.e.ctx.Done():
			return
		}
	}
}

// waitUntilStart holds a scheduled execution in pending until its start time.
// Only Cancel is accepted meanwhile.
func (r *run) waitUntilStart() bool {
	if r.at.IsZero() {
		return true
	}
	timer := time.NewTimer(time.Until(r.at))
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case msg := <-r.controls:
			if msg.kind == controlCancel {
				msg.reply <- nil
				r.finishCancelled()
				return false
			}
			msg.reply <- fmt.Errorf("%w: execution %d has not started", ErrInvalidState, r.id)
		case <-r.e.ctx.Done():
			return false
		}
	}
}

func (r *run) dispatch() {
	for progressed := true; progressed; {
		progressed = false
		for _, rec := range r.arena {
			if rec.status != StepPending || !r.ready(rec) {
				continue
			}
			input := r.contextCopy()
			ok, err := r.guard(rec.step, input)
			if err != nil {
				r.stepFailed(rec, err)
				r.persist()
				if r.failErr != nil {
					return
				}
				progressed = true
				continue
			}
			if !ok {
				r.setStatus(rec, StepSkipped)
				r.persist()
				r.e.publishEvent(EventStepStop, nil, withField(r.stepMeta(rec.step.Name, 0), "status", StepSkipped))
				progressed = true
				continue
			}
			if rec.step.AwaitApproval && !r.approved[rec.step.Name] {
				r.setStatus(rec, StepAwaiting)
				r.update(func(x *types.Execution) {
					x.State = types.StatePaused
					x.AwaitingStep = rec.step.Name
				})
				r.persist()
				r.e.publishEvent(EventExecutionPause, nil, withField(r.meta(), "step", rec.step.Name))
				r.logger.Info("execution awaiting approval", zap.String("step", rec.step.Name))
				return
			}
			r.setStatus(rec, StepRunning)
			r.running++
			go r.execute(rec.step, input)
		}
	}
}

func (r *run) satisfied(name string) bool {
	rec, ok := r.index[name]
	if !ok {
		return false
	}
	switch rec.status {
	case StepCompleted, StepSkipped, StepIgnored:
		return true
	}
	return false
}

func (r *run) ready(rec *stepRecord) bool {
	s := rec.step
	for _, dep := range s.After {
		if !r.satisfied(dep) {
			return false
		}
	}
	for _, group := range s.AfterGroup {
		for _, m := range r.def.groups[group] {
			if !r.satisfied(m) {
				return false
			}
		}
	}
	for _, name := range s.AfterGraft {
		if !r.satisfied(name) {
			return false
		}
		for _, x := range r.index[name].expansion {
			if !r.satisfied(x) {
				return false
			}
		}
	}
	if len(s.AfterAny) > 0 {
		for _, dep := range s.AfterAny {
			if r.satisfied(dep) {
				return true
			}
		}
		return false
	}
	return true
}

func (r *run) allDone() bool {
	for _, rec := range r.arena {
		switch rec.status {
		case StepCompleted, StepSkipped, StepIgnored, StepFailed:
		default:
			return false
		}
	}
	return true
}

func (r *run) guard(s *Step, input map[string]interface{}) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: string(debug.Stack())}
		}
	}()
	if s.When != nil && !s.When(input) {
		return false, nil
	}
	if s.WhenExpr != "" {
		pass, evalErr := r.e.evaluator.Evaluate(s.WhenExpr, input)
		if evalErr != nil {
			return false, fmt.Errorf("failed to evaluate guard of step %s: %w", s.Name, evalErr)
		}
		return pass, nil
	}
	return true, nil
}

// execute runs every attempt of one step and reports the outcome to the loop.
func (r *run) execute(step *Step, input map[string]interface{}) {
	res := stepResult{name: step.Name}
	for attempt := 1; ; attempt++ {
		res.attempts = attempt
		meta := r.stepMeta(step.Name, attempt)
		r.e.publishEvent(EventStepStart, nil, meta)

		started := time.Now()
		out, err := r.attempt(step, input)
		took := map[string]float64{"duration_ms": float64(time.Since(started).Milliseconds())}
		if err == nil {
			r.e.publishEvent(EventStepStop, took, withField(meta, "status", StepCompleted))
			res.result = out
			break
		}

		if res.firstFailedAt.IsZero() {
			res.firstFailedAt = time.Now()
		}
		r.e.publishEvent(EventStepException, took, withField(meta, "error", err.Error()))
		if !step.Retry.ShouldRetry(err, attempt) || r.ctx.Err() != nil {
			res.err = err
			break
		}

		wait := step.Retry.Wait(attempt)
		r.logger.Debug("retrying step",
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", wait),
			zap.Error(err),
		)
		r.e.publishEvent(EventStepRetry, map[string]float64{"delay_ms": float64(wait.Milliseconds())}, meta)
		if !sleep(r.ctx, wait) {
			res.err = err
			break
		}
	}

	select {
	case r.results <- res:
	case <-r.done:
	}
}

// attempt runs the action once, racing it against the step timeout. An action
// that ignores its context keeps running after the timeout fires. Nested
// workflow steps hold no concurrency slot; their own steps do.
func (r *run) attempt(step *Step, input map[string]interface{}) (Result, error) {
	if r.e.sem != nil && step.Workflow == "" {
		if err := r.e.sem.Acquire(r.ctx, 1); err != nil {
			return Result{}, err
		}
		defer r.e.sem.Release(1)
	}

	ctx := r.ctx
	timeout := step.Timeout
	if timeout == 0 {
		timeout = r.e.stepTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: &PanicError{Value: p, Stack: string(debug.Stack())}}
			}
		}()
		var out outcome
		if step.Workflow != "" {
			out.res, out.err = r.e.runChild(ctx, r.id, step, input)
		} else {
			out.res, out.err = step.Action.Execute(ctx, input)
		}
		ch <- out
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && r.ctx.Err() == nil {
		out.err = fmt.Errorf("%w: step %s exceeded %s", ErrTimeout, step.Name, timeout)
	}
	return out.res, out.err
}

func (r *run) handle(res stepResult) {
	rec := r.index[res.name]
	rec.attempts = res.attempts
	rec.firstFailedAt = res.firstFailedAt
	r.update(func(x *types.Execution) { x.StepAttempts[res.name] = res.attempts })

	err := res.err
	if err == nil && rec.step.Graft && len(res.result.Expansion) > 0 {
		err = r.expand(rec, res.result.Expansion)
	}
	if err != nil {
		if rec.firstFailedAt.IsZero() {
			rec.firstFailedAt = time.Now()
		}
		r.stepFailed(rec, err)
	} else {
		r.complete(rec, res.result.Output)
	}
	r.persist()
}

func (r *run) complete(rec *stepRecord, output map[string]interface{}) {
	rec.status = StepCompleted
	rec.succeeded = true
	if output == nil {
		output = map[string]interface{}{}
	}
	r.update(func(x *types.Execution) {
		x.StepStates[rec.step.Name] = StepCompleted
		x.CompletedSteps = append(x.CompletedSteps, rec.step.Name)
		x.Context[rec.step.ContextKey] = output
	})
}

// stepFailed applies the step's error policy to a terminal failure.
func (r *run) stepFailed(rec *stepRecord, err error) {
	rec.err = err
	if r.cancelling || (r.failErr != nil && errors.Is(err, context.Canceled)) {
		r.setStatus(rec, StepFailed)
		return
	}

	r.logger.Warn("step failed",
		zap.String("step", rec.step.Name),
		zap.Int("attempt", rec.attempts),
		zap.String("policy", string(rec.step.OnError)),
		zap.Error(err),
	)
	if h := r.def.onStepError; h != nil {
		r.safely("on_step_error", func() { h(r.hookContext(), r.snapshot(), rec.step.Name, err) })
	}

	switch rec.step.OnError {
	case OnErrorSkip:
		r.setStatus(rec, StepIgnored)
	case OnErrorContinue:
		rec.status = StepCompleted
		r.update(func(x *types.Execution) {
			x.StepStates[rec.step.Name] = StepCompleted
			x.CompletedSteps = append(x.CompletedSteps, rec.step.Name)
		})
	default:
		r.setStatus(rec, StepFailed)
		if r.failErr == nil {
			r.failErr = &StepError{Step: rec.step.Name, Attempts: rec.attempts, Err: err}
			r.failedStep = rec
			r.cancel()
		}
	}
}

// expand splices a graft's steps into this execution, after the graft.
func (r *run) expand(graft *stepRecord, items []NamedAction) error {
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.Name == "" || item.Action == nil {
			return fmt.Errorf("%w: expansion of %s", ErrNoAction, graft.step.Name)
		}
		if _, ok := r.index[item.Name]; ok || seen[item.Name] {
			return fmt.Errorf("%w: %s expanded from %s", ErrDuplicateStep, item.Name, graft.step.Name)
		}
		seen[item.Name] = true
	}

	names := make([]string, 0, len(items))
	for _, item := range items {
		s := &Step{
			Name:       item.Name,
			Action:     item.Action,
			After:      []string{graft.step.Name},
			Timeout:    graft.step.Timeout,
			Retry:      graft.step.Retry,
			OnError:    graft.step.OnError,
			ContextKey: item.Name,
		}
		rec := &stepRecord{step: s, status: StepPending}
		r.arena = append(r.arena, rec)
		r.index[s.Name] = rec
		names = append(names, s.Name)
	}
	graft.expansion = names
	r.update(func(x *types.Execution) {
		for _, name := range names {
			x.StepStates[name] = StepPending
		}
	})
	r.logger.Debug("graft expanded", zap.String("step", graft.step.Name), zap.Strings("expansion", names))
	return nil
}

func (r *run) handleControl(msg control) {
	switch msg.kind {
	case controlCancel:
		if r.failErr != nil {
			msg.reply <- fmt.Errorf("%w: execution %d is failing", ErrInvalidState, r.id)
			return
		}
		if !r.cancelling {
			r.cancelling = true
			r.rollbackOnCancel = msg.rollback
			r.cancel()
		}
		msg.reply <- nil

	case controlPause:
		if r.failErr != nil || r.cancelling || r.paused() {
			msg.reply <- fmt.Errorf("%w: execution %d cannot be paused", ErrInvalidState, r.id)
			return
		}
		r.update(func(x *types.Execution) { x.State = types.StatePaused })
		r.persist()
		r.e.publishEvent(EventExecutionPause, nil, r.meta())
		msg.reply <- nil

	case controlResume:
		if !r.paused() || r.cancelling {
			msg.reply <- fmt.Errorf("%w: execution %d is not paused", ErrInvalidState, r.id)
			return
		}
		var awaiting string
		r.update(func(x *types.Execution) {
			for k, v := range msg.merge {
				x.Context[k] = v
			}
			awaiting = x.AwaitingStep
			x.AwaitingStep = ""
			x.State = types.StateRunning
		})
		if rec, ok := r.index[awaiting]; ok && rec.status == StepAwaiting {
			r.approved[awaiting] = true
			r.setStatus(rec, StepPending)
		}
		r.persist()
		r.logger.Info("execution resumed", zap.String("step", awaiting))
		msg.reply <- nil
	}
}

func (r *run) finishCompleted() {
	r.finalize(types.StateCompleted, "")
	if h := r.def.onSuccess; h != nil {
		r.safely("on_success", func() { h(r.hookContext(), r.snapshot()) })
	}
	r.persist()
	r.emitStop()
}

// finishFailed runs onFailure, then the rollback pass, then dead-letters.
func (r *run) finishFailed() {
	r.finalize(types.StateFailed, r.failErr.Error())
	if h := r.def.onFailure; h != nil {
		r.safely("on_failure", func() { h(r.hookContext(), r.snapshot()) })
	}
	r.rollback()
	r.persist()
	r.emitStop()
	if r.def.deadLetter && r.e.deadLetter != nil {
		r.sendToDeadLetter()
	}
}

func (r *run) finishCancelled() {
	if r.rollbackOnCancel {
		r.rollback()
	}
	r.finalize(types.StateCancelled, "cancelled")
	if h := r.def.onCancel; h != nil {
		r.safely("on_cancel", func() { h(r.hookContext(), r.snapshot()) })
	}
	r.persist()
	r.emitStop()
}

func (r *run) finalize(state, msg string) {
	now := time.Now()
	r.update(func(x *types.Execution) {
		x.State = state
		x.Error = msg
		x.FinishedAt = &now
	})
}

// rollback compensates succeeded steps in reverse completion order. Failures
// are collected and never stop the pass.
func (r *run) rollback() {
	snap := r.snapshot()
	ctx := r.hookContext()
	var errs []string
	for i := len(snap.CompletedSteps) - 1; i >= 0; i-- {
		name := snap.CompletedSteps[i]
		rec := r.index[name]
		if rec == nil || !rec.succeeded || rec.step.Rollback == nil {
			continue
		}
		err := callRollback(ctx, rec.step.Rollback, copyMap(snap.Context))
		status := "ok"
		if err != nil {
			status = "error"
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			r.logger.Error("rollback failed", zap.String("step", name), zap.Error(err))
		}
		r.e.publishEvent(EventStepRollback, nil, withField(r.stepMeta(name, rec.attempts), "status", status))
	}
	if len(errs) > 0 {
		r.update(func(x *types.Execution) { x.RollbackErrors = errs })
	}
}

func callRollback(ctx context.Context, fn RollbackFunc, input map[string]interface{}) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx, input)
}

func (r *run) sendToDeadLetter() {
	snap := r.snapshot()
	now := time.Now()
	errMap, class := deadletter.NormalizeError(r.failErr)
	entry := types.DeadLetterEntry{
		Kind:          types.KindWorkflow,
		JobName:       snap.JobName,
		Queue:         r.def.queue,
		Workflow:      r.def.Name(),
		Args:          copyMap(r.input),
		ExecutionID:   r.id,
		Error:         errMap,
		ErrorClass:    class,
		Attempts:      1,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}
	if entry.JobName == "" {
		entry.JobName = r.def.Name()
	}
	if rec := r.failedStep; rec != nil {
		entry.Attempts = rec.attempts
		if !rec.firstFailedAt.IsZero() {
			entry.FirstFailedAt = rec.firstFailedAt
		}
	}
	var p *PanicError
	if errors.As(r.failErr, &p) {
		entry.Stacktrace = p.Stack
	}
	if _, err := r.e.deadLetter.Insert(context.Background(), entry); err != nil {
		r.logger.Error("failed to dead-letter execution", zap.Error(err))
	}
}

func (r *run) emitStop() {
	snap := r.snapshot()
	var took map[string]float64
	if snap.StartedAt != nil && snap.FinishedAt != nil {
		took = map[string]float64{"duration_ms": float64(snap.FinishedAt.Sub(*snap.StartedAt).Milliseconds())}
	}
	r.e.publishEvent(EventExecutionStop, took, r.meta())
	r.logger.Info("execution finished", zap.String("state", snap.State))
}

func (r *run) safely(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("hook panicked", zap.String("hook", name), zap.Any("panic", p))
		}
	}()
	fn()
}

func (r *run) hookContext() context.Context {
	return context.WithoutCancel(r.ctx)
}

func (r *run) setStatus(rec *stepRecord, status string) {
	rec.status = status
	r.update(func(x *types.Execution) { x.StepStates[rec.step.Name] = status })
}

func (r *run) update(fn func(x *types.Execution)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.exec)
	r.exec.UpdatedAt = time.Now()
}

func (r *run) paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exec.State == types.StatePaused
}

func (r *run) contextCopy() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyMap(r.exec.Context)
}

// snapshot returns a copy of the execution that shares no maps or slices.
func (r *run) snapshot() types.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.exec
	out.Context = copyMap(r.exec.Context)
	out.CompletedSteps = append([]string(nil), r.exec.CompletedSteps...)
	out.RollbackErrors = append([]string(nil), r.exec.RollbackErrors...)
	out.StepStates = make(map[string]string, len(r.exec.StepStates))
	for k, v := range r.exec.StepStates {
		out.StepStates[k] = v
	}
	out.StepAttempts = make(map[string]int, len(r.exec.StepAttempts))
	for k, v := range r.exec.StepAttempts {
		out.StepAttempts[k] = v
	}
	return out
}

func (r *run) persist() {
	if err := r.e.store.SaveExecution(context.Background(), r.snapshot()); err != nil {
		r.logger.Error("failed to persist execution", zap.Error(err))
	}
}

func (r *run) meta() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]interface{}{
		"execution_id": r.id,
		"workflow":     r.def.Name(),
		"state":        r.exec.State,
	}
}

func (r *run) stepMeta(step string, attempt int) map[string]interface{} {
	return map[string]interface{}{
		"execution_id": r.id,
		"workflow":     r.def.Name(),
		"step":         step,
		"attempt":      attempt,
	}
}

func withField(m map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := copyMap(m)
	out[key] = value
	return out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
