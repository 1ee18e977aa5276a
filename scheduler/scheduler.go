package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/jobflow/deadletter"
	"github.com/songzhibin97/jobflow/events"
	"github.com/songzhibin97/jobflow/peer"
	"github.com/songzhibin97/jobflow/queue"
	"github.com/songzhibin97/jobflow/rules"
	"github.com/songzhibin97/jobflow/storage"
	"github.com/songzhibin97/jobflow/types"
	"github.com/songzhibin97/jobflow/workflow"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobExists        = errors.New("job already exists")
	ErrInvalidJob       = errors.New("invalid job")
	ErrWorkerNotFound   = errors.New("worker not registered")
	ErrJobNotRunning    = errors.New("job is not running")
	ErrNoEngine         = errors.New("no workflow engine configured")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrJobTimeout       = errors.New("job timed out")
	ErrSchedulerStopped = errors.New("scheduler is stopped")
	ErrWorkflowFailed   = errors.New("workflow run failed")
)

// Event names emitted by the scheduler.
const (
	EventJobEnqueue   = "scheduler.job.enqueue"
	EventJobStart     = "scheduler.job.start"
	EventJobStop      = "scheduler.job.stop"
	EventJobException = "scheduler.job.exception"
	EventJobRetry     = "scheduler.job.retry"
)

// DefaultQueue receives jobs that name no queue.
const DefaultQueue = "default"

// Worker is a registered job function. Its result is recorded as the job's last result.
type Worker func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Store is the persistence the scheduler needs.
type Store interface {
	storage.JobStore
	storage.ExecutionStore
}

// Status summarizes the scheduler on this node.
type Status struct {
	Node       string        `json:"node"`
	IsLeader   bool          `json:"is_leader"`
	LeaderNode string        `json:"leader_node,omitempty"`
	Peers      []peer.Peer   `json:"peers"`
	Jobs       int           `json:"jobs"`
	Running    int           `json:"running"`
	Queues     []queue.Stats `json:"queues"`
}

type jobRun struct {
	job       string
	cancel    context.CancelFunc
	cancelled bool
}

// Scheduler fires jobs on cron, interval, one-shot and event triggers and
// runs them on named queues. Only the leader evaluates triggers.
type Scheduler struct {
	store      Store
	queues     *queue.Manager
	engine     *workflow.Engine
	deadLetter workflow.DeadLetterSink
	cron       CronEvaluator
	elector    peer.Elector
	evaluator  rules.Evaluator
	eventBus   *events.EventBus
	generate   generator.Generator
	logger     *zap.Logger
	interval   time.Duration

	workers map[string]Worker
	runs    map[uint64]*jobRun
	mu      sync.RWMutex
	jobMu   sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEngine runs workflow jobs on engine.
func WithEngine(engine *workflow.Engine) Option {
	return func(s *Scheduler) { s.engine = engine }
}

// WithDeadLetter receives worker jobs that exhaust their retries.
func WithDeadLetter(sink workflow.DeadLetterSink) Option {
	return func(s *Scheduler) { s.deadLetter = sink }
}

// WithCron sets the cron evaluator.
func WithCron(c CronEvaluator) Option {
	return func(s *Scheduler) { s.cron = c }
}

// WithElector sets the leader elector. The default is a single leading node.
func WithElector(e peer.Elector) Option {
	return func(s *Scheduler) { s.elector = e }
}

// WithEvaluator sets the evaluator for event filters.
func WithEvaluator(e rules.Evaluator) Option {
	return func(s *Scheduler) { s.evaluator = e }
}

// WithEventBus publishes job events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Scheduler) { s.eventBus = bus }
}

// WithGenerator sets the run id generator.
func WithGenerator(g generator.Generator) Option {
	return func(s *Scheduler) { s.generate = g }
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithTickInterval sets how often Start evaluates triggers.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New creates a scheduler over store that runs jobs on queues.
func New(store Store, queues *queue.Manager, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if queues == nil {
		return nil, errors.New("queue manager is required")
	}
	s := &Scheduler{
		store:    store,
		queues:   queues,
		logger:   zap.NewNop(),
		interval: time.Second,
		workers:  make(map[string]Worker),
		runs:     make(map[uint64]*jobRun),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = NewCronParser()
	}
	if s.elector == nil {
		s.elector = peer.NewStatic("local")
	}
	if s.evaluator == nil {
		s.evaluator = rules.NewExprEvaluator()
	}
	if s.generate == nil {
		s.generate = generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))
	return s, nil
}

// RegisterWorker makes fn runnable by jobs naming it.
func (s *Scheduler) RegisterWorker(name string, fn Worker) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: worker needs a name and a function", ErrInvalidJob)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[name] = fn
	return nil
}

func (s *Scheduler) worker(name string) (Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	return w, ok
}

func (s *Scheduler) validate(job types.Job) error {
	if job.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if (job.Worker == "") == (job.Workflow == "") {
		return fmt.Errorf("%w: %s must name exactly one of worker or workflow", ErrInvalidJob, job.Name)
	}
	if job.MaxRetries < 0 || job.RetryDelay < 0 || job.Timeout < 0 {
		return fmt.Errorf("%w: %s has a negative retry or timeout setting", ErrInvalidJob, job.Name)
	}
	if job.Workflow != "" {
		if s.engine == nil {
			return ErrNoEngine
		}
		if _, err := s.engine.Registry().Get(job.Workflow); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidJob, job.Name, err)
		}
	}
	if job.Schedule.EventFilter != "" {
		if c, ok := s.evaluator.(interface{ Compile(string) error }); ok {
			if err := c.Compile(job.Schedule.EventFilter); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
			}
		}
	}
	return nil
}

// Insert stores a new job and computes its first fire time.
func (s *Scheduler) Insert(ctx context.Context, job types.Job) (types.Job, error) {
	if err := s.validate(job); err != nil {
		return types.Job{}, err
	}
	now := time.Now()
	next, err := NextRunAt(job.Schedule, s.cron, now, nil)
	if err != nil {
		return types.Job{}, err
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if _, err := s.store.GetJob(ctx, job.Name); err == nil {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return types.Job{}, err
	}

	if job.Queue == "" {
		job.Queue = DefaultQueue
	}
	job.State = types.JobScheduled
	job.Enabled = true
	job.RunCount, job.ErrorCount = 0, 0
	job.LastRunAt, job.LastResult, job.LastError = nil, nil, ""
	job.NextRunAt = next
	job.InsertedAt = now
	job.UpdatedAt = now
	if err := s.store.PutJob(ctx, job); err != nil {
		return types.Job{}, fmt.Errorf("failed to save job: %w", err)
	}
	s.logger.Info("job inserted", zap.String("job", job.Name), zap.String("queue", job.Queue))
	return job, nil
}

// Update replaces a job's definition, keeping its run history counters, and
// recomputes its next fire time.
func (s *Scheduler) Update(ctx context.Context, job types.Job) (types.Job, error) {
	if err := s.validate(job); err != nil {
		return types.Job{}, err
	}
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	existing, err := s.getJob(ctx, job.Name)
	if err != nil {
		return types.Job{}, err
	}

	now := time.Now()
	next, err := NextRunAt(job.Schedule, s.cron, now, existing.LastRunAt)
	if err != nil {
		return types.Job{}, err
	}
	if job.Queue == "" {
		job.Queue = DefaultQueue
	}
	job.State = existing.State
	job.RunCount = existing.RunCount
	job.ErrorCount = existing.ErrorCount
	job.LastRunAt = existing.LastRunAt
	job.LastResult = existing.LastResult
	job.LastError = existing.LastError
	job.InsertedAt = existing.InsertedAt
	job.NextRunAt = next
	job.UpdatedAt = now
	if err := s.store.PutJob(ctx, job); err != nil {
		return types.Job{}, fmt.Errorf("failed to save job: %w", err)
	}
	s.logger.Info("job updated", zap.String("job", job.Name))
	return job, nil
}

// Delete removes a job. Runs already queued still finish.
func (s *Scheduler) Delete(ctx context.Context, name string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if _, err := s.getJob(ctx, name); err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, name); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	s.logger.Info("job deleted", zap.String("job", name))
	return nil
}

// Get returns a job by name.
func (s *Scheduler) Get(ctx context.Context, name string) (types.Job, error) {
	return s.getJob(ctx, name)
}

func (s *Scheduler) getJob(ctx context.Context, name string) (types.Job, error) {
	job, err := s.store.GetJob(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return job, err
}

// All returns the jobs matching filter, sorted by name.
func (s *Scheduler) All(ctx context.Context, filter types.JobFilter) ([]types.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// updateJob applies fn to the stored job under the job lock. A job deleted
// in the meantime reports ErrJobNotFound and is left alone.
func (s *Scheduler) updateJob(ctx context.Context, name string, fn func(job *types.Job)) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	job, err := s.store.GetJob(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if err != nil {
		return err
	}
	fn(&job)
	job.UpdatedAt = time.Now()
	return s.store.PutJob(ctx, job)
}

// PauseJob stops a job from firing on its triggers. RunNow still runs it.
func (s *Scheduler) PauseJob(ctx context.Context, name string) error {
	if _, err := s.getJob(ctx, name); err != nil {
		return err
	}
	err := s.updateJob(ctx, name, func(job *types.Job) { job.Paused = true })
	if err == nil {
		s.logger.Info("job paused", zap.String("job", name))
	}
	return err
}

// ResumeJob lets a paused job fire again. Recurring triggers missed while
// paused are not replayed.
func (s *Scheduler) ResumeJob(ctx context.Context, name string) error {
	if _, err := s.getJob(ctx, name); err != nil {
		return err
	}
	now := time.Now()
	var nextErr error
	err := s.updateJob(ctx, name, func(job *types.Job) {
		job.Paused = false
		recurring := job.Schedule.Cron != "" || job.Schedule.Every > 0
		if recurring && job.NextRunAt != nil && job.NextRunAt.Before(now) {
			job.NextRunAt, nextErr = NextRunAt(job.Schedule, s.cron, now, &now)
		}
	})
	if err == nil {
		err = nextErr
	}
	if err == nil {
		s.logger.Info("job resumed", zap.String("job", name))
	}
	return err
}

// RunNow enqueues a job immediately, regardless of its triggers or pause
// state, and returns the run's execution id.
func (s *Scheduler) RunNow(ctx context.Context, name string) (uint64, error) {
	job, err := s.getJob(ctx, name)
	if err != nil {
		return 0, err
	}
	return s.enqueue(ctx, job, nil)
}

// CancelJob cancels every queued or running run of the job and returns how
// many were cancelled.
func (s *Scheduler) CancelJob(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	var n int
	for _, r := range s.runs {
		if r.job != name || r.cancelled {
			continue
		}
		r.cancelled = true
		if r.cancel != nil {
			r.cancel()
		}
		n++
	}
	s.mu.Unlock()
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrJobNotRunning, name)
	}
	s.logger.Info("job cancelled", zap.String("job", name), zap.Int("runs", n))
	return n, nil
}

// History returns the job's runs, newest first.
func (s *Scheduler) History(ctx context.Context, name string, limit int) ([]types.Execution, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	return s.store.GetExecutions(ctx, name, types.ExecutionFilter{Limit: limit})
}

// Status reports this node's view of the cluster, jobs and queues.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	jobs, err := s.store.ListJobs(ctx, types.JobFilter{})
	if err != nil {
		return Status{}, err
	}
	peers, err := s.elector.Peers(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to list peers: %w", err)
	}
	leader, err := s.elector.LeaderNode(ctx)
	if err != nil && !errors.Is(err, peer.ErrNoLeader) {
		return Status{}, err
	}
	s.mu.RLock()
	running := len(s.runs)
	s.mu.RUnlock()
	return Status{
		Node:       s.elector.Node(),
		IsLeader:   s.elector.IsLeader(),
		LeaderNode: leader,
		Peers:      peers,
		Jobs:       len(jobs),
		Running:    running,
		Queues:     s.queues.All(),
	}, nil
}

// IsLeader reports whether this node evaluates triggers.
func (s *Scheduler) IsLeader() bool { return s.elector.IsLeader() }

// LeaderNode returns the current leader's node id.
func (s *Scheduler) LeaderNode(ctx context.Context) (string, error) {
	return s.elector.LeaderNode(ctx)
}

// Peers lists the known nodes.
func (s *Scheduler) Peers(ctx context.Context) ([]peer.Peer, error) {
	return s.elector.Peers(ctx)
}

// PauseQueue stops dequeuing from a queue. Pending runs are kept.
func (s *Scheduler) PauseQueue(name string) error { return s.queues.Pause(name) }

// ResumeQueue resumes dequeuing from a queue.
func (s *Scheduler) ResumeQueue(name string) error { return s.queues.Resume(name) }

// ScaleQueue changes a queue's concurrency limit.
func (s *Scheduler) ScaleQueue(name string, limit int) error { return s.queues.Scale(name, limit) }

// QueueStats returns a queue's counters.
func (s *Scheduler) QueueStats(name string) (queue.Stats, error) { return s.queues.Stats(name) }

// Tick enqueues every enabled, unpaused job due at now and advances its next
// fire time. Followers do nothing.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	if !s.elector.IsLeader() {
		return 0, nil
	}
	enabled, paused := true, false
	due, err := s.store.ListJobs(ctx, types.JobFilter{Enabled: &enabled, Paused: &paused, DueBefore: &now})
	if err != nil {
		return 0, fmt.Errorf("failed to list due jobs: %w", err)
	}

	var (
		fired int
		errs  []error
	)
	for _, job := range due {
		var (
			nextErr error
			skip    bool
		)
		err := s.updateJob(ctx, job.Name, func(j *types.Job) {
			// paused, disabled or rescheduled since the due scan
			if j.Paused || !j.Enabled || j.NextRunAt == nil || j.NextRunAt.After(now) {
				skip = true
				return
			}
			j.NextRunAt, nextErr = NextRunAt(j.Schedule, s.cron, now, &now)
		})
		if errors.Is(err, ErrJobNotFound) || (err == nil && skip) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.Name, err))
			continue
		}
		if nextErr != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.Name, nextErr))
		}
		if _, err := s.enqueue(ctx, job, nil); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.Name, err))
			continue
		}
		fired++
	}
	if fired > 0 {
		s.logger.Debug("tick fired jobs", zap.Int("count", fired))
	}
	return fired, errors.Join(errs...)
}

// Emit fires every enabled, unpaused job triggered by event whose filter
// accepts payload. The payload is passed to the job under args["event"].
func (s *Scheduler) Emit(ctx context.Context, event string, payload map[string]interface{}) (int, error) {
	enabled, paused := true, false
	jobs, err := s.store.ListJobs(ctx, types.JobFilter{OnEvent: event, Enabled: &enabled, Paused: &paused})
	if err != nil {
		return 0, fmt.Errorf("failed to list event jobs: %w", err)
	}

	var (
		fired int
		errs  []error
	)
	for _, job := range jobs {
		if f := job.Schedule.EventFilter; f != "" {
			ok, err := s.evaluator.Evaluate(f, payload)
			if err != nil {
				errs = append(errs, fmt.Errorf("job %s: %w", job.Name, err))
				continue
			}
			if !ok {
				continue
			}
		}
		if _, err := s.enqueue(ctx, job, map[string]interface{}{"event": payload}); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.Name, err))
			continue
		}
		fired++
	}
	return fired, errors.Join(errs...)
}

// Resubmit replays a dead-lettered job or workflow. A stored job is
// re-enqueued with the entry's arguments; otherwise the entry's identity is
// run on its queue, or started directly on the engine for a workflow
// entry without a job.
func (s *Scheduler) Resubmit(ctx context.Context, entry types.DeadLetterEntry) error {
	job, err := s.store.GetJob(ctx, entry.JobName)
	switch {
	case err == nil:
		if entry.Args != nil {
			job.Args = entry.Args
		}
	case errors.Is(err, storage.ErrNotFound):
		if entry.Kind == types.KindWorkflow && entry.Worker == "" {
			if s.engine == nil {
				return ErrNoEngine
			}
			var opts []workflow.StartOption
			if entry.JobName != "" && entry.JobName != entry.Workflow {
				opts = append(opts, workflow.WithJobName(entry.JobName))
			}
			_, err := s.engine.Start(ctx, entry.Workflow, entry.Args, opts...)
			return err
		}
		job = types.Job{
			Name:     entry.JobName,
			Queue:    entry.Queue,
			Worker:   entry.Worker,
			Workflow: entry.Workflow,
			Args:     entry.Args,
		}
		if job.Queue == "" {
			job.Queue = DefaultQueue
		}
	default:
		return err
	}
	_, err = s.enqueue(ctx, job, nil)
	return err
}

// Start evaluates triggers every tick interval until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return ErrSchedulerStopped
	default:
	}
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case now := <-ticker.C:
			if _, err := s.Tick(ctx, now); err != nil && ctx.Err() == nil {
				s.logger.Error("tick failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the trigger loop and cancels job runs. Runs still queued finish
// as cancelled when their queue starts them; stopping the queue manager waits
// for them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	for _, r := range s.runs {
		if r.cancel != nil {
			r.cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue records a pending run and pushes it onto the job's queue.
func (s *Scheduler) enqueue(ctx context.Context, job types.Job, extra map[string]interface{}) (uint64, error) {
	select {
	case <-s.stopCh:
		return 0, ErrSchedulerStopped
	default:
	}
	id, err := s.generate.NextID()
	if err != nil {
		return 0, fmt.Errorf("failed to generate ID: %w", err)
	}
	args := make(map[string]interface{}, len(job.Args)+len(extra))
	for k, v := range job.Args {
		args[k] = v
	}
	for k, v := range extra {
		args[k] = v
	}

	now := time.Now()
	exec := types.Execution{
		ID:           id,
		WorkflowName: job.Workflow,
		JobName:      job.Name,
		Node:         s.elector.Node(),
		State:        types.StatePending,
		Context:      args,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.SaveExecution(ctx, exec); err != nil {
		return 0, fmt.Errorf("failed to save run: %w", err)
	}

	s.mu.Lock()
	s.runs[id] = &jobRun{job: job.Name}
	s.mu.Unlock()
	if err := s.updateJob(ctx, job.Name, func(j *types.Job) { j.State = types.JobQueued }); err != nil && !errors.Is(err, ErrJobNotFound) {
		s.logger.Warn("failed to mark job queued", zap.String("job", job.Name), zap.Error(err))
	}

	err = s.queues.Push(job.Queue, job.Name, func(qctx context.Context) error {
		return s.execute(qctx, exec, job)
	})
	if err != nil {
		s.forget(id)
		exec.State = types.StateFailed
		exec.Error = err.Error()
		exec.UpdatedAt = time.Now()
		bg := context.WithoutCancel(ctx)
		if serr := s.store.SaveExecution(bg, exec); serr != nil {
			s.logger.Error("failed to save run", zap.Uint64("execution_id", id), zap.Error(serr))
		}
		if uerr := s.updateJob(bg, job.Name, func(j *types.Job) { j.State = types.JobFailed }); uerr != nil && !errors.Is(uerr, ErrJobNotFound) {
			s.logger.Warn("failed to update job", zap.String("job", job.Name), zap.Error(uerr))
		}
		return 0, err
	}

	s.eventBus.Emit(EventJobEnqueue, nil, s.meta(job, id))
	s.logger.Debug("job enqueued", zap.String("job", job.Name), zap.String("queue", job.Queue), zap.Uint64("execution_id", id))
	return id, nil
}

func (s *Scheduler) forget(id uint64) {
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
}

// execute runs one queued job run to completion.
func (s *Scheduler) execute(qctx context.Context, exec types.Execution, job types.Job) error {
	defer s.forget(exec.ID)

	ctx, cancel := context.WithCancel(qctx)
	defer cancel()
	s.mu.Lock()
	r := s.runs[exec.ID]
	cancelled := r == nil || r.cancelled
	if r != nil {
		r.cancel = cancel
	}
	s.mu.Unlock()
	select {
	case <-s.stopCh:
		cancelled = true
	default:
	}

	// Persist with a context that outlives cancellation of the run.
	bg := context.WithoutCancel(qctx)
	logger := s.logger.With(zap.String("job", job.Name), zap.Uint64("execution_id", exec.ID))
	meta := s.meta(job, exec.ID)

	if cancelled {
		s.finish(bg, exec, job, nil, 0, context.Canceled, false)
		logger.Info("job run cancelled before start")
		return nil
	}

	started := time.Now()
	exec.State = types.StateRunning
	exec.StartedAt = &started
	exec.UpdatedAt = started
	if err := s.store.SaveExecution(bg, exec); err != nil {
		logger.Error("failed to save run", zap.Error(err))
	}
	if err := s.updateJob(bg, job.Name, func(j *types.Job) {
		j.State = types.JobRunning
		j.LastRunAt = &started
	}); err != nil && !errors.Is(err, ErrJobNotFound) {
		logger.Warn("failed to mark job running", zap.Error(err))
	}
	s.eventBus.Emit(EventJobStart, nil, meta)
	logger.Info("job started")

	var (
		result   interface{}
		attempts int
		err      error
		owned    bool
	)
	if job.Workflow != "" {
		result, owned, err = s.runWorkflow(ctx, exec.ID, job, exec.Context)
		attempts = 1
	} else {
		result, attempts, err = s.runWorker(ctx, job, exec.Context, meta, logger)
	}

	state := s.finish(bg, exec, job, result, attempts, err, owned)

	took := map[string]float64{"duration_ms": float64(time.Since(started).Milliseconds())}
	stopMeta := withField(meta, "state", state)
	if err != nil {
		logger.Warn("job finished", zap.String("state", state), zap.Int("attempts", attempts), zap.Error(err))
		s.eventBus.Emit(EventJobException, took, withField(stopMeta, "error", err.Error()))
	} else {
		logger.Info("job finished", zap.String("state", state), zap.Int("attempts", attempts))
	}
	s.eventBus.Emit(EventJobStop, took, stopMeta)
	if state == types.StateCancelled {
		return nil
	}
	return err
}

// finish records a run's outcome on its execution row and job, and
// dead-letters failed worker runs. It returns the execution state.
func (s *Scheduler) finish(ctx context.Context, exec types.Execution, job types.Job, result interface{}, attempts int, err error, owned bool) string {
	state := types.StateCompleted
	jobState := types.JobCompleted
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		state, jobState = types.StateCancelled, types.JobCancelled
	default:
		state, jobState = types.StateFailed, types.JobFailed
	}

	now := time.Now()
	if !owned {
		exec.State = state
		exec.FinishedAt = &now
		exec.UpdatedAt = now
		if err != nil {
			exec.Error = err.Error()
		}
		if result != nil {
			exec.Context = withField(exec.Context, "result", result)
		}
		if attempts > 0 && job.Worker != "" {
			exec.StepAttempts = map[string]int{job.Worker: attempts}
		}
		if serr := s.store.SaveExecution(ctx, exec); serr != nil {
			s.logger.Error("failed to save run", zap.Uint64("execution_id", exec.ID), zap.Error(serr))
		}
	}

	if uerr := s.updateJob(ctx, job.Name, func(j *types.Job) {
		j.State = jobState
		if attempts == 0 {
			return
		}
		j.RunCount++
		if state == types.StateFailed {
			j.ErrorCount++
			j.LastError = err.Error()
		} else if state == types.StateCompleted {
			j.LastResult = result
			j.LastError = ""
		}
	}); uerr != nil && !errors.Is(uerr, ErrJobNotFound) {
		s.logger.Warn("failed to update job", zap.String("job", job.Name), zap.Error(uerr))
	}

	if state == types.StateFailed && job.DeadLetter && job.Worker != "" && s.deadLetter != nil {
		errMap, class := deadletter.NormalizeError(err)
		entry := types.DeadLetterEntry{
			Kind:          types.KindJob,
			JobName:       job.Name,
			Queue:         job.Queue,
			Worker:        job.Worker,
			Args:          exec.Context,
			ExecutionID:   exec.ID,
			Error:         errMap,
			ErrorClass:    class,
			Attempts:      attempts,
			FirstFailedAt: *exec.StartedAt,
			LastFailedAt:  now,
		}
		var pe *workflow.PanicError
		if errors.As(err, &pe) {
			entry.Stacktrace = pe.Stack
		}
		if _, derr := s.deadLetter.Insert(ctx, entry); derr != nil {
			s.logger.Error("failed to dead-letter job", zap.String("job", job.Name), zap.Error(derr))
		}
	}
	return state
}

// runWorker calls the job's worker, retrying with exponential backoff.
func (s *Scheduler) runWorker(ctx context.Context, job types.Job, args map[string]interface{}, meta map[string]interface{}, logger *zap.Logger) (interface{}, int, error) {
	w, ok := s.worker(job.Worker)
	if !ok {
		return nil, 1, fmt.Errorf("%w: %s", ErrWorkerNotFound, job.Worker)
	}
	policy := workflow.RetryPolicy{
		MaxRetries: job.MaxRetries,
		Delay:      job.RetryDelay,
		Backoff:    workflow.BackoffExponential,
	}
	for attempt := 1; ; attempt++ {
		result, err := s.invoke(ctx, w, job, args)
		if err == nil {
			return result, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		if !policy.ShouldRetry(err, attempt) {
			return nil, attempt, err
		}

		wait := policy.Wait(attempt)
		logger.Warn("job attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", wait),
			zap.Error(err),
		)
		s.eventBus.Emit(EventJobRetry, map[string]float64{"delay_ms": float64(wait.Milliseconds())}, withField(meta, "attempt", attempt))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt, ctx.Err()
		}
	}
}

// invoke runs one worker attempt under the job timeout, converting panics
// into errors.
func (s *Scheduler) invoke(ctx context.Context, w Worker, job types.Job, args map[string]interface{}) (interface{}, error) {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	type outcome struct {
		result interface{}
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: &workflow.PanicError{Value: p, Stack: string(debug.Stack())}}
			}
		}()
		result, err := w(ctx, args)
		ch <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.err = fmt.Errorf("%w: %s exceeded %s", ErrJobTimeout, job.Name, job.Timeout)
	}
	return out.result, out.err
}

// runWorkflow runs the job's workflow on the engine under the run's id. owned
// reports whether the engine took over the execution row.
func (s *Scheduler) runWorkflow(ctx context.Context, id uint64, job types.Job, args map[string]interface{}) (interface{}, bool, error) {
	if s.engine == nil {
		return nil, false, ErrNoEngine
	}
	if _, err := s.engine.Start(ctx, job.Workflow, args, workflow.WithExecutionID(id), workflow.WithJobName(job.Name)); err != nil {
		return nil, false, err
	}

	exec, err := s.engine.Wait(ctx, id)
	if err != nil {
		bg := context.WithoutCancel(ctx)
		if cerr := s.engine.Cancel(bg, id, false); cerr != nil && !errors.Is(cerr, workflow.ErrInvalidState) {
			s.logger.Warn("failed to cancel workflow run", zap.Uint64("execution_id", id), zap.Error(cerr))
		}
		if exec, err = s.engine.Wait(bg, id); err != nil {
			return nil, true, err
		}
	}
	switch exec.State {
	case types.StateCompleted:
		return exec.Context, true, nil
	case types.StateCancelled:
		return nil, true, context.Canceled
	default:
		return nil, true, fmt.Errorf("%w: %s", ErrWorkflowFailed, exec.Error)
	}
}

func (s *Scheduler) meta(job types.Job, id uint64) map[string]interface{} {
	m := map[string]interface{}{
		"job":          job.Name,
		"queue":        job.Queue,
		"execution_id": id,
	}
	if job.Workflow != "" {
		m["workflow"] = job.Workflow
	}
	if job.Worker != "" {
		m["worker"] = job.Worker
	}
	return m
}

func withField(m map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
