package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/jobflow/deadletter"
	"github.com/songzhibin97/jobflow/events"
	"github.com/songzhibin97/jobflow/peer"
	"github.com/songzhibin97/jobflow/queue"
	"github.com/songzhibin97/jobflow/storage"
	"github.com/songzhibin97/jobflow/types"
	"github.com/songzhibin97/jobflow/workflow"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id atomic.Uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return g.id.Add(1), nil
}

type fixture struct {
	s      *Scheduler
	store  *storage.MemoryStorage
	queues *queue.Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	queues := queue.NewManager()
	opts = append([]Option{WithGenerator(&MockGenerator{})}, opts...)
	s, err := New(store, queues, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
		_ = queues.Stop(context.Background())
	})
	return &fixture{s: s, store: store, queues: queues}
}

func newEngine(t *testing.T, store *storage.MemoryStorage, defs ...*workflow.Definition) *workflow.Engine {
	t.Helper()
	reg := workflow.NewRegistry(store)
	for _, d := range defs {
		require.NoError(t, d.Register(context.Background(), reg))
	}
	e, err := workflow.NewEngine(&MockGenerator{}, reg, workflow.WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func echo(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return args["n"], nil
}

func waitForRun(t *testing.T, s *Scheduler, id uint64, state string) types.Execution {
	t.Helper()
	var exec types.Execution
	require.Eventually(t, func() bool {
		var err error
		exec, err = s.store.GetExecution(context.Background(), id)
		return err == nil && exec.State == state
	}, 2*time.Second, 5*time.Millisecond)
	return exec
}

func waitForJob(t *testing.T, s *Scheduler, name string, cond func(types.Job) bool) types.Job {
	t.Helper()
	var job types.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = s.Get(context.Background(), name)
		return err == nil && cond(job)
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestNew(t *testing.T) {
	_, err := New(nil, queue.NewManager())
	assert.EqualError(t, err, "store is required")

	_, err = New(storage.NewMemoryStorage(), nil)
	assert.EqualError(t, err, "queue manager is required")
}

func TestInsert(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	before := time.Now()
	job, err := f.s.Insert(ctx, types.Job{Name: "sync", Worker: "echo", Schedule: types.Schedule{Every: time.Minute}})
	require.NoError(t, err)
	assert.Equal(t, DefaultQueue, job.Queue)
	assert.Equal(t, types.JobScheduled, job.State)
	assert.True(t, job.Enabled)
	require.NotNil(t, job.NextRunAt)
	assert.False(t, job.NextRunAt.Before(before.Add(time.Minute)))

	stored, err := f.s.Get(ctx, "sync")
	require.NoError(t, err)
	assert.Equal(t, job.NextRunAt.Unix(), stored.NextRunAt.Unix())

	_, err = f.s.Insert(ctx, types.Job{Name: "sync", Worker: "echo"})
	assert.ErrorIs(t, err, ErrJobExists)

	invalid := []struct {
		name string
		job  types.Job
		want error
	}{
		{"no name", types.Job{Worker: "echo"}, ErrInvalidJob},
		{"no target", types.Job{Name: "x"}, ErrInvalidJob},
		{"two targets", types.Job{Name: "x", Worker: "echo", Workflow: "wf"}, ErrInvalidJob},
		{"negative retries", types.Job{Name: "x", Worker: "echo", MaxRetries: -1}, ErrInvalidJob},
		{"workflow without engine", types.Job{Name: "x", Workflow: "wf"}, ErrNoEngine},
		{"bad cron", types.Job{Name: "x", Worker: "echo", Schedule: types.Schedule{Cron: "bogus"}}, ErrInvalidSchedule},
		{"two triggers", types.Job{Name: "x", Worker: "echo", Schedule: types.Schedule{Cron: "@hourly", In: time.Second}}, ErrInvalidSchedule},
		{"bad filter", types.Job{Name: "x", Worker: "echo", Schedule: types.Schedule{OnEvent: "e", EventFilter: "amount >"}}, ErrInvalidSchedule},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.s.Insert(ctx, tt.job)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUpdateDelete(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	require.NoError(t, f.s.RegisterWorker("echo", echo))

	_, err := f.s.Insert(ctx, types.Job{Name: "report", Worker: "echo", Queue: "reports"})
	require.NoError(t, err)
	id, err := f.s.RunNow(ctx, "report")
	require.NoError(t, err)
	waitForRun(t, f.s, id, types.StateCompleted)
	waitForJob(t, f.s, "report", func(j types.Job) bool { return j.RunCount == 1 })

	job, err := f.s.Get(ctx, "report")
	require.NoError(t, err)
	job.Schedule = types.Schedule{Every: time.Hour}
	job.Args = map[string]interface{}{"n": 2}
	updated, err := f.s.Update(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.RunCount)
	assert.Equal(t, "reports", updated.Queue)
	require.NotNil(t, updated.NextRunAt)
	require.NotNil(t, updated.LastRunAt)
	assert.True(t, updated.NextRunAt.Equal(updated.LastRunAt.Add(time.Hour)))

	all, err := f.s.All(ctx, types.JobFilter{Queue: "reports"})
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = f.s.Update(ctx, types.Job{Name: "ghost", Worker: "echo"})
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, f.s.Delete(ctx, "report"))
	_, err = f.s.Get(ctx, "report")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, f.s.Delete(ctx, "report"), ErrJobNotFound)

	history, err := f.s.History(ctx, "report", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRunNowWorker(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	require.NoError(t, f.s.RegisterWorker("double", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return args["n"].(int) * 2, nil
	}))
	_, err := f.s.Insert(ctx, types.Job{Name: "math", Worker: "double", Args: map[string]interface{}{"n": 21}})
	require.NoError(t, err)

	id, err := f.s.RunNow(ctx, "math")
	require.NoError(t, err)
	exec := waitForRun(t, f.s, id, types.StateCompleted)
	assert.Equal(t, "math", exec.JobName)
	assert.Equal(t, 42, exec.Context["result"])
	assert.Equal(t, 1, exec.StepAttempts["double"])
	assert.NotNil(t, exec.StartedAt)
	assert.NotNil(t, exec.FinishedAt)

	job := waitForJob(t, f.s, "math", func(j types.Job) bool { return j.State == types.JobCompleted })
	assert.Equal(t, int64(1), job.RunCount)
	assert.Zero(t, job.ErrorCount)
	assert.Equal(t, 42, job.LastResult)
	assert.NotNil(t, job.LastRunAt)

	history, err := f.s.History(ctx, "math", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)

	_, err = f.s.RunNow(ctx, "ghost")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = f.s.History(ctx, "", 0)
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestWorkerRetries(t *testing.T) {
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	var retries atomic.Int32
	bus.SubscribeFunc(EventJobRetry, func(ctx context.Context, e events.Event) error {
		retries.Add(1)
		return nil
	})

	f := newFixture(t, WithEventBus(bus))
	ctx := testContext(t)
	var calls atomic.Int32
	require.NoError(t, f.s.RegisterWorker("flaky", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("busy")
		}
		return "ok", nil
	}))
	_, err := f.s.Insert(ctx, types.Job{Name: "flaky", Worker: "flaky", MaxRetries: 2, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	id, err := f.s.RunNow(ctx, "flaky")
	require.NoError(t, err)
	exec := waitForRun(t, f.s, id, types.StateCompleted)
	assert.Equal(t, 3, exec.StepAttempts["flaky"])
	assert.Eventually(t, func() bool { return retries.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestWorkerFailures(t *testing.T) {
	t.Run("Dead letter after retries", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		dlq, err := deadletter.New(store, deadletter.WithGenerator(&MockGenerator{}))
		require.NoError(t, err)
		queues := queue.NewManager()
		s, err := New(store, queues, WithGenerator(&MockGenerator{}), WithDeadLetter(dlq))
		require.NoError(t, err)
		t.Cleanup(func() { _ = queues.Stop(context.Background()) })
		ctx := testContext(t)

		require.NoError(t, s.RegisterWorker("broken", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("upstream down")
		}))
		_, err = s.Insert(ctx, types.Job{Name: "sync", Worker: "broken", Queue: "io", MaxRetries: 1, DeadLetter: true, Args: map[string]interface{}{"n": 1}})
		require.NoError(t, err)

		id, err := s.RunNow(ctx, "sync")
		require.NoError(t, err)
		exec := waitForRun(t, s, id, types.StateFailed)
		assert.Equal(t, "upstream down", exec.Error)
		assert.Equal(t, 2, exec.StepAttempts["broken"])

		job := waitForJob(t, s, "sync", func(j types.Job) bool { return j.ErrorCount == 1 })
		assert.Equal(t, types.JobFailed, job.State)
		assert.Equal(t, "upstream down", job.LastError)

		var entries []types.DeadLetterEntry
		require.Eventually(t, func() bool {
			entries, err = dlq.List(ctx, types.DeadLetterFilter{})
			return err == nil && len(entries) == 1
		}, time.Second, 5*time.Millisecond)
		e := entries[0]
		assert.Equal(t, types.KindJob, e.Kind)
		assert.Equal(t, "sync", e.JobName)
		assert.Equal(t, "io", e.Queue)
		assert.Equal(t, "broken", e.Worker)
		assert.Equal(t, id, e.ExecutionID)
		assert.Equal(t, 2, e.Attempts)
		assert.Equal(t, 1, e.Args["n"])
		assert.Equal(t, "upstream down", e.Error["message"])
	})

	t.Run("Timeout", func(t *testing.T) {
		f := newFixture(t)
		ctx := testContext(t)
		require.NoError(t, f.s.RegisterWorker("slow", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
		_, err := f.s.Insert(ctx, types.Job{Name: "slow", Worker: "slow", Timeout: 20 * time.Millisecond})
		require.NoError(t, err)

		id, err := f.s.RunNow(ctx, "slow")
		require.NoError(t, err)
		exec := waitForRun(t, f.s, id, types.StateFailed)
		assert.Contains(t, exec.Error, ErrJobTimeout.Error())
	})

	t.Run("Panic", func(t *testing.T) {
		f := newFixture(t)
		ctx := testContext(t)
		require.NoError(t, f.s.RegisterWorker("panics", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		}))
		_, err := f.s.Insert(ctx, types.Job{Name: "panics", Worker: "panics"})
		require.NoError(t, err)

		id, err := f.s.RunNow(ctx, "panics")
		require.NoError(t, err)
		exec := waitForRun(t, f.s, id, types.StateFailed)
		assert.Equal(t, "panic: kaboom", exec.Error)
	})

	t.Run("Unknown worker", func(t *testing.T) {
		f := newFixture(t)
		ctx := testContext(t)
		_, err := f.s.Insert(ctx, types.Job{Name: "orphan", Worker: "missing", MaxRetries: 3})
		require.NoError(t, err)

		id, err := f.s.RunNow(ctx, "orphan")
		require.NoError(t, err)
		exec := waitForRun(t, f.s, id, types.StateFailed)
		assert.Contains(t, exec.Error, ErrWorkerNotFound.Error())
	})
}

func TestWorkflowJob(t *testing.T) {
	store := storage.NewMemoryStorage()
	def := workflow.New("report").
		Step("collect", workflow.ActionFunc(func(ctx context.Context, input map[string]interface{}) (workflow.Result, error) {
			return workflow.Ok(map[string]interface{}{"rows": input["rows"]}), nil
		})).
		Step("fail_if", workflow.ActionFunc(func(ctx context.Context, input map[string]interface{}) (workflow.Result, error) {
			if input["fail"] == true {
				return workflow.Result{}, workflow.Permanent(errors.New("bad input"))
			}
			return workflow.Ok(nil), nil
		}), workflow.After("collect"))
	engine := newEngine(t, store, def)

	queues := queue.NewManager()
	s, err := New(store, queues, WithGenerator(&MockGenerator{}), WithEngine(engine))
	require.NoError(t, err)
	t.Cleanup(func() { _ = queues.Stop(context.Background()) })
	ctx := testContext(t)

	_, err = s.Insert(ctx, types.Job{Name: "nightly", Workflow: "report", Args: map[string]interface{}{"rows": 3}})
	require.NoError(t, err)
	_, err = s.Insert(ctx, types.Job{Name: "missing", Workflow: "nope"})
	assert.ErrorIs(t, err, ErrInvalidJob)
	assert.ErrorIs(t, err, workflow.ErrWorkflowNotFound)

	id, err := s.RunNow(ctx, "nightly")
	require.NoError(t, err)
	exec := waitForRun(t, s, id, types.StateCompleted)
	assert.Equal(t, "report", exec.WorkflowName)
	assert.Equal(t, "nightly", exec.JobName)
	assert.Equal(t, []string{"collect", "fail_if"}, exec.CompletedSteps)

	job := waitForJob(t, s, "nightly", func(j types.Job) bool { return j.RunCount == 1 })
	assert.Equal(t, types.JobCompleted, job.State)
	result, ok := job.LastResult.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"rows": 3}, result["collect"])

	job.Args = map[string]interface{}{"fail": true}
	_, err = s.Update(ctx, job)
	require.NoError(t, err)
	id, err = s.RunNow(ctx, "nightly")
	require.NoError(t, err)
	waitForRun(t, s, id, types.StateFailed)
	job = waitForJob(t, s, "nightly", func(j types.Job) bool { return j.ErrorCount == 1 })
	assert.Contains(t, job.LastError, "bad input")
}

func TestTick(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	var runs atomic.Int32
	require.NoError(t, f.s.RegisterWorker("count", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		runs.Add(1)
		return nil, nil
	}))

	_, err := f.s.Insert(ctx, types.Job{Name: "hourly", Worker: "count", Schedule: types.Schedule{Every: time.Hour}})
	require.NoError(t, err)
	_, err = f.s.Insert(ctx, types.Job{Name: "paused", Worker: "count", Schedule: types.Schedule{Every: time.Hour}})
	require.NoError(t, err)
	require.NoError(t, f.s.PauseJob(ctx, "paused"))
	_, err = f.s.Insert(ctx, types.Job{Name: "manual", Worker: "count"})
	require.NoError(t, err)

	fired, err := f.s.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, fired)

	later := time.Now().Add(2 * time.Hour)
	fired, err = f.s.Tick(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	job, err := f.s.Get(ctx, "hourly")
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.Equal(later.Add(time.Hour)))

	fired, err = f.s.Tick(ctx, later)
	require.NoError(t, err)
	assert.Zero(t, fired)
}

// deletingStore deletes victim right after the due-job scan, as a concurrent
// Delete would.
type deletingStore struct {
	*storage.MemoryStorage
	victim string
}

func (d *deletingStore) ListJobs(ctx context.Context, filter types.JobFilter) ([]types.Job, error) {
	jobs, err := d.MemoryStorage.ListJobs(ctx, filter)
	if err == nil && filter.DueBefore != nil {
		_ = d.MemoryStorage.DeleteJob(ctx, d.victim)
	}
	return jobs, err
}

func TestTickSkipsJobDeletedAfterScan(t *testing.T) {
	store := &deletingStore{MemoryStorage: storage.NewMemoryStorage(), victim: "doomed"}
	queues := queue.NewManager()
	s, err := New(store, queues, WithGenerator(&MockGenerator{}))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
		_ = queues.Stop(context.Background())
	})
	ctx := testContext(t)

	var kept, doomed atomic.Int32
	require.NoError(t, s.RegisterWorker("kept", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		kept.Add(1)
		return nil, nil
	}))
	require.NoError(t, s.RegisterWorker("doomed", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		doomed.Add(1)
		return nil, nil
	}))
	for _, name := range []string{"kept", "doomed"} {
		_, err := s.Insert(ctx, types.Job{Name: name, Worker: name, Schedule: types.Schedule{Every: time.Hour}})
		require.NoError(t, err)
	}

	fired, err := s.Tick(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Eventually(t, func() bool { return kept.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, doomed.Load())

	history, err := store.GetExecutions(ctx, "doomed", types.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)
	_, err = s.Get(ctx, "doomed")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestTickOneShot(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	require.NoError(t, f.s.RegisterWorker("echo", echo))

	at := time.Now().Add(-time.Minute)
	job, err := f.s.Insert(ctx, types.Job{Name: "once", Worker: "echo", Schedule: types.Schedule{At: &at}})
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)

	fired, err := f.s.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	job = waitForJob(t, f.s, "once", func(j types.Job) bool { return j.RunCount == 1 })
	assert.Nil(t, job.NextRunAt)

	fired, err = f.s.Tick(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestTickFollower(t *testing.T) {
	f := newFixture(t, WithElector(peer.NewFollower("b", "a")))
	ctx := testContext(t)
	_, err := f.s.Insert(ctx, types.Job{Name: "hourly", Worker: "echo", Schedule: types.Schedule{Every: time.Hour}})
	require.NoError(t, err)

	assert.False(t, f.s.IsLeader())
	fired, err := f.s.Tick(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, fired)

	leader, err := f.s.LeaderNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", leader)
}

func TestPauseResumeJob(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	_, err := f.s.Insert(ctx, types.Job{Name: "poll", Worker: "echo", Schedule: types.Schedule{Every: time.Millisecond}})
	require.NoError(t, err)

	require.NoError(t, f.s.PauseJob(ctx, "poll"))
	job, err := f.s.Get(ctx, "poll")
	require.NoError(t, err)
	assert.True(t, job.Paused)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.s.ResumeJob(ctx, "poll"))
	job, err = f.s.Get(ctx, "poll")
	require.NoError(t, err)
	assert.False(t, job.Paused)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().Add(-time.Millisecond)))

	assert.ErrorIs(t, f.s.PauseJob(ctx, "ghost"), ErrJobNotFound)
	assert.ErrorIs(t, f.s.ResumeJob(ctx, "ghost"), ErrJobNotFound)
}

func TestEmit(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	var (
		mu   sync.Mutex
		seen = map[string][]interface{}{}
	)
	record := func(name string) Worker {
		return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			event := args["event"].(map[string]interface{})
			mu.Lock()
			seen[name] = append(seen[name], event["amount"])
			mu.Unlock()
			return nil, nil
		}
	}
	require.NoError(t, f.s.RegisterWorker("all", record("all")))
	require.NoError(t, f.s.RegisterWorker("large", record("large")))

	_, err := f.s.Insert(ctx, types.Job{Name: "audit", Worker: "all", Schedule: types.Schedule{OnEvent: "order.created"}})
	require.NoError(t, err)
	_, err = f.s.Insert(ctx, types.Job{Name: "review", Worker: "large", Schedule: types.Schedule{OnEvent: "order.created", EventFilter: "amount > 100"}})
	require.NoError(t, err)

	fired, err := f.s.Emit(ctx, "order.created", map[string]interface{}{"amount": 150})
	require.NoError(t, err)
	assert.Equal(t, 2, fired)
	fired, err = f.s.Emit(ctx, "order.created", map[string]interface{}{"amount": 50})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	fired, err = f.s.Emit(ctx, "order.deleted", nil)
	require.NoError(t, err)
	assert.Zero(t, fired)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen["all"]) == 2 && len(seen["large"]) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []interface{}{150}, seen["large"])
	mu.Unlock()
}

func TestCancelJob(t *testing.T) {
	t.Run("Running", func(t *testing.T) {
		f := newFixture(t)
		ctx := testContext(t)
		started := make(chan struct{})
		require.NoError(t, f.s.RegisterWorker("block", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))
		_, err := f.s.Insert(ctx, types.Job{Name: "block", Worker: "block", MaxRetries: 5})
		require.NoError(t, err)

		_, err = f.s.CancelJob(ctx, "block")
		assert.ErrorIs(t, err, ErrJobNotRunning)

		id, err := f.s.RunNow(ctx, "block")
		require.NoError(t, err)
		<-started
		n, err := f.s.CancelJob(ctx, "block")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		waitForRun(t, f.s, id, types.StateCancelled)
		job := waitForJob(t, f.s, "block", func(j types.Job) bool { return j.State == types.JobCancelled })
		assert.Zero(t, job.ErrorCount)
	})

	t.Run("Queued", func(t *testing.T) {
		f := newFixture(t)
		ctx := testContext(t)
		var calls atomic.Int32
		require.NoError(t, f.s.RegisterWorker("count", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			calls.Add(1)
			return nil, nil
		}))
		_, err := f.s.Insert(ctx, types.Job{Name: "later", Worker: "count", Queue: "slow"})
		require.NoError(t, err)

		require.NoError(t, f.s.PauseQueue("slow"))
		id, err := f.s.RunNow(ctx, "later")
		require.NoError(t, err)
		n, err := f.s.CancelJob(ctx, "later")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, f.s.ResumeQueue("slow"))
		exec := waitForRun(t, f.s, id, types.StateCancelled)
		assert.Nil(t, exec.StartedAt)
		assert.Zero(t, calls.Load())
	})

	t.Run("Workflow", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		started := make(chan struct{})
		def := workflow.New("wait").Step("block", workflow.ActionFunc(func(ctx context.Context, input map[string]interface{}) (workflow.Result, error) {
			close(started)
			<-ctx.Done()
			return workflow.Result{}, ctx.Err()
		}))
		engine := newEngine(t, store, def)
		queues := queue.NewManager()
		s, err := New(store, queues, WithGenerator(&MockGenerator{}), WithEngine(engine))
		require.NoError(t, err)
		t.Cleanup(func() { _ = queues.Stop(context.Background()) })
		ctx := testContext(t)

		_, err = s.Insert(ctx, types.Job{Name: "waiter", Workflow: "wait"})
		require.NoError(t, err)
		id, err := s.RunNow(ctx, "waiter")
		require.NoError(t, err)
		<-started
		_, err = s.CancelJob(ctx, "waiter")
		require.NoError(t, err)

		waitForRun(t, s, id, types.StateCancelled)
		waitForJob(t, s, "waiter", func(j types.Job) bool { return j.State == types.JobCancelled })
	})
}

func TestQueueControls(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.ScaleQueue("reports", 4))
	require.NoError(t, f.s.PauseQueue("reports"))

	stats, err := f.s.QueueStats("reports")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Limit)
	assert.True(t, stats.Paused)

	require.NoError(t, f.s.ResumeQueue("reports"))
	assert.ErrorIs(t, f.s.ScaleQueue("reports", 0), queue.ErrInvalidLimit)
	_, err = f.s.QueueStats("missing")
	assert.ErrorIs(t, err, queue.ErrQueueNotFound)
}

func TestResubmit(t *testing.T) {
	store := storage.NewMemoryStorage()
	dlq, err := deadletter.New(store, deadletter.WithGenerator(&MockGenerator{}))
	require.NoError(t, err)
	queues := queue.NewManager()
	s, err := New(store, queues, WithGenerator(&MockGenerator{}), WithDeadLetter(dlq))
	require.NoError(t, err)
	dlq.SetResubmitter(s)
	t.Cleanup(func() { _ = queues.Stop(context.Background()) })
	ctx := testContext(t)

	var healthy atomic.Bool
	var calls atomic.Int32
	require.NoError(t, s.RegisterWorker("charge", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		calls.Add(1)
		if !healthy.Load() {
			return nil, errors.New("gateway down")
		}
		return args["order"], nil
	}))
	_, err = s.Insert(ctx, types.Job{Name: "charge", Worker: "charge", DeadLetter: true, Args: map[string]interface{}{"order": "o-1"}})
	require.NoError(t, err)

	_, err = s.RunNow(ctx, "charge")
	require.NoError(t, err)
	var entries []types.DeadLetterEntry
	require.Eventually(t, func() bool {
		entries, err = dlq.List(ctx, types.DeadLetterFilter{})
		return err == nil && len(entries) == 1
	}, time.Second, 5*time.Millisecond)

	healthy.Store(true)
	require.NoError(t, dlq.Retry(ctx, entries[0].ID))
	_, err = dlq.Get(ctx, entries[0].ID)
	assert.ErrorIs(t, err, deadletter.ErrEntryNotFound)

	job := waitForJob(t, s, "charge", func(j types.Job) bool { return j.State == types.JobCompleted })
	assert.Equal(t, "o-1", job.LastResult)
	assert.Equal(t, int32(2), calls.Load())

	t.Run("Deleted job", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "charge"))
		err := s.Resubmit(ctx, types.DeadLetterEntry{Kind: types.KindJob, JobName: "charge", Worker: "charge", Args: map[string]interface{}{"order": "o-2"}})
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)

		history, err := s.History(ctx, "charge", 1)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "o-2", history[0].Context["order"])
	})

	t.Run("Workflow without engine", func(t *testing.T) {
		err := s.Resubmit(ctx, types.DeadLetterEntry{Kind: types.KindWorkflow, JobName: "flow", Workflow: "flow"})
		assert.ErrorIs(t, err, ErrNoEngine)
	})
}

func TestStatus(t *testing.T) {
	f := newFixture(t, WithElector(peer.NewStatic("node-1")))
	ctx := testContext(t)
	_, err := f.s.Insert(ctx, types.Job{Name: "a", Worker: "echo", Queue: "q1"})
	require.NoError(t, err)
	_, err = f.s.Insert(ctx, types.Job{Name: "b", Worker: "echo", Queue: "q2"})
	require.NoError(t, err)
	require.NoError(t, f.s.PauseQueue("q1"))
	require.NoError(t, f.s.PauseQueue("q2"))

	status, err := f.s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-1", status.Node)
	assert.True(t, status.IsLeader)
	assert.Equal(t, "node-1", status.LeaderNode)
	assert.Len(t, status.Peers, 1)
	assert.Equal(t, 2, status.Jobs)
	assert.Zero(t, status.Running)
	require.Len(t, status.Queues, 2)
	assert.Equal(t, "q1", status.Queues[0].Name)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, WithTickInterval(10*time.Millisecond))
	ctx := testContext(t)
	var runs atomic.Int32
	require.NoError(t, f.s.RegisterWorker("tick", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		runs.Add(1)
		return nil, nil
	}))
	_, err := f.s.Insert(ctx, types.Job{Name: "fast", Worker: "tick", Schedule: types.Schedule{Every: 20 * time.Millisecond}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.s.Start(ctx) }()
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.s.Stop(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}

	assert.ErrorIs(t, f.s.Start(ctx), ErrSchedulerStopped)
	_, err = f.s.RunNow(ctx, "fast")
	assert.ErrorIs(t, err, ErrSchedulerStopped)
}
