package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/songzhibin97/jobflow/types"
)

// ErrNotFound is returned (wrapped) when a requested record does not exist.
var ErrNotFound = errors.New("resource not found")

// JobStore persists scheduler jobs keyed by name.
type JobStore interface {
	GetJob(ctx context.Context, name string) (types.Job, error)
	ListJobs(ctx context.Context, filter types.JobFilter) ([]types.Job, error)
	PutJob(ctx context.Context, job types.Job) error
	DeleteJob(ctx context.Context, name string) error
}

// ExecutionStore persists workflow and job executions keyed by id.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec types.Execution) error
	GetExecution(ctx context.Context, id uint64) (types.Execution, error)
	// GetExecutions returns executions of a job (or of a workflow when jobName
	// is empty and filter.WorkflowName is set), newest first.
	GetExecutions(ctx context.Context, jobName string, filter types.ExecutionFilter) ([]types.Execution, error)
}

// WorkflowStore persists registered workflow descriptions for discovery by name.
type WorkflowStore interface {
	RegisterWorkflow(ctx context.Context, rec types.WorkflowRecord) error
	ListWorkflows(ctx context.Context) ([]types.WorkflowRecord, error)
}

// DeadLetterStore persists dead-letter entries keyed by id.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, entry types.DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id uint64) (types.DeadLetterEntry, error)
	// ListDeadLetters returns matching entries ordered by InsertedAt, oldest first.
	ListDeadLetters(ctx context.Context, filter types.DeadLetterFilter) ([]types.DeadLetterEntry, error)
	DeleteDeadLetter(ctx context.Context, id uint64) error
	CountDeadLetters(ctx context.Context) (int, error)
}

// Storage is the full persistence contract consumed by the engine, scheduler
// and dead-letter queue.
type Storage interface {
	JobStore
	ExecutionStore
	WorkflowStore
	DeadLetterStore
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func sortExecutions(execs []types.Execution, limit int) []types.Execution {
	sort.Slice(execs, func(i, j int) bool {
		if !execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].CreatedAt.After(execs[j].CreatedAt)
		}
		return execs[i].ID > execs[j].ID
	})
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs
}

func sortDeadLetters(entries []types.DeadLetterEntry, limit int) []types.DeadLetterEntry {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].InsertedAt.Equal(entries[j].InsertedAt) {
			return entries[i].InsertedAt.Before(entries[j].InsertedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func sortJobs(jobs []types.Job) []types.Job {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}
