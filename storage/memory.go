package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/jobflow/types"
)

// MemoryStorage is an in-memory implementation of Storage. It is a caching
// tier only: a restart loses everything it holds.
type MemoryStorage struct {
	jobs        map[string]types.Job
	executions  map[uint64]types.Execution
	workflows   map[string]types.WorkflowRecord
	deadLetters map[uint64]types.DeadLetterEntry
	byQueue     map[string]map[uint64]struct{}
	byJob       map[string]map[uint64]struct{}
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:        make(map[string]types.Job),
		executions:  make(map[uint64]types.Execution),
		workflows:   make(map[string]types.WorkflowRecord),
		deadLetters: make(map[uint64]types.DeadLetterEntry),
		byQueue:     make(map[string]map[uint64]struct{}),
		byJob:       make(map[string]map[uint64]struct{}),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", ErrNotFound, id)
		}
		return item, nil
	})
}

func (s *MemoryStorage) write(ctx context.Context, fn func()) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		fn()
		return nil
	})
}

// GetJob retrieves a job by name.
func (s *MemoryStorage) GetJob(ctx context.Context, name string) (types.Job, error) {
	return getItem(ctx, &s.mu, s.jobs, name)
}

// ListJobs returns jobs matching filter ordered by name.
func (s *MemoryStorage) ListJobs(ctx context.Context, filter types.JobFilter) ([]types.Job, error) {
	return withContext(ctx, func() ([]types.Job, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Job
		for _, job := range s.jobs {
			if filter.Match(job) {
				out = append(out, job)
			}
		}
		return sortJobs(out), nil
	})
}

// PutJob inserts or replaces a job.
func (s *MemoryStorage) PutJob(ctx context.Context, job types.Job) error {
	return s.write(ctx, func() { s.jobs[job.Name] = job })
}

// DeleteJob removes a job.
func (s *MemoryStorage) DeleteJob(ctx context.Context, name string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.jobs[name]; !ok {
			return fmt.Errorf("%w: job=%s", ErrNotFound, name)
		}
		delete(s.jobs, name)
		return nil
	})
}

// SaveExecution inserts or replaces an execution.
func (s *MemoryStorage) SaveExecution(ctx context.Context, exec types.Execution) error {
	return s.write(ctx, func() { s.executions[exec.ID] = exec })
}

// GetExecution retrieves an execution by id.
func (s *MemoryStorage) GetExecution(ctx context.Context, id uint64) (types.Execution, error) {
	return getItem(ctx, &s.mu, s.executions, id)
}

// GetExecutions returns executions for jobName matching filter, newest first.
func (s *MemoryStorage) GetExecutions(ctx context.Context, jobName string, filter types.ExecutionFilter) ([]types.Execution, error) {
	return withContext(ctx, func() ([]types.Execution, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Execution
		for _, exec := range s.executions {
			if jobName != "" && exec.JobName != jobName {
				continue
			}
			if filter.Match(exec) {
				out = append(out, exec)
			}
		}
		return sortExecutions(out, filter.Limit), nil
	})
}

// RegisterWorkflow stores a workflow record by name.
func (s *MemoryStorage) RegisterWorkflow(ctx context.Context, rec types.WorkflowRecord) error {
	return s.write(ctx, func() { s.workflows[rec.Name] = rec })
}

// ListWorkflows returns every registered workflow record.
func (s *MemoryStorage) ListWorkflows(ctx context.Context) ([]types.WorkflowRecord, error) {
	return withContext(ctx, func() ([]types.WorkflowRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowRecord, 0, len(s.workflows))
		for _, rec := range s.workflows {
			out = append(out, rec)
		}
		return out, nil
	})
}

// SaveDeadLetter inserts or replaces an entry and maintains the queue and job indices.
func (s *MemoryStorage) SaveDeadLetter(ctx context.Context, entry types.DeadLetterEntry) error {
	return s.write(ctx, func() {
		if old, ok := s.deadLetters[entry.ID]; ok {
			s.unindex(old)
		}
		s.deadLetters[entry.ID] = entry
		index(s.byQueue, entry.Queue, entry.ID)
		index(s.byJob, entry.JobName, entry.ID)
	})
}

// GetDeadLetter retrieves an entry by id.
func (s *MemoryStorage) GetDeadLetter(ctx context.Context, id uint64) (types.DeadLetterEntry, error) {
	return getItem(ctx, &s.mu, s.deadLetters, id)
}

// ListDeadLetters returns matching entries oldest first, using the secondary
// indices when the filter names a queue or job.
func (s *MemoryStorage) ListDeadLetters(ctx context.Context, filter types.DeadLetterFilter) ([]types.DeadLetterEntry, error) {
	return withContext(ctx, func() ([]types.DeadLetterEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.DeadLetterEntry
		collect := func(id uint64) {
			if e, ok := s.deadLetters[id]; ok && filter.Match(e) {
				out = append(out, e)
			}
		}
		switch {
		case filter.Queue != "":
			for id := range s.byQueue[filter.Queue] {
				collect(id)
			}
		case filter.JobName != "":
			for id := range s.byJob[filter.JobName] {
				collect(id)
			}
		default:
			for id := range s.deadLetters {
				collect(id)
			}
		}
		return sortDeadLetters(out, filter.Limit), nil
	})
}

// DeleteDeadLetter removes an entry.
func (s *MemoryStorage) DeleteDeadLetter(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		entry, ok := s.deadLetters[id]
		if !ok {
			return fmt.Errorf("%w: dead letter=%d", ErrNotFound, id)
		}
		s.unindex(entry)
		delete(s.deadLetters, id)
		return nil
	})
}

// CountDeadLetters returns the number of stored entries.
func (s *MemoryStorage) CountDeadLetters(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.deadLetters), nil
	})
}

// ClearCompleted removes executions in a terminal state.
func (s *MemoryStorage) ClearCompleted(ctx context.Context) error {
	return s.write(ctx, func() {
		for id, exec := range s.executions {
			if types.IsTerminal(exec.State) {
				delete(s.executions, id)
			}
		}
	})
}

func (s *MemoryStorage) unindex(entry types.DeadLetterEntry) {
	delete(s.byQueue[entry.Queue], entry.ID)
	delete(s.byJob[entry.JobName], entry.ID)
}

func index(idx map[string]map[uint64]struct{}, key string, id uint64) {
	if idx[key] == nil {
		idx[key] = make(map[uint64]struct{})
	}
	idx[key][id] = struct{}{}
}
