package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/jobflow/types"
)

const (
	jobPrefix        = "job:"
	jobIndex         = "jobs"
	executionPrefix  = "execution:"
	executionIndex   = "executions"
	workflowPrefix   = "workflow:"
	workflowIndex    = "workflows"
	deadLetterPrefix = "deadletter:"
	deadLetterIndex  = "deadletters"
)

// RedisStorage is a Redis-backed implementation of Storage. Records are JSON
// values under prefixed keys; sets and sorted sets act as secondary indices.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	KeyPrefix    string
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageWithClient(client, opts.KeyPrefix), nil
}

// NewRedisStorageWithClient wraps an existing client. An empty prefix defaults to "jobflow:".
func NewRedisStorageWithClient(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "jobflow:"
	}
	return &RedisStorage{client: client, prefix: prefix}
}

// Client exposes the underlying client so other components (leader lease) can share it.
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

func (s *RedisStorage) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func u64(id uint64) string { return strconv.FormatUint(id, 10) }

// getFromRedis retrieves and unmarshals a value stored under key.
func getFromRedis[T any](ctx context.Context, client *redis.Client, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// mgetFromRedis loads many keys at once, skipping keys that vanished in between.
func mgetFromRedis[T any](ctx context.Context, client *redis.Client, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget: %w", err)
	}
	out := make([]T, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}

// GetJob retrieves a job by name.
func (s *RedisStorage) GetJob(ctx context.Context, name string) (types.Job, error) {
	return getFromRedis[types.Job](ctx, s.client, s.key(jobPrefix, name))
}

// ListJobs returns jobs matching filter ordered by name.
func (s *RedisStorage) ListJobs(ctx context.Context, filter types.JobFilter) ([]types.Job, error) {
	return withContext(ctx, func() ([]types.Job, error) {
		names, err := s.client.SMembers(ctx, s.key(jobIndex)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		keys := make([]string, len(names))
		for i, n := range names {
			keys[i] = s.key(jobPrefix, n)
		}
		jobs, err := mgetFromRedis[types.Job](ctx, s.client, keys)
		if err != nil {
			return nil, err
		}
		var out []types.Job
		for _, job := range jobs {
			if filter.Match(job) {
				out = append(out, job)
			}
		}
		return sortJobs(out), nil
	})
}

// PutJob inserts or replaces a job.
func (s *RedisStorage) PutJob(ctx context.Context, job types.Job) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %w", job.Name, err)
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.key(jobPrefix, job.Name), data, 0)
		pipe.SAdd(ctx, s.key(jobIndex), job.Name)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save job %s: %w", job.Name, err)
		}
		return nil
	})
}

// DeleteJob removes a job.
func (s *RedisStorage) DeleteJob(ctx context.Context, name string) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		del := pipe.Del(ctx, s.key(jobPrefix, name))
		pipe.SRem(ctx, s.key(jobIndex), name)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete job %s: %w", name, err)
		}
		if del.Val() == 0 {
			return fmt.Errorf("%w: job=%s", ErrNotFound, name)
		}
		return nil
	})
}

// SaveExecution inserts or replaces an execution and indexes it by job and workflow.
func (s *RedisStorage) SaveExecution(ctx context.Context, exec types.Execution) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("failed to marshal execution %d: %w", exec.ID, err)
		}
		member := &redis.Z{Score: float64(exec.CreatedAt.UnixNano()), Member: u64(exec.ID)}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.key(executionPrefix, u64(exec.ID)), data, 0)
		pipe.ZAdd(ctx, s.key(executionIndex), member)
		if exec.JobName != "" {
			pipe.ZAdd(ctx, s.key(executionIndex, ":job:", exec.JobName), member)
		}
		if exec.WorkflowName != "" {
			pipe.ZAdd(ctx, s.key(executionIndex, ":workflow:", exec.WorkflowName), member)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save execution %d: %w", exec.ID, err)
		}
		return nil
	})
}

// GetExecution retrieves an execution by id.
func (s *RedisStorage) GetExecution(ctx context.Context, id uint64) (types.Execution, error) {
	return getFromRedis[types.Execution](ctx, s.client, s.key(executionPrefix, u64(id)))
}

// GetExecutions returns executions for jobName matching filter, newest first.
func (s *RedisStorage) GetExecutions(ctx context.Context, jobName string, filter types.ExecutionFilter) ([]types.Execution, error) {
	return withContext(ctx, func() ([]types.Execution, error) {
		index := s.key(executionIndex)
		switch {
		case jobName != "":
			index = s.key(executionIndex, ":job:", jobName)
		case filter.WorkflowName != "":
			index = s.key(executionIndex, ":workflow:", filter.WorkflowName)
		}
		ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to range %s: %w", index, err)
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.key(executionPrefix, id)
		}
		execs, err := mgetFromRedis[types.Execution](ctx, s.client, keys)
		if err != nil {
			return nil, err
		}
		var out []types.Execution
		for _, exec := range execs {
			if filter.Match(exec) {
				out = append(out, exec)
			}
		}
		return sortExecutions(out, filter.Limit), nil
	})
}

// RegisterWorkflow stores a workflow record by name.
func (s *RedisStorage) RegisterWorkflow(ctx context.Context, rec types.WorkflowRecord) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow %s: %w", rec.Name, err)
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.key(workflowPrefix, rec.Name), data, 0)
		pipe.SAdd(ctx, s.key(workflowIndex), rec.Name)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to register workflow %s: %w", rec.Name, err)
		}
		return nil
	})
}

// ListWorkflows returns every registered workflow record.
func (s *RedisStorage) ListWorkflows(ctx context.Context) ([]types.WorkflowRecord, error) {
	return withContext(ctx, func() ([]types.WorkflowRecord, error) {
		names, err := s.client.SMembers(ctx, s.key(workflowIndex)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list workflows: %w", err)
		}
		keys := make([]string, len(names))
		for i, n := range names {
			keys[i] = s.key(workflowPrefix, n)
		}
		return mgetFromRedis[types.WorkflowRecord](ctx, s.client, keys)
	})
}

// SaveDeadLetter stores an entry and its queue, job and insert-time indices.
func (s *RedisStorage) SaveDeadLetter(ctx context.Context, entry types.DeadLetterEntry) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal dead letter %d: %w", entry.ID, err)
		}
		id := u64(entry.ID)
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.key(deadLetterPrefix, id), data, 0)
		pipe.ZAdd(ctx, s.key(deadLetterIndex), &redis.Z{Score: float64(entry.InsertedAt.UnixNano()), Member: id})
		pipe.SAdd(ctx, s.key(deadLetterIndex, ":queue:", entry.Queue), id)
		pipe.SAdd(ctx, s.key(deadLetterIndex, ":job:", entry.JobName), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save dead letter %d: %w", entry.ID, err)
		}
		return nil
	})
}

// GetDeadLetter retrieves an entry by id.
func (s *RedisStorage) GetDeadLetter(ctx context.Context, id uint64) (types.DeadLetterEntry, error) {
	return getFromRedis[types.DeadLetterEntry](ctx, s.client, s.key(deadLetterPrefix, u64(id)))
}

// ListDeadLetters returns matching entries oldest first.
func (s *RedisStorage) ListDeadLetters(ctx context.Context, filter types.DeadLetterFilter) ([]types.DeadLetterEntry, error) {
	return withContext(ctx, func() ([]types.DeadLetterEntry, error) {
		var ids []string
		var err error
		switch {
		case filter.Queue != "":
			ids, err = s.client.SMembers(ctx, s.key(deadLetterIndex, ":queue:", filter.Queue)).Result()
		case filter.JobName != "":
			ids, err = s.client.SMembers(ctx, s.key(deadLetterIndex, ":job:", filter.JobName)).Result()
		default:
			max := "+inf"
			if !filter.InsertedBefore.IsZero() {
				max = "(" + strconv.FormatInt(filter.InsertedBefore.UnixNano(), 10)
			}
			ids, err = s.client.ZRangeByScore(ctx, s.key(deadLetterIndex), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list dead letters: %w", err)
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.key(deadLetterPrefix, id)
		}
		entries, err := mgetFromRedis[types.DeadLetterEntry](ctx, s.client, keys)
		if err != nil {
			return nil, err
		}
		var out []types.DeadLetterEntry
		for _, e := range entries {
			if filter.Match(e) {
				out = append(out, e)
			}
		}
		return sortDeadLetters(out, filter.Limit), nil
	})
}

// DeleteDeadLetter removes an entry and its index memberships.
func (s *RedisStorage) DeleteDeadLetter(ctx context.Context, id uint64) error {
	entry, err := s.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	member := u64(id)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(deadLetterPrefix, member))
	pipe.ZRem(ctx, s.key(deadLetterIndex), member)
	pipe.SRem(ctx, s.key(deadLetterIndex, ":queue:", entry.Queue), member)
	pipe.SRem(ctx, s.key(deadLetterIndex, ":job:", entry.JobName), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete dead letter %d: %w", id, err)
	}
	return nil
}

// CountDeadLetters returns the number of stored entries.
func (s *RedisStorage) CountDeadLetters(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.key(deadLetterIndex)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return int(n), nil
}

// ClearCompleted removes executions in a terminal state.
func (s *RedisStorage) ClearCompleted(ctx context.Context) error {
	execs, err := s.GetExecutions(ctx, "", types.ExecutionFilter{})
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	for _, exec := range execs {
		if !types.IsTerminal(exec.State) {
			continue
		}
		member := u64(exec.ID)
		pipe.Del(ctx, s.key(executionPrefix, member))
		pipe.ZRem(ctx, s.key(executionIndex), member)
		pipe.ZRem(ctx, s.key(executionIndex, ":job:", exec.JobName), member)
		pipe.ZRem(ctx, s.key(executionIndex, ":workflow:", exec.WorkflowName), member)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to execute pipeline for deletion: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
