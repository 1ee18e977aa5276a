package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/jobflow/types"
)

func newRedisStore(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStorage(RedisOptions{
		Addr:         mr.Addr(),
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
		KeyPrefix:    "test:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStorage(t *testing.T) {
	testStorage(t, func(t *testing.T) Storage {
		store, _ := newRedisStore(t)
		return store
	})

	t.Run("ConnectionFailure", func(t *testing.T) {
		_, err := NewRedisStorage(RedisOptions{Addr: "127.0.0.1:1"})
		assert.Error(t, err)
	})

	t.Run("KeyLayout", func(t *testing.T) {
		store, mr := newRedisStore(t)
		ctx := context.Background()

		require.NoError(t, store.PutJob(ctx, newJob("nightly", "default")))
		require.NoError(t, store.SaveDeadLetter(ctx, newDeadLetter(7, "default", "nightly", base)))

		assert.True(t, mr.Exists("test:job:nightly"))
		assert.True(t, mr.Exists("test:deadletter:7"))
		members, err := mr.SMembers("test:deadletters:queue:default")
		require.NoError(t, err)
		assert.Equal(t, []string{"7"}, members)
	})

	t.Run("DefaultPrefix", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		store := NewRedisStorageWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
		defer store.Close()
		require.NoError(t, store.PutJob(context.Background(), newJob("a", "default")))
		assert.True(t, mr.Exists("jobflow:job:a"))
		assert.NotNil(t, store.Client())
	})

	t.Run("ClearCompleted", func(t *testing.T) {
		store, _ := newRedisStore(t)
		ctx := context.Background()

		require.NoError(t, store.SaveExecution(ctx, newExecution(1, "a", types.StateRunning, base)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(2, "a", types.StateCompleted, base)))

		require.NoError(t, store.ClearCompleted(ctx))

		_, err := store.GetExecution(ctx, 1)
		assert.NoError(t, err)
		_, err = store.GetExecution(ctx, 2)
		assert.ErrorIs(t, err, ErrNotFound)
		history, err := store.GetExecutions(ctx, "a", types.ExecutionFilter{})
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}
