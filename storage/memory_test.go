package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/jobflow/types"
)

func TestMemoryStorage(t *testing.T) {
	testStorage(t, func(t *testing.T) Storage { return NewMemoryStorage() })

	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store.jobs)
		assert.NotNil(t, store.executions)
		assert.Empty(t, store.deadLetters)
	})

	t.Run("ClearCompleted", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		require.NoError(t, store.SaveExecution(ctx, newExecution(1, "a", types.StateRunning, base)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(2, "a", types.StateCompleted, base)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(3, "a", types.StateFailed, base)))

		require.NoError(t, store.ClearCompleted(ctx))

		_, err := store.GetExecution(ctx, 1)
		assert.NoError(t, err)
		_, err = store.GetExecution(ctx, 2)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetExecution(ctx, 3)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ReplacedDeadLetterMovesIndex", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		require.NoError(t, store.SaveDeadLetter(ctx, newDeadLetter(1, "old", "a", base)))
		require.NoError(t, store.SaveDeadLetter(ctx, newDeadLetter(1, "new", "a", base)))

		old, err := store.ListDeadLetters(ctx, types.DeadLetterFilter{Queue: "old"})
		require.NoError(t, err)
		assert.Empty(t, old)
		moved, err := store.ListDeadLetters(ctx, types.DeadLetterFilter{Queue: "new"})
		require.NoError(t, err)
		assert.Len(t, moved, 1)
	})
}

func TestGetItem(t *testing.T) {
	ctx := context.Background()
	var mu sync.RWMutex
	m := map[uint64]string{1: "one", 2: "two"}

	t.Run("Found", func(t *testing.T) {
		result, err := getItem(ctx, &mu, m, 1)
		assert.NoError(t, err)
		assert.Equal(t, "one", result)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := getItem(ctx, &mu, m, 3)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "id=3")
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := getItem(ctx, &mu, m, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
