package scheduler

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/jobflow/types"
)

func TestCronParser(t *testing.T) {
	p := NewCronParser()
	base := time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		spec string
		want time.Time
	}{
		{"0 9 * * *", time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2024, 1, 1, 8, 45, 0, 0, time.UTC)},
		{"30 * * * * *", time.Date(2024, 1, 1, 8, 30, 30, 0, time.UTC)},
		{"@daily", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"@every 1m", time.Date(2024, 1, 1, 8, 31, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := p.NextFireTime(tt.spec, base)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	_, err := p.NextFireTime("not a cron", base)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = p.NextFireTime("0 0 30 2 *", base)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestNextRunAt(t *testing.T) {
	p := NewCronParser()
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	last := now.Add(-10 * time.Minute)
	at := now.Add(-time.Hour)

	t.Run("Cron", func(t *testing.T) {
		next, err := NextRunAt(types.Schedule{Cron: "0 13 * * *"}, p, now, nil)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.True(t, next.Equal(time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)))
	})

	t.Run("Cron in timezone", func(t *testing.T) {
		// 12:00 UTC is 07:00 in New York during winter.
		next, err := NextRunAt(types.Schedule{Cron: "0 9 * * *", Timezone: "America/New_York"}, p, now, nil)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.True(t, next.Equal(time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)), "got %s", next)
		assert.Equal(t, time.UTC, next.Location())
	})

	t.Run("Every", func(t *testing.T) {
		next, err := NextRunAt(types.Schedule{Every: time.Minute}, p, now, nil)
		require.NoError(t, err)
		assert.True(t, next.Equal(now.Add(time.Minute)))

		next, err = NextRunAt(types.Schedule{Every: time.Minute}, p, now, &last)
		require.NoError(t, err)
		assert.True(t, next.Equal(last.Add(time.Minute)))
	})

	t.Run("At fires once", func(t *testing.T) {
		next, err := NextRunAt(types.Schedule{At: &at}, p, now, nil)
		require.NoError(t, err)
		assert.True(t, next.Equal(at))

		next, err = NextRunAt(types.Schedule{At: &at}, p, now, &last)
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("In fires once", func(t *testing.T) {
		next, err := NextRunAt(types.Schedule{In: 5 * time.Second}, p, now, nil)
		require.NoError(t, err)
		assert.True(t, next.Equal(now.Add(5*time.Second)))

		next, err = NextRunAt(types.Schedule{In: 5 * time.Second}, p, now, &last)
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("On demand", func(t *testing.T) {
		next, err := NextRunAt(types.Schedule{OnEvent: "order.created"}, p, now, nil)
		require.NoError(t, err)
		assert.Nil(t, next)

		next, err = NextRunAt(types.Schedule{}, p, now, nil)
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("Invalid", func(t *testing.T) {
		bad := []types.Schedule{
			{Cron: "* * * * *", Every: time.Minute},
			{Every: -time.Second},
			{EventFilter: "amount > 1"},
			{Cron: "0 9 * * *", Timezone: "Nowhere/Special"},
			{Cron: "bogus"},
		}
		for _, s := range bad {
			_, err := NextRunAt(s, p, now, nil)
			assert.ErrorIs(t, err, ErrInvalidSchedule, "%+v", s)
		}
	})
}
