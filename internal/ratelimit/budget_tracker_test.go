package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, total, reserved int) (*CUBudgetTracker, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tracker, err := NewCUBudgetTracker(&CUBudgetTrackerConfig{
		Redis:          client,
		Namespace:      "polygon",
		TotalBudget:    total,
		ReservedBudget: reserved,
	})
	require.NoError(t, err)

	clock := time.Date(2023, 6, 1, 12, 0, 0, 200_000_000, time.UTC)
	tracker.now = func() time.Time { return clock }
	return tracker, mr, &clock
}

func TestNewCUBudgetTrackerValidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	tests := []struct {
		name    string
		cfg     *CUBudgetTrackerConfig
		wantErr bool
	}{
		{"nil config", nil, true},
		{"nil redis", &CUBudgetTrackerConfig{}, true},
		{"defaults", &CUBudgetTrackerConfig{Redis: client}, false},
		{"reserved above total", &CUBudgetTrackerConfig{Redis: client, TotalBudget: 100, ReservedBudget: 200}, true},
		{"negative", &CUBudgetTrackerConfig{Redis: client, TotalBudget: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCUBudgetTracker(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTryConsumeSeparatesPools(t *testing.T) {
	tracker, _, _ := newTestTracker(t, 100, 60)
	ctx := context.Background()

	ok, _ := tracker.TryConsume(ctx, 30, PriorityLow)
	assert.True(t, ok)

	// shared pool is 40
	ok, wait := tracker.TryConsume(ctx, 20, PriorityLow)
	assert.False(t, ok)
	assert.Equal(t, 801*time.Millisecond, wait)

	// execution still has its reserved pool
	ok, _ = tracker.TryConsume(ctx, 60, PriorityHigh)
	assert.True(t, ok)

	stats, err := tracker.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90, stats.TotalUsed)
	assert.Equal(t, 60, stats.ReservedUsed)
	assert.Equal(t, 30, stats.SharedUsed)

	available, err := tracker.AvailableBudget(ctx, PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, 10, available)
}

func TestTryConsumeNextWindow(t *testing.T) {
	tracker, _, clock := newTestTracker(t, 100, 60)
	ctx := context.Background()

	ok, _ := tracker.TryConsume(ctx, 40, PriorityLow)
	require.True(t, ok)
	ok, _ = tracker.TryConsume(ctx, 1, PriorityLow)
	require.False(t, ok)

	*clock = clock.Add(time.Second)
	ok, _ = tracker.TryConsume(ctx, 40, PriorityLow)
	assert.True(t, ok)
}

func TestTryConsumeRedisDown(t *testing.T) {
	tracker, mr, _ := newTestTracker(t, 100, 60)
	mr.Close()

	ok, wait := tracker.TryConsume(context.Background(), 10, PriorityHigh)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
}

func TestTryConsumeFree(t *testing.T) {
	tracker, _, _ := newTestTracker(t, 100, 60)
	ok, wait := tracker.TryConsume(context.Background(), 0, PriorityLow)
	assert.True(t, ok)
	assert.Zero(t, wait)
}
