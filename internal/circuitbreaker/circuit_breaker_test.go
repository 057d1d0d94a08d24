package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trade-executor/internal/logging"
)

var errNode = errors.New("node down")

func newTestBreaker() (*CircuitBreaker, *time.Time) {
	clock := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(&Config{
		Name:             "rpc-0",
		MaxFailures:      3,
		FailureThreshold: 0.5,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 1,
	}, logging.Nop())
	cb.now = func() time.Time { return clock }
	cb.lastStateChange = clock
	return cb, &clock
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errNode }), errNode)
	}
	assert.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.Allow())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitRecoversThroughHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errNode })
	}
	require.Equal(t, StateOpen, cb.GetState())

	*clock = clock.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitReopensOnHalfOpenFailure(t *testing.T) {
	cb, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errNode })
	}
	*clock = clock.Add(2 * time.Minute)

	assert.ErrorIs(t, cb.Execute(func() error { return errNode }), errNode)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitStaysClosedOnMixedResults(t *testing.T) {
	cb, _ := newTestBreaker()
	for i := 0; i < 10; i++ {
		_ = cb.Execute(func() error { return nil })
	}
	_ = cb.Execute(func() error { return errNode })
	_ = cb.Execute(func() error { return errNode })
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 2, cb.GetStats().ConsecutiveFails)

	cb.Reset()
	assert.Equal(t, 0, cb.GetStats().TotalCalls)
}
