package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/trade-executor/internal/errors"
)

func fastConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
		Retryable:    IsRetryableRPCError,
	}
}

func TestRetrySucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("429 Too Many Requests")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return fmt.Errorf("broadcast: %w", apperrors.ErrNonceReuse)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNonceReuse)
	assert.Equal(t, 1, calls)
}

func TestRetryGivesUp(t *testing.T) {
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		return errors.New("read: connection reset by peer")
	})
	assert.False(t, result.Success)
	assert.Equal(t, 4, result.Attempts)
	assert.Error(t, result.LastError)
}

func TestRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("timeout")
	})
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestCalculateDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, calculateDelay(cfg, 1))
	assert.Equal(t, 4*time.Second, calculateDelay(cfg, 3))
	assert.Equal(t, 5*time.Second, calculateDelay(cfg, 10))
}

func TestIsRetryableRPCError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("503 Service Unavailable"), true},
		{errors.New("execution reverted"), false},
		{apperrors.NewChainError("eth_blockNumber", errors.New("boom")), true},
		{apperrors.NewChainReorganisationError(10, "0x01", "0x02"), false},
		{apperrors.NewIntegrityError("timeout while reconciling", nil), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryableRPCError(tt.err), "%v", tt.err)
	}
}
