package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func TestRetryWithResultEventuallySucceeds(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastRetry(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("busy")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestRetryWithResultGivesUp(t *testing.T) {
	calls := 0
	boom := errors.New("busy")
	_, err := RetryWithResult(context.Background(), fastRetry(), func() (string, error) {
		calls++
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetryWithResultStopsOnPermanentError(t *testing.T) {
	cfg := fastRetry()
	cfg.Retryable = func(err error) bool { return err.Error() == "busy" }

	calls := 0
	_, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, errors.New("corrupt")
	})
	assert.EqualError(t, err, "corrupt")
	assert.Equal(t, 1, calls)
}

func TestRetryWithResultHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastRetry()
	cfg.InitialDelay = time.Second
	_, err := RetryWithResult(ctx, cfg, func() (int, error) { return 0, errors.New("busy") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 2))
}
