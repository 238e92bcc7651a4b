package retry_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"castrelay/pkg/retry"

	"github.com/stretchr/testify/assert"
)

func fastConfig() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.Retry(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RecoversAfterFailures(t *testing.T) {
	calls := 0
	err := retry.Retry(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := retry.Retry(context.Background(), fastConfig(), func() error {
		calls++
		return fmt.Errorf("permanent")
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max attempts")
	assert.Equal(t, 4, calls) // initial try plus MaxAttempts retries
}

func TestRetry_DisabledRunsOnce(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false

	calls := 0
	err := retry.Retry(context.Background(), cfg, func() error {
		calls++
		return fmt.Errorf("nope")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	got, err := retry.RetryWithResult(context.Background(), fastConfig(), func() (string, error) {
		return "https://example.ngrok.io", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "https://example.ngrok.io", got)
}

func TestRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retry.Retry(ctx, fastConfig(), func() error {
		return fmt.Errorf("never succeeds")
	})
	assert.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
