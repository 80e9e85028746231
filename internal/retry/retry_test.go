package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *Config {
	cfg := DefaultConfig("test")
	cfg.MaxAttempts = attempts
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	return cfg
}

func TestDo_Success(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	cfg := fastConfig(5)
	var retried []int
	recovered := 0
	cfg.OnRetry = func(op string, attempt int, err error) { retried = append(retried, attempt) }
	cfg.OnRecovered = func(op string, attempts int) { recovered = attempts }

	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
	assert.Equal(t, 3, recovered)
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "max attempts (3) reached")
	assert.Equal(t, 3, calls)
}

func TestDo_Permanent(t *testing.T) {
	boom := errors.New("bad credentials")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		calls++
		return Permanent(boom)
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(10)
	cfg.InitialInterval = time.Hour
	cfg.MaxInterval = time.Hour

	calls := 0
	err := Do(ctx, cfg, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_Timeout(t *testing.T) {
	cfg := fastConfig(100)
	cfg.Timeout = 20 * time.Millisecond
	cfg.Strategy = StrategyFixed
	cfg.InitialInterval = 5 * time.Millisecond

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextInterval(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{StrategyFixed, 3, 10 * ms},
		{StrategyLinear, 3, 30 * ms},
		{StrategyExponential, 1, 10 * ms},
		{StrategyExponential, 3, 40 * ms},
		{StrategyExponential, 10, 100 * ms}, // 上限
		{"unknown", 2, 10 * ms},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextInterval(tt.strategy, 10*ms, 100*ms, tt.attempt), "%s #%d", tt.strategy, tt.attempt)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(3), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = DoWithResult(context.Background(), fastConfig(2), func(ctx context.Context) (int, error) {
		return 0, Permanent(errors.New("nope"))
	})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("x")))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.False(t, IsRetryable(context.Canceled))
	assert.Nil(t, Permanent(nil))
}
