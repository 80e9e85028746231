package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 重试策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	Operation       string        // 操作名，用于日志和指标
	MaxAttempts     int           // 最大尝试次数
	InitialInterval time.Duration // 初始间隔
	MaxInterval     time.Duration // 最大间隔
	Strategy        Strategy
	Timeout         time.Duration // 总超时时间，0 表示不限制
	Logger          *logrus.Logger
	// OnRetry 每次失败后、等待前调用，attempt 从 1 开始
	OnRetry func(operation string, attempt int, err error)
	// OnRecovered 经过重试后成功时调用
	OnRecovered func(operation string, attempts int)
}

// DefaultConfig 默认配置
func DefaultConfig(operation string) *Config {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Config{
		Operation:       operation,
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyExponential,
		Logger:          logger,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	switch {
	case errors.As(err, &pe):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Func 可重试的函数类型
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig("")
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	log := config.Logger.WithField("operation", config.Operation)
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.WithField("attempt", attempt).Info("Operation succeeded after retry")
				if config.OnRecovered != nil {
					config.OnRecovered(config.Operation, attempt)
				}
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt >= config.MaxAttempts {
			break
		}
		if config.OnRetry != nil {
			config.OnRetry(config.Operation, attempt, err)
		}

		wait := NextInterval(config.Strategy, config.InitialInterval, config.MaxInterval, attempt)
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     config.MaxAttempts,
			"wait":    wait.String(),
		}).WithError(err).Warn("Operation failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s: max attempts (%d) reached: %w", config.Operation, config.MaxAttempts, lastErr)
}

// NextInterval 第 attempt 次失败后的等待时间
func NextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration

	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}

	if max > 0 && next > max {
		next = max
	}
	return next
}

// DoWithResult 执行带重试的操作（返回结果）
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
