package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"RaceStatsSync/internal/apperrors"
)

// Policy 统一重试策略：最大尝试次数、指数退避、可重试错误判定
type Policy struct {
	MaxAttempts  int           // 总尝试次数（含首次）
	InitialDelay time.Duration // 首次退避
	MaxDelay     time.Duration // 退避上限
	Multiplier   float64       // 退避倍率
	JitterFactor float64       // 0~1，退避抖动比例

	// Retryable 判定错误是否可重试，默认 apperrors.IsRetryable
	Retryable func(error) bool
	// OnRetry 每次退避前回调（记日志、打点）
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy 5 次尝试，500ms 起步，翻倍，封顶 30s，±10% 抖动
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

func (p *Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return apperrors.IsRetryable(err)
}

func applyJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}
	jitter := float64(delay) * factor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// Backoff 第 attempt 次失败（从 1 开始）之后的基础退避
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// DoWithResult 执行 fn 并返回其结果；可重试错误按退避重试，耗尽后返回 ErrPersistentFailure 包装的最后一个错误。
// 不可重试错误原样立即返回；等待期间响应 ctx 取消。
func DoWithResult[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if p == nil {
		p = DefaultPolicy()
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if !p.retryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		wait := applyJitter(p.Backoff(attempt), p.JitterFactor)
		var rl *apperrors.RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}
		// 等待（含 Retry-After）不超过 MaxDelay
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", apperrors.ErrPersistentFailure, attempts, lastErr)
}
