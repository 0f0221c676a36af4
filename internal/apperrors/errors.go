package apperrors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAmbiguous 名称解析命中多个候选（不是失败，调用方记 info 日志）
	ErrAmbiguous = errors.New("resolution ambiguous")
	// ErrNotFound 数据源无该实体记录，终态
	ErrNotFound = errors.New("not found")
	// ErrRateLimited 数据源限流，可重试
	ErrRateLimited = errors.New("rate limited")
	// ErrTransientIO 网络/IO 瞬时失败，可重试
	ErrTransientIO = errors.New("transient io failure")
	// ErrPersistentFailure 重试耗尽后的实体级失败
	ErrPersistentFailure = errors.New("persistent failure")
	// ErrDataIntegrity 运行级失败：checkpoint 不可读/不一致，或存储不可达
	ErrDataIntegrity = errors.New("data integrity")
	// ErrInterrupted 收到中断信号，已落盘 checkpoint 后退出
	ErrInterrupted = errors.New("interrupted")
)

// RateLimitedError 携带数据源返回的 Retry-After
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// IsRetryable 仅限流与瞬时 IO 可重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransientIO)
}

// Integrity 将底层错误包装为运行级 DataIntegrity；err 可为 nil
func Integrity(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDataIntegrity, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrDataIntegrity, msg, err)
}

// Transient 将底层错误标记为可重试
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}
