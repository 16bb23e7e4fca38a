package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Backoff 返回第 attempt 次失败（从 1 开始）之后、下一次尝试之前的等待时长。
type Backoff func(attempt int) time.Duration

// Fixed 返回固定间隔的退避策略（参考策略：2s）。
func Fixed(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Exponential 返回指数退避：base * 2^(attempt-1)，封顶 max，并叠加 0.5~1.5 倍抖动。
func Exponential(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				break
			}
		}
		if max > 0 && d > max {
			d = max
		}
		return time.Duration(float64(d) * (0.5 + jitter.float64()))
	}
}

// Policy 描述一次执行的重试策略。
type Policy struct {
	// Attempts 是最大尝试次数（含首次）。<1 时按 1 处理。
	Attempts int
	// Backoff 为 nil 时不等待。
	Backoff Backoff
	// AttemptTimeout >0 时为每次尝试单独设置超时（网络调用不能无限挂起）。
	AttemptTimeout time.Duration
	// Classify 可覆盖默认分类：返回 true 表示可重试。
	Classify func(err error) bool
}

// Error 表示尝试耗尽（或遇到不可重试错误）后的最终失败。
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d 次尝试后失败：%v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 把 err 标记为不可重试（例如：URL 非法、HTTP 404、输入损坏）。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断 err 是否被标记为不可重试。
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// AttemptsOf 从 Do 返回的错误中提取实际尝试次数；非 *Error 时返回 1。
func AttemptsOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Attempts
	}
	return 1
}

// 通过可替换的函数指针，让测试不必真的睡眠。
var sleepFunc = sleepCtx

// Do 按 policy 执行 op，返回实际尝试次数与最终错误（成功时为 nil）。
//
// 约束：
// - 不可重试错误（Permanent / 父 ctx 已取消）立即终止剩余尝试
// - 最后一次失败之后不再等待
// - op 自己负责“覆盖而不是追加”的写入语义，重试不会清理半成品
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) (int, error) {
	max := p.Attempts
	if max < 1 {
		max = 1
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt - 1, &Error{Attempts: attempt - 1, Err: lastErr}
		}

		err := runOnce(ctx, p.AttemptTimeout, attempt, op)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !retryable(ctx, p, err) {
			return attempt, &Error{Attempts: attempt, Err: err}
		}
		if attempt == max {
			break
		}
		if p.Backoff != nil {
			if err := sleepFunc(ctx, p.Backoff(attempt)); err != nil {
				return attempt, &Error{Attempts: attempt, Err: lastErr}
			}
		}
	}
	return max, &Error{Attempts: max, Err: lastErr}
}

func runOnce(ctx context.Context, timeout time.Duration, attempt int, op func(ctx context.Context, attempt int) error) error {
	if timeout <= 0 {
		return op(ctx, attempt)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(actx, attempt)
}

func retryable(ctx context.Context, p Policy, err error) bool {
	if IsPermanent(err) {
		return false
	}
	// 父 ctx 取消属于调用方意图，不是瞬时故障；单次尝试超时（DeadlineExceeded）仍可重试。
	if ctx.Err() != nil {
		return false
	}
	if p.Classify != nil {
		return p.Classify(err)
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (r *lockedRand) float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

var jitter = &lockedRand{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
