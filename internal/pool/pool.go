package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/pdftools/internal/retry"
)

// ErrNotStarted 表示该条目因批次提前退出（ctx 取消）而从未被提交执行。
var ErrNotStarted = errors.New("pool: 批次已取消，条目未执行")

// Outcome 是单个工作单元的结果：Err==nil 即 Success(Value)，否则为 Failure(Err, Attempts)。
type Outcome[T any] struct {
	Key      string
	Index    int
	Value    T
	Err      error
	Attempts int
	// Elapsed 是该条目的执行耗时（未执行的条目为 0）。
	Elapsed time.Duration
}

func (o Outcome[T]) OK() bool { return o.Err == nil }

// Options 控制一次批量执行。
type Options[T any] struct {
	// Workers 是并发上限；<1 时按 1 处理。
	Workers int
	// OnDone 在每个条目完成时被调用（由唯一的收集 goroutine 串行调用，可直接更新非并发安全的状态）。
	OnDone func(done, total int, o Outcome[T])
}

// RunAll 以有界并发执行 fn，并保证每个条目恰好产出一个 Outcome。
//
// 约束：
// - 单个条目失败（含 panic）不影响其他条目
// - 返回顺序为完成顺序；调用方不得依赖顺序
// - ctx 取消 = 停止提交新条目；已在执行中的条目在脱离取消的 ctx 上跑完（已产出的结果保留）
func RunAll[I, T any](ctx context.Context, items []I, key func(I) string, opts Options[T], fn func(ctx context.Context, item I) (T, error)) []Outcome[T] {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	total := len(items)
	out := make([]Outcome[T], 0, total)
	if total == 0 {
		return out
	}

	runCtx := context.WithoutCancel(ctx)

	results := make(chan Outcome[T], total)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		done := 0
		for o := range results {
			done++
			out = append(out, o)
			if opts.OnDone != nil {
				opts.OnDone(done, total, o)
			}
		}
	}()

	var g errgroup.Group
	g.SetLimit(workers)

	for i, it := range items {
		if err := ctx.Err(); err != nil {
			results <- Outcome[T]{Key: key(it), Index: i, Err: fmt.Errorf("%w: %v", ErrNotStarted, err)}
			continue
		}

		i, it := i, it
		g.Go(func() error {
			started := time.Now()
			v, err := safeCall(runCtx, it, fn)
			o := Outcome[T]{Key: key(it), Index: i, Value: v, Err: err, Attempts: 1, Elapsed: time.Since(started)}
			if err != nil {
				o.Attempts = retry.AttemptsOf(err)
			}
			results <- o
			return nil
		})
	}

	_ = g.Wait()
	close(results)
	<-collected
	return out
}

// Succeeded 过滤出成功的结果。
func Succeeded[T any](outcomes []Outcome[T]) []Outcome[T] {
	ok := make([]Outcome[T], 0, len(outcomes))
	for _, o := range outcomes {
		if o.OK() {
			ok = append(ok, o)
		}
	}
	return ok
}

// Counts 返回成功/失败数量。
func Counts[T any](outcomes []Outcome[T]) (succeeded, failed int) {
	for _, o := range outcomes {
		if o.OK() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

func safeCall[I, T any](ctx context.Context, it I, fn func(ctx context.Context, item I) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pool: worker panic：%v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, it)
}
