package compress

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/pdftools/internal/infra/fsx"
	"github.com/John-Robertt/pdftools/internal/pool"
)

// ItemOutcome 是 CompressDirectory 中单个输入的结果。
type ItemOutcome = pool.Outcome[Result]

// Stats 汇总一次目录压缩。
type Stats struct {
	Total           int
	Compressed      int
	Copied          int
	OverCeiling     int
	Failed          int
	OriginalBytes   int64
	CompressedBytes int64
	Outcomes        []ItemOutcome
}

// Reduction 返回总体积缩减百分比（0~100）；没有输入时为 0。
func (s Stats) Reduction() float64 {
	if s.OriginalBytes <= 0 {
		return 0
	}
	return float64(s.OriginalBytes-s.CompressedBytes) / float64(s.OriginalBytes) * 100
}

type job struct {
	in, out string
}

// CompressDirectory 把 inputs 压缩到 outDir（输出文件名与输入相同）。
//
// 大于 LargeThreshold 的输入先串行处理，并在超过上限时升级到激进档；
// 其余输入走基线 + 原样复制兜底，按 Workers 并发。
// 单个输入失败只计入 Failed，返回的 error 只表示批次无法开始。
func (c *Compressor) CompressDirectory(ctx context.Context, inputs []string, outDir string) (Stats, error) {
	if c.Filter == nil {
		return Stats{}, errors.New("compress: filter 不能为空")
	}
	if err := fsx.EnsureDir(outDir); err != nil {
		return Stats{}, err
	}

	var large, small []job
	seen := make(map[string]string, len(inputs))
	for _, in := range inputs {
		name := filepath.Base(in)
		if prev, ok := seen[strings.ToLower(name)]; ok {
			return Stats{}, fmt.Errorf("compress: 输出文件名冲突：%q 与 %q", prev, in)
		}
		seen[strings.ToLower(name)] = in

		j := job{in: in, out: filepath.Join(outDir, name)}
		// stat 失败的输入交给 compress 报告具体错误。
		if size, err := fsx.Size(in); err == nil && c.LargeThreshold > 0 && size > c.LargeThreshold {
			large = append(large, j)
		} else {
			small = append(small, j)
		}
	}

	total := len(large) + len(small)
	key := func(j job) string { return j.in }
	progress := func(offset int) func(done, _ int, o ItemOutcome) {
		return func(done, _ int, o ItemOutcome) {
			if c.OnDone != nil {
				c.OnDone(offset+done, total, o)
			}
		}
	}

	outcomes := pool.RunAll(ctx, large, key, pool.Options[Result]{Workers: 1, OnDone: progress(0)},
		func(ctx context.Context, j job) (Result, error) {
			return c.compress(ctx, j.in, j.out, true)
		})
	outcomes = append(outcomes, pool.RunAll(ctx, small, key, pool.Options[Result]{Workers: c.Workers, OnDone: progress(len(large))},
		func(ctx context.Context, j job) (Result, error) {
			return c.compress(ctx, j.in, j.out, false)
		})...)

	st := Stats{Total: total, Outcomes: outcomes}
	for _, o := range outcomes {
		if !o.OK() {
			st.Failed++
			continue
		}
		r := o.Value
		if r.Action == ActionCopied {
			st.Copied++
		} else {
			st.Compressed++
		}
		if !r.UnderCeiling {
			st.OverCeiling++
		}
		st.OriginalBytes += r.OriginalSize
		st.CompressedBytes += r.Size
	}
	return st, nil
}
