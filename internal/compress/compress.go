package compress

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/John-Robertt/pdftools/internal/domain"
	"github.com/John-Robertt/pdftools/internal/infra/fsx"
)

// DefaultCeiling 是输出体积的硬上限（100 MB）。
const DefaultCeiling int64 = 100 << 20

const (
	ActionCompressed = "compressed"
	ActionAggressive = "aggressive"
	ActionCopied     = "copied"
)

// Filter 是外部压缩滤镜：按 profile 把 in 重写为 out，可能失败。
type Filter interface {
	Apply(ctx context.Context, in, out string, p domain.Profile) error
}

// Result 是单个输入的压缩结果。
type Result struct {
	Input        string
	Output       string
	OriginalSize int64
	Size         int64
	Action       string
	UnderCeiling bool
	Attempts     []domain.CompressionAttempt
	Warnings     []string
}

// Compressor 在体积上限约束下压缩 PDF。
type Compressor struct {
	Filter  Filter
	Quality domain.Quality
	// Ceiling <= 0 表示不限。
	Ceiling int64
	// LargeThreshold：CompressDirectory 中超过该大小的输入串行处理并允许升级到激进档。
	LargeThreshold int64
	Workers        int
	OnDone         func(done, total int, r ItemOutcome)
}

func (c *Compressor) quality() domain.Quality {
	if c.Quality == "" {
		return domain.DefaultQuality
	}
	return c.Quality
}

// Compress 压缩 in 到 out：
//  1. 以所选预设跑基线；滤镜失败或结果不比输入小时，原样复制输入
//  2. 结果超过上限时，再用激进档写入临时文件
//  3. 两者取较小者提交（相同时保留基线），另一个删除
//
// 超过上限不是错误：Result.UnderCeiling 为 false。
// 只有“连原样复制都失败”才返回 error。
func (c *Compressor) Compress(ctx context.Context, in, out string) (Result, error) {
	return c.compress(ctx, in, out, true)
}

func (c *Compressor) compress(ctx context.Context, in, out string, escalate bool) (Result, error) {
	if c.Filter == nil {
		return Result{}, errors.New("compress: filter 不能为空")
	}
	r := Result{Input: in, Output: out}

	orig, err := fsx.Size(in)
	if err != nil {
		return r, err
	}
	r.OriginalSize = orig

	dir := filepath.Dir(out)
	if err := fsx.EnsureDir(dir); err != nil {
		return r, err
	}

	size, err := c.baseline(ctx, &r)
	if err != nil {
		return r, err
	}

	if escalate && c.Ceiling > 0 && size >= c.Ceiling {
		size = c.aggressive(ctx, &r, size)
	}

	r.Size = size
	// 恰好等于上限也算超限。
	r.UnderCeiling = c.Ceiling <= 0 || size < c.Ceiling
	return r, nil
}

// baseline 把基线结果（或原样复制）提交到 r.Output，返回提交后的大小。
func (c *Compressor) baseline(ctx context.Context, r *Result) (int64, error) {
	p := domain.Profile{Quality: c.quality()}
	tmp := tempPath(r.Output, "baseline")
	defer func() { _ = os.Remove(tmp) }()

	att := domain.CompressionAttempt{Input: r.Input, Profile: p, Output: tmp}
	err := c.Filter.Apply(ctx, r.Input, tmp, p)
	if err == nil {
		att.Size, err = fsx.Size(tmp)
	}
	att.OK = err == nil && att.Size > 0
	r.Attempts = append(r.Attempts, att)

	if att.OK && att.Size < r.OriginalSize {
		if err := fsx.Rename(tmp, r.Output); err != nil {
			return 0, err
		}
		r.Action = ActionCompressed
		return att.Size, nil
	}

	if !att.OK {
		if err == nil {
			err = errors.New("滤镜产出为空")
		}
		r.Warnings = append(r.Warnings, fmt.Sprintf("压缩失败，原样复制：%v", err))
	}
	n, err := fsx.CopyFile(r.Input, r.Output)
	if err != nil {
		return 0, err
	}
	r.Action = ActionCopied
	return n, nil
}

// aggressive 尝试激进档；更小才替换已提交的基线。返回最终大小。
func (c *Compressor) aggressive(ctx context.Context, r *Result, current int64) int64 {
	p := domain.Profile{Quality: domain.QualityScreen, Aggressive: true}
	tmp := tempPath(r.Output, "aggressive")
	defer func() { _ = os.Remove(tmp) }()

	att := domain.CompressionAttempt{Input: r.Input, Profile: p, Output: tmp}
	err := c.Filter.Apply(ctx, r.Input, tmp, p)
	if err == nil {
		att.Size, err = fsx.Size(tmp)
	}
	att.OK = err == nil && att.Size > 0
	r.Attempts = append(r.Attempts, att)

	if !att.OK {
		if err == nil {
			err = errors.New("滤镜产出为空")
		}
		r.Warnings = append(r.Warnings, fmt.Sprintf("激进压缩失败，保留基线结果：%v", err))
		return current
	}
	if att.Size >= current {
		return current
	}
	if err := fsx.Rename(tmp, r.Output); err != nil {
		r.Warnings = append(r.Warnings, fmt.Sprintf("提交激进压缩结果失败，保留基线结果：%v", err))
		return current
	}
	r.Action = ActionAggressive
	return att.Size
}

// tempPath 返回与 out 同目录的隐藏临时文件，保证 rename 原子且不会被 *.pdf 扫描收进去。
func tempPath(out, tag string) string {
	return filepath.Join(filepath.Dir(out), fmt.Sprintf(".%s.%s.%s.pdf", filepath.Base(out), uuid.NewString(), tag))
}
