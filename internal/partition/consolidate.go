package partition

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/John-Robertt/pdftools/internal/domain"
	"github.com/John-Robertt/pdftools/internal/infra/fsx"
	"github.com/John-Robertt/pdftools/internal/pool"
)

// ErrNoValidInputs 表示桶内没有文档能通过校验并拼接。
var ErrNoValidInputs = errors.New("partition: 桶内没有可合并的文档")

// Merger 是合并所需的两个原语：校验单个文档、按顺序拼接。
// Concatenate 失败时不得改动已存在的 out。
type Merger interface {
	Validate(ctx context.Context, path string) error
	Concatenate(ctx context.Context, inputs []string, out string) error
}

// Merged 是一个桶的合并结果。
type Merged struct {
	Bucket int
	Path   string
	Size   int64
	// Inputs 是实际拼接的文档（按分配顺序）。
	Inputs []string
	// Warnings 记录被跳过的文档及原因。
	Warnings []string
}

// OutputName 返回第 index 个桶（从 0 开始）的输出文件名。
func OutputName(index int) string {
	return fmt.Sprintf("merged_%03d.pdf", index+1)
}

// Consolidator 把每个桶合并为一个输出文件。
type Consolidator struct {
	Merger  Merger
	Workers int
	OnDone  func(done, total int, o pool.Outcome[Merged])
}

// Consolidate 并发合并 buckets 到 outDir，每个桶恰好产出一个 Outcome。
//
// 桶内未通过校验的文档被跳过并记入 Warnings；整体拼接失败时退回逐个追加，
// 只跳过追加失败的文档。桶内一个有效文档都没有时，该桶以 ErrNoValidInputs 失败，不影响其他桶。
func (c *Consolidator) Consolidate(ctx context.Context, buckets []domain.Bucket, outDir string) ([]pool.Outcome[Merged], error) {
	if c.Merger == nil {
		return nil, errors.New("partition: merger 不能为空")
	}
	if err := fsx.EnsureDir(outDir); err != nil {
		return nil, err
	}

	key := func(b domain.Bucket) string { return OutputName(b.Index) }
	return pool.RunAll(ctx, buckets, key, pool.Options[Merged]{
		Workers: c.Workers,
		OnDone:  c.OnDone,
	}, func(ctx context.Context, b domain.Bucket) (Merged, error) {
		return c.mergeOne(ctx, b, outDir)
	}), nil
}

func (c *Consolidator) mergeOne(ctx context.Context, b domain.Bucket, outDir string) (Merged, error) {
	m := Merged{Bucket: b.Index, Path: filepath.Join(outDir, OutputName(b.Index))}

	inputs := make([]string, 0, len(b.Items))
	for _, it := range b.Items {
		if err := c.Merger.Validate(ctx, it.Path); err != nil {
			m.Warnings = append(m.Warnings, fmt.Sprintf("跳过 %s：%v", filepath.Base(it.Path), err))
			continue
		}
		inputs = append(inputs, it.Path)
	}
	if len(inputs) == 0 {
		return m, ErrNoValidInputs
	}

	if err := c.Merger.Concatenate(ctx, inputs, m.Path); err != nil {
		// 整体拼接失败：逐个追加，跳过无法追加的文档，其余照常写出。
		inputs, err = c.appendEach(ctx, inputs, m.Path, &m.Warnings, err)
		if err != nil {
			return m, err
		}
	}
	size, err := fsx.Size(m.Path)
	if err != nil {
		return m, err
	}
	m.Inputs = inputs
	m.Size = size
	return m, nil
}

// appendEach 按顺序逐个尝试把文档加入输出，返回实际拼接的文档。
// 每次都用“已接受的文档 + 当前文档”重新拼接，失败的一次不会破坏上一次的输出。
func (c *Consolidator) appendEach(ctx context.Context, inputs []string, out string, warnings *[]string, cause error) ([]string, error) {
	kept := make([]string, 0, len(inputs))
	for _, in := range inputs {
		trial := append(kept[:len(kept):len(kept)], in)
		if err := c.Merger.Concatenate(ctx, trial, out); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			*warnings = append(*warnings, fmt.Sprintf("跳过 %s：追加失败：%v", filepath.Base(in), err))
			cause = err
			continue
		}
		kept = trial
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w：%v", ErrNoValidInputs, cause)
	}
	return kept, nil
}
