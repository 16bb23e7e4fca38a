package pdfx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/John-Robertt/pdftools/internal/infra/fsx"
)

var disableConfigOnce sync.Once

// PDF 用 pdfcpu 实现“探测页数/校验”与“按顺序拼接”两个原语。
//
// pdfcpu 不感知 ctx：这里只在调用前检查取消，调用本身不可中断。
type PDF struct {
	// Strict 为 true 时使用严格校验，默认宽松。由配置 strict_validation 打开。
	Strict bool
}

// New 返回默认（宽松校验）的 PDF 工具。
func New() *PDF {
	// 不读写 ~/.config/pdfcpu。
	disableConfigOnce.Do(api.DisableConfigDir)
	return &PDF{}
}

func (p *PDF) conf() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if p.Strict {
		conf.ValidationMode = model.ValidationStrict
	}
	return conf
}

// CorruptError 表示文件不是可解析的 PDF。
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("PDF 无法解析：%q：%v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// IsCorrupt 判断 err 是否为 *CorruptError。
func IsCorrupt(err error) bool {
	var e *CorruptError
	return errors.As(err, &e)
}

// Probe 返回文件字节数与页数。
// 无法解析的文档返回 size=0 与 *CorruptError，调用方据此把它视为无效文档。
func (p *PDF) Probe(ctx context.Context, path string) (int64, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	size, err := fsx.Size(path)
	if err != nil {
		return 0, 0, err
	}
	if size == 0 {
		return 0, 0, &CorruptError{Path: path, Err: errors.New("空文件")}
	}
	pages, err := api.PageCountFile(path)
	if err != nil {
		return 0, 0, &CorruptError{Path: path, Err: err}
	}
	if pages <= 0 {
		return 0, 0, &CorruptError{Path: path, Err: errors.New("没有页面")}
	}
	return size, pages, nil
}

// Validate 校验单个输入文档。
func (p *PDF) Validate(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := api.ValidateFile(path, p.conf()); err != nil {
		return &CorruptError{Path: path, Err: err}
	}
	return nil
}

// Concatenate 按 inputs 的顺序把文档拼接为 out。
//
// 先写入同目录临时文件，成功后 rename 覆盖 out；失败不会留下半成品。
func (p *PDF) Concatenate(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return errors.New("pdfx: 没有可拼接的输入")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(out)
	if err := fsx.EnsureDir(dir); err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+filepath.Base(out)+"."+uuid.NewString()+".tmp")
	defer func() { _ = os.Remove(tmp) }()

	if err := api.MergeCreateFile(inputs, tmp, false, p.conf()); err != nil {
		return fmt.Errorf("pdfx: 拼接失败：%w", err)
	}
	return fsx.Rename(tmp, out)
}
