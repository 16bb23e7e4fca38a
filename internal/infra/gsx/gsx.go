package gsx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/John-Robertt/pdftools/internal/domain"
)

// DefaultBinary 是 Ghostscript 可执行文件名。
const DefaultBinary = "gs"

// stderr 只保留尾部，避免把整段诊断输出塞进报告。
const maxStderr = 2048

// ExecError 表示 Ghostscript 进程失败（非 0 退出或无法启动）。
type ExecError struct {
	Binary string
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s 执行失败：%v", e.Binary, e.Err)
	}
	return fmt.Sprintf("%s 执行失败：%v：%s", e.Binary, e.Err, e.Stderr)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Ghostscript 通过 pdfwrite 设备重写 PDF，实现按预设压缩。
type Ghostscript struct {
	// Binary 为空时使用 DefaultBinary（从 PATH 查找）。
	Binary string
}

// New 返回使用 binary 的滤镜；binary 为空时使用 gs。
func New(binary string) *Ghostscript {
	return &Ghostscript{Binary: strings.TrimSpace(binary)}
}

func (g *Ghostscript) binary() string {
	if g == nil || g.Binary == "" {
		return DefaultBinary
	}
	return g.Binary
}

// Available 检查 Ghostscript 是否可执行。
func (g *Ghostscript) Available() error {
	_, err := exec.LookPath(g.binary())
	return err
}

// Apply 以 profile 把 in 重写为 out。
// 失败时删除可能残留的 out，调用方只需要看返回值。
func (g *Ghostscript) Apply(ctx context.Context, in, out string, p domain.Profile) error {
	args, err := Args(p, in, out)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, g.binary(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)
		return &ExecError{Binary: g.binary(), Stderr: tail(stderr.String()), Err: err}
	}

	fi, err := os.Stat(out)
	if err != nil {
		return &ExecError{Binary: g.binary(), Err: fmt.Errorf("没有产出文件：%w", err)}
	}
	if fi.Size() == 0 {
		_ = os.Remove(out)
		return &ExecError{Binary: g.binary(), Err: errors.New("产出文件为空")}
	}
	return nil
}

var presets = map[domain.Quality]string{
	domain.QualityScreen:   "/screen",
	domain.QualityEbook:    "/ebook",
	domain.QualityPrinter:  "/printer",
	domain.QualityPrepress: "/prepress",
}

// Args 构造 gs 命令行参数（不含可执行文件名）。
func Args(p domain.Profile, in, out string) ([]string, error) {
	args := []string{"-sDEVICE=pdfwrite", "-dCompatibilityLevel=1.4"}

	if p.Aggressive {
		// 激进档：最低预设 + 50 dpi 降采样 + 灰度 + 字体子集化。
		args = append(args,
			"-dPDFSETTINGS=/screen",
			"-dColorImageResolution=50",
			"-dGrayImageResolution=50",
			"-dMonoImageResolution=50",
			"-dDownsampleColorImages=true",
			"-dDownsampleGrayImages=true",
			"-dDownsampleMonoImages=true",
			"-dColorImageDownsampleType=/Bicubic",
			"-dGrayImageDownsampleType=/Bicubic",
			"-sColorConversionStrategy=Gray",
			"-dProcessColorModel=/DeviceGray",
			"-dDetectDuplicateImages=true",
			"-dCompressFonts=true",
			"-dSubsetFonts=true",
			"-dEmbedAllFonts=false",
		)
	} else {
		preset, ok := presets[p.Quality]
		if !ok {
			return nil, fmt.Errorf("未知的质量预设：%q", p.Quality)
		}
		args = append(args, "-dPDFSETTINGS="+preset)
	}

	args = append(args,
		"-dNOPAUSE", "-dQUIET", "-dBATCH", "-dSAFER",
		"-sOutputFile="+out,
		in,
	)
	return args, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderr {
		return s
	}
	return "..." + s[len(s)-maxStderr:]
}
