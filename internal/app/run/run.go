package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/John-Robertt/pdftools/internal/compress"
	"github.com/John-Robertt/pdftools/internal/config"
	"github.com/John-Robertt/pdftools/internal/domain"
	"github.com/John-Robertt/pdftools/internal/infra/blobx"
	"github.com/John-Robertt/pdftools/internal/infra/gsx"
	"github.com/John-Robertt/pdftools/internal/infra/httpx"
	"github.com/John-Robertt/pdftools/internal/infra/pdfx"
	"github.com/John-Robertt/pdftools/internal/links"
	"github.com/John-Robertt/pdftools/internal/partition"
	"github.com/John-Robertt/pdftools/internal/scan"
)

const (
	DefaultMergeDir    = "Merged_PDFs"
	DefaultCompressDir = "Compressed_PDFs"
	DefaultAllDir      = "Processed_PDFs"

	tempMergePrefix = "Temp_Merged_"
)

// Deps 是流水线的外部协作者。New 会为 nil 字段填充默认实现。
type Deps struct {
	PageClient     *http.Client
	DownloadClient *http.Client

	// Links：页面 URL -> 候选 PDF URL。
	Links func(ctx context.Context, c *http.Client, pageURL string) ([]string, error)

	Prober partition.Prober
	Merger partition.Merger
	Filter compress.Filter

	Publish func(ctx context.Context, bucketURL, prefix string, paths []string) ([]blobx.Uploaded, error)
}

// Pipeline 串联 download -> merge -> compress（-> publish）。
// 各阶段严格顺序执行；阶段内部并发由各自的 worker 数控制。
type Pipeline struct {
	Cfg      config.EffectiveConfig
	Deps     Deps
	Observer Observer
	// Cwd 是相对路径与默认目录的基准。
	Cwd string

	now func() time.Time
}

// New 构造 Pipeline，并按配置补齐默认协作者（http client / pdfcpu / Ghostscript / gocloud blob）。
func New(eff config.EffectiveConfig, deps Deps, obs Observer, cwd string) (*Pipeline, error) {
	if deps.PageClient == nil {
		c, err := httpx.NewPageClient(eff.ProxyURL)
		if err != nil {
			return nil, &config.Error{Code: config.ErrCodeInvalid, Path: eff.ConfigPath, Err: fmt.Errorf("proxy.url 无效：%w", err)}
		}
		deps.PageClient = c
	}
	if deps.DownloadClient == nil {
		c, err := httpx.NewDownloadClient(eff.ProxyURL)
		if err != nil {
			return nil, &config.Error{Code: config.ErrCodeInvalid, Path: eff.ConfigPath, Err: fmt.Errorf("proxy.url 无效：%w", err)}
		}
		deps.DownloadClient = c
	}
	if deps.Links == nil {
		deps.Links = links.Extract
	}
	if deps.Prober == nil || deps.Merger == nil {
		p := pdfx.New()
		p.Strict = eff.StrictValidation
		if deps.Prober == nil {
			deps.Prober = p
		}
		if deps.Merger == nil {
			deps.Merger = p
		}
	}
	if deps.Filter == nil {
		deps.Filter = gsx.New(eff.Ghostscript)
	}
	if deps.Publish == nil {
		deps.Publish = blobx.Publish
	}
	if obs == nil {
		obs = nopObserver{}
	}
	if strings.TrimSpace(cwd) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cwd = wd
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return nil, err
	}
	return &Pipeline{Cfg: eff, Deps: deps, Observer: obs, Cwd: abs, now: time.Now}, nil
}

// StageError 表示某阶段零产出（或无法开始），流水线在此终止。
// 与单条失败不同：单条失败只记入报告，不产生 StageError。
type StageError struct {
	Stage string
	Code  string
	Msg   string
	Err   error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s：%s：%s：%v", e.Stage, e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s：%s：%s", e.Stage, e.Code, e.Msg)
}

func (e *StageError) Unwrap() error { return e.Err }

// Code 从 error 中提取 StageError 的 code；否则返回空串。
func Code(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Download 抓取 pageURL 上的全部 PDF 链接到 outDir（空则为 PDF_Downloads_<页面名>）。
func (p *Pipeline) Download(ctx context.Context, pageURL, outDir string) (domain.RunReport, error) {
	rr := p.begin("download")
	if outDir == "" {
		outDir = DownloadDirName(pageURL)
	}
	_, err := p.download(ctx, &rr, pageURL, p.abs(outDir))
	return p.end(rr, err)
}

// Merge 把 inputDir 下的 PDF 均衡合并为至多 Cfg.Count 个文件。
// inputDir 为空时使用 cwd 下最新的 PDF_Downloads_* 目录。
func (p *Pipeline) Merge(ctx context.Context, inputDir, outDir string) (domain.RunReport, error) {
	rr := p.begin("merge")
	if inputDir == "" {
		dir, err := scan.FindLatestDownloadDir(p.Cwd)
		if err != nil {
			return p.end(rr, &StageError{Stage: domain.StageMerge, Code: domain.ErrCodeNoInputs, Msg: err.Error()})
		}
		inputDir = dir
	}
	if outDir == "" {
		outDir = DefaultMergeDir
	}
	inputs, err := p.scanInputs(domain.StageMerge, p.abs(inputDir))
	if err == nil {
		_, err = p.merge(ctx, &rr, p.abs(inputDir), inputs, p.abs(outDir))
	}
	return p.end(rr, err)
}

// Compress 在体积上限约束下压缩 inputDir 下的 PDF 到 outDir。
func (p *Pipeline) Compress(ctx context.Context, inputDir, outDir string) (domain.RunReport, error) {
	rr := p.begin("compress")
	if inputDir == "" {
		inputDir = DefaultMergeDir
	}
	if outDir == "" {
		outDir = DefaultCompressDir
	}
	inputs, err := p.scanInputs(domain.StageCompress, p.abs(inputDir))
	if err == nil {
		_, err = p.compress(ctx, &rr, p.abs(inputDir), inputs, p.abs(outDir))
	}
	return p.end(rr, err)
}

// All 依次执行 download -> merge（临时目录）-> compress -> 可选 publish。
// 临时合并目录只在 compress 完整结束后删除（删除失败只记警告）；
// 中途终止或取消时保留该目录，并在 Warnings 中给出路径。
func (p *Pipeline) All(ctx context.Context, pageURL, outDir string) (domain.RunReport, error) {
	rr := p.begin("all")
	if outDir == "" {
		outDir = DefaultAllDir
	}
	err := p.all(ctx, &rr, pageURL, p.abs(outDir))
	return p.end(rr, err)
}

func (p *Pipeline) all(ctx context.Context, rr *domain.RunReport, pageURL, outAbs string) error {
	downloadDir := p.abs(DownloadDirName(pageURL))
	downloaded, err := p.download(ctx, rr, pageURL, downloadDir)
	if err != nil {
		return err
	}
	if err := p.checkCanceled(ctx, domain.StageMerge); err != nil {
		return err
	}

	tmpDir := filepath.Join(filepath.Dir(outAbs), tempMergePrefix+rr.RunID)
	final, err := p.mergeAndCompress(ctx, rr, downloadDir, downloaded, tmpDir, outAbs)
	if err != nil || ctx.Err() != nil {
		p.keepTemp(rr, tmpDir)
		if err != nil {
			return err
		}
	} else {
		p.cleanup(rr, tmpDir)
	}

	if p.Cfg.PublishURL == "" {
		return nil
	}
	if err := p.checkCanceled(ctx, domain.StagePublish); err != nil {
		return err
	}
	return p.publish(ctx, rr, final)
}

// mergeAndCompress 合并到临时目录 tmpDir，再把合并产物压缩到 outAbs。
func (p *Pipeline) mergeAndCompress(ctx context.Context, rr *domain.RunReport, downloadDir string, downloaded []string, tmpDir, outAbs string) ([]string, error) {
	merged, err := p.merge(ctx, rr, downloadDir, downloaded, tmpDir)
	if err != nil {
		return nil, err
	}
	if err := p.checkCanceled(ctx, domain.StageCompress); err != nil {
		return nil, err
	}
	return p.compress(ctx, rr, tmpDir, merged, outAbs)
}

// DownloadDirName 返回 download 的默认输出目录名：PDF_Downloads_<页面路径最后一段>。
// 页面路径为空时退化为主机名。
func DownloadDirName(pageURL string) string {
	name := ""
	if u, err := url.Parse(strings.TrimSpace(pageURL)); err == nil {
		name = path.Base(strings.TrimRight(u.Path, "/"))
		if name == "." || name == "/" || name == "" {
			name = u.Hostname()
		}
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.Trim(name, ".")
	if name == "" {
		name = "page"
	}
	return scan.DownloadDirPrefix + name
}

func (p *Pipeline) begin(command string) domain.RunReport {
	p.Observer.OnStart(command, p.Cfg)
	return domain.RunReport{
		Command:   command,
		RunID:     uuid.NewString(),
		StartedAt: p.now(),
		Stages:    make([]domain.StageReport, 0, 4),
	}
}

func (p *Pipeline) end(rr domain.RunReport, err error) (domain.RunReport, error) {
	var se *StageError
	if errors.As(err, &se) {
		rr.Halted = se.Code
		rr.HaltedMsg = se.Msg
	} else if err != nil {
		rr.Halted = domain.ErrCodeIOFailed
		rr.HaltedMsg = err.Error()
	}
	rr.FinishedAt = p.now()
	rr.Finalize()
	return rr, err
}

func (p *Pipeline) abs(dir string) string {
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Join(p.Cwd, dir)
}

func (p *Pipeline) checkCanceled(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: stage, Code: domain.ErrCodeCanceled, Msg: "已取消，未开始该阶段", Err: err}
	}
	return nil
}

func (p *Pipeline) scanInputs(stage, dir string) ([]string, error) {
	files, err := scan.ScanPDFs(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &StageError{Stage: stage, Code: domain.ErrCodeNoInputs, Msg: fmt.Sprintf("输入目录不存在：%s", dir)}
		}
		return nil, &StageError{Stage: stage, Code: domain.ErrCodeIOFailed, Msg: "扫描输入目录失败", Err: err}
	}
	if len(files) == 0 {
		return nil, &StageError{Stage: stage, Code: domain.ErrCodeNoInputs, Msg: fmt.Sprintf("目录中没有 PDF：%s", dir)}
	}
	return scan.Paths(files), nil
}

// keepTemp 在流水线未完整结束时保留临时合并目录（其中可能有尚未压缩的合并产物）。
func (p *Pipeline) keepTemp(rr *domain.RunReport, dir string) {
	if _, err := os.Stat(dir); err != nil {
		return
	}
	rr.Warnings = append(rr.Warnings, fmt.Sprintf("流水线未完成，已保留临时合并目录：%s", dir))
}

func (p *Pipeline) cleanup(rr *domain.RunReport, dir string) {
	started := time.Now()
	if err := os.RemoveAll(dir); err != nil {
		rr.Warnings = append(rr.Warnings, fmt.Sprintf("删除临时目录失败：%s：%v", dir, err))
	}
	p.Observer.OnPhaseDone("cleanup", map[string]any{"dir": dir}, time.Since(started))
}
