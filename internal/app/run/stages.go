package run

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/John-Robertt/pdftools/internal/compress"
	"github.com/John-Robertt/pdftools/internal/config"
	"github.com/John-Robertt/pdftools/internal/domain"
	"github.com/John-Robertt/pdftools/internal/fetch"
	"github.com/John-Robertt/pdftools/internal/partition"
	"github.com/John-Robertt/pdftools/internal/pool"
)

func addStage(rr *domain.RunReport, name, in, out string) *domain.StageReport {
	rr.Stages = append(rr.Stages, domain.StageReport{
		Name:      name,
		InputDir:  in,
		OutputDir: out,
		Items:     make([]domain.ItemResult, 0, 32),
	})
	return &rr.Stages[len(rr.Stages)-1]
}

// download：页面 -> 链接 -> 并发下载。返回成功下载的本地路径。
func (p *Pipeline) download(ctx context.Context, rr *domain.RunReport, pageURL, outDir string) ([]string, error) {
	st := addStage(rr, domain.StageDownload, pageURL, outDir)

	u, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &StageError{Stage: domain.StageDownload, Code: domain.ErrCodeInvalidURL, Msg: fmt.Sprintf("页面 URL 无效：%q", pageURL)}
	}

	started := time.Now()
	found, err := p.Deps.Links(ctx, p.Deps.PageClient, u.String())
	if err != nil {
		return nil, &StageError{Stage: domain.StageDownload, Code: domain.ErrCodeFetchFailed, Msg: humanizeFetchError("页面", err), Err: err}
	}
	p.Observer.OnPhaseDone("links", map[string]any{"links": len(found)}, time.Since(started))
	if len(found) == 0 {
		return nil, &StageError{Stage: domain.StageDownload, Code: domain.ErrCodeNoLinks, Msg: "页面中没有找到 PDF 链接"}
	}

	p.Observer.OnPhaseDone(domain.StageDownload+PhaseStart, map[string]any{
		"workers":     p.Cfg.DownloadWorkers,
		"total_items": len(fetch.Plan(found)),
	}, 0)

	started = time.Now()
	f := &fetch.Fetcher{
		Client:  p.Deps.DownloadClient,
		Policy:  p.Cfg.RetryPolicy(),
		Workers: p.Cfg.DownloadWorkers,
		OnDone: func(done, total int, o pool.Outcome[string]) {
			item := downloadItem(o)
			st.Items = append(st.Items, item)
			p.Observer.OnItemDone(domain.StageDownload, done, total, item, o.Elapsed)
		},
	}
	res, err := f.FetchAll(ctx, found, outDir)
	if err != nil {
		return nil, &StageError{Stage: domain.StageDownload, Code: domain.ErrCodeIOFailed, Msg: "无法准备下载目录", Err: err}
	}
	p.Observer.OnPhaseDone(domain.StageDownload, map[string]any{
		"ok":     res.Succeeded,
		"failed": res.Failed,
	}, time.Since(started))

	if res.Succeeded == 0 {
		return nil, &StageError{Stage: domain.StageDownload, Code: domain.ErrCodeNoOutputs, Msg: fmt.Sprintf("%d 个链接全部下载失败", res.Failed)}
	}
	return res.Paths, nil
}

// merge：探测 -> 均衡分组 -> 并发合并。返回合并产物路径（按文件名排序）。
func (p *Pipeline) merge(ctx context.Context, rr *domain.RunReport, inputDir string, inputs []string, outDir string) ([]string, error) {
	st := addStage(rr, domain.StageMerge, inputDir, outDir)

	started := time.Now()
	valid, invalid := partition.Measure(ctx, inputs, p.Deps.Prober, p.Cfg.MergeWorkers)
	for _, o := range invalid {
		st.Items = append(st.Items, probeItem(o))
	}
	p.Observer.OnPhaseDone("probe", map[string]any{
		"valid":   len(valid),
		"invalid": len(invalid),
	}, time.Since(started))
	if len(valid) == 0 {
		return nil, &StageError{Stage: domain.StageMerge, Code: domain.ErrCodeNoValidDocuments, Msg: fmt.Sprintf("%d 个文档全部无效", len(inputs))}
	}

	started = time.Now()
	buckets, err := partition.Partition(valid, p.Cfg.Count)
	if err != nil {
		return nil, &StageError{Stage: domain.StageMerge, Code: config.ErrCodeInvalid, Msg: "count 无效", Err: err}
	}
	minW, maxW := bucketRange(buckets)
	p.Observer.OnPhaseDone("partition", map[string]any{
		"groups":     p.Cfg.Count,
		"buckets":    len(buckets),
		"min_weight": minW,
		"max_weight": maxW,
	}, time.Since(started))

	p.Observer.OnPhaseDone(domain.StageMerge+PhaseStart, map[string]any{
		"workers":     p.Cfg.MergeWorkers,
		"total_items": len(buckets),
	}, 0)

	started = time.Now()
	c := &partition.Consolidator{
		Merger:  p.Deps.Merger,
		Workers: p.Cfg.MergeWorkers,
		OnDone: func(done, total int, o pool.Outcome[partition.Merged]) {
			item := mergeItem(o)
			st.Items = append(st.Items, item)
			p.Observer.OnItemDone(domain.StageMerge, done, total, item, o.Elapsed)
		},
	}
	outcomes, err := c.Consolidate(ctx, buckets, outDir)
	if err != nil {
		return nil, &StageError{Stage: domain.StageMerge, Code: domain.ErrCodeIOFailed, Msg: "无法准备合并输出目录", Err: err}
	}

	merged := make([]string, 0, len(outcomes))
	for _, o := range pool.Succeeded(outcomes) {
		merged = append(merged, o.Value.Path)
	}
	sort.Strings(merged)
	ok, failed := pool.Counts(outcomes)
	p.Observer.OnPhaseDone(domain.StageMerge, map[string]any{"ok": ok, "failed": failed}, time.Since(started))

	if len(merged) == 0 {
		return nil, &StageError{Stage: domain.StageMerge, Code: domain.ErrCodeNoOutputs, Msg: fmt.Sprintf("%d 个分组全部合并失败", failed)}
	}
	return merged, nil
}

// compress：体积上限约束下压缩。返回最终产物路径（按文件名排序）。
func (p *Pipeline) compress(ctx context.Context, rr *domain.RunReport, inputDir string, inputs []string, outDir string) ([]string, error) {
	st := addStage(rr, domain.StageCompress, inputDir, outDir)

	// 滤镜不可用时每个文件都会原样复制，提前提示一次。
	if av, ok := p.Deps.Filter.(interface{ Available() error }); ok {
		if err := av.Available(); err != nil {
			rr.Warnings = append(rr.Warnings, fmt.Sprintf("压缩滤镜不可用，输出将原样复制：%v", err))
		}
	}

	p.Observer.OnPhaseDone(domain.StageCompress+PhaseStart, map[string]any{
		"workers":     p.Cfg.CompressWorkers,
		"total_items": len(inputs),
		"quality":     string(p.Cfg.Quality),
	}, 0)

	started := time.Now()
	c := &compress.Compressor{
		Filter:         p.Deps.Filter,
		Quality:        p.Cfg.Quality,
		Ceiling:        p.Cfg.Ceiling,
		LargeThreshold: p.Cfg.LargeThreshold,
		Workers:        p.Cfg.CompressWorkers,
		OnDone: func(done, total int, o compress.ItemOutcome) {
			item := compressItem(o, p.Cfg.Ceiling)
			st.Items = append(st.Items, item)
			p.Observer.OnItemDone(domain.StageCompress, done, total, item, o.Elapsed)
		},
	}
	stats, err := c.CompressDirectory(ctx, inputs, outDir)
	if err != nil {
		return nil, &StageError{Stage: domain.StageCompress, Code: domain.ErrCodeIOFailed, Msg: "无法开始压缩", Err: err}
	}
	p.Observer.OnPhaseDone(domain.StageCompress, map[string]any{
		"compressed":       stats.Compressed,
		"copied":           stats.Copied,
		"over_ceiling":     stats.OverCeiling,
		"failed":           stats.Failed,
		"original_bytes":   stats.OriginalBytes,
		"compressed_bytes": stats.CompressedBytes,
		"reduction":        stats.Reduction(),
	}, time.Since(started))

	outputs := make([]string, 0, len(stats.Outcomes))
	for _, o := range pool.Succeeded(stats.Outcomes) {
		outputs = append(outputs, o.Value.Output)
	}
	sort.Strings(outputs)
	if len(outputs) == 0 {
		return nil, &StageError{Stage: domain.StageCompress, Code: domain.ErrCodeNoOutputs, Msg: fmt.Sprintf("%d 个文件全部压缩失败", stats.Failed)}
	}
	return outputs, nil
}

// publish：把最终产物上传到 bucket。单个文件失败只记入报告。
func (p *Pipeline) publish(ctx context.Context, rr *domain.RunReport, paths []string) error {
	st := addStage(rr, domain.StagePublish, filepath.Dir(paths[0]), p.Cfg.PublishURL)

	started := time.Now()
	ups, err := p.Deps.Publish(ctx, p.Cfg.PublishURL, p.Cfg.PublishPrefix, paths)
	if err != nil {
		return &StageError{Stage: domain.StagePublish, Code: domain.ErrCodePublishFailed, Msg: "无法打开发布目标", Err: err}
	}

	ok := 0
	for i, up := range ups {
		item := domain.ItemResult{Key: up.Key, Path: up.Path, Status: domain.StatusOK, Size: up.Size, Attempts: 1}
		if up.Err != nil {
			item.Status = domain.StatusFailed
			item.ErrorCode = domain.ErrCodePublishFailed
			item.ErrorMsg = up.Err.Error()
		} else {
			ok++
		}
		st.Items = append(st.Items, item)
		p.Observer.OnItemDone(domain.StagePublish, i+1, len(ups), item, 0)
	}
	p.Observer.OnPhaseDone(domain.StagePublish, map[string]any{"ok": ok, "failed": len(ups) - ok}, time.Since(started))

	if ok == 0 {
		return &StageError{Stage: domain.StagePublish, Code: domain.ErrCodePublishFailed, Msg: "全部文件上传失败"}
	}
	return nil
}

func bucketRange(bs []domain.Bucket) (minW, maxW int64) {
	for i, b := range bs {
		if i == 0 || b.Weight < minW {
			minW = b.Weight
		}
		if b.Weight > maxW {
			maxW = b.Weight
		}
	}
	return minW, maxW
}

func isNotStarted(err error) bool {
	return errors.Is(err, pool.ErrNotStarted)
}
