package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/pdftools/internal/app/run"
	"github.com/John-Robertt/pdftools/internal/config"
	"github.com/John-Robertt/pdftools/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是交互终端下的进度输出。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - keepalive：长时间无条目完成时也会定期输出一行
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	// 当前批量阶段的计数；每个 "<stage>.start" 事件重置。
	stage   string
	workers int
	total   int
	done    int
	ok      int
	fail    int
	skip    int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(command string, eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	fmt.Fprintf(p.w, "[%s] pdftools %s\n", now.Format("15:04:05"), command)
	fmt.Fprintln(p.w, "配置（生效）:")
	if eff.ConfigPath != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigPath)
	}
	switch command {
	case "download":
		fmt.Fprintf(p.w, "  download_workers: %d\n", eff.DownloadWorkers)
		fmt.Fprintf(p.w, "  retry: attempts=%d backoff=%s\n", eff.RetryAttempts, eff.RetryBackoff)
		fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(eff.ProxyURL))
	case "merge":
		fmt.Fprintf(p.w, "  count: %d\n", eff.Count)
		fmt.Fprintf(p.w, "  merge_workers: %d\n", eff.MergeWorkers)
	case "compress":
		fmt.Fprintf(p.w, "  quality: %s\n", eff.Quality)
		fmt.Fprintf(p.w, "  ceiling: %s\n", config.FormatBytes(eff.Ceiling))
		fmt.Fprintf(p.w, "  compress_workers: %d\n", eff.CompressWorkers)
		fmt.Fprintf(p.w, "  ghostscript: %s\n", eff.Ghostscript)
	default:
		fmt.Fprintf(p.w, "  download_workers: %d\n", eff.DownloadWorkers)
		fmt.Fprintf(p.w, "  count: %d\n", eff.Count)
		fmt.Fprintf(p.w, "  quality: %s\n", eff.Quality)
		fmt.Fprintf(p.w, "  ceiling: %s\n", config.FormatBytes(eff.Ceiling))
		fmt.Fprintf(p.w, "  compress_workers: %d\n", eff.CompressWorkers)
		fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(eff.ProxyURL))
		if eff.PublishURL != "" {
			fmt.Fprintf(p.w, "  publish: %s\n", truncate(eff.PublishURL, 120))
		}
	}
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if stage, ok := strings.CutSuffix(name, run.PhaseStart); ok {
		p.stopTickerLocked()
		p.stage = stage
		p.workers = intField(fields, "workers")
		p.total = intField(fields, "total_items")
		p.done, p.ok, p.fail, p.skip = 0, 0, 0, 0
		fmt.Fprintf(p.w, "%s: workers=%d total_items=%d\n", stage, p.workers, p.total)
		if p.total > 0 {
			p.startTickerLocked()
		}
		p.lastPrinted = time.Now()
		return
	}

	switch name {
	case "links":
		fmt.Fprintf(p.w, "链接: pdf=%d (%s)\n", intField(fields, "links"), formatShortDuration(dur))
	case "probe":
		fmt.Fprintf(p.w, "探测: valid=%d invalid=%d (%s)\n",
			intField(fields, "valid"), intField(fields, "invalid"), formatShortDuration(dur),
		)
	case "partition":
		fmt.Fprintf(p.w, "分组: buckets=%d/%d weight=%s~%s (%s)\n",
			intField(fields, "buckets"), intField(fields, "groups"),
			config.FormatBytes(int64(intField(fields, "min_weight"))),
			config.FormatBytes(int64(intField(fields, "max_weight"))),
			formatShortDuration(dur),
		)
	case domain.StageDownload, domain.StageMerge, domain.StagePublish:
		fmt.Fprintf(p.w, "%s 完成: ok=%d failed=%d (%s)\n\n",
			name, intField(fields, "ok"), intField(fields, "failed"), formatShortDuration(dur),
		)
	case domain.StageCompress:
		fmt.Fprintf(p.w, "compress 完成: compressed=%d copied=%d over_ceiling=%d failed=%d %s -> %s (-%.1f%%) (%s)\n\n",
			intField(fields, "compressed"), intField(fields, "copied"),
			intField(fields, "over_ceiling"), intField(fields, "failed"),
			config.FormatBytes(int64(intField(fields, "original_bytes"))),
			config.FormatBytes(int64(intField(fields, "compressed_bytes"))),
			floatField(fields, "reduction"),
			formatShortDuration(dur),
		)
	case "cleanup":
		fmt.Fprintf(p.w, "清理临时目录 (%s)\n", formatShortDuration(dur))
	default:
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnItemDone(stage string, idx, total int, res domain.ItemResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = idx
	p.total = total

	switch res.Status {
	case domain.StatusOK:
		p.ok++
	case domain.StatusFailed:
		p.fail++
	case domain.StatusSkipped:
		p.skip++
	}

	key := truncate(res.Key, 80)
	switch res.Status {
	case domain.StatusFailed:
		attempts := ""
		if res.Attempts > 1 {
			attempts = fmt.Sprintf(" attempts=%d", res.Attempts)
		}
		fmt.Fprintf(p.w, "[%d/%d] %s FAIL %s: %s%s (%s)\n",
			idx, total, key, res.ErrorCode, truncate(res.ErrorMsg, 160), attempts, formatShortDuration(dur),
		)
	case domain.StatusSkipped:
		fmt.Fprintf(p.w, "[%d/%d] %s SKIP %s (%s)\n", idx, total, key, res.ErrorCode, formatShortDuration(dur))
	default:
		fmt.Fprintf(p.w, "[%d/%d] %s OK %s%s (%s)\n",
			idx, total, key, formatItemDetail(stage, res), formatWarnings(res.Warnings), formatShortDuration(dur),
		)
	}

	p.lastPrinted = time.Now()

	// 最后一条完成：停止 ticker，避免在阶段结束后又冒出 keepalive。
	if p.done >= p.total {
		p.stopTickerLocked()
	}
}

// Close 停止 keepalive goroutine（流水线提前终止时可能仍在运行）。
func (p *progressUI) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTickerLocked()
}

func (p *progressUI) stopTickerLocked() {
	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) startTickerLocked() {
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && time.Since(p.lastPrinted) > threshold {
					active := p.workers
					if remain := p.total - p.done; remain < active {
						active = remain
					}
					fmt.Fprintf(p.w, "进度: %s done=%d/%d ok=%d fail=%d skip=%d active=%d elapsed=%s\n",
						p.stage, p.done, p.total, p.ok, p.fail, p.skip, active, formatElapsed(time.Since(p.startedAt)),
					)
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stopCh:
				return
			}
		}
	}()
}

func formatItemDetail(stage string, res domain.ItemResult) string {
	switch stage {
	case domain.StageCompress:
		s := fmt.Sprintf("%s %s -> %s", res.Action, config.FormatBytes(res.OriginalSize), config.FormatBytes(res.Size))
		if res.UnderCeiling != nil && !*res.UnderCeiling {
			s += " OVER_CEILING"
		}
		return s
	default:
		return config.FormatBytes(res.Size)
	}
}

func formatWarnings(ws []string) string {
	if len(ws) == 0 {
		return ""
	}
	return fmt.Sprintf(" warnings=%d(%s)", len(ws), truncate(ws[0], 80))
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}

func floatField(fields map[string]any, key string) float64 {
	switch x := fields[key].(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	default:
		return float64(intField(fields, key))
	}
}
