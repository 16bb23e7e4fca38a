package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/John-Robertt/pdftools/internal/infra/fsx"
	"github.com/John-Robertt/pdftools/internal/infra/httpx"
	"github.com/John-Robertt/pdftools/internal/pool"
	"github.com/John-Robertt/pdftools/internal/retry"
)

// ErrInvalidURL 表示 URL 不是合法的 http/https 地址（不可重试）。
var ErrInvalidURL = errors.New("URL 无效")

// DefaultPolicy 是下载的参考重试策略：3 次尝试，固定 2s 间隔。
func DefaultPolicy() retry.Policy {
	return retry.Policy{
		Attempts:       3,
		Backoff:        retry.Fixed(2 * time.Second),
		AttemptTimeout: 10 * time.Minute,
	}
}

// Job 是一个下载单元：URL 与它独占的本地文件名。
type Job struct {
	URL  string
	Name string
}

// Result 汇总一次批量下载。
type Result struct {
	Succeeded int
	Failed    int
	// Paths 是成功下载的本地路径（按路径排序）。
	Paths    []string
	Outcomes []pool.Outcome[string]
}

// Fetcher 把一组 URL 下载到本地目录。
type Fetcher struct {
	Client  *http.Client
	Policy  retry.Policy
	Workers int
	// OnDone 在每个 URL 结束时被串行调用（用于进度展示）。
	OnDone func(done, total int, o pool.Outcome[string])
}

// Plan 去重 URL 并预先分配互不冲突的本地文件名（不做任何 I/O）。
// 输出顺序为 URL 首次出现的顺序。
func Plan(urls []string) []Job {
	seen := make(map[string]struct{}, len(urls))
	used := make(map[string]struct{}, len(urls))
	jobs := make([]Job, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}

		name := allocName(LocalName(u), used)
		used[strings.ToLower(name)] = struct{}{}
		jobs = append(jobs, Job{URL: u, Name: name})
	}
	return jobs
}

// FetchAll 并发下载 urls 到 destDir。
//
// 单个 URL 失败（重试耗尽或不可重试）只计入 Failed，不会中断批次；
// 返回的 error 只表示批次本身无法开始（例如 destDir 不可用）。
func (f *Fetcher) FetchAll(ctx context.Context, urls []string, destDir string) (Result, error) {
	if f.Client == nil {
		return Result{}, errors.New("fetch: http client 不能为空")
	}
	if err := fsx.EnsureDir(destDir); err != nil {
		return Result{}, err
	}

	jobs := Plan(urls)
	outcomes := pool.RunAll(ctx, jobs, func(j Job) string { return j.URL }, pool.Options[string]{
		Workers: f.Workers,
		OnDone:  f.OnDone,
	}, func(ctx context.Context, j Job) (string, error) {
		return f.fetchOne(ctx, j, destDir)
	})

	res := Result{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.OK() {
			res.Succeeded++
			res.Paths = append(res.Paths, o.Value)
		} else {
			res.Failed++
		}
	}
	sort.Strings(res.Paths)
	return res, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, j Job, destDir string) (string, error) {
	u, err := url.Parse(j.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &retry.Error{Attempts: 1, Err: retry.Permanent(fmt.Errorf("%w：%q", ErrInvalidURL, j.URL))}
	}

	p := f.Policy
	if p.Classify == nil {
		p.Classify = Retryable
	}
	_, err = retry.Do(ctx, p, func(ctx context.Context, attempt int) error {
		resp, err := httpx.Get(ctx, f.Client, j.URL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		// 覆盖写：上一次尝试的半成品不会被拼接。
		_, err = fsx.WriteStreamAtomic(destDir, j.Name, resp.Body)
		return err
	})
	if err != nil {
		return "", err
	}
	return filepath.Join(destDir, j.Name), nil
}

// Retryable 是下载错误的默认分类：
// HTTP 5xx/429/408 与传输层错误可重试；其余 HTTP 状态与本地路径冲突不可重试。
func Retryable(err error) bool {
	var se *httpx.StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if fsx.IsPathTypeConflict(err) {
		return false
	}
	return true
}
