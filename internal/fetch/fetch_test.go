package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/John-Robertt/pdftools/internal/infra/httpx"
	"github.com/John-Robertt/pdftools/internal/retry"
)

func newClient(t *testing.T) *http.Client {
	t.Helper()
	c, err := httpx.NewDownloadClient("")
	if err != nil {
		t.Fatalf("构造 client 失败：%v", err)
	}
	return c
}

func TestFetchAll_PartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone.pdf" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("%PDF-1.4 " + r.URL.Path))
	}))
	defer srv.Close()

	// 已关闭的服务器：连接被拒绝。
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	urls := make([]string, 0, 10)
	for i := 0; i < 8; i++ {
		urls = append(urls, fmt.Sprintf("%s/docs/%02d.pdf", srv.URL, i))
	}
	urls = append(urls, srv.URL+"/gone.pdf", deadURL+"/x.pdf")

	dest := t.TempDir()
	f := &Fetcher{Client: newClient(t), Policy: retry.Policy{Attempts: 3}, Workers: 4}
	res, err := f.FetchAll(context.Background(), urls, dest)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if res.Succeeded != 8 || res.Failed != 2 {
		t.Fatalf("期望 8 成功 2 失败，实际 %d/%d", res.Succeeded, res.Failed)
	}
	if len(res.Outcomes) != 10 || len(res.Paths) != 8 {
		t.Fatalf("结果数量不正确：outcomes=%d paths=%d", len(res.Outcomes), len(res.Paths))
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("ReadDir 失败：%v", err)
	}
	if len(entries) != 8 {
		t.Fatalf("期望恰好 8 个本地文件，实际 %d", len(entries))
	}

	for _, o := range res.Outcomes {
		switch o.Key {
		case srv.URL + "/gone.pdf":
			// 404 不可重试：只尝试 1 次。
			var se *httpx.StatusError
			if !errors.As(o.Err, &se) || se.StatusCode != 404 || o.Attempts != 1 {
				t.Fatalf("404 应立即失败：attempts=%d err=%v", o.Attempts, o.Err)
			}
		case deadURL + "/x.pdf":
			if o.Err == nil || o.Attempts != 3 {
				t.Fatalf("连接失败应重试到耗尽：attempts=%d err=%v", o.Attempts, o.Err)
			}
		}
	}
}

func TestFetchAll_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("busy"))
			return
		}
		_, _ = w.Write([]byte("%PDF-1.4 ok"))
	}))
	defer srv.Close()

	dest := t.TempDir()
	f := &Fetcher{Client: newClient(t), Policy: retry.Policy{Attempts: 3}, Workers: 1}
	res, err := f.FetchAll(context.Background(), []string{srv.URL + "/a.pdf"}, dest)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if res.Succeeded != 1 || calls.Load() != 2 {
		t.Fatalf("503 后应重试成功：succeeded=%d calls=%d", res.Succeeded, calls.Load())
	}
	b, err := os.ReadFile(filepath.Join(dest, "a.pdf"))
	if err != nil {
		t.Fatalf("读取文件失败：%v", err)
	}
	if string(b) != "%PDF-1.4 ok" {
		t.Fatalf("文件内容只能来自成功的那次尝试：%q", string(b))
	}
}

func TestFetchAll_InvalidURLIsPermanent(t *testing.T) {
	f := &Fetcher{Client: newClient(t), Policy: retry.Policy{Attempts: 3}}
	res, err := f.FetchAll(context.Background(), []string{"ftp://example.test/a.pdf"}, t.TempDir())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if res.Failed != 1 || res.Outcomes[0].Attempts != 1 || !retry.IsPermanent(res.Outcomes[0].Err) || !errors.Is(res.Outcomes[0].Err, ErrInvalidURL) {
		t.Fatalf("非法 URL 应标记为不可重试：%+v", res.Outcomes[0])
	}
}

func TestFetchAll_DestConflict(t *testing.T) {
	p := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
	f := &Fetcher{Client: newClient(t)}
	if _, err := f.FetchAll(context.Background(), []string{"https://example.test/a.pdf"}, p); err == nil {
		t.Fatalf("目标目录是文件时应报错")
	}
}
