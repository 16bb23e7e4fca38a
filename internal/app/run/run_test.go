package run

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/pdftools/internal/domain"
)

func newSite(t *testing.T, docs map[string]int, links ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/docs/reports" {
			var b strings.Builder
			b.WriteString("<html><body>")
			for _, l := range links {
				fmt.Fprintf(&b, `<a href="%s">doc</a>`, l)
			}
			b.WriteString(`<a href="/about.html">about</a></body></html>`)
			_, _ = w.Write([]byte(b.String()))
			return
		}
		n, ok := docs[strings.TrimPrefix(r.URL.Path, "/files/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(strings.Repeat("x", n)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAll_EndToEnd(t *testing.T) {
	srv := newSite(t,
		map[string]int{"a.pdf": 400, "b.pdf": 300, "c.pdf": 200},
		"/files/a.pdf", "/files/b.pdf", "../files/c.pdf", "/files/missing.pdf", "/files/a.pdf",
	)

	target := t.TempDir()
	eff := testConfig()
	eff.Count = 2
	eff.PublishURL = (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String()
	eff.PublishPrefix = "run"

	obs := &recordObserver{}
	p := newTestPipeline(t, eff, obs)

	rr, err := p.All(context.Background(), srv.URL+"/docs/reports", "")
	if err != nil {
		t.Fatalf("不期望错误：%v（halted=%s）", err, rr.Halted)
	}
	if rr.Command != "all" || rr.RunID == "" || rr.Halted != "" {
		t.Fatalf("报告头不符合预期：%+v", rr)
	}

	var names []string
	for _, st := range rr.Stages {
		names = append(names, st.Name)
	}
	if want := []string{"download", "merge", "compress", "publish"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("阶段不符合预期：got=%v want=%v", names, want)
	}

	dl := rr.Stage(domain.StageDownload)
	if dl.Summary.OK != 3 || dl.Summary.Failed != 1 {
		t.Fatalf("下载统计不符合预期：%+v", dl.Summary)
	}
	for _, it := range dl.Items {
		if strings.HasSuffix(it.Key, "missing.pdf") {
			if it.ErrorCode != domain.ErrCodeFetchFailed || it.Attempts != 1 {
				t.Fatalf("404 条目不符合预期：%+v", it)
			}
		}
	}
	if _, err := os.Stat(filepath.Join(p.Cwd, "PDF_Downloads_reports", "c.pdf")); err != nil {
		t.Fatalf("下载目录中缺少 c.pdf：%v", err)
	}

	// 400 | 300+200
	mg := rr.Stage(domain.StageMerge)
	if mg.Summary.OK != 2 {
		t.Fatalf("合并统计不符合预期：%+v", mg.Items)
	}
	sizes := map[string]int64{}
	inputs := map[string][]string{}
	for _, it := range mg.Items {
		sizes[it.Key] = it.Size
		for _, in := range it.Inputs {
			inputs[it.Key] = append(inputs[it.Key], filepath.Base(in))
		}
	}
	if sizes["merged_001.pdf"] != 400 || sizes["merged_002.pdf"] != 500 {
		t.Fatalf("分组结果不符合预期：%v", sizes)
	}
	sort.Strings(inputs["merged_002.pdf"])
	if want := []string{"b.pdf", "c.pdf"}; !reflect.DeepEqual(inputs["merged_002.pdf"], want) || len(inputs["merged_001.pdf"]) != 1 {
		t.Fatalf("合并条目的 inputs 不符合预期：%v", inputs)
	}

	cp := rr.Stage(domain.StageCompress)
	for _, it := range cp.Items {
		if it.Status != domain.StatusOK || it.Action != "compressed" || it.UnderCeiling == nil || !*it.UnderCeiling {
			t.Fatalf("压缩条目不符合预期：%+v", it)
		}
		if it.Size != it.OriginalSize/2 {
			t.Fatalf("压缩后大小不正确：%+v", it)
		}
	}
	outDir := filepath.Join(p.Cwd, DefaultAllDir)
	if got := listNames(t, outDir); !reflect.DeepEqual(got, []string{"merged_001.pdf", "merged_002.pdf"}) {
		t.Fatalf("最终输出不符合预期：%v", got)
	}

	for _, name := range listNames(t, p.Cwd) {
		if strings.HasPrefix(name, tempMergePrefix) {
			t.Fatalf("临时合并目录未删除：%s", name)
		}
	}

	b, err := os.ReadFile(filepath.Join(target, "run", "merged_002.pdf"))
	if err != nil || len(b) != 250 {
		t.Fatalf("发布内容不正确：len=%d err=%v", len(b), err)
	}
	if rr.Summary.Failed != 1 || rr.Summary.OverCeiling != 0 {
		t.Fatalf("总体统计不符合预期：%+v", rr.Summary)
	}

	wantPhases := []string{
		"links", "download.start", "download",
		"probe", "partition", "merge.start", "merge",
		"compress.start", "compress",
		"cleanup", "publish",
	}
	if !reflect.DeepEqual(obs.phases, wantPhases) {
		t.Fatalf("阶段事件不符合预期：\ngot=%v\nwant=%v", obs.phases, wantPhases)
	}
	if len(obs.items[domain.StageDownload]) != 4 || len(obs.items[domain.StageCompress]) != 2 {
		t.Fatalf("条目事件数量不符合预期：%v", obs.items)
	}
}

func TestDownload_NoLinks(t *testing.T) {
	srv := newSite(t, nil)
	p := newTestPipeline(t, testConfig(), nil)

	rr, err := p.Download(context.Background(), srv.URL+"/docs/reports", "")
	if Code(err) != domain.ErrCodeNoLinks || rr.Halted != domain.ErrCodeNoLinks {
		t.Fatalf("期望 no_links，实际 err=%v halted=%q", err, rr.Halted)
	}
	if len(rr.Stages) != 1 || len(rr.Stages[0].Items) != 0 {
		t.Fatalf("no_links 时不应有条目：%+v", rr.Stages)
	}
}

func TestDownload_PageErrors(t *testing.T) {
	p := newTestPipeline(t, testConfig(), nil)

	_, err := p.Download(context.Background(), "ftp://example.test/x", "")
	if Code(err) != domain.ErrCodeInvalidURL {
		t.Fatalf("期望 invalid_url，实际：%v", err)
	}

	srv := newSite(t, nil)
	rr, err := p.Download(context.Background(), srv.URL+"/nope", "out")
	if Code(err) != domain.ErrCodeFetchFailed {
		t.Fatalf("期望 fetch_failed，实际：%v", err)
	}
	if !strings.Contains(rr.HaltedMsg, "404") {
		t.Fatalf("提示信息应包含状态码：%q", rr.HaltedMsg)
	}
}

func TestDownload_AllFailedIsNoOutputs(t *testing.T) {
	srv := newSite(t, nil, "/files/a.pdf", "/files/b.pdf")
	p := newTestPipeline(t, testConfig(), nil)

	rr, err := p.Download(context.Background(), srv.URL+"/docs/reports", "out")
	if Code(err) != domain.ErrCodeNoOutputs {
		t.Fatalf("期望 no_outputs，实际：%v", err)
	}
	if rr.Summary.Failed != 2 {
		t.Fatalf("失败条目应记入报告：%+v", rr.Summary)
	}
}

func TestMerge_UsesLatestDownloadDirAndSkipsInvalid(t *testing.T) {
	p := newTestPipeline(t, testConfig(), nil)

	dir := filepath.Join(p.Cwd, "PDF_Downloads_reports")
	writeDoc(t, dir, "a.pdf", 30)
	writeDoc(t, dir, "b.pdf", 20)
	writeDoc(t, dir, "c.pdf", 10)
	if err := os.WriteFile(filepath.Join(dir, "broken.pdf"), []byte("BAD"), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}

	rr, err := p.Merge(context.Background(), "", "")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	st := rr.Stage(domain.StageMerge)
	if st.InputDir != dir || st.OutputDir != filepath.Join(p.Cwd, DefaultMergeDir) {
		t.Fatalf("目录不符合预期：in=%s out=%s", st.InputDir, st.OutputDir)
	}
	// count 默认远大于文档数：每个有效文档单独成组。
	if st.Summary.OK != 3 || st.Summary.Skipped != 1 {
		t.Fatalf("合并统计不符合预期：%+v", st.Summary)
	}
	for _, it := range st.Items {
		if it.Status == domain.StatusSkipped && (it.Key != "broken.pdf" || it.ErrorCode != domain.ErrCodeProbeFailed) {
			t.Fatalf("无效文档条目不符合预期：%+v", it)
		}
	}
	got := listNames(t, filepath.Join(p.Cwd, DefaultMergeDir))
	if want := []string{"merged_001.pdf", "merged_002.pdf", "merged_003.pdf"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("输出不符合预期：%v", got)
	}
}

func TestMerge_Halts(t *testing.T) {
	p := newTestPipeline(t, testConfig(), nil)

	if _, err := p.Merge(context.Background(), "", ""); Code(err) != domain.ErrCodeNoInputs {
		t.Fatalf("没有下载目录时期望 no_inputs，实际：%v", err)
	}
	if _, err := p.Merge(context.Background(), "missing", ""); Code(err) != domain.ErrCodeNoInputs {
		t.Fatalf("输入目录不存在时期望 no_inputs，实际：%v", err)
	}

	dir := filepath.Join(p.Cwd, "in")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	for _, name := range []string{"a.pdf", "b.pdf"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("BAD"), 0o644); err != nil {
			t.Fatalf("写入文件失败：%v", err)
		}
	}
	rr, err := p.Merge(context.Background(), "in", "")
	if Code(err) != domain.ErrCodeNoValidDocuments {
		t.Fatalf("期望 no_valid_documents，实际：%v", err)
	}
	if rr.Summary.Skipped != 2 {
		t.Fatalf("无效文档应记为 skipped：%+v", rr.Summary)
	}
	if _, err := os.Stat(filepath.Join(p.Cwd, DefaultMergeDir)); !os.IsNotExist(err) {
		t.Fatalf("没有有效文档时不应创建输出目录：%v", err)
	}
}

func TestCompress_Directory(t *testing.T) {
	eff := testConfig()
	eff.Ceiling = 150
	p := newTestPipeline(t, eff, nil)

	in := filepath.Join(p.Cwd, DefaultMergeDir)
	writeDoc(t, in, "merged_001.pdf", 200)
	writeDoc(t, in, "merged_002.pdf", 400)

	rr, err := p.Compress(context.Background(), "", "")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	st := rr.Stage(domain.StageCompress)
	if st.Summary.OK != 2 || st.Summary.OverCeiling != 1 {
		t.Fatalf("压缩统计不符合预期：%+v", st.Summary)
	}
	for _, it := range st.Items {
		if it.Key == "merged_002.pdf" && it.ErrorCode != domain.ErrCodeOverCeiling {
			t.Fatalf("超过上限的产物应标记 over_ceiling：%+v", it)
		}
	}
	got := listNames(t, filepath.Join(p.Cwd, DefaultCompressDir))
	if want := []string{"merged_001.pdf", "merged_002.pdf"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("输出不符合预期：%v", got)
	}
}

func TestAll_CanceledBeforeMerge(t *testing.T) {
	srv := newSite(t, map[string]int{"a.pdf": 10}, "/files/a.pdf")

	ctx, cancel := context.WithCancel(context.Background())
	obs := &cancelAfter{phase: domain.StageDownload, cancel: cancel}
	p := newTestPipeline(t, testConfig(), obs)

	rr, err := p.All(ctx, srv.URL+"/docs/reports", "")
	if Code(err) != domain.ErrCodeCanceled {
		t.Fatalf("期望 canceled，实际：%v", err)
	}
	if len(rr.Stages) != 1 || rr.Stages[0].Summary.OK != 1 {
		t.Fatalf("已完成的下载应保留在报告中：%+v", rr.Stages)
	}
}

func TestAll_CanceledAfterMergeKeepsTempDir(t *testing.T) {
	srv := newSite(t, map[string]int{"a.pdf": 30, "b.pdf": 20}, "/files/a.pdf", "/files/b.pdf")

	ctx, cancel := context.WithCancel(context.Background())
	obs := &cancelAfter{phase: domain.StageMerge, cancel: cancel}
	p := newTestPipeline(t, testConfig(), obs)

	rr, err := p.All(ctx, srv.URL+"/docs/reports", "")
	if Code(err) != domain.ErrCodeCanceled {
		t.Fatalf("期望 canceled，实际：%v", err)
	}

	mg := rr.Stage(domain.StageMerge)
	if mg == nil || mg.Summary.OK != 2 {
		t.Fatalf("合并结果应保留在报告中：%+v", rr.Stages)
	}
	for _, it := range mg.Items {
		if _, err := os.Stat(it.Path); err != nil {
			t.Fatalf("报告中的合并产物必须仍然存在：%s：%v", it.Path, err)
		}
	}
	tmpDir := filepath.Join(p.Cwd, tempMergePrefix+rr.RunID)
	if got := listNames(t, tmpDir); !reflect.DeepEqual(got, []string{"merged_001.pdf", "merged_002.pdf"}) {
		t.Fatalf("临时合并目录内容不符合预期：%v", got)
	}
	if len(rr.Warnings) != 1 || !strings.Contains(rr.Warnings[0], tmpDir) {
		t.Fatalf("应在 warnings 中给出保留的临时目录：%v", rr.Warnings)
	}
	for _, ph := range obs.phases {
		if ph == "cleanup" {
			t.Fatalf("取消后不应清理临时目录：%v", obs.phases)
		}
	}
}

// cancelAfter 在指定阶段结束时取消 ctx。
type cancelAfter struct {
	recordObserver
	phase  string
	cancel context.CancelFunc
}

func (o *cancelAfter) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	o.recordObserver.OnPhaseDone(name, fields, dur)
	if name == o.phase {
		o.cancel()
	}
}

func TestDownloadDirName(t *testing.T) {
	cases := map[string]string{
		"https://example.com/docs/reports/": "PDF_Downloads_reports",
		"https://example.com/docs/reports":  "PDF_Downloads_reports",
		"https://example.com":               "PDF_Downloads_example.com",
		"https://example.com/a%20b?x=1":     "PDF_Downloads_a_b",
		"::bad::":                           "PDF_Downloads_page",
	}
	for in, want := range cases {
		if got := DownloadDirName(in); got != want {
			t.Fatalf("DownloadDirName(%q)=%q，期望 %q", in, got, want)
		}
	}
}
