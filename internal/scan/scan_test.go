package scan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestScanPDFs_FlatAndCaseInsensitive(t *testing.T) {
	dir := t.TempDir()

	touch(t, filepath.Join(dir, "b.pdf"), "bb")
	touch(t, filepath.Join(dir, "A.PDF"), "a")
	touch(t, filepath.Join(dir, "notes.txt"), "x")
	touch(t, filepath.Join(dir, ".b.pdf.tmp-123"), "partial")
	touch(t, filepath.Join(dir, ".hidden.pdf"), "h")
	touch(t, filepath.Join(dir, "sub", "c.pdf"), "c")

	got, err := ScanPDFs(dir)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(got) != 2 {
		t.Fatalf("期望 2 个 PDF，实际 %d：%+v", len(got), got)
	}
	if got[0].Name != "A.PDF" || got[1].Name != "b.pdf" {
		t.Fatalf("排序不符合预期：%q %q", got[0].Name, got[1].Name)
	}
	if got[1].Size != 2 {
		t.Fatalf("Size 不正确：%d", got[1].Size)
	}
	if !filepath.IsAbs(got[0].AbsPath) {
		t.Fatalf("AbsPath 必须是绝对路径：%q", got[0].AbsPath)
	}
}

func TestScanPDFs_MissingDir(t *testing.T) {
	if _, err := ScanPDFs(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("目录不存在应报错")
	}
}

func TestFindLatestDownloadDir(t *testing.T) {
	cwd := t.TempDir()

	if _, err := FindLatestDownloadDir(cwd); !errors.Is(err, ErrNoDownloadDir) {
		t.Fatalf("期望 ErrNoDownloadDir，实际 %v", err)
	}

	older := filepath.Join(cwd, "PDF_Downloads_old")
	newer := filepath.Join(cwd, "PDF_Downloads_new")
	for _, d := range []string{older, newer, filepath.Join(cwd, "Merged_PDFs")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("创建目录失败：%v", err)
		}
	}
	touch(t, filepath.Join(cwd, "PDF_Downloads_file"), "not a dir")

	now := time.Now()
	if err := os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("Chtimes 失败：%v", err)
	}
	if err := os.Chtimes(newer, now, now); err != nil {
		t.Fatalf("Chtimes 失败：%v", err)
	}

	got, err := FindLatestDownloadDir(cwd)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got != newer {
		t.Fatalf("期望最新目录 %q，实际 %q", newer, got)
	}
}

func touch(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
}
