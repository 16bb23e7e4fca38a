//go:build unix

package gsx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/John-Robertt/pdftools/internal/domain"
)

// fakeGS 写出一个行为类似 gs 的脚本：把最后一个参数复制到 -sOutputFile 指定的位置。
func fakeGS(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gs")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(p, []byte(script), 0o755); err != nil {
		t.Fatalf("写入脚本失败：%v", err)
	}
	return p
}

const copyBody = `out=""
for a in "$@"; do
  case "$a" in
    -sOutputFile=*) out="${a#-sOutputFile=}" ;;
  esac
  in="$a"
done
head -c 5 "$in" > "$out"`

func TestApply_Success(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pdf")
	out := filepath.Join(dir, "out.pdf")
	if err := os.WriteFile(in, []byte("%PDF-1.4 long body"), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}

	g := New(fakeGS(t, copyBody))
	if err := g.Available(); err != nil {
		t.Fatalf("脚本应可执行：%v", err)
	}
	if err := g.Apply(context.Background(), in, out, domain.Profile{Quality: domain.QualityEbook}); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b, _ := os.ReadFile(out)
	if string(b) != "%PDF-" {
		t.Fatalf("输出内容不符合预期：%q", string(b))
	}
}

func TestApply_FailureCarriesStderr(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.pdf")

	// 模拟 gs 中途失败留下的半成品。
	if err := os.WriteFile(out, []byte("partial"), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
	g := New(fakeGS(t, `echo "Unrecoverable error" >&2; exit 1`))
	err := g.Apply(context.Background(), filepath.Join(dir, "in.pdf"), out, domain.Profile{Quality: domain.QualityScreen})
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("期望 ExecError，实际 %T %v", err, err)
	}
	if !strings.Contains(ee.Stderr, "Unrecoverable error") {
		t.Fatalf("应携带 stderr：%q", ee.Stderr)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("失败时应删除残留输出")
	}
}

func TestApply_MissingBinary(t *testing.T) {
	g := New(filepath.Join(t.TempDir(), "no-such-gs"))
	if err := g.Available(); err == nil {
		t.Fatalf("不存在的可执行文件应报错")
	}
	dir := t.TempDir()
	err := g.Apply(context.Background(), filepath.Join(dir, "in.pdf"), filepath.Join(dir, "out.pdf"), domain.Profile{Quality: domain.QualityScreen})
	if err == nil {
		t.Fatalf("期望错误")
	}
}
