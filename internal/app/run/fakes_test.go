package run

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/pdftools/internal/config"
	"github.com/John-Robertt/pdftools/internal/domain"
)

// 测试用的“文档”：以 BAD 开头视为损坏，其余内容的字节数即大小。
var badMagic = []byte("BAD")

type fakePDF struct{}

func (fakePDF) Probe(_ context.Context, path string) (int64, int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	if bytes.HasPrefix(b, badMagic) {
		return 0, 0, errors.New("无法解析")
	}
	return int64(len(b)), 1, nil
}

func (fakePDF) Validate(_ context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if bytes.HasPrefix(b, badMagic) {
		return errors.New("校验失败")
	}
	return nil
}

func (fakePDF) Concatenate(_ context.Context, inputs []string, out string) error {
	var buf bytes.Buffer
	for _, in := range inputs {
		b, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return os.WriteFile(out, buf.Bytes(), 0o644)
}

// halfFilter 把输入压缩到一半大小。
type halfFilter struct{}

func (halfFilter) Apply(_ context.Context, in, out string, _ domain.Profile) error {
	b, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, b[:len(b)/2], 0o644)
}

type recordObserver struct {
	mu sync.Mutex

	commands []string
	phases   []string
	items    map[string][]domain.ItemResult
}

func (o *recordObserver) OnStart(command string, eff config.EffectiveConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commands = append(o.commands, command)
}

func (o *recordObserver) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, name)
}

func (o *recordObserver) OnItemDone(stage string, idx, total int, res domain.ItemResult, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.items == nil {
		o.items = make(map[string][]domain.ItemResult)
	}
	o.items[stage] = append(o.items[stage], res)
}

func testConfig() config.EffectiveConfig {
	eff := config.Defaults()
	eff.DownloadWorkers = 2
	eff.MergeWorkers = 2
	eff.CompressWorkers = 2
	eff.RetryAttempts = 1
	eff.RetryBackoff = 0
	eff.AttemptTimeout = 5 * time.Second
	return eff
}

func newTestPipeline(t *testing.T, eff config.EffectiveConfig, obs Observer) *Pipeline {
	t.Helper()
	p, err := New(eff, Deps{
		Prober: fakePDF{},
		Merger: fakePDF{},
		Filter: halfFilter{},
	}, obs, t.TempDir())
	if err != nil {
		t.Fatalf("New 失败：%v", err)
	}
	return p
}

func writeDoc(t *testing.T, dir, name string, size int) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(strings.Repeat("x", size)), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
	return p
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir 失败：%v", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}
