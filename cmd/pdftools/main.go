package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/John-Robertt/pdftools/internal/app/run"
	"github.com/John-Robertt/pdftools/internal/config"
	"github.com/John-Robertt/pdftools/internal/domain"
	"github.com/John-Robertt/pdftools/internal/infra/fsx"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "download", "merge", "compress", "all":
		if code := runCmd(args[0], args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runCmd(command string, args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printCommandUsage(command)
			return 0
		}
	}

	ca, err := parseArgs(command, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printCommandUsage(command)
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, ca.CLI)
	if err != nil {
		emitReport(reportForError(command, config.Code(err), err))
		return 1
	}

	progressW, interactive := pickProgressWriter()
	var obs run.Observer
	if interactive {
		ui := newProgressUI(progressW)
		defer ui.Close()
		obs = ui
	}

	p, err := run.New(eff, run.Deps{}, obs, cwd)
	if err != nil {
		emitReport(reportForError(command, config.Code(err), err))
		return 1
	}

	// Ctrl-C：停止提交新条目，已开始的条目跑完，报告照常输出。
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rr domain.RunReport
	switch command {
	case "download":
		rr, _ = p.Download(ctx, ca.URL, ca.Output)
	case "merge":
		rr, _ = p.Merge(ctx, ca.Input, ca.Output)
	case "compress":
		rr, _ = p.Compress(ctx, ca.Input, ca.Output)
	case "all":
		rr, _ = p.All(ctx, ca.URL, ca.Output)
	}

	if ca.Report != "" {
		if err := writeReportFile(p.Cwd, ca.Report, rr); err != nil {
			fmt.Fprintf(os.Stderr, "写入报告失败：%v\n", err)
			emitReport(rr)
			return 1
		}
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, rr)
	}
	return exitCode(rr)
}

// exitCode：0 = 全部成功；1 = 流水线终止或存在失败条目。
// 超过体积上限只是提示，不影响退出码。
func exitCode(rr domain.RunReport) int {
	if rr.Halted != "" || rr.Summary.Failed > 0 {
		return 1
	}
	return 0
}

type cmdArgs struct {
	URL    string
	Input  string
	Output string
	// Report 非空时额外把 RunReport 写入该文件。
	Report string
	CLI    config.CLIArgs
}

// parseArgs 解析子命令参数；每个子命令只接受自己的 flag。
func parseArgs(command string, args []string) (cmdArgs, error) {
	ca := cmdArgs{}

	intFlag := func(dst *int, set *bool) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("需要整数，实际是 %q", v)
			}
			*dst, *set = n, true
			return nil
		}
	}
	strFlag := func(dst *string, set *bool) func(string) error {
		return func(v string) error {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("不能为空")
			}
			*dst = v
			if set != nil {
				*set = true
			}
			return nil
		}
	}

	flags := map[string]func(string) error{
		"--config": strFlag(&ca.CLI.ConfigPath, nil),
		"--output": strFlag(&ca.Output, nil),
		"--report": strFlag(&ca.Report, nil),
	}
	wantURL := false
	switch command {
	case "download":
		wantURL = true
		flags["--workers"] = intFlag(&ca.CLI.DownloadWorkers, &ca.CLI.DownloadWorkersSet)
	case "merge":
		flags["--input"] = strFlag(&ca.Input, nil)
		flags["--count"] = intFlag(&ca.CLI.Count, &ca.CLI.CountSet)
	case "compress":
		flags["--input"] = strFlag(&ca.Input, nil)
		flags["--quality"] = strFlag(&ca.CLI.Quality, &ca.CLI.QualitySet)
		flags["--workers"] = intFlag(&ca.CLI.CompressWorkers, &ca.CLI.CompressWorkersSet)
	case "all":
		wantURL = true
		flags["--count"] = intFlag(&ca.CLI.Count, &ca.CLI.CountSet)
		flags["--quality"] = strFlag(&ca.CLI.Quality, &ca.CLI.QualitySet)
		flags["--download-workers"] = intFlag(&ca.CLI.DownloadWorkers, &ca.CLI.DownloadWorkersSet)
		flags["--compress-workers"] = intFlag(&ca.CLI.CompressWorkers, &ca.CLI.CompressWorkersSet)
		flags["--publish"] = strFlag(&ca.CLI.PublishURL, &ca.CLI.PublishSet)
	default:
		return cmdArgs{}, fmt.Errorf("未知命令 %q", command)
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			if !wantURL {
				return cmdArgs{}, fmt.Errorf("多余的参数 %q", a)
			}
			if ca.URL != "" {
				return cmdArgs{}, fmt.Errorf("重复的 url：%q 与 %q", ca.URL, a)
			}
			ca.URL = a
			continue
		}

		name, value, hasValue := strings.Cut(a, "=")
		set, ok := flags[name]
		if !ok {
			return cmdArgs{}, fmt.Errorf("未知参数 %q", a)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return cmdArgs{}, fmt.Errorf("%s 需要一个值", name)
			}
			i++
			value = args[i]
		}
		if err := set(value); err != nil {
			return cmdArgs{}, fmt.Errorf("%s %v", name, err)
		}
	}

	if wantURL && ca.URL == "" {
		return cmdArgs{}, fmt.Errorf("缺少页面 url")
	}
	return ca, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  pdftools download <url> [--output DIR] [--workers N]
  pdftools merge [--input DIR] [--output DIR] [--count N]
  pdftools compress [--input DIR] [--output DIR] [--quality P] [--workers N]
  pdftools all <url> [--output DIR] [--count N] [--quality P] [--download-workers N] [--compress-workers N] [--publish URL]

命令：
  download  抓取页面上的全部 PDF 链接并下载
  merge     把目录下的 PDF 按体积均衡合并为 N 个文件
  compress  在体积上限约束下压缩目录下的 PDF
  all       download -> merge -> compress（-> publish）

所有命令都支持 --report FILE（额外写出 JSON 报告）与 --config FILE（默认读取当前目录的 pdftools.json / pdftools.yaml）。
使用 "pdftools <命令> --help" 查看详细说明。
`)
}

func printCommandUsage(command string) {
	switch command {
	case "download":
		fmt.Fprint(os.Stdout, `用法：
  pdftools download <url> [--output DIR] [--workers N] [--config FILE]

参数：
  --output    下载目录（默认 PDF_Downloads_<页面名>）
  --workers   并发下载数（默认 10，上限 64）
`)
	case "merge":
		fmt.Fprint(os.Stdout, `用法：
  pdftools merge [--input DIR] [--output DIR] [--count N] [--config FILE]

参数：
  --input     输入目录（默认当前目录下最新的 PDF_Downloads_*）
  --output    输出目录（默认 Merged_PDFs）
  --count     输出文件数上限（默认 250）
`)
	case "compress":
		fmt.Fprint(os.Stdout, `用法：
  pdftools compress [--input DIR] [--output DIR] [--quality P] [--workers N] [--config FILE]

参数：
  --input     输入目录（默认 Merged_PDFs）
  --output    输出目录（默认 Compressed_PDFs）
  --quality   screen|ebook|printer|prepress（默认 screen）
  --workers   并发压缩数（默认 min(CPU, 4)）
`)
	case "all":
		fmt.Fprint(os.Stdout, `用法：
  pdftools all <url> [--output DIR] [--count N] [--quality P]
               [--download-workers N] [--compress-workers N] [--publish URL] [--config FILE]

参数：
  --output            最终输出目录（默认 Processed_PDFs）
  --count             输出文件数上限（默认 250）
  --quality           screen|ebook|printer|prepress（默认 screen）
  --download-workers  并发下载数（默认 10）
  --compress-workers  并发压缩数（默认 min(CPU, 4)）
  --publish           把最终产物上传到 bucket（file:///dir、s3://bucket、gs://bucket）
`)
	}
}

func emitReport(rr domain.RunReport) {
	if isTTY(os.Stdout) {
		fmt.Fprintln(os.Stdout, summaryLine(rr))
		emitProblems(os.Stderr, rr)
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(os.Stderr, summaryLine(rr))
}

func summaryLine(rr domain.RunReport) string {
	s := fmt.Sprintf("完成：ok=%d failed=%d skipped=%d over_ceiling=%d",
		rr.Summary.OK, rr.Summary.Failed, rr.Summary.Skipped, rr.Summary.OverCeiling,
	)
	if rr.Halted != "" {
		s += fmt.Sprintf(" halted=%s", rr.Halted)
	}
	return s
}

func emitProblems(w io.Writer, rr domain.RunReport) {
	for _, st := range rr.Stages {
		for _, it := range st.Items {
			if it.Status != domain.StatusFailed && it.ErrorCode != domain.ErrCodeOverCeiling {
				continue
			}
			fmt.Fprintf(w, "%s %s %s: %s\n", st.Name, it.Key, it.ErrorCode, it.ErrorMsg)
		}
	}
	for _, msg := range rr.Warnings {
		fmt.Fprintf(w, "warning: %s\n", msg)
	}
	if rr.Halted != "" {
		fmt.Fprintf(w, "终止：%s: %s\n", rr.Halted, rr.HaltedMsg)
	}
}

func reportForError(command, code string, err error) domain.RunReport {
	if code == "" {
		code = domain.ErrCodeIOFailed
	}
	now := time.Now().UTC()
	rr := domain.RunReport{
		Command:    command,
		StartedAt:  now,
		FinishedAt: now,
		Halted:     code,
		HaltedMsg:  err.Error(),
	}
	rr.Finalize()
	return rr
}

func writeReportFile(cwd, path string, rr domain.RunReport) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, rr domain.RunReport) {
	if w == nil || len(rr.Stages) == 0 {
		return
	}
	last := rr.Stages[len(rr.Stages)-1]
	if last.OutputDir != "" && rr.Halted == "" {
		fmt.Fprintf(w, "out: %s\n", last.OutputDir)
	}
}
