package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/pdftools/internal/domain"
	"github.com/John-Robertt/pdftools/internal/retry"
)

const (
	// ErrCodeNotFound 表示 --config 指定的文件不存在。
	ErrCodeNotFound = domain.ErrCodeConfigNotFound
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = domain.ErrCodeConfigInvalid
)

const (
	DefaultCount           = 250
	DefaultDownloadWorkers = 10
	DefaultRetryAttempts   = 3
	DefaultRetryBackoff    = 2 * time.Second
	DefaultAttemptTimeout  = 10 * time.Minute
	DefaultCeiling         = int64(100) << 20
	DefaultLargeThreshold  = int64(100) << 20
	DefaultGhostscript     = "gs"

	maxWorkers = 64
)

// 自动发现的配置文件名（按顺序，取第一个存在的）。
var fileNames = []string{"pdftools.json", "pdftools.yaml", "pdftools.yml"}

// CLIArgs 是 CLI 可覆盖的字段，保留“是否显式指定”的信息：
// 例如 --count 1 必须能覆盖配置文件里的 count。
type CLIArgs struct {
	// ConfigPath 显式指定配置文件；此时文件必须存在。
	ConfigPath string

	DownloadWorkers    int
	DownloadWorkersSet bool

	CompressWorkers    int
	CompressWorkersSet bool

	Count    int
	CountSet bool

	Quality    string
	QualitySet bool

	PublishURL string
	PublishSet bool
}

// FileConfig 对应 pdftools.json / pdftools.yaml 的解析结构。
type FileConfig struct {
	Workers         int          `json:"workers" yaml:"workers"`
	CompressWorkers int          `json:"compress_workers" yaml:"compress_workers"`
	MergeWorkers    int          `json:"merge_workers" yaml:"merge_workers"`
	Count           *int         `json:"count" yaml:"count"`
	Quality         string       `json:"quality" yaml:"quality"`
	Ceiling         string       `json:"ceiling" yaml:"ceiling"`
	LargeThreshold  string       `json:"large_threshold" yaml:"large_threshold"`
	Retry           *RetryConfig `json:"retry" yaml:"retry"`
	Proxy           *ProxyConfig `json:"proxy" yaml:"proxy"`
	PublishURL      string       `json:"publish_url" yaml:"publish_url"`
	PublishPrefix   string       `json:"publish_prefix" yaml:"publish_prefix"`
	Ghostscript     string       `json:"ghostscript" yaml:"ghostscript"`

	// StrictValidation 为 true 时合并前按 PDF 规范严格校验。
	StrictValidation bool `json:"strict_validation" yaml:"strict_validation"`
}

// RetryConfig 中的时长均为 time.ParseDuration 格式（例如 "2s"）。
type RetryConfig struct {
	Attempts       int    `json:"attempts" yaml:"attempts"`
	Backoff        string `json:"backoff" yaml:"backoff"`
	MaxBackoff     string `json:"max_backoff" yaml:"max_backoff"`
	AttemptTimeout string `json:"attempt_timeout" yaml:"attempt_timeout"`
}

type ProxyConfig struct {
	URL string `json:"url" yaml:"url"`
}

// EffectiveConfig 是合并并规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// ConfigPath 为实际读取的配置文件；没有配置文件时为空。
	ConfigPath string

	DownloadWorkers int
	CompressWorkers int
	MergeWorkers    int

	Count   int
	Quality domain.Quality

	Ceiling        int64
	LargeThreshold int64

	RetryAttempts   int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	AttemptTimeout  time.Duration

	ProxyURL      string
	PublishURL    string
	PublishPrefix string
	Ghostscript   string

	StrictValidation bool
}

// RetryPolicy 返回下载使用的重试策略：
// 配置了 max_backoff 时为指数退避，否则为固定间隔。
func (c EffectiveConfig) RetryPolicy() retry.Policy {
	b := retry.Fixed(c.RetryBackoff)
	if c.RetryMaxBackoff > 0 {
		b = retry.Exponential(c.RetryBackoff, c.RetryMaxBackoff)
	}
	return retry.Policy{
		Attempts:       c.RetryAttempts,
		Backoff:        b,
		AttemptTimeout: c.AttemptTimeout,
	}
}

// Defaults 返回没有任何配置文件与 CLI 覆盖时的配置。
func Defaults() EffectiveConfig {
	eff, _ := merge(CLIArgs{}, FileConfig{}, "")
	return eff
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Path == "" {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则：
// 1) CLI 提供 --config：读取该文件（必须存在），扩展名 .yaml/.yml 按 YAML 解析，其余按 JSON
// 2) 否则依次尝试 <cwd>/pdftools.json、pdftools.yaml、pdftools.yml（都不存在也不报错）
//
// 覆盖优先级：CLI > 配置文件 > 内置默认。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	if p := strings.TrimSpace(cli.ConfigPath); p != "" {
		cfgPath := absCleanFrom(cwdAbs, p)
		fc, exists, err := readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
		return merge(cli, fc, cfgPath)
	}

	for _, name := range fileNames {
		cfgPath := filepath.Join(cwdAbs, name)
		fc, exists, err := readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if exists {
			return merge(cli, fc, cfgPath)
		}
	}
	return merge(cli, FileConfig{}, "")
}

func merge(cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	invalid := func(err error) (EffectiveConfig, error) {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	// 压缩是 CPU 密集型（外部进程），默认不超过 4。
	cpuWorkers := runtime.NumCPU()
	if cpuWorkers > 4 {
		cpuWorkers = 4
	}

	eff := EffectiveConfig{
		ConfigPath:      cfgPath,
		DownloadWorkers: pickInt(cli.DownloadWorkersSet, cli.DownloadWorkers, fc.Workers, DefaultDownloadWorkers),
		CompressWorkers: pickInt(cli.CompressWorkersSet, cli.CompressWorkers, fc.CompressWorkers, cpuWorkers),
		MergeWorkers:    pickInt(false, 0, fc.MergeWorkers, cpuWorkers),
		Count:           DefaultCount,
		Quality:         domain.DefaultQuality,
		Ceiling:         DefaultCeiling,
		LargeThreshold:  DefaultLargeThreshold,
		RetryAttempts:   DefaultRetryAttempts,
		RetryBackoff:    DefaultRetryBackoff,
		AttemptTimeout:  DefaultAttemptTimeout,
		PublishPrefix:   strings.TrimSpace(fc.PublishPrefix),
		Ghostscript:     DefaultGhostscript,

		StrictValidation: fc.StrictValidation,
	}

	// count：CLI > config > 默认；必须 >= 1（不截断，直接报错）。
	if cli.CountSet {
		eff.Count = cli.Count
	} else if fc.Count != nil {
		eff.Count = *fc.Count
	}
	if eff.Count < 1 {
		return invalid(fmt.Errorf("count 必须 >= 1，实际是 %d", eff.Count))
	}

	q := ""
	if cli.QualitySet {
		q = cli.Quality
	} else if strings.TrimSpace(fc.Quality) != "" {
		q = fc.Quality
	}
	if q != "" {
		parsed, err := domain.ParseQuality(q)
		if err != nil {
			return invalid(err)
		}
		eff.Quality = parsed
	}

	if s := strings.TrimSpace(fc.Ceiling); s != "" {
		n, err := ParseBytes(s)
		if err != nil || n <= 0 {
			return invalid(fmt.Errorf("ceiling 无效：%q", s))
		}
		eff.Ceiling = n
	}
	if s := strings.TrimSpace(fc.LargeThreshold); s != "" {
		n, err := ParseBytes(s)
		if err != nil || n <= 0 {
			return invalid(fmt.Errorf("large_threshold 无效：%q", s))
		}
		eff.LargeThreshold = n
	}

	if fc.Retry != nil {
		if fc.Retry.Attempts != 0 {
			if fc.Retry.Attempts < 1 {
				return invalid(fmt.Errorf("retry.attempts 必须 >= 1，实际是 %d", fc.Retry.Attempts))
			}
			eff.RetryAttempts = fc.Retry.Attempts
		}
		var err error
		if eff.RetryBackoff, err = pickDuration("retry.backoff", fc.Retry.Backoff, eff.RetryBackoff); err != nil {
			return invalid(err)
		}
		if eff.RetryMaxBackoff, err = pickDuration("retry.max_backoff", fc.Retry.MaxBackoff, 0); err != nil {
			return invalid(err)
		}
		if eff.AttemptTimeout, err = pickDuration("retry.attempt_timeout", fc.Retry.AttemptTimeout, eff.AttemptTimeout); err != nil {
			return invalid(err)
		}
	}

	if fc.Proxy != nil {
		eff.ProxyURL = strings.TrimSpace(fc.Proxy.URL)
	}
	if eff.ProxyURL != "" {
		u, err := url.Parse(eff.ProxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid(fmt.Errorf("proxy.url 无效：%q", eff.ProxyURL))
		}
	}

	if cli.PublishSet {
		eff.PublishURL = strings.TrimSpace(cli.PublishURL)
	} else {
		eff.PublishURL = strings.TrimSpace(fc.PublishURL)
	}
	if eff.PublishURL != "" {
		u, err := url.Parse(eff.PublishURL)
		if err != nil || u.Scheme == "" {
			return invalid(fmt.Errorf("publish_url 必须是 bucket URL（file:// s3:// gs://）：%q", eff.PublishURL))
		}
	}

	if s := strings.TrimSpace(fc.Ghostscript); s != "" {
		eff.Ghostscript = s
	}
	return eff, nil
}

// pickInt：CLI（显式指定）> config（非 0）> 默认；结果截断到 [1, 64]。
func pickInt(cliSet bool, cliVal, fileVal, def int) int {
	v := def
	if cliSet {
		v = cliVal
	} else if fileVal != 0 {
		v = fileVal
	}
	if v < 1 {
		v = 1
	}
	if v > maxWorkers {
		v = maxWorkers
	}
	return v
}

func pickDuration(field, s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s 无效：%q", field, s)
	}
	return d, nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析配置文件（按扩展名选择 JSON 或 YAML）。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &fc)
	default:
		err = json.Unmarshal(b, &fc)
	}
	if err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
