package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

const (
	ErrCodeInvalidURL       = "invalid_url"
	ErrCodeFetchFailed      = "fetch_failed"
	ErrCodeProbeFailed      = "probe_failed"
	ErrCodeItemSkipped      = "item_skipped"
	ErrCodeMergeFailed      = "merge_failed"
	ErrCodeFilterFailed     = "filter_failed"
	ErrCodeOverCeiling      = "over_ceiling"
	ErrCodeIOFailed         = "io_failed"
	ErrCodeCanceled         = "canceled"
	ErrCodeNoLinks          = "no_links"
	ErrCodeNoInputs         = "no_inputs"
	ErrCodeNoValidDocuments = "no_valid_documents"
	ErrCodeNoOutputs        = "no_outputs"
	ErrCodePublishFailed    = "publish_failed"
	ErrCodeConfigNotFound   = "config_not_found"
	ErrCodeConfigInvalid    = "config_invalid"
)

const (
	StageDownload = "download"
	StageMerge    = "merge"
	StageCompress = "compress"
	StagePublish  = "publish"
)

// RunReport 是对外稳定输出（stdout JSON）的结构。
type RunReport struct {
	Command string `json:"command"`
	RunID   string `json:"run_id"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Halted 非空表示某阶段零产出导致流水线终止（与单条失败区分）。
	Halted    string `json:"halted"`
	HaltedMsg string `json:"halted_msg"`

	Summary ReportSummary `json:"summary"`
	Stages  []StageReport `json:"stages"`

	// Warnings 记录不影响结果的运行级问题（例如临时目录清理失败）。
	Warnings []string `json:"warnings"`
}

type ReportSummary struct {
	OK          int `json:"ok"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	OverCeiling int `json:"over_ceiling"`
}

// StageReport 记录一个阶段的输入/输出目录与逐条结果。
type StageReport struct {
	Name      string        `json:"name"`
	InputDir  string        `json:"input_dir"`
	OutputDir string        `json:"output_dir"`
	Summary   ReportSummary `json:"summary"`
	Items     []ItemResult  `json:"items"`
}

// ItemResult 是单个工作单元（URL / 文件 / 合并桶）的最终结果。
type ItemResult struct {
	Key    string `json:"key"`
	Path   string `json:"path"`
	Status string `json:"status"`

	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
	Attempts  int    `json:"attempts"`

	Size         int64 `json:"size"`
	OriginalSize int64 `json:"original_size"`
	Pages        int   `json:"pages"`

	// Action 仅压缩阶段使用："compressed" / "copied" / "aggressive"。
	Action       string `json:"action,omitempty"`
	UnderCeiling *bool  `json:"under_ceiling,omitempty"`

	// Inputs 仅合并阶段使用：实际拼进该文件的源文档。
	Inputs []string `json:"inputs,omitempty"`

	Warnings []string `json:"warnings"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC
// 2) 每个阶段的 items 按 key 稳定排序（并发完成顺序不可预测，输出必须确定）
// 3) 阶段 summary 与总 summary 由 items 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	var total ReportSummary
	for i := range r.Stages {
		st := &r.Stages[i]
		if st.Items == nil {
			st.Items = []ItemResult{}
		}
		sort.SliceStable(st.Items, func(a, b int) bool { return st.Items[a].Key < st.Items[b].Key })

		var s ReportSummary
		for j := range st.Items {
			it := &st.Items[j]
			if it.Warnings == nil {
				it.Warnings = []string{}
			}
			switch it.Status {
			case StatusOK:
				s.OK++
			case StatusFailed:
				s.Failed++
			case StatusSkipped:
				s.Skipped++
			}
			if it.UnderCeiling != nil && !*it.UnderCeiling {
				s.OverCeiling++
			}
		}
		st.Summary = s

		total.OK += s.OK
		total.Failed += s.Failed
		total.Skipped += s.Skipped
		total.OverCeiling += s.OverCeiling
	}
	if r.Stages == nil {
		r.Stages = []StageReport{}
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	r.Summary = total
}

// Stage 返回指定名称的阶段报告（不存在返回 nil）。
func (r *RunReport) Stage(name string) *StageReport {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	return json.Marshal(Alias(r))
}
