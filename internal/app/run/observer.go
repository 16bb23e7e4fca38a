package run

import (
	"time"

	"github.com/John-Robertt/pdftools/internal/config"
	"github.com/John-Robertt/pdftools/internal/domain"
)

// Observer 用于把“运行进度/阶段/条目结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全：事件可能来自多个 goroutine。
type Observer interface {
	// OnStart 在命令开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(command string, eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束/就绪时调用（用于打印阶段统计与耗时）。
	// 以 PhaseStart 结尾的名字表示批量阶段开始，fields 含 workers 与 total_items。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnItemDone 在某个工作单元完成时调用（用于每条结果的一行输出）。
	OnItemDone(stage string, idx, total int, res domain.ItemResult, dur time.Duration)
}

// PhaseStart 是批量阶段开始事件的名字后缀，例如 "download.start"。
const PhaseStart = ".start"

type nopObserver struct{}

func (nopObserver) OnStart(string, config.EffectiveConfig) {}
func (nopObserver) OnPhaseDone(string, map[string]any, time.Duration) {}
func (nopObserver) OnItemDone(string, int, int, domain.ItemResult, time.Duration) {}
