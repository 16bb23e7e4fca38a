package domain

import (
	"fmt"
	"strings"
)

// Quality 是压缩滤镜的质量预设（固定枚举）。
type Quality string

const (
	// QualityScreen 最低质量（约 72 dpi），体积最小。
	QualityScreen Quality = "screen"
	// QualityEbook 中低质量（约 150 dpi）。
	QualityEbook Quality = "ebook"
	// QualityPrinter 中等质量（约 300 dpi）。
	QualityPrinter Quality = "printer"
	// QualityPrepress 最高质量（约 300 dpi，保留颜色信息）。
	QualityPrepress Quality = "prepress"
)

// DefaultQuality 与原工具保持一致：默认追求最小体积。
const DefaultQuality = QualityScreen

// ParseQuality 解析质量预设名称（大小写不敏感）。
func ParseQuality(s string) (Quality, error) {
	q := Quality(strings.ToLower(strings.TrimSpace(s)))
	switch q {
	case QualityScreen, QualityEbook, QualityPrinter, QualityPrepress:
		return q, nil
	case "":
		return "", fmt.Errorf("quality 不能为空")
	default:
		return "", fmt.Errorf("quality 只能是 screen|ebook|printer|prepress，实际是 %q", s)
	}
}

// Profile 是一次滤镜调用使用的配置：要么是某个质量预设，要么是激进档。
type Profile struct {
	Quality    Quality
	Aggressive bool
}

func (p Profile) String() string {
	if p.Aggressive {
		return "aggressive"
	}
	return string(p.Quality)
}

// CompressionAttempt 记录对同一输入的一次压缩尝试。
// 同一输入最多并存两个（baseline + aggressive），最终只保留较小的那个。
type CompressionAttempt struct {
	Input   string
	Profile Profile
	Output  string
	Size    int64
	OK      bool
}
