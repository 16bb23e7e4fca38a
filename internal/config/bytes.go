package config

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	kb int64 = 1024
	mb       = kb * 1024
	gb       = mb * 1024
	tb       = gb * 1024
)

// ParseBytes 解析形如 "100MB" / "1.5 GB" / "2048" 的字节数（1024 进制，单位大小写不敏感）。
func ParseBytes(s string) (int64, error) {
	raw := s
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("字节数不能为空")
	}

	multiplier := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"TB", tb}, {"GB", gb}, {"MB", mb}, {"KB", kb}, {"T", tb}, {"G", gb}, {"M", mb}, {"K", kb}, {"B", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("无效的字节数：%q", raw)
	}
	return int64(v * float64(multiplier)), nil
}

// FormatBytes 把字节数格式化为人类可读字符串。
func FormatBytes(b int64) string {
	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
