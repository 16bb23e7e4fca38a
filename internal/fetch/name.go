package fetch

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

const fallbackName = "document.pdf"

// LocalName 从 URL 推导文件系统安全的本地文件名。
//
// 规则：
// - 取路径最后一段，丢弃查询串与片段
// - [A-Za-z0-9._-] 以外的字符替换为 '_'
// - 没有 .pdf 后缀（大小写不敏感）时补上
// - 结果为空（或只剩 '.'）时使用 document.pdf
func LocalName(rawURL string) string {
	seg := lastSegment(strings.TrimSpace(rawURL))

	var b strings.Builder
	b.Grow(len(seg) + 4)
	for _, r := range seg {
		if isSafe(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		return fallbackName
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return name
}

func lastSegment(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return path.Base(strings.TrimRight(u.Path, "/"))
	}
	// 解析失败时按字符串规则兜底。
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.TrimRight(raw, "/")
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		raw = raw[i+1:]
	}
	return raw
}

func isSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	default:
		return false
	}
}

// allocName 在 used 中为 name 分配一个未占用的名字：a.pdf, a__2.pdf, a__3.pdf ...
// 比较时大小写不敏感，避免在大小写不敏感的文件系统上互相覆盖。
func allocName(name string, used map[string]struct{}) string {
	if _, ok := used[strings.ToLower(name)]; !ok {
		return name
	}

	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for n := 2; ; n++ {
		cand := fmt.Sprintf("%s__%d%s", base, n, ext)
		if _, ok := used[strings.ToLower(cand)]; !ok {
			return cand
		}
	}
}
