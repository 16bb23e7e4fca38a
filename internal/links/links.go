package links

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/pdftools/internal/infra/httpx"
)

// 与原工具一致：href 以 .pdf 结尾，或 .pdf 后紧跟查询串。
var pdfHrefRE = regexp.MustCompile(`(?i)\.pdf(?:$|\?)`)

// maxPageBytes 限制单个页面的读取量，避免把非 HTML 大文件整个读进内存。
const maxPageBytes = 32 << 20

// Error 是链接提取阶段的可追溯错误。
// 上层据此区分“页面抓取失败”与“页面解析失败”。
type Error struct {
	PageURL string
	Stage   string // "fetch" 或 "parse"
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("page=%s stage=%s: %v", e.PageURL, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Extract 抓取 pageURL 并返回页面中所有 PDF 链接（绝对 URL，去重，保持文档顺序）。
func Extract(ctx context.Context, c *http.Client, pageURL string) ([]string, error) {
	html, err := Fetch(ctx, c, pageURL)
	if err != nil {
		return nil, &Error{PageURL: pageURL, Stage: "fetch", Err: err}
	}
	out, err := Parse(html, pageURL)
	if err != nil {
		return nil, &Error{PageURL: pageURL, Stage: "parse", Err: err}
	}
	return out, nil
}

// Fetch 读取页面 HTML。
func Fetch(ctx context.Context, c *http.Client, pageURL string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("页面 URL 无效：%q", pageURL)
	}

	resp, err := httpx.Get(ctx, c, u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty response body")
	}
	return b, nil
}

// Parse 是纯函数：相同 html + pageURL => 相同输出。
//
// 规则：
// - 只看 <a href>；href 需匹配 .pdf 后缀（大小写不敏感，可带查询串）
// - 相对链接按 <base href>（若有）或 pageURL 解析为绝对 URL
// - 只保留 http/https；按首次出现顺序去重
func Parse(html []byte, pageURL string) ([]string, error) {
	if strings.TrimSpace(pageURL) == "" {
		return nil, errors.New("pageURL 不能为空")
	}
	base, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}

	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if bu, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(bu)
		}
	}

	seen := make(map[string]struct{}, 32)
	out := make([]string, 0, 32)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || !pdfHrefRE.MatchString(href) {
			return
		}
		abs := resolveURL(base, href)
		if abs == "" {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out, nil
}

func resolveURL(base *url.URL, href string) string {
	ru, err := url.Parse(href)
	if err != nil {
		return ""
	}
	u := base.ResolveReference(ru)
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Host == "" {
		return ""
	}
	return u.String()
}
