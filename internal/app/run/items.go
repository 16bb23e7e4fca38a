package run

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/pdftools/internal/compress"
	"github.com/John-Robertt/pdftools/internal/config"
	"github.com/John-Robertt/pdftools/internal/domain"
	"github.com/John-Robertt/pdftools/internal/fetch"
	"github.com/John-Robertt/pdftools/internal/infra/fsx"
	"github.com/John-Robertt/pdftools/internal/infra/httpx"
	"github.com/John-Robertt/pdftools/internal/partition"
	"github.com/John-Robertt/pdftools/internal/pool"
)

func downloadItem(o pool.Outcome[string]) domain.ItemResult {
	item := domain.ItemResult{Key: o.Key, Attempts: o.Attempts}
	if o.OK() {
		item.Status = domain.StatusOK
		item.Path = o.Value
		if n, err := fsx.Size(o.Value); err == nil {
			item.Size = n
		}
		return item
	}

	item.Status = domain.StatusFailed
	switch {
	case isNotStarted(o.Err):
		item.Attempts = 0
		item.ErrorCode = domain.ErrCodeCanceled
		item.ErrorMsg = "已取消，未开始下载"
	case errors.Is(o.Err, fetch.ErrInvalidURL):
		item.ErrorCode = domain.ErrCodeInvalidURL
		item.ErrorMsg = o.Err.Error()
	default:
		item.ErrorCode = domain.ErrCodeFetchFailed
		item.ErrorMsg = humanizeFetchError("下载", o.Err)
	}
	return item
}

func probeItem(o pool.Outcome[domain.WeightedItem]) domain.ItemResult {
	item := domain.ItemResult{
		Key:       filepath.Base(o.Key),
		Path:      o.Key,
		Status:    domain.StatusSkipped,
		ErrorCode: domain.ErrCodeProbeFailed,
		ErrorMsg:  fmt.Sprintf("无效文档，已排除：%v", o.Err),
		Attempts:  o.Attempts,
	}
	if isNotStarted(o.Err) {
		item.ErrorCode = domain.ErrCodeCanceled
		item.ErrorMsg = "已取消，未探测"
		item.Attempts = 0
	}
	return item
}

func mergeItem(o pool.Outcome[partition.Merged]) domain.ItemResult {
	m := o.Value
	item := domain.ItemResult{
		Key:      o.Key,
		Path:     m.Path,
		Attempts: o.Attempts,
		Warnings: m.Warnings,
	}
	if o.OK() {
		item.Status = domain.StatusOK
		item.Size = m.Size
		item.Inputs = m.Inputs
		return item
	}

	item.Status = domain.StatusFailed
	item.Path = ""
	switch {
	case isNotStarted(o.Err):
		item.Attempts = 0
		item.ErrorCode = domain.ErrCodeCanceled
		item.ErrorMsg = "已取消，未开始合并"
	case errors.Is(o.Err, partition.ErrNoValidInputs):
		item.ErrorCode = domain.ErrCodeMergeFailed
		item.ErrorMsg = "分组内没有可合并的文档"
	default:
		item.ErrorCode = domain.ErrCodeMergeFailed
		item.ErrorMsg = o.Err.Error()
	}
	return item
}

func compressItem(o compress.ItemOutcome, ceiling int64) domain.ItemResult {
	r := o.Value
	item := domain.ItemResult{
		Key:          filepath.Base(o.Key),
		Attempts:     len(r.Attempts),
		OriginalSize: r.OriginalSize,
		Warnings:     r.Warnings,
	}
	if o.OK() {
		under := r.UnderCeiling
		item.Status = domain.StatusOK
		item.Path = r.Output
		item.Size = r.Size
		item.Action = r.Action
		item.UnderCeiling = &under
		if !under {
			item.ErrorCode = domain.ErrCodeOverCeiling
			item.ErrorMsg = fmt.Sprintf("最终大小 %s 仍超过上限 %s", config.FormatBytes(r.Size), config.FormatBytes(ceiling))
		}
		return item
	}

	item.Status = domain.StatusFailed
	if isNotStarted(o.Err) {
		item.ErrorCode = domain.ErrCodeCanceled
		item.ErrorMsg = "已取消，未开始压缩"
		return item
	}
	item.ErrorCode = domain.ErrCodeIOFailed
	item.ErrorMsg = o.Err.Error()
	return item
}

// humanizeFetchError 尽量给出可操作提示（限流/反爬/超时是最常见问题）。
func humanizeFetchError(what string, err error) string {
	if err == nil {
		return what + "失败"
	}

	var se *httpx.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case 403, 429:
			return fmt.Sprintf("%s返回 HTTP %d（可能触发反爬/限流）。建议降低并发或配置 proxy.url。", what, se.StatusCode)
		case 404:
			return fmt.Sprintf("%s返回 HTTP 404（资源不存在或已下架）。", what)
		default:
			return fmt.Sprintf("%s返回 HTTP %d。", what, se.StatusCode)
		}
	}

	low := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(low, "timeout") {
		return fmt.Sprintf("%s超时。建议检查网络/代理，或降低并发后重试。", what)
	}
	if strings.Contains(low, "tls") || strings.Contains(low, "handshake") || strings.Contains(low, "ssl") {
		return fmt.Sprintf("%s连接失败（TLS/SSL）。建议配置 proxy.url 或稍后重试。", what)
	}
	return fmt.Sprintf("%s失败：%v", what, err)
}
