package crawler

import (
	"context"
	"errors"
	"strings"

	"skuharvest/internal/fetch"
)

// 风控 / 登录页特征。搜索页被拦截时京东会返回登录页或验证码页，
// 此时页面上没有商品列表，总页数会被当作 1。
var blockedHints = []string{
	"passport.jd.com",
	"安全验证",
	"验证一下",
	"请登录",
	"risk_handler",
	"captcha",
	"access denied",
	"too many requests",
}

// containsAny 检查文本是否包含任意一个关键词
func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// looksBlocked 判断页面是否是风控拦截页。
func looksBlocked(body []byte) bool {
	return containsAny(strings.ToLower(string(body)), blockedHints)
}

// ============================================================================
// 错误分类
// ============================================================================

// crawlErrorType 采集错误类型
type crawlErrorType int

const (
	errTypeUnknown crawlErrorType = iota
	errTypeExhausted
	errTypeTimeout
	errTypeNetwork    // 网络错误
	errTypeParseError // 解析错误
)

// classifyError 统一的错误分类函数
func classifyError(err error) crawlErrorType {
	if err == nil {
		return errTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errTypeTimeout
	}
	if errors.Is(err, ErrMalformedDetail) || errors.Is(err, ErrMalformedPrice) || errors.Is(err, ErrMalformedStock) {
		return errTypeParseError
	}
	if errors.Is(err, fetch.ErrFetchExhausted) {
		return errTypeExhausted
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return errTypeTimeout
	}
	for _, kw := range []string{"connection", "no such host", "eof"} {
		if strings.Contains(msg, kw) {
			return errTypeNetwork
		}
	}
	if strings.Contains(msg, "parse") || strings.Contains(msg, "decode") {
		return errTypeParseError
	}
	return errTypeUnknown
}

// classifyCrawlerError 返回用于 metrics 的错误类型字符串
func classifyCrawlerError(err error) string {
	switch classifyError(err) {
	case errTypeExhausted:
		return "exhausted"
	case errTypeTimeout:
		return "timeout"
	case errTypeNetwork:
		return "network_error"
	case errTypeParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// isSkippable 判断单个商品或价格批次的失败是否可以跳过。
func isSkippable(err error) bool {
	return errors.Is(err, fetch.ErrFetchExhausted) ||
		errors.Is(err, ErrMalformedDetail) ||
		errors.Is(err, ErrMalformedPrice)
}
