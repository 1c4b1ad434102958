package notify

import (
	"context"
	"time"
)

// Report 是一次采集批次的结果摘要。
type Report struct {
	RunID        string
	Keyword      string
	Discovered   int
	Resolved     int
	Skipped      int
	Duplicates   int
	Pages        int
	PriceBatches int
	Duration     time.Duration
	Err          error // 批次因致命错误终止时非空
}

// Failed 表示批次是否异常终止。
func (r Report) Failed() bool {
	return r.Err != nil
}

// Notifier 定义通知接口。
type Notifier interface {
	// Send 发送批次结束通知。未配置通知渠道时直接返回 nil。
	Send(ctx context.Context, report Report) error
}
