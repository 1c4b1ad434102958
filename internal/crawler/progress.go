package crawler

import (
	"log/slog"

	"skuharvest/internal/pkg/metrics"
)

// Stage 流水线阶段。
type Stage string

const (
	StageSearch  Stage = "search"
	StageCatalog Stage = "catalog"
	StagePrice   Stage = "price"
	StageDetail  Stage = "detail"
	StageStock   Stage = "stock"
)

// ProgressEvent 阶段进度。Current 为已完成数量。
type ProgressEvent struct {
	Stage   Stage
	Current int
	Total   int
}

// Observer 接收进度事件。实现需要并发安全。
type Observer interface {
	OnProgress(ev ProgressEvent)
}

// ObserverFunc 函数适配器。
type ObserverFunc func(ev ProgressEvent)

func (f ObserverFunc) OnProgress(ev ProgressEvent) { f(ev) }

// Observers 依次通知多个观察者。
type Observers []Observer

func (o Observers) OnProgress(ev ProgressEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.OnProgress(ev)
		}
	}
}

// LogObserver 以固定间隔把进度写入日志，阶段结束时一定会输出一次。
type LogObserver struct {
	logger *slog.Logger
	every  int
}

// NewLogObserver every <= 0 时只在阶段结束时输出。
func NewLogObserver(logger *slog.Logger, every int) *LogObserver {
	return &LogObserver{logger: logger, every: every}
}

func (l *LogObserver) OnProgress(ev ProgressEvent) {
	done := ev.Total > 0 && ev.Current >= ev.Total
	if !done && (l.every <= 0 || ev.Current%l.every != 0) {
		return
	}
	percent := 0.0
	if ev.Total > 0 {
		percent = float64(ev.Current) * 100 / float64(ev.Total)
	}
	l.logger.Info("progress",
		slog.String("stage", string(ev.Stage)),
		slog.Int("current", ev.Current),
		slog.Int("total", ev.Total),
		slog.Float64("percent", percent))
}

// MetricsObserver 把进度写入 Prometheus gauge。
type MetricsObserver struct{}

func (MetricsObserver) OnProgress(ev ProgressEvent) {
	metrics.StageProgress.WithLabelValues(string(ev.Stage)).Set(float64(ev.Current))
	metrics.StageTotal.WithLabelValues(string(ev.Stage)).Set(float64(ev.Total))
}
