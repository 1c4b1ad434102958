package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchRequestsTotal 按阶段与结果统计的逻辑抓取次数（一次逻辑抓取可能包含多次尝试）。
	FetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skuharvest_fetch_requests_total",
		Help: "Logical fetches by stage and status.",
	}, []string{"stage", "status"})

	// FetchAttemptsTotal 单次网络尝试的结果统计。
	FetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skuharvest_fetch_attempts_total",
		Help: "Network attempts by stage and outcome.",
	}, []string{"stage", "outcome"})

	// FetchDuration 逻辑抓取耗时（包含重试）。
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skuharvest_fetch_duration_seconds",
		Help:    "Duration of logical fetches including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// ErrorsTotal 按阶段与错误类型统计。
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skuharvest_errors_total",
		Help: "Errors by stage and classified type.",
	}, []string{"stage", "type"})

	// StageProgress 当前阶段的进度（已完成数量）。
	StageProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skuharvest_stage_progress",
		Help: "Completed units of work in the current stage.",
	}, []string{"stage"})

	// StageTotal 当前阶段的总工作量。
	StageTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skuharvest_stage_total",
		Help: "Total units of work in the current stage.",
	}, []string{"stage"})

	// RecordsTotal 记录处理结果：resolved / skipped / duplicate。
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skuharvest_records_total",
		Help: "Product records by outcome.",
	}, []string{"outcome"})

	// SinkWritesTotal 每个 sink 的写入结果。
	SinkWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skuharvest_sink_writes_total",
		Help: "Sink writes by sink and status.",
	}, []string{"sink", "status"})

	// RunsTotal 采集批次结果统计。
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skuharvest_runs_total",
		Help: "Harvest runs by status.",
	}, []string{"status"})

	// RunDuration 单个采集批次耗时。
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skuharvest_run_duration_seconds",
		Help:    "Duration of a full harvest run.",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
	})

	// ActiveFetches 正在进行中的抓取数。
	ActiveFetches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skuharvest_active_fetches",
		Help: "Fetches currently in flight.",
	})

	// RateLimitWaitDuration 按目标主机统计的限流等待时间。
	RateLimitWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skuharvest_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token, by target host.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"host"})

	// RateLimitCanceledTotal 限流等待被取消的次数。
	RateLimitCanceledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skuharvest_ratelimit_canceled_total",
		Help: "Rate limit waits aborted by context, by target host.",
	}, []string{"host"})

	// RateLimitDegradedTotal Redis 不可用导致直接放行的次数。
	RateLimitDegradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skuharvest_ratelimit_degraded_total",
		Help: "Requests let through because the shared token bucket was unreachable.",
	})

	// QueueJobsTotal worker 池任务结果统计。
	QueueJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skuharvest_queue_jobs_total",
		Help: "Worker pool jobs by status.",
	}, []string{"status"})

	// DedupSkippedTotal 因跨批次去重而跳过的 SKU 数。
	DedupSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skuharvest_dedup_skipped_total",
		Help: "SKUs skipped because they were harvested within the dedup window.",
	})
)
