package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"skuharvest/internal/config"
	"skuharvest/internal/fetch"
	"skuharvest/internal/model"
	"skuharvest/internal/pkg/dedup"
	"skuharvest/internal/pkg/metrics"
	"skuharvest/internal/pkg/queue"
	"skuharvest/internal/sink"

	"github.com/google/uuid"
)

const releaseTimeout = 5 * time.Second // 释放去重占位的超时

// Fetcher 执行一次带重试的逻辑抓取，由 fetch.Fetcher 实现。
// FetchPage 额外返回 Content-Type，详情页据此判断字符集。
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	FetchPage(ctx context.Context, url string) (fetch.Page, error)
}

// Deps 是 Service 的外部依赖。
type Deps struct {
	Markup   Fetcher             // 搜索页、分页、详情页
	API      Fetcher             // 价格与库存 JSON 接口，为空时复用 Markup
	Sink     sink.Sink           // 记录输出
	Dedup    *dedup.Deduplicator // 跨批次去重，可选
	Observer Observer            // 进度观察者，可选
}

// Service 负责一次完整的采集流程：总页数 → 分页 SKU → 批量价格 → 详情与库存 → 输出。
//
// Run 不可并发调用；单次 Run 内部各阶段按配置并发执行。
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	urls     URLBuilder
	markup   Fetcher
	api      Fetcher
	sink     sink.Sink
	dedup    *dedup.Deduplicator
	observer Observer
	workers  int
}

// Summary 单次采集的结果统计。
type Summary struct {
	RunID              string
	Discovered         int // 去重后的 SKU 数
	Resolved           int // 成功写出的记录数
	Skipped            int // 因抓取耗尽或页面异常而跳过的商品数
	Duplicates         int // 写出阶段发现的重复 SKU 数
	RecentSkipped      int // 因跨批次去重而跳过的 SKU 数
	Pages              int
	PriceBatches       int
	FailedPriceBatches int
	Abandoned          int // 批次终止时已排队但未执行的详情任务数
	Duration           time.Duration
}

// runStats 单次 Run 内部的计数器。
type runStats struct {
	priceBatches       int
	failedPriceBatches atomic.Int32
	resolved           atomic.Int32
	skipped            atomic.Int32
	duplicates         atomic.Int32
	recentSkipped      atomic.Int32
	abandoned          int // resolveAll 结束后写入
}

// NewService 创建采集服务。
func NewService(cfg *config.Config, logger *slog.Logger, deps Deps) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Markup == nil {
		return nil, errors.New("markup fetcher is nil")
	}
	if deps.Sink == nil {
		return nil, errors.New("sink is nil")
	}
	api := deps.API
	if api == nil {
		api = deps.Markup
	}
	workers := cfg.App.WorkerPoolSize
	if workers < 1 {
		workers = 1
	}
	return &Service{
		cfg:      cfg,
		logger:   logger,
		urls:     NewURLBuilder(cfg.Site),
		markup:   deps.Markup,
		api:      api,
		sink:     deps.Sink,
		dedup:    deps.Dedup,
		observer: deps.Observer,
		workers:  workers,
	}, nil
}

// Keyword 返回当前搜索关键词。
func (s *Service) Keyword() string {
	return s.urls.Keyword()
}

func (s *Service) notify(ev ProgressEvent) {
	if s.observer != nil {
		s.observer.OnProgress(ev)
	}
}

// Run 执行一次完整采集。
//
// 搜索页与分页抓取失败是致命错误；价格批次与单个商品的失败会被跳过并计数
// （harvest.fail_fast 时任何失败都会终止）。出错时返回已完成部分的统计。
func (s *Service) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := s.logger.With(slog.String("run_id", runID))
	st := &runStats{}
	summary := Summary{RunID: runID}
	ctx = sink.WithRunID(ctx, runID)

	finish := func(err error) (Summary, error) {
		summary.PriceBatches = st.priceBatches
		summary.FailedPriceBatches = int(st.failedPriceBatches.Load())
		summary.Resolved = int(st.resolved.Load())
		summary.Skipped = int(st.skipped.Load())
		summary.Duplicates = int(st.duplicates.Load())
		summary.RecentSkipped = int(st.recentSkipped.Load())
		summary.Abandoned = st.abandoned
		summary.Duration = time.Since(start)
		metrics.RunDuration.Observe(summary.Duration.Seconds())

		attrs := []any{
			slog.Int("pages", summary.Pages),
			slog.Int("discovered", summary.Discovered),
			slog.Int("price_batches", summary.PriceBatches),
			slog.Int("failed_price_batches", summary.FailedPriceBatches),
			slog.Int("resolved", summary.Resolved),
			slog.Int("skipped", summary.Skipped),
			slog.Int("duplicates", summary.Duplicates),
			slog.Int("recent_skipped", summary.RecentSkipped),
			slog.Int("abandoned", summary.Abandoned),
			slog.Duration("duration", summary.Duration),
		}
		if err != nil {
			metrics.RunsTotal.WithLabelValues("failed").Inc()
			logger.Error("harvest failed", append(attrs, slog.String("error", err.Error()))...)
			return summary, err
		}
		metrics.RunsTotal.WithLabelValues("success").Inc()
		logger.Info("harvest finished", attrs...)
		return summary, nil
	}

	logger.Info("harvest started", slog.String("keyword", s.Keyword()))

	totalPages, err := s.TotalPages(ctx)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(string(StageSearch), classifyCrawlerError(err)).Inc()
		return finish(err)
	}
	summary.Pages = totalPages
	logger.Info("page count resolved", slog.Int("pages", totalPages))

	ids, err := s.DiscoverIdentifiers(ctx, totalPages)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(string(StageCatalog), classifyCrawlerError(err)).Inc()
		return finish(fmt.Errorf("discover identifiers: %w", err))
	}
	skus := ids.Sorted()
	summary.Discovered = len(skus)
	logger.Info("identifiers discovered", slog.Int("count", len(skus)))

	prices, err := s.fetchPrices(ctx, skus, st)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(string(StagePrice), classifyCrawlerError(err)).Inc()
		return finish(fmt.Errorf("fetch prices: %w", err))
	}
	logger.Info("prices fetched",
		slog.Int("batches", st.priceBatches),
		slog.Int("priced", len(prices)))

	if err := s.resolveAll(ctx, logger, skus, prices, st); err != nil {
		return finish(err)
	}
	return finish(nil)
}

// resolveAll 在 worker 池上逐个解析详情页并写出记录。
func (s *Service) resolveAll(ctx context.Context, logger *slog.Logger, skus []model.SKU, prices model.PriceTable, st *runStats) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		fatalOnce sync.Once
		fatalErr  error
		emitMu    sync.Mutex
		emitted   = make(map[model.SKU]struct{}, len(skus))
		claimed   []model.SKU
		done      atomic.Int32
	)
	fail := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	q := queue.NewQueue(logger, s.workers, s.cfg.App.QueueCapacity)
	// 详情任务的失败统一在这里按策略处理：可跳过的计数后继续，其余终止批次。
	// panic 也会以错误的形式到达这里，按致命错误处理。
	q.SetErrorHandler(func(err error) {
		if ctx.Err() != nil {
			// 批次已取消，后续错误都是取消的连带结果
			return
		}
		metrics.ErrorsTotal.WithLabelValues(string(StageDetail), classifyCrawlerError(err)).Inc()
		if s.cfg.Harvest.FailFast || !isSkippable(err) {
			fail(err)
			return
		}
		st.skipped.Add(1)
		metrics.RecordsTotal.WithLabelValues("skipped").Inc()
		logger.Warn("skip item", slog.String("error", err.Error()))
	})
	q.Start(ctx)

	total := len(skus)
	for _, sku := range skus {
		if s.cfg.Harvest.SkipRecent && s.dedup != nil {
			ok, err := s.dedup.Claim(ctx, string(sku))
			if err != nil {
				logger.Warn("dedup claim failed, harvest anyway",
					slog.String("sku", string(sku)),
					slog.String("error", err.Error()))
			} else if !ok {
				st.recentSkipped.Add(1)
				metrics.DedupSkippedTotal.Inc()
				s.notify(ProgressEvent{Stage: StageDetail, Current: int(done.Add(1)), Total: total})
				continue
			} else {
				claimed = append(claimed, sku)
			}
		}

		job := func(jobCtx context.Context) error {
			defer s.notify(ProgressEvent{Stage: StageDetail, Current: int(done.Add(1)), Total: total})

			rec, err := s.ResolveDetail(jobCtx, sku, s.urls.DetailURL(sku), prices)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", sku, err)
			}

			emitMu.Lock()
			defer emitMu.Unlock()
			if _, dup := emitted[rec.MPN]; dup {
				// 集合去重之后不应再出现重复
				st.duplicates.Add(1)
				metrics.RecordsTotal.WithLabelValues("duplicate").Inc()
				logger.Error("duplicate record at emit, dropped", slog.String("sku", string(rec.MPN)))
				return nil
			}
			if err := s.sink.Write(jobCtx, rec); err != nil {
				return fmt.Errorf("write record %s: %w", rec.MPN, err)
			}
			emitted[rec.MPN] = struct{}{}
			st.resolved.Add(1)
			metrics.RecordsTotal.WithLabelValues("resolved").Inc()
			return nil
		}

		if err := q.Submit(ctx, job); err != nil {
			break
		}
	}
	q.Shutdown()

	stats := q.Stats()
	st.abandoned = int(stats.Abandoned())
	logger.Debug("detail workers drained",
		slog.Int64("submitted", stats.Submitted),
		slog.Int64("failed", stats.Failed),
		slog.Int64("panics", stats.Panics),
		slog.Int64("abandoned", stats.Abandoned()))

	s.releaseUnfinished(logger, claimed, emitted)

	if fatalErr != nil {
		return fatalErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// releaseUnfinished 释放未成功写出的 SKU 的去重占位，下个批次可以重试。
func (s *Service) releaseUnfinished(logger *slog.Logger, claimed []model.SKU, emitted map[model.SKU]struct{}) {
	if len(claimed) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	for _, sku := range claimed {
		if _, ok := emitted[sku]; ok {
			continue
		}
		if err := s.dedup.Release(ctx, string(sku)); err != nil {
			logger.Warn("release dedup claim failed",
				slog.String("sku", string(sku)),
				slog.String("error", err.Error()))
		}
	}
}
