package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"skuharvest/internal/config"
	"skuharvest/internal/crawler"
	"skuharvest/internal/fetch"
	"skuharvest/internal/pkg/dedup"
	"skuharvest/internal/pkg/logger"
	"skuharvest/internal/pkg/notify"
	"skuharvest/internal/pkg/ratelimit"
	"skuharvest/internal/sink"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	redisPingTimeout = 5 * time.Second
	notifyTimeout    = 30 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// main 是采集程序的入口函数。
//
// 它负责：
// 1. 加载 .env 与配置
// 2. 初始化日志、指标服务与 Redis
// 3. 构建抓取器、限流器与输出端
// 4. 运行一次采集，或按 schedule_interval 周期运行直到收到退出信号
func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config json (default configs/config.json)")
	once := flag.Bool("once", false, "run a single harvest even when schedule_interval is set")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewForEnv(cfg.App.Env, cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsServer := startMetricsServer(cfg.App.MetricsAddr, appLogger)

	rdb := connectRedis(ctx, cfg.Redis, appLogger)
	if rdb != nil {
		defer rdb.Close()
	}

	h, err := newHarvester(ctx, cfg, appLogger, rdb)
	if err != nil {
		appLogger.Error("init harvester failed", slog.String("error", err.Error()))
		return 1
	}
	defer h.Close()

	exitCode := 0
	if cfg.App.ScheduleInterval <= 0 || *once {
		if err := h.RunOnce(ctx); err != nil {
			exitCode = 1
		}
	} else {
		h.RunScheduled(ctx, cfg.App.ScheduleInterval)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
		cancel()
	}
	appLogger.Info("harvester stopped")
	return exitCode
}

func startMetricsServer(addr string, appLogger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		appLogger.Info("metrics server started", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()
	return srv
}

// connectRedis 未配置或无法连接时返回 nil，依赖 Redis 的功能随之关闭。
func connectRedis(ctx context.Context, cfg config.RedisConfig, appLogger *slog.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		appLogger.Warn("redis unavailable, distributed features disabled",
			slog.String("addr", cfg.Addr),
			slog.String("error", err.Error()))
		_ = rdb.Close()
		return nil
	}
	appLogger.Info("redis connected", slog.String("addr", cfg.Addr))
	return rdb
}

// harvester 持有跨批次复用的依赖。
type harvester struct {
	cfg      *config.Config
	logger   *slog.Logger
	rdb      *redis.Client
	markup   *fetch.Fetcher
	api      *fetch.Fetcher
	browser  *fetch.BrowserGetter
	dedup    *dedup.Deduplicator
	notifier notify.Notifier
}

func newHarvester(ctx context.Context, cfg *config.Config, appLogger *slog.Logger, rdb *redis.Client) (*harvester, error) {
	var limiter ratelimit.Limiter
	if rdb != nil && cfg.App.RateLimit > 0 {
		limiter = ratelimit.NewRedisLimiter(rdb, appLogger, cfg.App.RateLimit, cfg.App.RateBurst)
		appLogger.Info("shared per-host rate limiter enabled",
			slog.String("key_prefix", ratelimit.KeyPrefix),
			slog.Float64("rate", cfg.App.RateLimit),
			slog.Float64("burst", cfg.App.RateBurst))
	} else {
		limiter = ratelimit.NewLocalLimiter(cfg.App.RateLimit, cfg.App.RateBurst)
	}

	maxConcurrent := cfg.App.RateLimit * 30
	if cfg.App.RateLimit > 0 && float64(cfg.App.WorkerPoolSize) > maxConcurrent {
		appLogger.Warn("worker pool size is significantly higher than rate limit throughput capacity",
			slog.Int("worker_pool_size", cfg.App.WorkerPoolSize),
			slog.Float64("rate_limit", cfg.App.RateLimit))
	}

	opts := fetch.Options{MaxAttempts: cfg.Fetch.MaxAttempts, RetryBackoff: cfg.Fetch.RetryBackoff}
	api := fetch.New(fetch.NewHTTPGetter(nil, cfg.Site.UserAgent, cfg.Fetch.Timeout), limiter, appLogger, opts)

	h := &harvester{
		cfg:      cfg,
		logger:   appLogger,
		rdb:      rdb,
		api:      api,
		markup:   api,
		notifier: notify.NewEmailNotifier(&cfg.Email, appLogger),
	}

	if cfg.Fetch.Mode == "browser" {
		bg, err := fetch.NewBrowserGetter(ctx, cfg.Browser, cfg.Site.UserAgent, appLogger)
		if err != nil {
			return nil, err
		}
		h.browser = bg
		h.markup = fetch.New(bg, limiter, appLogger, opts)
	}

	if rdb != nil && cfg.Harvest.SkipRecent {
		h.dedup = dedup.NewDeduplicator(rdb, time.Duration(cfg.App.DedupWindow)*time.Second)
	} else if cfg.Harvest.SkipRecent {
		appLogger.Warn("skip_recent requires redis, ignored")
	}
	return h, nil
}

// openSinks 每个批次重新打开输出端，CSV 文件总是最近一次采集的完整快照。
func (h *harvester) openSinks(ctx context.Context) (sink.Multi, error) {
	var out sink.Multi
	fail := func(err error) (sink.Multi, error) {
		_ = out.Close()
		return nil, err
	}

	csvSink, err := sink.OpenCSVFile(h.cfg.App.OutputPath)
	if err != nil {
		return fail(err)
	}
	out = append(out, csvSink)

	if h.rdb != nil && h.cfg.Redis.RecordStream != "" {
		out = append(out, sink.NewStreamSink(h.rdb, h.logger, h.cfg.Redis.RecordStream))
	}
	if h.cfg.Postgres.DSN != "" {
		pg, err := sink.OpenPostgres(ctx, h.cfg.Postgres, h.logger)
		if err != nil {
			return fail(err)
		}
		out = append(out, pg)
	}
	if h.cfg.MySQL.DSN != "" {
		my, err := sink.OpenMySQL(h.cfg.MySQL, h.logger)
		if err != nil {
			return fail(err)
		}
		out = append(out, my)
	}
	return out, nil
}

// RunOnce 执行一次采集并发送摘要通知。
func (h *harvester) RunOnce(ctx context.Context) error {
	sinks, err := h.openSinks(ctx)
	if err != nil {
		h.logger.Error("open sinks failed", slog.String("error", err.Error()))
		return err
	}

	svc, err := crawler.NewService(h.cfg, h.logger, crawler.Deps{
		Markup: h.markup,
		API:    h.api,
		Sink:   sinks,
		Dedup:  h.dedup,
		Observer: crawler.Observers{
			crawler.NewLogObserver(h.logger, 50),
			crawler.MetricsObserver{},
		},
	})
	if err != nil {
		_ = sinks.Close()
		return err
	}

	summary, runErr := svc.Run(ctx)
	if err := sinks.Close(); err != nil {
		h.logger.Error("close sinks failed", slog.String("error", err.Error()))
		if runErr == nil {
			runErr = err
		}
	}

	notifyCtx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	report := notify.Report{
		RunID:        summary.RunID,
		Keyword:      svc.Keyword(),
		Discovered:   summary.Discovered,
		Resolved:     summary.Resolved,
		Skipped:      summary.Skipped,
		Duplicates:   summary.Duplicates,
		Pages:        summary.Pages,
		PriceBatches: summary.PriceBatches,
		Duration:     summary.Duration,
		Err:          runErr,
	}
	if err := h.notifier.Send(notifyCtx, report); err != nil {
		h.logger.Warn("send run summary failed", slog.String("error", err.Error()))
	}
	return runErr
}

// RunScheduled 立即运行一次，之后每隔 interval 运行，直到 ctx 取消。
func (h *harvester) RunScheduled(ctx context.Context, interval time.Duration) {
	h.logger.Info("scheduled mode", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := h.RunOnce(ctx); err != nil && ctx.Err() == nil {
			h.logger.Warn("scheduled harvest failed, waiting for next tick", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			h.logger.Info("received shutdown signal")
			return
		case <-ticker.C:
		}
	}
}

// Close 释放浏览器。可重复调用。
func (h *harvester) Close() {
	if h.browser != nil {
		if err := h.browser.Close(); err != nil {
			h.logger.Warn("close browser failed", slog.String("error", err.Error()))
		}
	}
}
