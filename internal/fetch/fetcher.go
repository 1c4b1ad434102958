// Package fetch 提供带有限重试的单次逻辑抓取。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"time"

	"skuharvest/internal/pkg/metrics"
	"skuharvest/internal/pkg/ratelimit"
)

// DefaultMaxAttempts 单次逻辑抓取的默认尝试上限。
const DefaultMaxAttempts = 3

// ErrFetchExhausted 表示所有尝试都失败。可以用 errors.Is 判断。
var ErrFetchExhausted = errors.New("fetch exhausted")

// ExhaustedError 记录耗尽重试的 URL、尝试次数以及最后一次失败原因。
type ExhaustedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetch %s: exhausted after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrFetchExhausted }

// Page 是一次成功抓取的结果。
type Page struct {
	Body        []byte
	ContentType string // 响应头中的 Content-Type，可能为空
}

// Getter 执行一次网络尝试，不做重试。
type Getter interface {
	Get(ctx context.Context, url string) (Page, error)
}

// Options 控制重试行为。
type Options struct {
	MaxAttempts  int           // <= 0 时使用 DefaultMaxAttempts
	RetryBackoff time.Duration // 重试间隔基数，0 表示立即重试
}

// Fetcher 在 Getter 之上实现有限重试与限流。并发安全。
type Fetcher struct {
	getter      Getter
	limiter     ratelimit.Limiter
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration
}

// New 创建 Fetcher。limiter 可以为 nil。
func New(getter Getter, limiter ratelimit.Limiter, logger *slog.Logger, opts Options) *Fetcher {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	backoff := opts.RetryBackoff
	if backoff < 0 {
		backoff = 0
	}
	return &Fetcher{
		getter:      getter,
		limiter:     limiter,
		logger:      logger,
		maxAttempts: attempts,
		backoff:     backoff,
	}
}

// Fetch 获取 url 的响应体，语义同 FetchPage。
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	page, err := f.FetchPage(ctx, url)
	if err != nil {
		return nil, err
	}
	return page.Body, nil
}

// FetchPage 获取 rawURL 的响应体与 Content-Type。
//
// 传输错误与非 2xx 状态都会重试，最多 maxAttempts 次。
// 全部失败时返回 *ExhaustedError；ctx 取消时直接返回 ctx.Err()。
func (f *Fetcher) FetchPage(ctx context.Context, rawURL string) (Page, error) {
	stage := StageFromContext(ctx)
	host := limitHost(rawURL)
	start := time.Now()
	metrics.ActiveFetches.Inc()
	defer func() {
		metrics.ActiveFetches.Dec()
		metrics.FetchDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			metrics.FetchRequestsTotal.WithLabelValues(stage, "canceled").Inc()
			return Page{}, err
		}

		if f.limiter != nil {
			if err := f.limiter.Acquire(ctx, host); err != nil {
				metrics.FetchRequestsTotal.WithLabelValues(stage, "canceled").Inc()
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Page{}, ctxErr
				}
				return Page{}, fmt.Errorf("acquire rate limit: %w", err)
			}
		}

		page, err := f.getter.Get(ctx, rawURL)
		if err == nil {
			metrics.FetchAttemptsTotal.WithLabelValues(stage, "ok").Inc()
			metrics.FetchRequestsTotal.WithLabelValues(stage, "success").Inc()
			if attempt > 1 {
				f.logger.Debug("fetch recovered after retry",
					slog.String("stage", stage),
					slog.String("url", rawURL),
					slog.Int("attempt", attempt))
			}
			return page, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.FetchRequestsTotal.WithLabelValues(stage, "canceled").Inc()
			return Page{}, ctxErr
		}

		lastErr = err
		metrics.FetchAttemptsTotal.WithLabelValues(stage, attemptOutcome(err)).Inc()
		f.logger.Warn("fetch attempt failed",
			slog.String("stage", stage),
			slog.String("url", rawURL),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", f.maxAttempts),
			slog.String("error", err.Error()))

		if attempt < f.maxAttempts {
			if err := sleepContext(ctx, f.delay(attempt)); err != nil {
				metrics.FetchRequestsTotal.WithLabelValues(stage, "canceled").Inc()
				return Page{}, err
			}
		}
	}

	metrics.FetchRequestsTotal.WithLabelValues(stage, "exhausted").Inc()
	return Page{}, &ExhaustedError{URL: rawURL, Attempts: f.maxAttempts, Err: lastErr}
}

// delay 线性退避加上最多一半基数的随机抖动。
func (f *Fetcher) delay(attempt int) time.Duration {
	if f.backoff <= 0 {
		return 0
	}
	base := f.backoff * time.Duration(attempt)
	jitter := time.Duration(rand.Int63n(int64(f.backoff)/2 + 1))
	return base + jitter
}

// limitHost 返回限流使用的主机名，解析失败时归入 "default"。
func limitHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "default"
	}
	return u.Hostname()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func attemptOutcome(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return "http_status"
	}
	return "transport"
}

type stageKey struct{}

// WithStage 标记后续抓取所属的流水线阶段，用于日志与指标。
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// StageFromContext 读取阶段标记，未设置时返回 "unknown"。
func StageFromContext(ctx context.Context) string {
	if stage, ok := ctx.Value(stageKey{}).(string); ok && stage != "" {
		return stage
	}
	return "unknown"
}
