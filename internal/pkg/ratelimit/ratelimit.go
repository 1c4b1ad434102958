// Package ratelimit 按目标主机限制抓取速率。
//
// 搜索页、详情页、价格接口和库存接口分别位于不同主机，各自有独立的令牌桶，
// 一个主机变慢不会拖住其他阶段的请求。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"skuharvest/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrRateLimitTimeout 表示等待令牌期间 ctx 被取消。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// KeyPrefix 是共享令牌桶在 Redis 中的键前缀，完整键为 KeyPrefix + 主机名。
const KeyPrefix = "skuharvest:ratelimit:"

// Limiter 在每次抓取尝试前调用，host 是目标 URL 的主机名。
type Limiter interface {
	Acquire(ctx context.Context, host string) error
}

// takeTokenLua 补充令牌后尝试取走一个。
// 返回需要等待的毫秒数，0 表示已拿到令牌。
const takeTokenLua = `
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call("HMGET", KEYS[1], "tokens", "updated")
local tokens = tonumber(bucket[1]) or capacity
local updated = tonumber(bucket[2]) or now

if now > updated then
  tokens = math.min(capacity, tokens + (now - updated) * rate / 1000)
end

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "updated", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(capacity * 2000 / rate))
return wait
`

// RedisLimiter 把令牌桶放在 Redis 中，多个采集进程共享同一组主机配额。
type RedisLimiter struct {
	rdb      *redis.Client
	logger   *slog.Logger
	rate     float64
	capacity float64
	take     *redis.Script
}

// NewRedisLimiter 创建共享限流器。rate 为每秒令牌数，capacity 为桶容量。
func NewRedisLimiter(rdb *redis.Client, logger *slog.Logger, rate float64, capacity float64) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		rdb:      rdb,
		logger:   logger,
		rate:     rate,
		capacity: capacity,
		take:     redis.NewScript(takeTokenLua),
	}
}

// Acquire 阻塞直到 host 的桶里有令牌。
// Redis 出错时放行并记录告警，ctx 取消时返回 ErrRateLimitTimeout。
func (l *RedisLimiter) Acquire(ctx context.Context, host string) error {
	if l == nil || l.rate <= 0 || l.capacity <= 0 {
		return nil
	}
	start := time.Now()
	key := KeyPrefix + host

	for {
		wait, err := l.takeToken(ctx, key)
		switch {
		case err != nil && ctx.Err() != nil:
			metrics.RateLimitCanceledTotal.WithLabelValues(host).Inc()
			return ErrRateLimitTimeout
		case err != nil:
			metrics.RateLimitDegradedTotal.Inc()
			l.logger.Warn("shared token bucket unavailable, request let through",
				slog.String("host", host),
				slog.String("error", err.Error()))
			return nil
		case wait == 0:
			metrics.RateLimitWaitDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
			return nil
		}

		// 多个进程同时醒来会再次撞桶，加一点抖动错开
		if err := pause(ctx, wait+time.Duration(rand.Int63n(int64(10*time.Millisecond)))); err != nil {
			metrics.RateLimitWaitDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
			metrics.RateLimitCanceledTotal.WithLabelValues(host).Inc()
			return ErrRateLimitTimeout
		}
	}
}

func (l *RedisLimiter) takeToken(ctx context.Context, key string) (time.Duration, error) {
	ms, err := l.take.Run(ctx, l.rdb, []string{key}, l.rate, l.capacity, time.Now().UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("take token %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LocalLimiter 是进程内的按主机令牌桶，未配置 Redis 时使用。
type LocalLimiter struct {
	rate     rate.Limit
	capacity int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter 创建进程内限流器。rps <= 0 时不限流。
func NewLocalLimiter(rps float64, capacity float64) *LocalLimiter {
	return &LocalLimiter{
		rate:     rate.Limit(rps),
		capacity: max(int(capacity), 1),
		buckets:  make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.rate, l.capacity)
		l.buckets[host] = b
	}
	return b
}

// Acquire 等待 host 对应的令牌。
func (l *LocalLimiter) Acquire(ctx context.Context, host string) error {
	if l == nil || l.rate <= 0 {
		return nil
	}
	start := time.Now()
	err := l.bucket(host).Wait(ctx)
	metrics.RateLimitWaitDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RateLimitCanceledTotal.WithLabelValues(host).Inc()
		return ErrRateLimitTimeout
	}
	return nil
}
