package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "skuharvest:dedup:sku:"

// Deduplicator 在时间窗口内对 SKU 做跨批次去重。
// 窗口内第一次出现的 SKU 会占位，后续批次再遇到则视为重复。
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// Claim 尝试占用 SKU，返回 true 表示本批次可以处理它。
func (d *Deduplicator) Claim(ctx context.Context, sku string) (bool, error) {
	if d == nil || d.rdb == nil || sku == "" {
		return true, nil
	}
	ok, err := d.rdb.SetNX(ctx, keyPrefix+sku, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

// Release 释放占位，用于处理失败后让下一批次重试。
func (d *Deduplicator) Release(ctx context.Context, sku string) error {
	if d == nil || d.rdb == nil || sku == "" {
		return nil
	}
	if err := d.rdb.Del(ctx, keyPrefix+sku).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}
