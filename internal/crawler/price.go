package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"skuharvest/internal/fetch"
	"skuharvest/internal/model"
	"skuharvest/internal/pkg/metrics"

	"golang.org/x/sync/errgroup"
)

// MaxPriceBatch 价格接口单次允许的最大 SKU 数。
const MaxPriceBatch = 100

// ErrMalformedPrice 价格接口返回的内容无法解析。
var ErrMalformedPrice = errors.New("malformed price response")

type priceEntry struct {
	ID string          `json:"id"`
	P  json.RawMessage `json:"p"`
}

// clampBatchSize 把批量大小限制在 [1, MaxPriceBatch]。
func clampBatchSize(n int) int {
	if n < 1 || n > MaxPriceBatch {
		return MaxPriceBatch
	}
	return n
}

// chunkSKUs 按 size 切分，保持输入顺序。
func chunkSKUs(ids []model.SKU, size int) [][]model.SKU {
	size = clampBatchSize(size)
	chunks := make([][]model.SKU, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// parsePriceValue p 字段可能是字符串也可能是数字。
func parsePriceValue(raw json.RawMessage) (float64, bool) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, true
	}
	return 0, false
}

// parsePriceBody 解析价格接口响应。
//
// 响应按 UTF-8 解码并丢弃非法字节；非正数或无法解析的价格不写入结果；
// 不在 want 中的 SKU 被丢弃。
func parsePriceBody(body []byte, want model.IdentifierSet) (model.PriceTable, error) {
	text := strings.TrimSpace(strings.ToValidUTF8(string(body), ""))
	var entries []priceEntry
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPrice, err)
	}

	table := make(model.PriceTable, len(entries))
	for _, entry := range entries {
		sku := model.StripNamespace(entry.ID)
		if !want.Contains(sku) {
			continue
		}
		price, ok := parsePriceValue(entry.P)
		if !ok || price <= 0 {
			continue
		}
		table[sku] = price
	}
	return table, nil
}

// FetchPrices 分批查询价格，每批最多 MaxPriceBatch 个 SKU，共 ceil(L/100) 次请求。
func (s *Service) FetchPrices(ctx context.Context, ids []model.SKU) (model.PriceTable, error) {
	return s.fetchPrices(ctx, ids, &runStats{})
}

func (s *Service) fetchPrices(ctx context.Context, ids []model.SKU, st *runStats) (model.PriceTable, error) {
	chunks := chunkSKUs(ids, s.cfg.Harvest.PriceBatchSize)
	st.priceBatches = len(chunks)

	g, gctx := errgroup.WithContext(fetch.WithStage(ctx, string(StagePrice)))
	g.SetLimit(s.workers)

	var mu sync.Mutex
	prices := make(model.PriceTable, len(ids))
	var done atomic.Int32

	for i, chunk := range chunks {
		g.Go(func() error {
			part, err := s.fetchPriceChunk(gctx, chunk)
			if err != nil {
				if !s.cfg.Harvest.FailFast && isSkippable(err) {
					// 跳过的批次同样计入进度，阶段才能走到 Total
					s.notify(ProgressEvent{Stage: StagePrice, Current: int(done.Add(1)), Total: len(chunks)})
					st.failedPriceBatches.Add(1)
					metrics.ErrorsTotal.WithLabelValues(string(StagePrice), classifyCrawlerError(err)).Inc()
					s.logger.Warn("skip price batch, items fall back to zero price",
						slog.Int("batch", i),
						slog.Int("size", len(chunk)),
						slog.String("error", err.Error()))
					return nil
				}
				return fmt.Errorf("price batch %d: %w", i, err)
			}
			mu.Lock()
			prices.Merge(part)
			mu.Unlock()
			s.notify(ProgressEvent{Stage: StagePrice, Current: int(done.Add(1)), Total: len(chunks)})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return prices, nil
}

func (s *Service) fetchPriceChunk(ctx context.Context, chunk []model.SKU) (model.PriceTable, error) {
	body, err := s.api.Fetch(ctx, s.urls.PriceURL(chunk))
	if err != nil {
		return nil, err
	}
	return parsePriceBody(body, model.NewIdentifierSet(chunk))
}
