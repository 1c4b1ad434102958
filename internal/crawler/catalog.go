package crawler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"skuharvest/internal/fetch"
	"skuharvest/internal/model"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
)

const (
	pageCountSelector = "div#J_topPage span i"
	goodsListSelector = "div#J_goodsList ul li"
	skuAttr           = "data-sku"
)

// parsePageCount 读取总页数，缺失或无法解析时按 1 页处理。
func parsePageCount(doc *goquery.Document) int {
	text := strings.TrimSpace(doc.Find(pageCountSelector).First().Text())
	n, err := strconv.Atoi(text)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// parsePageSKUs 读取一页中的所有 SKU。列表容器缺失时返回空。
func parsePageSKUs(doc *goquery.Document) []model.SKU {
	var skus []model.SKU
	doc.Find(goodsListSelector).Each(func(_ int, li *goquery.Selection) {
		raw, ok := li.Attr(skuAttr)
		if !ok {
			return
		}
		if sku := model.StripNamespace(strings.TrimSpace(raw)); sku != "" {
			skus = append(skus, sku)
		}
	})
	return skus
}

// TotalPages 抓取搜索首页并读取总页数。
func (s *Service) TotalPages(ctx context.Context) (int, error) {
	body, err := s.markup.Fetch(fetch.WithStage(ctx, string(StageSearch)), s.urls.SearchURL())
	if err != nil {
		return 0, fmt.Errorf("fetch search page: %w", err)
	}
	if looksBlocked(body) {
		s.logger.Warn("search page looks like a risk-control page, page count may be wrong",
			slog.String("url", s.urls.SearchURL()))
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("parse search page failed, assume single page", slog.String("error", err.Error()))
		return 1, nil
	}
	total := parsePageCount(doc)
	s.notify(ProgressEvent{Stage: StageSearch, Current: 1, Total: 1})
	return total, nil
}

// DiscoverIdentifiers 并发抓取 1..totalPages 页并合并成去重后的 SKU 集合。
//
// 任意一页抓取失败都会返回错误：分页结果决定了整个批次的商品范围。
func (s *Service) DiscoverIdentifiers(ctx context.Context, totalPages int) (model.IdentifierSet, error) {
	if totalPages < 1 {
		totalPages = 1
	}

	g, gctx := errgroup.WithContext(fetch.WithStage(ctx, string(StageCatalog)))
	g.SetLimit(s.workers)

	batches := make([][]model.SKU, totalPages)
	var done atomic.Int32
	for page := 1; page <= totalPages; page++ {
		g.Go(func() error {
			url := s.urls.PageURL(page)
			body, err := s.markup.Fetch(gctx, url)
			if err != nil {
				return fmt.Errorf("catalog page %d: %w", page, err)
			}
			doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
			if err != nil {
				s.logger.Warn("parse catalog page failed, treat as empty",
					slog.Int("page", page),
					slog.String("error", err.Error()))
				return nil
			}
			batch := parsePageSKUs(doc)
			batches[page-1] = batch
			s.logger.Debug("catalog page parsed",
				slog.Int("page", page),
				slog.Int("total_pages", totalPages),
				slog.Int("items", len(batch)))
			s.notify(ProgressEvent{Stage: StageCatalog, Current: int(done.Add(1)), Total: totalPages})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 页面之间有重复是正常的（推广位），合并时去重
	return model.NewIdentifierSet(batches...), nil
}
