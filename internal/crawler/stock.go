package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"skuharvest/internal/fetch"
	"skuharvest/internal/model"
	"skuharvest/internal/pkg/metrics"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// DefaultCategory body 没有 class 时使用的类目。
const DefaultCategory = "670"

const inStockMarker = "有货"

// ErrMalformedStock 库存接口返回的内容无法解析。
var ErrMalformedStock = errors.New("malformed stock response")

var (
	catPrefixRe = regexp.MustCompile(`cat-\d+-`)
	strongTagRe = regexp.MustCompile(`</?strong>`)
)

// CategoryParam 从详情页 body 的 class 推导库存接口需要的类目参数。
//
// 站点没有公开类目字段，只能从形如 "cat-1-670" 的 class 里取。
// 保留包含 "cat" 的 token，去掉 "cat-<n>-" 前缀后逗号拼接，结果可能为空串。
func CategoryParam(doc *goquery.Document) string {
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return DefaultCategory
	}
	class, ok := body.Attr("class")
	if !ok {
		return DefaultCategory
	}

	var cats []string
	for _, token := range strings.Fields(class) {
		if strings.Contains(token, "cat") {
			cats = append(cats, catPrefixRe.ReplaceAllString(token, ""))
		}
	}
	return strings.Join(cats, ",")
}

type stockResponse struct {
	Stock struct {
		StockDesc string `json:"stockDesc"`
	} `json:"stock"`
}

// parseStockBody 按 GBK 解码（丢弃无法解码的字符），读取 stock.stockDesc。
func parseStockBody(body []byte) (int, error) {
	decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(body)
	if err != nil {
		return 0, fmt.Errorf("%w: decode: %v", ErrMalformedStock, err)
	}
	text := strings.TrimSpace(strings.ReplaceAll(string(decoded), "\uFFFD", ""))

	var resp stockResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedStock, err)
	}
	desc := strongTagRe.ReplaceAllString(resp.Stock.StockDesc, "")
	if strings.Contains(desc, inStockMarker) {
		return 1, nil
	}
	return 0, nil
}

// ResolveStock 查询库存，有货返回 1，否则返回 0。
//
// 库存接口内容异常时记录日志并返回 0；抓取耗尽的错误会向上传递。
func (s *Service) ResolveStock(ctx context.Context, doc *goquery.Document, id model.SKU) (int, error) {
	url := s.urls.StockURL(id, CategoryParam(doc))
	body, err := s.api.Fetch(fetch.WithStage(ctx, string(StageStock)), url)
	if err != nil {
		return 0, err
	}
	stock, err := parseStockBody(body)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(string(StageStock), classifyCrawlerError(err)).Inc()
		s.logger.Warn("malformed stock response, assume out of stock",
			slog.String("sku", string(id)),
			slog.String("error", err.Error()))
		return 0, nil
	}
	return stock, nil
}
