package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"unicode/utf8"

	"skuharvest/internal/fetch"
	"skuharvest/internal/model"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// ErrMalformedDetail 详情页为空或无法解析，该商品会被跳过。
var ErrMalformedDetail = errors.New("malformed detail page")

const brandSelector = "ul#parameter-brand li"

// Template 详情页模板。站点至少存在两套详情页结构，商品名的位置不同。
type Template int

const (
	TemplateUnknown Template = iota
	TemplateA                // div#name > h1
	TemplateB                // div.sku-name
)

func (t Template) String() string {
	switch t {
	case TemplateA:
		return "A"
	case TemplateB:
		return "B"
	default:
		return "unknown"
	}
}

// DetectTemplate 判断页面使用的模板，A 优先。
func DetectTemplate(doc *goquery.Document) Template {
	if doc.Find("div#name").Length() > 0 {
		return TemplateA
	}
	if doc.Find("div.sku-name").Length() > 0 {
		return TemplateB
	}
	return TemplateUnknown
}

var nameExtractors = map[Template]func(doc *goquery.Document) string{
	TemplateA: func(doc *goquery.Document) string {
		return doc.Find("div#name").First().Find("h1").First().Text()
	},
	TemplateB: func(doc *goquery.Document) string {
		return doc.Find("div.sku-name").First().Text()
	},
	TemplateUnknown: func(*goquery.Document) string { return "" },
}

// extractName 返回去除首尾空白的商品名及识别出的模板。
func extractName(doc *goquery.Document) (string, Template) {
	tpl := DetectTemplate(doc)
	return strings.TrimSpace(nameExtractors[tpl](doc)), tpl
}

func extractBrand(doc *goquery.Document) string {
	title, _ := doc.Find(brandSelector).First().Attr("title")
	return strings.TrimSpace(title)
}

// decodeHTML 把页面转换为 UTF-8。
//
// 字符集优先取 contentType 中的 charset 参数，其次是 BOM 与页面 meta 声明。
// contentType 没有声明字符集且内容已是合法 UTF-8 时原样返回。
func decodeHTML(body []byte, contentType string) ([]byte, error) {
	if declaredCharset(contentType) == "" && utf8.Valid(body) {
		return body, nil
	}
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("detect charset: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode charset: %w", err)
	}
	return out, nil
}

// declaredCharset 返回 Content-Type 中的 charset 参数，没有时返回空串。
func declaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(params["charset"])
}

// ResolveDetail 抓取详情页并组装一条商品记录。
//
// 品牌缺失为空串，商品名按模板提取，库存由 ResolveStock 查询，价格查表（缺失为 0）。
// 抓取耗尽返回 fetch.ErrFetchExhausted，页面为空返回 ErrMalformedDetail。
func (s *Service) ResolveDetail(ctx context.Context, id model.SKU, detailURL string, prices model.PriceTable) (model.ProductRecord, error) {
	page, err := s.markup.FetchPage(fetch.WithStage(ctx, string(StageDetail)), detailURL)
	if err != nil {
		return model.ProductRecord{}, fmt.Errorf("fetch detail %s: %w", id, err)
	}
	body := page.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return model.ProductRecord{}, fmt.Errorf("detail %s: %w: empty body", id, ErrMalformedDetail)
	}

	decoded, err := decodeHTML(body, page.ContentType)
	if err != nil {
		return model.ProductRecord{}, fmt.Errorf("detail %s: %w: %v", id, ErrMalformedDetail, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(decoded))
	if err != nil {
		return model.ProductRecord{}, fmt.Errorf("detail %s: %w: %v", id, ErrMalformedDetail, err)
	}

	name, tpl := extractName(doc)
	if tpl == TemplateUnknown {
		s.logger.Debug("unknown detail template, name left empty", slog.String("sku", string(id)))
	}

	stock, err := s.ResolveStock(ctx, doc, id)
	if err != nil {
		return model.ProductRecord{}, fmt.Errorf("stock %s: %w", id, err)
	}

	return model.ProductRecord{
		Brand: extractBrand(doc),
		MPN:   id,
		URL:   detailURL,
		Name:  name,
		Price: prices.Lookup(id),
		Stock: stock,
	}, nil
}
