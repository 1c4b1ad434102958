package crawler

import (
	"net/url"
	"strconv"
	"strings"

	"skuharvest/internal/config"
	"skuharvest/internal/model"
)

// URLBuilder 根据站点配置拼接各个接口的 URL。
type URLBuilder struct {
	site config.SiteConfig
}

// NewURLBuilder 创建 URLBuilder。
func NewURLBuilder(site config.SiteConfig) URLBuilder {
	return URLBuilder{site: site}
}

// SearchURL 搜索首页，用于读取总页数。
func (b URLBuilder) SearchURL() string {
	return b.site.SearchURL
}

// PageURL 分页接口，页码从 1 开始。
func (b URLBuilder) PageURL(page int) string {
	return b.site.PageURL + strconv.Itoa(page)
}

// PriceURL 价格批量接口，SKU 以带命名空间的形式逗号拼接。
func (b URLBuilder) PriceURL(ids []model.SKU) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.Namespaced())
	}
	return b.site.PriceURL + strings.Join(parts, ",")
}

// DetailURL 商品详情页。
func (b URLBuilder) DetailURL(id model.SKU) string {
	return b.site.DetailURL + string(id) + ".html"
}

// StockURL 库存接口。
//
// 参数:
//
//	id: 商品 SKU
//	cat: 由详情页 body class 推导出的类目参数
func (b URLBuilder) StockURL(id model.SKU, cat string) string {
	values := url.Values{}
	values.Set("skuId", string(id))
	values.Set("cat", cat)
	values.Set("area", b.site.StockArea)
	values.Set("extraParam", b.site.StockExtra)

	base := b.site.StockURL
	u, err := url.Parse(base)
	if err != nil {
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		return base + sep + values.Encode()
	}
	// 保留配置中已有的查询参数，同名参数以这里为准
	existing := u.Query()
	for k, v := range values {
		existing[k] = v
	}
	u.RawQuery = existing.Encode()
	return u.String()
}

// Keyword 从搜索 URL 中读取关键词，用于日志和通知。
func (b URLBuilder) Keyword() string {
	u, err := url.Parse(b.site.SearchURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("keyword")
}
