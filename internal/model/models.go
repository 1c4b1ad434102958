package model

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// SKUNamespace 是价格接口要求的 SKU 命名空间前缀。
const SKUNamespace = "J_"

// SKU 是商品在京东站点上的唯一标识（不含命名空间前缀）。
//
// 它在商品列表页被发现后不再改变，并作为价格、详情、库存三类查询的关联键。
type SKU string

// Namespaced 返回价格接口使用的带前缀形式，如 "J_100012345"。
func (s SKU) Namespaced() string {
	return SKUNamespace + string(s)
}

// StripNamespace 去掉价格接口返回 id 中的命名空间前缀。
func StripNamespace(id string) SKU {
	return SKU(strings.TrimPrefix(strings.TrimSpace(id), SKUNamespace))
}

// IdentifierSet 是全局去重后的 SKU 集合。
type IdentifierSet map[SKU]struct{}

// NewIdentifierSet 由若干页的 SKU 构造集合，重复项自动合并。
func NewIdentifierSet(batches ...[]SKU) IdentifierSet {
	set := make(IdentifierSet)
	for _, batch := range batches {
		set.Add(batch...)
	}
	return set
}

// Add 将 SKU 合并进集合，空值被忽略。
func (s IdentifierSet) Add(skus ...SKU) {
	for _, sku := range skus {
		if sku == "" {
			continue
		}
		s[sku] = struct{}{}
	}
}

// Contains 判断 SKU 是否在集合中。
func (s IdentifierSet) Contains(sku SKU) bool {
	_, ok := s[sku]
	return ok
}

// Sorted 返回排序后的 SKU 列表，保证批次划分稳定可复现。
func (s IdentifierSet) Sorted() []SKU {
	out := make([]SKU, 0, len(s))
	for sku := range s {
		out = append(out, sku)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PriceTable 是 SKU 到价格的映射。缺失或为 0 表示“无价格数据”，不是错误。
type PriceTable map[SKU]float64

// Merge 合并一个批次的部分结果，同一 SKU 以后写入者为准。
func (p PriceTable) Merge(part PriceTable) {
	for sku, price := range part {
		p[sku] = price
	}
}

// Lookup 查询价格，缺失或非正数时返回 0。
func (p PriceTable) Lookup(sku SKU) float64 {
	price, ok := p[sku]
	if !ok || price <= 0 {
		return 0
	}
	return price
}

// CSVHeader 是输出表格的表头，字段顺序与 ProductRecord.Row 一致。
var CSVHeader = []string{"Brand", "MPN", "URL", "Name", "Price", "Stock"}

// ProductRecord 表示一条最终输出的商品记录。
//
// 每个 SKU 只由详情解析器创建一次，创建后不再修改，写入 sink 后即终结。
type ProductRecord struct {
	Brand string  `json:"brand"` // 品牌，可能为空
	MPN   SKU     `json:"mpn"`   // 商品 SKU
	URL   string  `json:"url"`   // 详情页链接
	Name  string  `json:"name"`  // 商品名称，可能为空
	Price float64 `json:"price"` // 价格，未知时为 0
	Stock int     `json:"stock"` // 库存标记：1 有货 / 0 其他
}

// Row 按 CSVHeader 的顺序返回记录的六个字段。
func (r ProductRecord) Row() []string {
	return []string{
		r.Brand,
		string(r.MPN),
		r.URL,
		r.Name,
		FormatPrice(r.Price),
		strconv.Itoa(r.Stock),
	}
}

// FormatPrice 将价格格式化为最短的十进制表示。
func FormatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}

// ParseRow 将 CSV 行还原为 ProductRecord。
func ParseRow(row []string) (ProductRecord, error) {
	if len(row) != len(CSVHeader) {
		return ProductRecord{}, &RowError{Fields: len(row)}
	}
	price, err := strconv.ParseFloat(row[4], 64)
	if err != nil {
		return ProductRecord{}, err
	}
	stock, err := strconv.Atoi(row[5])
	if err != nil {
		return ProductRecord{}, err
	}
	return ProductRecord{
		Brand: row[0],
		MPN:   SKU(row[1]),
		URL:   row[2],
		Name:  row[3],
		Price: price,
		Stock: stock,
	}, nil
}

// RowError 表示 CSV 行字段数与表头不一致。
type RowError struct {
	Fields int
}

func (e *RowError) Error() string {
	return "csv row has " + strconv.Itoa(e.Fields) + " fields, expected " + strconv.Itoa(len(CSVHeader))
}

// Product 是商品记录在 MySQL 中的持久化形式。
//
// SKU 上建唯一索引，重复写入时忽略。
type Product struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time // 首次写入时间

	SKU   string  `gorm:"type:varchar(64);uniqueIndex;not null"` // 京东 SKU (唯一索引)
	Brand string  `gorm:"type:varchar(191)"`                     // 品牌
	URL   string  `gorm:"type:varchar(255)"`                     // 详情页链接
	Name  string  `gorm:"type:text"`                             // 商品名称
	Price float64 `gorm:"default:0"`                             // 价格 (单位: 元)，0 表示无价格
	Stock int     `gorm:"default:0"`                             // 库存标记
	RunID string  `gorm:"type:varchar(36);index"`                // 采集批次 ID
}

// TableName 指定表名。
func (Product) TableName() string {
	return "jd_products"
}

// NewProduct 由输出记录构造持久化模型。
func NewProduct(rec ProductRecord, runID string) *Product {
	return &Product{
		SKU:   string(rec.MPN),
		Brand: rec.Brand,
		URL:   rec.URL,
		Name:  rec.Name,
		Price: rec.Price,
		Stock: rec.Stock,
		RunID: runID,
	}
}
