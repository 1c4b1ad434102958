package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"skuharvest/internal/config"
	"skuharvest/internal/fetch"
	"skuharvest/internal/model"
	"skuharvest/internal/sink"

	"golang.org/x/text/encoding/simplifiedchinese"
)

// fakeSite 模拟搜索、分页、价格、详情、库存五个接口。
type fakeSite struct {
	totalPages string            // 搜索页上的总页数文本，空表示没有分页指示
	pages      map[int][]string  // 页码 → data-sku 列表
	prices     map[string]any    // sku → p 字段
	details    map[string]string // sku → 详情页 HTML（会被 GBK 编码）
	stock      map[string]string // sku → stockDesc
	failPaths  map[string]bool   // 总是返回 500 的路径
	stockRaw   map[string][]byte // sku → 原样返回的库存响应

	detailContentType string // 详情页响应头，默认与线上一致声明 gbk

	mu            sync.Mutex
	priceRequests [][]string
	stockCats     map[string]string
	detailHits    atomic.Int32
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		pages:     map[int][]string{},
		prices:    map[string]any{},
		details:   map[string]string{},
		stock:     map[string]string{},
		failPaths: map[string]bool{},
		stockRaw:  map[string][]byte{},
		stockCats: map[string]string{},

		detailContentType: "text/html; charset=gbk",
	}
}

func gbk(t testing.TB, s string) []byte {
	t.Helper()
	b, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte(s))
	if err != nil {
		t.Fatalf("gbk encode: %v", err)
	}
	return b
}

func (f *fakeSite) handler(t testing.TB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.failPaths[r.URL.Path] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch {
		case r.URL.Path == "/Search":
			if f.totalPages == "" {
				fmt.Fprint(w, `<html><body><div id="J_searchWrap"></div></body></html>`)
				return
			}
			fmt.Fprintf(w, `<html><body><div id="J_topPage"><span class="fp-text"><b>1</b><em>/</em><i>%s</i></span></div></body></html>`, f.totalPages)

		case r.URL.Path == "/s_new.php":
			var page int
			fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
			var sb strings.Builder
			sb.WriteString(`<html><body><div id="J_goodsList"><ul class="gl-warp">`)
			for _, sku := range f.pages[page] {
				fmt.Fprintf(&sb, `<li class="gl-item" data-sku="%s"><div class="p-name">x</div></li>`, sku)
			}
			sb.WriteString(`</ul></div></body></html>`)
			fmt.Fprint(w, sb.String())

		case r.URL.Path == "/prices/mgets":
			ids := strings.Split(r.URL.Query().Get("skuIds"), ",")
			f.mu.Lock()
			f.priceRequests = append(f.priceRequests, ids)
			f.mu.Unlock()
			var out []map[string]any
			for _, id := range ids {
				if p, ok := f.prices[strings.TrimPrefix(id, "J_")]; ok {
					out = append(out, map[string]any{"id": id, "p": p, "m": "9999.00"})
				}
			}
			_ = json.NewEncoder(w).Encode(out)

		case r.URL.Path == "/stock":
			sku := r.URL.Query().Get("skuId")
			f.mu.Lock()
			f.stockCats[sku] = r.URL.Query().Get("cat")
			f.mu.Unlock()
			if raw, ok := f.stockRaw[sku]; ok {
				_, _ = w.Write(raw)
				return
			}
			payload, _ := json.Marshal(map[string]any{
				"stock": map[string]any{"stockDesc": f.stock[sku], "StockState": 33},
			})
			_, _ = w.Write(gbk(t, string(payload)))

		case strings.HasPrefix(r.URL.Path, "/item/"):
			f.detailHits.Add(1)
			sku := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/item/"), ".html")
			page, ok := f.details[sku]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			// 不设置时 net/http 会按内容嗅探成 utf-8
			w.Header().Set("Content-Type", f.detailContentType)
			_, _ = w.Write(gbk(t, page))

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (f *fakeSite) priceRequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.priceRequests)
}

func (f *fakeSite) stockCat(sku string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stockCats[sku]
}

func detailPageA(brand, name, bodyClass string) string {
	return fmt.Sprintf(`<html><head><meta charset="gbk"><title>%s</title></head>
<body class="%s"><ul id="parameter-brand" class="p-parameter-list"><li title="%s">品牌： %s</li></ul>
<div class="itemInfo-wrap"><div id="name"><h1>
  %s
</h1></div></div></body></html>`, name, bodyClass, brand, brand, name)
}

func detailPageB(brand, name, bodyClass string) string {
	return fmt.Sprintf(`<html><head><meta charset="gbk"></head>
<body class="%s"><ul id="parameter-brand"><li title="%s">品牌： %s</li></ul>
<div class="itemInfo-wrap"><div class="sku-name">  %s  </div></div></body></html>`, bodyClass, brand, brand, name)
}

func detailPageNoName(bodyClass string) string {
	return fmt.Sprintf(`<html><head><meta charset="gbk"></head><body class="%s"><div class="itemInfo-wrap">暂无</div></body></html>`, bodyClass)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(base string) *config.Config {
	return &config.Config{
		App: config.AppConfig{
			WorkerPoolSize: 4,
			QueueCapacity:  16,
		},
		Site: config.SiteConfig{
			SearchURL:  base + "/Search?keyword=qnap&enc=utf-8",
			PageURL:    base + "/s_new.php?keyword=qnap&page=",
			PriceURL:   base + "/prices/mgets?skuIds=",
			DetailURL:  base + "/item/",
			StockURL:   base + "/stock",
			StockArea:  "1_72_2799_0",
			StockExtra: `{"originid":"1"}`,
		},
		Fetch:   config.FetchConfig{MaxAttempts: 3},
		Harvest: config.HarvestConfig{PriceBatchSize: 100},
	}
}

// memorySink 记录写入的商品。
type memorySink struct {
	mu      sync.Mutex
	records []string
	byMPN   map[string]string
	err     error
}

func newMemorySink() *memorySink {
	return &memorySink{byMPN: map[string]string{}}
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Close() error { return nil }

func (m *memorySink) Write(_ context.Context, rec model.ProductRecord) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row := strings.Join(rec.Row(), "|")
	m.records = append(m.records, row)
	m.byMPN[string(rec.MPN)] = row
	return nil
}

// newTestService 用 httptest 服务器构造 Service。
func newTestService(t *testing.T, site *fakeSite, mutate func(cfg *config.Config), out sink.Sink) (*Service, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(site.handler(t))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	if mutate != nil {
		mutate(cfg)
	}
	f := fetch.New(fetch.NewHTTPGetter(srv.Client(), "", 0), nil, newTestLogger(), fetch.Options{
		MaxAttempts: cfg.Fetch.MaxAttempts,
	})
	svc, err := NewService(cfg, newTestLogger(), Deps{Markup: f, API: f, Sink: out})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, srv
}

func newTextLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, nil))
}
