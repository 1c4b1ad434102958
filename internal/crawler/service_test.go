package crawler

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"skuharvest/internal/config"
	"skuharvest/internal/fetch"
	"skuharvest/internal/model"
	"skuharvest/internal/pkg/dedup"
	"skuharvest/internal/sink"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// twoPageSite 两页分别列出 A,B 与 B,C，三个详情页覆盖两种模板和无模板。
func twoPageSite() *fakeSite {
	site := newFakeSite()
	site.totalPages = "2"
	site.pages[1] = []string{"A", "B"}
	site.pages[2] = []string{"B", "C"}
	site.prices["A"] = "1999.00"
	site.prices["B"] = 899.5
	site.prices["C"] = "-1.00"
	site.details["A"] = detailPageA("QNAP", "TS-453D", "cat-1-670 cat-2-671 cat-3-672 item-A")
	site.details["B"] = detailPageB("群晖", "DS220+", "cat-1-670 cat-2-671 cat-3-12345")
	site.details["C"] = detailPageNoName("item-C")
	site.stock["A"] = "<strong>有货</strong>"
	site.stock["B"] = "<strong>无货</strong>"
	site.stock["C"] = "<strong>有货</strong>，预计明天送达"
	return site
}

// ============================================================================
// 端到端
// ============================================================================

func TestRun_EndToEndCSV(t *testing.T) {
	site := twoPageSite()
	var buf bytes.Buffer
	csvSink, err := sink.NewCSVSink(&buf)
	if err != nil {
		t.Fatalf("csv sink: %v", err)
	}

	var (
		mu     sync.Mutex
		events = map[Stage]ProgressEvent{}
	)
	svc, srv := newTestService(t, site, nil, csvSink)
	svc.observer = ObserverFunc(func(ev ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := events[ev.Stage]; !ok || ev.Current >= prev.Current {
			events[ev.Stage] = ev
		}
	})

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := csvSink.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if lines[0] != "Brand,MPN,URL,Name,Price,Stock" {
		t.Fatalf("unexpected header %q", lines[0])
	}

	rows := lines[1:]
	sort.Strings(rows)
	want := []string{
		"QNAP,A," + srv.URL + "/item/A.html,TS-453D,1999,1",
		"群晖,B," + srv.URL + "/item/B.html,DS220+,899.5,0",
		"," + "C," + srv.URL + "/item/C.html,,0,1",
	}
	sort.Strings(want)
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("row %d:\n got %q\nwant %q", i, rows[i], want[i])
		}
	}

	if summary.Discovered != 3 || summary.Resolved != 3 || summary.Skipped != 0 || summary.Duplicates != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Pages != 2 || summary.PriceBatches != 1 {
		t.Fatalf("unexpected pages/batches %+v", summary)
	}
	if summary.RunID == "" {
		t.Fatalf("expected run id")
	}
	if got := site.priceRequestCount(); got != 1 {
		t.Fatalf("expected a single price request, got %d", got)
	}
	if got := site.detailHits.Load(); got != 3 {
		t.Fatalf("B must be resolved once, got %d detail hits", got)
	}
	if cat := site.stockCat("A"); cat != "670,671,672" {
		t.Fatalf("unexpected cat for A: %q", cat)
	}
	if cat := site.stockCat("C"); cat != "" {
		t.Fatalf("unexpected cat for C: %q", cat)
	}

	mu.Lock()
	defer mu.Unlock()
	if ev := events[StageDetail]; ev.Current != 3 || ev.Total != 3 {
		t.Fatalf("unexpected final detail progress %+v", ev)
	}
	if ev := events[StageCatalog]; ev.Current != 2 || ev.Total != 2 {
		t.Fatalf("unexpected final catalog progress %+v", ev)
	}
}

func TestRun_MissingPageIndicatorMeansOnePage(t *testing.T) {
	site := twoPageSite()
	site.totalPages = ""
	out := newMemorySink()
	svc, _ := newTestService(t, site, nil, out)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Pages != 1 || summary.Discovered != 2 || len(out.records) != 2 {
		t.Fatalf("expected only page 1 to be harvested, got %+v", summary)
	}
}

// ============================================================================
// 失败策略
// ============================================================================

func TestRun_SkipsExhaustedDetail(t *testing.T) {
	site := twoPageSite()
	site.failPaths["/item/C.html"] = true
	out := newMemorySink()
	svc, _ := newTestService(t, site, nil, out)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Resolved != 2 || summary.Skipped != 1 {
		t.Fatalf("expected 2 resolved and 1 skipped, got %+v", summary)
	}
	if _, ok := out.byMPN["C"]; ok {
		t.Fatalf("C must not be written")
	}
}

func TestRun_FailFast(t *testing.T) {
	site := twoPageSite()
	site.failPaths["/item/C.html"] = true
	svc, _ := newTestService(t, site, func(cfg *config.Config) {
		cfg.Harvest.FailFast = true
	}, newMemorySink())

	_, err := svc.Run(context.Background())
	if !errors.Is(err, fetch.ErrFetchExhausted) {
		t.Fatalf("expected exhaustion to abort the run, got %v", err)
	}
}

func TestRun_SearchFailureIsFatal(t *testing.T) {
	site := twoPageSite()
	site.failPaths["/Search"] = true
	out := newMemorySink()
	svc, _ := newTestService(t, site, nil, out)

	summary, err := svc.Run(context.Background())
	if !errors.Is(err, fetch.ErrFetchExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if summary.Discovered != 0 || len(out.records) != 0 {
		t.Fatalf("nothing should be harvested, got %+v", summary)
	}
}

func TestRun_SinkFailureIsFatal(t *testing.T) {
	site := twoPageSite()
	out := newMemorySink()
	out.err = errors.New("disk full")
	svc, _ := newTestService(t, site, nil, out)

	if _, err := svc.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected sink error, got %v", err)
	}
}

// panicSink 写入时 panic，用来验证 worker 中的 panic 会终止批次。
type panicSink struct{}

func (panicSink) Name() string { return "panic" }

func (panicSink) Write(context.Context, model.ProductRecord) error { panic("sink bug") }

func (panicSink) Close() error { return nil }

func TestRun_PanicInWorkerIsFatal(t *testing.T) {
	site := twoPageSite()
	svc, _ := newTestService(t, site, nil, panicSink{})

	summary, err := svc.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "sink bug") {
		t.Fatalf("expected panic to abort the run, got %v", err)
	}
	if summary.Resolved != 0 || summary.Skipped != 0 {
		t.Fatalf("panic must not be counted as resolved or skipped, got %+v", summary)
	}
}

func TestFetchPrices_FailedBatchesStillReportProgress(t *testing.T) {
	site := twoPageSite()
	site.failPaths["/prices/mgets"] = true
	svc, _ := newTestService(t, site, nil, newMemorySink())

	var (
		mu     sync.Mutex
		events []ProgressEvent
	)
	svc.observer = ObserverFunc(func(ev ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	ids := make([]model.SKU, 150)
	for i := range ids {
		ids[i] = model.SKU(strconv.Itoa(100000 + i))
	}
	prices, err := svc.FetchPrices(context.Background(), ids)
	if err != nil {
		t.Fatalf("fetch prices: %v", err)
	}
	if len(prices) != 0 {
		t.Fatalf("expected no prices, got %d", len(prices))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("expected one event per batch, got %+v", events)
	}
	last := 0
	for _, ev := range events {
		if ev.Stage != StagePrice || ev.Total != 2 {
			t.Fatalf("unexpected event %+v", ev)
		}
		last = max(last, ev.Current)
	}
	if last != 2 {
		t.Fatalf("price stage should reach 2/2, got %d", last)
	}
}

func TestRun_ContextCanceled(t *testing.T) {
	site := twoPageSite()
	svc, _ := newTestService(t, site, nil, newMemorySink())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// ============================================================================
// 跨批次去重
// ============================================================================

func TestRun_SkipRecent(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer s.Close()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	site := twoPageSite()
	site.failPaths["/item/C.html"] = true
	out := newMemorySink()
	svc, _ := newTestService(t, site, func(cfg *config.Config) {
		cfg.Harvest.SkipRecent = true
	}, out)
	svc.dedup = dedup.NewDeduplicator(rdb, time.Hour)

	first, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Resolved != 2 || first.Skipped != 1 || first.RecentSkipped != 0 {
		t.Fatalf("unexpected first summary %+v", first)
	}

	// C 失败后占位已释放，第二次只会重新处理 C
	delete(site.failPaths, "/item/C.html")
	second, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.RecentSkipped != 2 || second.Resolved != 1 {
		t.Fatalf("unexpected second summary %+v", second)
	}
	if _, ok := out.byMPN["C"]; !ok {
		t.Fatalf("C should be harvested on the second run")
	}
}

// ============================================================================
// 其他
// ============================================================================

func TestNewService_Validation(t *testing.T) {
	f := fetch.New(fetch.NewHTTPGetter(nil, "", time.Second), nil, newTestLogger(), fetch.Options{})
	cfg := testConfig("http://127.0.0.1")

	if _, err := NewService(nil, newTestLogger(), Deps{Markup: f, Sink: newMemorySink()}); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewService(cfg, newTestLogger(), Deps{Sink: newMemorySink()}); err == nil {
		t.Error("expected error for nil fetcher")
	}
	if _, err := NewService(cfg, newTestLogger(), Deps{Markup: f}); err == nil {
		t.Error("expected error for nil sink")
	}
	svc, err := NewService(cfg, newTestLogger(), Deps{Markup: f, Sink: newMemorySink()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.api == nil {
		t.Fatalf("api fetcher should default to markup fetcher")
	}
}

func TestContainsAny(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		keywords []string
		expected bool
	}{
		{"empty_text", "", []string{"a", "b"}, false},
		{"empty_keywords", "hello world", []string{}, false},
		{"single_match", "hello world", []string{"world"}, true},
		{"no_match", "hello world", []string{"foo", "bar"}, false},
		{"case_sensitive", "Hello", []string{"hello"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := containsAny(tt.text, tt.keywords)
			if result != tt.expected {
				t.Errorf("containsAny(%q, %v) = %v, expected %v", tt.text, tt.keywords, result, tt.expected)
			}
		})
	}
}

func TestLooksBlocked(t *testing.T) {
	if !looksBlocked([]byte(`<script>window.location="https://passport.jd.com/new/login.aspx"</script>`)) {
		t.Error("login redirect should look blocked")
	}
	if looksBlocked([]byte(`<div id="J_goodsList"></div>`)) {
		t.Error("normal search page should not look blocked")
	}
}

func TestLogObserver_Throttles(t *testing.T) {
	var buf bytes.Buffer
	logger := newTextLogger(&buf)
	obs := NewLogObserver(logger, 10)
	for i := 1; i <= 25; i++ {
		obs.OnProgress(ProgressEvent{Stage: StageDetail, Current: i, Total: 25})
	}
	// 10、20 以及阶段结束的 25
	if got := strings.Count(buf.String(), "msg=progress"); got != 3 {
		t.Fatalf("expected 3 progress lines, got %d:\n%s", got, buf.String())
	}
}
