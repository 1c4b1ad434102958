package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"skuharvest/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	browserInitTimeout = 30 * time.Second // 浏览器初始化超时
	pageLoadTimeout    = 45 * time.Second // 单个页面加载超时
)

// renderedContentType 是浏览器返回内容的实际编码
const renderedContentType = "text/html; charset=utf-8"

// 渲染详情页时屏蔽的第三方资源，只影响加载速度，不影响商品名
var blockedURLs = []string{
	"*.jpg",
	"*.png",
	"*.gif",
	"*.webp",
	"*.woff*",
	"*google-analytics*",
	"*doubleclick*",
	"*mercury.jd.com*",
	"*wl.jd.com*",
}

// BrowserGetter 用无头浏览器渲染页面并返回 DOM 序列化后的 HTML。
//
// 返回内容总是 UTF-8，调用方的字符集探测会直接采用它。
// 只适用于 HTML 页面，JSON 接口仍走 HTTPGetter。
type BrowserGetter struct {
	browser   *rod.Browser
	logger    *slog.Logger
	userAgent string

	mu     sync.Mutex
	closed bool
}

// NewBrowserGetter 启动浏览器。
//
// 未配置 BinPath 时会下载默认浏览器。针对容器环境关闭了沙箱和 /dev/shm。
func NewBrowserGetter(ctx context.Context, cfg config.BrowserConfig, userAgent string, logger *slog.Logger) (*BrowserGetter, error) {
	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	bin := cfg.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		// 不需要图片，减少带宽
		Set("blink-settings", "imagesEnabled=false").
		Set("disk-cache-size", "1")

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(initCtx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		// 进程已经启动，连接失败时需要手动结束
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	// 连接建立后解除初始化超时
	browser = browser.Context(context.Background())

	logger.Info("browser started", slog.String("bin", bin), slog.Bool("headless", cfg.Headless))
	return &BrowserGetter{browser: browser, logger: logger, userAgent: userAgent}, nil
}

// Get 打开新标签页加载 url，等待 load 事件后返回 HTML。
func (g *BrowserGetter) Get(ctx context.Context, url string) (Page, error) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return Page{}, fmt.Errorf("browser closed")
	}

	pageCtx, cancel := context.WithTimeout(ctx, pageLoadTimeout)
	defer cancel()

	page, err := stealth.Page(g.browser.Context(pageCtx))
	if err != nil {
		return Page{}, fmt.Errorf("create page: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			g.logger.Debug("close page failed", slog.String("error", closeErr.Error()))
		}
	}()

	if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLs}).Call(page); err != nil {
		g.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}
	if g.userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: g.userAgent}); err != nil {
			g.logger.Warn("set user agent failed", slog.String("error", err.Error()))
		}
	}

	if err := page.Navigate(url); err != nil {
		return Page{}, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return Page{}, fmt.Errorf("wait load %s: %w", url, err)
	}
	html, err := page.HTML()
	if err != nil {
		return Page{}, fmt.Errorf("extract html: %w", err)
	}
	// 序列化后的 DOM 总是 UTF-8，页面 meta 里的 gbk 声明已经不适用
	return Page{Body: []byte(html), ContentType: renderedContentType}, nil
}

// Close 关闭浏览器进程。可重复调用。
func (g *BrowserGetter) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if err := g.browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	g.logger.Info("browser closed")
	return nil
}
