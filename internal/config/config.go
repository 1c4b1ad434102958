package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Site     SiteConfig     `json:"site"`
	Fetch    FetchConfig    `json:"fetch"`
	Harvest  HarvestConfig  `json:"harvest"`
	Browser  BrowserConfig  `json:"browser"`
	Redis    RedisConfig    `json:"redis"`
	Postgres PostgresConfig `json:"postgres"`
	MySQL    MySQLConfig    `json:"mysql"`
	Email    EmailConfig    `json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`               // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`         // 日志级别: debug / info / warn / error
	MetricsAddr      string        `json:"metrics_addr"`      // Prometheus 指标监听地址（为空表示关闭）
	ScheduleInterval time.Duration `json:"schedule_interval"` // 周期采集间隔（0 表示只运行一次）
	WorkerPoolSize   int           `json:"worker_pool_size"`  // 并发抓取数
	QueueCapacity    int           `json:"queue_capacity"`    // 详情任务队列容量
	RateLimit        float64       `json:"rate_limit"`        // 限流速率（token/s，0 表示不限流）
	RateBurst        float64       `json:"rate_burst"`        // 限流桶容量
	DedupWindow      int           `json:"dedup_window"`      // 跨批次 SKU 去重窗口（秒）
	OutputPath       string        `json:"output_path"`       // CSV 输出路径
}

// SiteConfig 目标站点的各个接口地址。
type SiteConfig struct {
	SearchURL  string `json:"search_url"`  // 搜索首页（用于读取总页数）
	PageURL    string `json:"page_url"`    // 分页接口，末尾拼接页码
	PriceURL   string `json:"price_url"`   // 价格批量接口，末尾拼接逗号分隔的 SKU
	DetailURL  string `json:"detail_url"`  // 详情页前缀，拼接 "<sku>.html"
	StockURL   string `json:"stock_url"`   // 库存接口
	StockArea  string `json:"stock_area"`  // 库存接口的地区参数
	StockExtra string `json:"stock_extra"` // 库存接口的 extraParam 参数
	UserAgent  string `json:"user_agent"`  // 请求 UA
}

// FetchConfig 网络请求配置。
type FetchConfig struct {
	Mode         string        `json:"mode"`          // 页面获取方式: http / browser
	MaxAttempts  int           `json:"max_attempts"`  // 单次抓取的最大尝试次数
	Timeout      time.Duration `json:"timeout"`       // 单次请求超时
	RetryBackoff time.Duration `json:"retry_backoff"` // 重试间隔基数（带抖动，0 表示立即重试）
}

// HarvestConfig 采集流程配置。
type HarvestConfig struct {
	PriceBatchSize int  `json:"price_batch_size"` // 价格批量大小（上限 100）
	FailFast       bool `json:"fail_fast"`        // 任意抓取失败都终止整个批次
	SkipRecent     bool `json:"skip_recent"`      // 跳过去重窗口内已采集过的 SKU（需要 Redis）
}

// BrowserConfig 浏览器模式配置。
type BrowserConfig struct {
	BinPath  string `json:"bin_path"` // 浏览器可执行文件路径
	Headless bool   `json:"headless"` // 是否使用无头模式
}

// RedisConfig Redis 配置（为空表示不使用 Redis）。
type RedisConfig struct {
	Addr         string `json:"addr"`          // Redis 地址 (host:port)
	Password     string `json:"password"`      // Redis 密码
	RecordStream string `json:"record_stream"` // 记录输出的 Stream 名称（为空表示不输出）
}

// PostgresConfig PostgreSQL 输出配置。
type PostgresConfig struct {
	DSN      string `json:"dsn"`       // 连接字符串（为空表示不输出）
	Schema   string `json:"schema"`    // 目标 schema
	MaxConns int    `json:"max_conns"` // 连接池大小
}

// MySQLConfig MySQL 输出配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串（为空表示不输出）
}

// EmailConfig 采集汇总邮件配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"`
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量总是优先于文件中的值。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "local",
			LogLevel:         "info",
			MetricsAddr:      ":2112",
			ScheduleInterval: 0,
			WorkerPoolSize:   8,
			QueueCapacity:    1000,
			RateLimit:        0,
			RateBurst:        5,
			DedupWindow:      3600,
			OutputPath:       "product_data.csv",
		},
		Site: SiteConfig{
			SearchURL:  "https://search.jd.com/Search?keyword=qnap&enc=utf-8&wq=qnap&pvid=yhzxfuxi.4ocx0a00n52av",
			PageURL:    "https://search.jd.com/s_new.php?keyword=qnap&enc=utf-8&qrst=1&rt=1&stop=1&vt=2&offset=-1&bs=1&wq=qnap&page=",
			PriceURL:   "https://p.3.cn/prices/mgets?skuIds=",
			DetailURL:  "https://item.jd.com/",
			StockURL:   "https://c0.3.cn/stock",
			StockArea:  "1_72_2799_0",
			StockExtra: `{"originid":"1"}`,
			UserAgent:  "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36",
		},
		Fetch: FetchConfig{
			Mode:         "http",
			MaxAttempts:  3,
			Timeout:      20 * time.Second,
			RetryBackoff: 200 * time.Millisecond,
		},
		Harvest: HarvestConfig{
			PriceBatchSize: 100,
			FailFast:       false,
			SkipRecent:     false,
		},
		Browser: BrowserConfig{
			BinPath:  "",
			Headless: true,
		},
		Redis: RedisConfig{
			Addr:         "",
			Password:     "",
			RecordStream: "",
		},
		Postgres: PostgresConfig{
			Schema:   "public",
			MaxConns: 2,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.App.OutputPath == "" {
		cfg.App.OutputPath = defaults.App.OutputPath
	}

	if cfg.Site.SearchURL == "" {
		cfg.Site.SearchURL = defaults.Site.SearchURL
	}
	if cfg.Site.PageURL == "" {
		cfg.Site.PageURL = defaults.Site.PageURL
	}
	if cfg.Site.PriceURL == "" {
		cfg.Site.PriceURL = defaults.Site.PriceURL
	}
	if cfg.Site.DetailURL == "" {
		cfg.Site.DetailURL = defaults.Site.DetailURL
	}
	if cfg.Site.StockURL == "" {
		cfg.Site.StockURL = defaults.Site.StockURL
	}
	if cfg.Site.StockArea == "" {
		cfg.Site.StockArea = defaults.Site.StockArea
	}
	if cfg.Site.StockExtra == "" {
		cfg.Site.StockExtra = defaults.Site.StockExtra
	}
	if cfg.Site.UserAgent == "" {
		cfg.Site.UserAgent = defaults.Site.UserAgent
	}

	if cfg.Fetch.Mode == "" {
		cfg.Fetch.Mode = defaults.Fetch.Mode
	}
	if cfg.Fetch.MaxAttempts == 0 {
		cfg.Fetch.MaxAttempts = defaults.Fetch.MaxAttempts
	}
	if cfg.Fetch.Timeout == 0 {
		cfg.Fetch.Timeout = defaults.Fetch.Timeout
	}

	if cfg.Harvest.PriceBatchSize == 0 {
		cfg.Harvest.PriceBatchSize = defaults.Harvest.PriceBatchSize
	}
	if cfg.Postgres.Schema == "" {
		cfg.Postgres.Schema = defaults.Postgres.Schema
	}
	if cfg.Postgres.MaxConns == 0 {
		cfg.Postgres.MaxConns = defaults.Postgres.MaxConns
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("pg_dsn", "PG_DSN")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_SCHEDULE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ScheduleInterval = d
		}
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DedupWindow = i
		}
	}
	if v := os.Getenv("APP_OUTPUT_PATH"); v != "" {
		cfg.App.OutputPath = v
	}

	if v := os.Getenv("SITE_SEARCH_URL"); v != "" {
		cfg.Site.SearchURL = v
	}
	if v := os.Getenv("SITE_PAGE_URL"); v != "" {
		cfg.Site.PageURL = v
	}
	if v := os.Getenv("SITE_USER_AGENT"); v != "" {
		cfg.Site.UserAgent = v
	}

	if v := os.Getenv("FETCH_MODE"); v != "" {
		cfg.Fetch.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("FETCH_MAX_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Fetch.MaxAttempts = i
		}
	}
	if v := os.Getenv("FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Fetch.Timeout = d
		}
	}
	if v := os.Getenv("FETCH_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Fetch.RetryBackoff = d
		}
	}

	if v := os.Getenv("HARVEST_PRICE_BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Harvest.PriceBatchSize = i
		}
	}
	if v := os.Getenv("HARVEST_FAIL_FAST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Harvest.FailFast = b
		}
	}
	if v := os.Getenv("HARVEST_SKIP_RECENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Harvest.SkipRecent = b
		}
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_RECORD_STREAM"); v != "" {
		cfg.Redis.RecordStream = v
	}

	if v := viper.GetString("pg_dsn"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("PG_SCHEMA"); v != "" {
		cfg.Postgres.Schema = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.ToEmail = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func defaultMySQLConfig() *mysql.Config {
	return &mysql.Config{
		User:   "root",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "skuharvest",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
			"charset":   "utf8mb4",
		},
	}
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn == "" {
		return defaultMySQLConfig()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return defaultMySQLConfig()
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ScheduleInterval string `json:"schedule_interval"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.ScheduleInterval != "" {
		duration, err := time.ParseDuration(aux.ScheduleInterval)
		if err != nil {
			return fmt.Errorf("invalid schedule_interval format: %w", err)
		}
		a.ScheduleInterval = duration
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		ScheduleInterval string `json:"schedule_interval"`
		*Alias
	}{
		ScheduleInterval: a.ScheduleInterval.String(),
		Alias:            (*Alias)(&a),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (f *FetchConfig) UnmarshalJSON(data []byte) error {
	type Alias FetchConfig
	aux := &struct {
		Timeout      string `json:"timeout"`
		RetryBackoff string `json:"retry_backoff"`
		*Alias
	}{
		Alias: (*Alias)(f),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timeout != "" {
		duration, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout format: %w", err)
		}
		f.Timeout = duration
	}
	if aux.RetryBackoff != "" {
		duration, err := time.ParseDuration(aux.RetryBackoff)
		if err != nil {
			return fmt.Errorf("invalid retry_backoff format: %w", err)
		}
		f.RetryBackoff = duration
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (f FetchConfig) MarshalJSON() ([]byte, error) {
	type Alias FetchConfig
	return json.Marshal(&struct {
		Timeout      string `json:"timeout"`
		RetryBackoff string `json:"retry_backoff"`
		*Alias
	}{
		Timeout:      f.Timeout.String(),
		RetryBackoff: f.RetryBackoff.String(),
		Alias:        (*Alias)(&f),
	})
}
