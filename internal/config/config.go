package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rewired-gh/macrowatch/internal/models"
)

// Config represents the complete application configuration
type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Market     MarketConfig     `mapstructure:"market"`
	Confluence ConfluenceConfig `mapstructure:"confluence"`
	FedWatch   FedWatchConfig   `mapstructure:"fedwatch"`
	Headlines  HeadlinesConfig  `mapstructure:"headlines"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Storage    StorageConfig    `mapstructure:"storage"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// TelegramConfig holds Telegram delivery configuration
type TelegramConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BotToken      string        `mapstructure:"bot_token"`
	ChatID        string        `mapstructure:"chat_id"`
	Commands      bool          `mapstructure:"commands"`
	MaxRetries    int           `mapstructure:"max_retries" validate:"gte=1,lte=10"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	RatePerSecond float64       `mapstructure:"rate_per_second" validate:"gt=0"`
	Burst         int           `mapstructure:"burst" validate:"gte=1"`
}

// MarketConfig selects and tunes the price level source
type MarketConfig struct {
	Mode            string             `mapstructure:"mode" validate:"oneof=binance mock"`
	Symbols         []string           `mapstructure:"symbols" validate:"min=1,dive,required"`
	BaseURL         string             `mapstructure:"base_url"`
	KlineInterval   string             `mapstructure:"kline_interval" validate:"oneof=1h 2h 4h 6h 8h 12h 1d"`
	KlineLimit      int                `mapstructure:"kline_limit" validate:"gte=10,lte=1500"`
	DepthLimit      int                `mapstructure:"depth_limit" validate:"oneof=5 10 20 50 100 500 1000"`
	WallBucketPct   float64            `mapstructure:"wall_bucket_pct" validate:"gt=0"`
	WallMinNotional float64            `mapstructure:"wall_min_notional" validate:"gte=0"`
	PivotSpan       int                `mapstructure:"pivot_span" validate:"gte=1"`
	MaxPivots       int                `mapstructure:"max_pivots" validate:"gte=1"`
	MaxTickerDevPct float64            `mapstructure:"max_ticker_dev_pct" validate:"gt=0"`
	Timeout         time.Duration      `mapstructure:"timeout" validate:"gt=0"`
	MockCenters     map[string]float64 `mapstructure:"mock_centers"`
	MockSeed        int64              `mapstructure:"mock_seed"`
}

// ConfluenceConfig holds confluence scan configuration
type ConfluenceConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ProximityPct float64       `mapstructure:"proximity_pct" validate:"gte=0,lte=10"`
	ScanHours    []int         `mapstructure:"scan_hours" validate:"min=1,dive,gte=0,lte=23"`
	Cooldown     time.Duration `mapstructure:"cooldown" validate:"gte=0"`
	RunOnStart   bool          `mapstructure:"run_on_start"`
	PostSummary  bool          `mapstructure:"post_summary"`
	Weights      WeightsConfig `mapstructure:"weights"`
}

// WeightsConfig scales zone scores by kind combination
type WeightsConfig struct {
	LiquidityTrendline float64 `mapstructure:"liquidity_trendline" validate:"gt=0"`
	LiquidityBoth      float64 `mapstructure:"liquidity_both" validate:"gt=0"`
	TrendlineOnly      float64 `mapstructure:"trendline_only" validate:"gt=0"`
}

// FedWatchConfig holds calendar reminder configuration
type FedWatchConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	Mode         string          `mapstructure:"mode" validate:"oneof=file mock"`
	CalendarPath string          `mapstructure:"calendar_path"`
	Offsets      []time.Duration `mapstructure:"offsets" validate:"min=1,dive,gt=0"`
	PollInterval time.Duration   `mapstructure:"poll_interval" validate:"gt=0"`
	Cooldown     time.Duration   `mapstructure:"cooldown" validate:"gte=0"`
}

// HeadlinesConfig holds headline feed configuration
type HeadlinesConfig struct {
	Enabled      bool               `mapstructure:"enabled"`
	Mode         string             `mapstructure:"mode" validate:"oneof=http mock"`
	URL          string             `mapstructure:"url"`
	ItemsPath    string             `mapstructure:"items_path"`
	SourceName   string             `mapstructure:"source_name"`
	Fields       FieldsConfig       `mapstructure:"fields"`
	PollInterval time.Duration      `mapstructure:"poll_interval" validate:"gte=1m"`
	Threshold    float64            `mapstructure:"threshold" validate:"gte=0,lte=1"`
	Cooldown     time.Duration      `mapstructure:"cooldown" validate:"gte=0"`
	Keywords     map[string]float64 `mapstructure:"keywords"`
	Timeout      time.Duration      `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries   int                `mapstructure:"max_retries" validate:"gte=1,lte=10"`
}

// FieldsConfig maps feed keys onto headline fields
type FieldsConfig struct {
	ID          string `mapstructure:"id"`
	Text        string `mapstructure:"text" validate:"required"`
	URL         string `mapstructure:"url"`
	PublishedAt string `mapstructure:"published_at"`
	Score       string `mapstructure:"score"`
}

// MonitorConfig holds orchestration timeouts and diagnostics
type MonitorConfig struct {
	SourceTimeout   time.Duration `mapstructure:"source_timeout" validate:"gt=0"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout" validate:"gt=0"`
	DiagChatID      string        `mapstructure:"diag_chat_id"`
	BootBanner      bool          `mapstructure:"boot_banner"`
	Heartbeat       time.Duration `mapstructure:"heartbeat" validate:"gte=0"`
}

// BreakerConfig tunes the per-source circuit breakers
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" validate:"gte=1"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout" validate:"gt=0"`
}

// StorageConfig holds the alert journal configuration
type StorageConfig struct {
	DBPath    string `mapstructure:"db_path"`
	MaxAlerts int    `mapstructure:"max_alerts" validate:"gte=1"`
}

// APIConfig holds the read-only HTTP surface configuration
type APIConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// Load reads configuration from file and environment variables. An empty
// path runs on defaults and environment alone.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("MACROWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %v", models.ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", models.ErrConfiguration, err)
	}
	cfg.normalize()

	return &cfg, nil
}

// bindLegacyEnv accepts the variable names older deployments used.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("telegram.bot_token", "MACROWATCH_TELEGRAM_BOT_TOKEN", "TELEGRAM_TOKEN")
	_ = v.BindEnv("telegram.chat_id", "MACROWATCH_TELEGRAM_CHAT_ID", "CHAT_ID")
	_ = v.BindEnv("confluence.proximity_pct", "MACROWATCH_CONFLUENCE_PROXIMITY_PCT", "LIQ_PROXIMITY_PCT")
	_ = v.BindEnv("market.wall_min_notional", "MACROWATCH_MARKET_WALL_MIN_NOTIONAL", "LIQ_THRESHOLD_USD")
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Telegram defaults
	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.commands", true)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay", "1s")
	v.SetDefault("telegram.rate_per_second", 1.0)
	v.SetDefault("telegram.burst", 3)

	// Market defaults
	v.SetDefault("market.mode", "binance")
	v.SetDefault("market.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("market.kline_interval", "4h")
	v.SetDefault("market.kline_limit", 180)
	v.SetDefault("market.depth_limit", 1000)
	v.SetDefault("market.wall_bucket_pct", 0.1)
	v.SetDefault("market.wall_min_notional", 5_000_000.0)
	v.SetDefault("market.pivot_span", 1)
	v.SetDefault("market.max_pivots", 5)
	v.SetDefault("market.max_ticker_dev_pct", 2.0)
	v.SetDefault("market.timeout", "10s")
	v.SetDefault("market.mock_centers", map[string]float64{"BTCUSDT": 112000, "ETHUSDT": 4300})
	v.SetDefault("market.mock_seed", 1)

	// Confluence defaults
	v.SetDefault("confluence.enabled", true)
	v.SetDefault("confluence.proximity_pct", 0.6)
	v.SetDefault("confluence.scan_hours", []int{0, 4, 8, 12, 16, 20})
	v.SetDefault("confluence.cooldown", "4h")
	v.SetDefault("confluence.run_on_start", false)
	v.SetDefault("confluence.post_summary", true)
	v.SetDefault("confluence.weights.liquidity_trendline", 1.5)
	v.SetDefault("confluence.weights.liquidity_both", 1.75)
	v.SetDefault("confluence.weights.trendline_only", 1.0)

	// FedWatch defaults
	v.SetDefault("fedwatch.enabled", true)
	v.SetDefault("fedwatch.mode", "file")
	v.SetDefault("fedwatch.calendar_path", "./configs/calendar.yaml")
	v.SetDefault("fedwatch.offsets", []string{"24h", "1h", "10m"})
	v.SetDefault("fedwatch.poll_interval", "1m")
	v.SetDefault("fedwatch.cooldown", "5m")

	// Headlines defaults
	v.SetDefault("headlines.enabled", false)
	v.SetDefault("headlines.mode", "http")
	v.SetDefault("headlines.source_name", "feed")
	v.SetDefault("headlines.fields.id", "id")
	v.SetDefault("headlines.fields.text", "text")
	v.SetDefault("headlines.fields.url", "url")
	v.SetDefault("headlines.fields.published_at", "published_at")
	v.SetDefault("headlines.fields.score", "impact_score")
	v.SetDefault("headlines.poll_interval", "15m")
	v.SetDefault("headlines.threshold", 0.7)
	v.SetDefault("headlines.cooldown", "24h")
	v.SetDefault("headlines.timeout", "15s")
	v.SetDefault("headlines.max_retries", 3)

	// Monitor defaults
	v.SetDefault("monitor.source_timeout", "30s")
	v.SetDefault("monitor.delivery_timeout", "30s")
	v.SetDefault("monitor.boot_banner", true)
	v.SetDefault("monitor.heartbeat", "0s")

	// Breaker defaults
	v.SetDefault("breaker.consecutive_failures", 3)
	v.SetDefault("breaker.open_timeout", "5m")

	// Storage defaults
	v.SetDefault("storage.db_path", ":memory:")
	v.SetDefault("storage.max_alerts", 1000)

	// API defaults
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen_addr", "127.0.0.1:8080")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// normalize fixes up values viper cannot express, such as map keys that it
// lowercases.
func (c *Config) normalize() {
	for i, s := range c.Market.Symbols {
		c.Market.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	centers := make(map[string]float64, len(c.Market.MockCenters))
	for sym, p := range c.Market.MockCenters {
		centers[strings.ToUpper(sym)] = p
	}
	c.Market.MockCenters = centers
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
}

var validate = validator.New()

// Validate checks that all configuration values are valid. Errors wrap
// models.ErrConfiguration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q validation (param %q)", models.ErrConfiguration, fe.Namespace(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}
	if err := c.validateCross(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}
	return nil
}

func (c *Config) validateCross() error {
	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if !c.Confluence.Enabled && !c.FedWatch.Enabled && !c.Headlines.Enabled {
		return fmt.Errorf("at least one of confluence, fedwatch or headlines must be enabled")
	}

	if c.Confluence.Enabled && c.Market.Mode == "mock" && len(c.Market.MockCenters) == 0 {
		return fmt.Errorf("market.mock_centers is required in mock mode")
	}

	if c.FedWatch.Enabled {
		if c.FedWatch.Mode == "file" && c.FedWatch.CalendarPath == "" {
			return fmt.Errorf("fedwatch.calendar_path is required in file mode")
		}
		smallest := c.FedWatch.Offsets[0]
		for _, o := range c.FedWatch.Offsets[1:] {
			if o < smallest {
				smallest = o
			}
		}
		if c.FedWatch.PollInterval >= smallest {
			return fmt.Errorf("fedwatch.poll_interval (%s) must be shorter than the smallest offset (%s)", c.FedWatch.PollInterval, smallest)
		}
	}

	if c.Headlines.Enabled && c.Headlines.Mode == "http" && c.Headlines.URL == "" {
		return fmt.Errorf("headlines.url is required in http mode")
	}

	if c.API.Enabled && c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required when the api is enabled")
	}

	return nil
}

// ReminderOffsets returns the configured offsets with their labels.
func (c *Config) ReminderOffsets() []models.ReminderOffset {
	out := make([]models.ReminderOffset, len(c.FedWatch.Offsets))
	for i, d := range c.FedWatch.Offsets {
		out[i] = models.NewReminderOffset(d)
	}
	return out
}

// MaxCooldown is the largest cooldown window in use, for pruning.
func (c *Config) MaxCooldown() time.Duration {
	max := c.Confluence.Cooldown
	for _, d := range []time.Duration{c.FedWatch.Cooldown, c.Headlines.Cooldown} {
		if d > max {
			max = d
		}
	}
	return max
}
