package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Feeds       FeedsConfig     `mapstructure:"feeds"`
	Ingest      IngestConfig    `mapstructure:"ingest"`
	Anomaly     AnomalyConfig   `mapstructure:"anomaly"`
	Fusion      FusionConfig    `mapstructure:"fusion"`
	Alert       AlertConfig     `mapstructure:"alert"`
	Queues      QueuesConfig    `mapstructure:"queues"`
	Retention   RetentionConfig `mapstructure:"retention"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	DatabaseURL  string `mapstructure:"database_url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// FeedsConfig points the ingest adapters at their upstream endpoints. The
// per-platform scraping behind those endpoints is out of scope; the clients
// only rely on the normalized record shapes.
type FeedsConfig struct {
	MarketURL string `mapstructure:"market_url"`
	NewsURL   string `mapstructure:"news_url"`
	SocialURL string `mapstructure:"social_url"`
	Timeout   string `mapstructure:"timeout"`
}

type IngestConfig struct {
	Symbols            []string `mapstructure:"symbols"`
	Topics             []string `mapstructure:"topics"`
	MarketInterval     string   `mapstructure:"market_interval"`
	NewsInterval       string   `mapstructure:"news_interval"`
	SocialInterval     string   `mapstructure:"social_interval"`
	FingerprintBucket  string   `mapstructure:"fingerprint_bucket"`
	FingerprintTTL     string   `mapstructure:"fingerprint_ttl"`
	SweepInterval      string   `mapstructure:"sweep_interval"`
	MaxTickHistory     int      `mapstructure:"max_tick_history"`
	ParallelSymbols    int      `mapstructure:"parallel_symbols"`
	BullishKeywords    []string `mapstructure:"bullish_keywords"`
	BearishKeywords    []string `mapstructure:"bearish_keywords"`
	HighImpactKeywords []string `mapstructure:"high_impact_keywords"`
}

type AnomalyConfig struct {
	PriceSpikePercent   float64 `mapstructure:"price_spike_percent"`
	VolumeSpikeMultiple float64 `mapstructure:"volume_spike_multiple"`
	VolatilityPercent   float64 `mapstructure:"volatility_percent"`
	VolumeAveragePeriod int     `mapstructure:"volume_average_period"`
	PriceChangeWindow   string  `mapstructure:"price_change_window"`
	MinHistory          int     `mapstructure:"min_history"`
}

type FusionConfig struct {
	Window   string `mapstructure:"window"`
	Interval string `mapstructure:"interval"`
	MaxBatch int    `mapstructure:"max_batch"`
}

type AlertConfig struct {
	CriticalBypass   bool   `mapstructure:"critical_bypass"`
	DispatchDedupTTL string `mapstructure:"dispatch_dedup_ttl"`
	Timeout          string `mapstructure:"timeout"`
}

// QueueClassConfig mirrors one queue class: concurrency and rate caps plus
// the retry budget and backoff bounds.
type QueueClassConfig struct {
	MaxConcurrent int    `mapstructure:"max_concurrent"`
	MaxPerSecond  int    `mapstructure:"max_per_second"`
	MaxAttempts   int    `mapstructure:"max_attempts"`
	BaseBackoff   string `mapstructure:"base_backoff"`
	MaxBackoff    string `mapstructure:"max_backoff"`
	JobTimeout    string `mapstructure:"job_timeout"`
}

type QueuesConfig struct {
	RawCollection       QueueClassConfig `mapstructure:"raw_collection"`
	HighPriorityRefetch QueueClassConfig `mapstructure:"high_priority_refetch"`
	MarketCollection    QueueClassConfig `mapstructure:"market_collection"`
	AlertDispatch       QueueClassConfig `mapstructure:"alert_dispatch"`
}

type RetentionConfig struct {
	TickRetentionHours   int `mapstructure:"tick_retention_hours"`
	SignalRetentionHours int `mapstructure:"signal_retention_hours"`
	EventRetentionHours  int `mapstructure:"event_retention_hours"`
	CleanupIntervalMins  int `mapstructure:"cleanup_interval_minutes"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	durations := map[string]string{
		"ingest.market_interval":      c.Ingest.MarketInterval,
		"ingest.news_interval":        c.Ingest.NewsInterval,
		"ingest.social_interval":      c.Ingest.SocialInterval,
		"ingest.fingerprint_ttl":      c.Ingest.FingerprintTTL,
		"ingest.fingerprint_bucket":   c.Ingest.FingerprintBucket,
		"anomaly.price_change_window": c.Anomaly.PriceChangeWindow,
		"fusion.window":               c.Fusion.Window,
		"fusion.interval":             c.Fusion.Interval,
		"alert.dispatch_dedup_ttl":    c.Alert.DispatchDedupTTL,
	}
	for name, d := range durations {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	if c.Anomaly.PriceSpikePercent <= 0 {
		return fmt.Errorf("anomaly.price_spike_percent must be positive")
	}
	if c.Anomaly.VolumeSpikeMultiple <= 0 {
		return fmt.Errorf("anomaly.volume_spike_multiple must be positive")
	}
	if c.Anomaly.MinHistory < 1 {
		return fmt.Errorf("anomaly.min_history must be at least 1")
	}
	return nil
}

// Duration parses a config duration string, falling back to def when the
// value is empty or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "signalfuse")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.database_url", "")
	viper.SetDefault("database.max_open_conns", 25)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("feeds.market_url", "http://localhost:3001")
	viper.SetDefault("feeds.news_url", "http://localhost:3002")
	viper.SetDefault("feeds.social_url", "http://localhost:3003")
	viper.SetDefault("feeds.timeout", "15s")

	viper.SetDefault("ingest.symbols", []string{"AAPL", "TSLA", "NVDA", "BTC-USD", "ETH-USD"})
	viper.SetDefault("ingest.topics", []string{"fed", "earnings", "regulation"})
	viper.SetDefault("ingest.market_interval", "1m")
	viper.SetDefault("ingest.news_interval", "5m")
	viper.SetDefault("ingest.social_interval", "5m")
	viper.SetDefault("ingest.fingerprint_bucket", "1m")
	viper.SetDefault("ingest.fingerprint_ttl", "24h")
	viper.SetDefault("ingest.sweep_interval", "10m")
	viper.SetDefault("ingest.max_tick_history", 60)
	viper.SetDefault("ingest.parallel_symbols", 8)
	viper.SetDefault("ingest.bullish_keywords", []string{"beat", "surge", "upgrade", "record", "rally", "approval"})
	viper.SetDefault("ingest.bearish_keywords", []string{"miss", "plunge", "downgrade", "lawsuit", "recall", "fraud", "crash"})
	viper.SetDefault("ingest.high_impact_keywords", []string{"halt", "bankruptcy", "investigation", "acquisition", "merger"})

	viper.SetDefault("anomaly.price_spike_percent", 1.5)
	viper.SetDefault("anomaly.volume_spike_multiple", 2.0)
	viper.SetDefault("anomaly.volatility_percent", 2.0)
	viper.SetDefault("anomaly.volume_average_period", 20)
	viper.SetDefault("anomaly.price_change_window", "5m")
	viper.SetDefault("anomaly.min_history", 5)

	viper.SetDefault("fusion.window", "15m")
	viper.SetDefault("fusion.interval", "5m")
	viper.SetDefault("fusion.max_batch", 500)

	viper.SetDefault("alert.critical_bypass", true)
	viper.SetDefault("alert.dispatch_dedup_ttl", "6h")
	viper.SetDefault("alert.timeout", "30s")

	viper.SetDefault("queues.raw_collection.max_concurrent", 100)
	viper.SetDefault("queues.raw_collection.max_per_second", 50)
	viper.SetDefault("queues.raw_collection.max_attempts", 5)
	viper.SetDefault("queues.raw_collection.base_backoff", "1s")
	viper.SetDefault("queues.raw_collection.max_backoff", "60s")
	viper.SetDefault("queues.raw_collection.job_timeout", "60s")

	viper.SetDefault("queues.high_priority_refetch.max_concurrent", 50)
	viper.SetDefault("queues.high_priority_refetch.max_per_second", 100)
	viper.SetDefault("queues.high_priority_refetch.max_attempts", 3)
	viper.SetDefault("queues.high_priority_refetch.base_backoff", "500ms")
	viper.SetDefault("queues.high_priority_refetch.max_backoff", "10s")
	viper.SetDefault("queues.high_priority_refetch.job_timeout", "30s")

	viper.SetDefault("queues.market_collection.max_concurrent", 20)
	viper.SetDefault("queues.market_collection.max_per_second", 10)
	viper.SetDefault("queues.market_collection.max_attempts", 3)
	viper.SetDefault("queues.market_collection.base_backoff", "1s")
	viper.SetDefault("queues.market_collection.max_backoff", "30s")
	viper.SetDefault("queues.market_collection.job_timeout", "120s")

	viper.SetDefault("queues.alert_dispatch.max_concurrent", 10)
	viper.SetDefault("queues.alert_dispatch.max_per_second", 5)
	viper.SetDefault("queues.alert_dispatch.max_attempts", 5)
	viper.SetDefault("queues.alert_dispatch.base_backoff", "2s")
	viper.SetDefault("queues.alert_dispatch.max_backoff", "120s")
	viper.SetDefault("queues.alert_dispatch.job_timeout", "60s")

	viper.SetDefault("retention.tick_retention_hours", 24)
	viper.SetDefault("retention.signal_retention_hours", 48)
	viper.SetDefault("retention.event_retention_hours", 168)
	viper.SetDefault("retention.cleanup_interval_minutes", 60)
}
