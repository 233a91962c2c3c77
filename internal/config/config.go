// Package config defines the top-level configuration for the copy-trading
// worker and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by COPYTRADER_* environment
// variables (plus the canonical deployment variables such as DATABASE_URL).
type Config struct {
	Database    DatabaseConfig `toml:"database"`
	Redis       RedisConfig    `toml:"redis"`
	Alchemy     AlchemyConfig  `toml:"alchemy"`
	DataAPI     DataAPIConfig  `toml:"data_api"`
	Clob        ClobConfig     `toml:"clob"`
	Gamma       GammaConfig    `toml:"gamma"`
	Engine      EngineConfig   `toml:"engine"`
	S3          S3Config       `toml:"s3"`
	Server      ServerConfig   `toml:"server"`
	Notify      NotifyConfig   `toml:"notify"`
	Mode        string         `toml:"mode"`
	LogLevel    string         `toml:"log_level"`
	Environment string         `toml:"environment"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN          string `toml:"dsn"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Database     string `toml:"database"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	SSLMode      string `toml:"ssl_mode"`
	PoolMaxConns int    `toml:"pool_max_conns"`
	PoolMinConns int    `toml:"pool_min_conns"`

	// RunMigrations applies the embedded schema migrations on startup.
	RunMigrations bool `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. URL, when set, wins over
// the discrete fields.
type RedisConfig struct {
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// AlchemyConfig holds the streaming RPC endpoint and the on-chain
// subscription parameters.
type AlchemyConfig struct {
	WsURL             string   `toml:"ws_url"`
	ExchangeAddresses []string `toml:"exchange_addresses"`
	WalletRefresh     duration `toml:"wallet_refresh"`
	ConnectTimeout    duration `toml:"connect_timeout"`
	BackoffBase       duration `toml:"backoff_base"`
	BackoffCap        duration `toml:"backoff_cap"`
	RateLimitBase     duration `toml:"rate_limit_base"`
	RateLimitCap      duration `toml:"rate_limit_cap"`
	ReconcileWindow   duration `toml:"reconcile_window"`
}

// DataAPIConfig holds Polymarket Data API polling parameters.
type DataAPIConfig struct {
	BaseURL          string   `toml:"base_url"`
	PollInterval     duration `toml:"poll_interval"`
	PageSize         int      `toml:"page_size"`
	MaxPages         int      `toml:"max_pages"`
	MaxPagesFastPath int      `toml:"max_pages_fast_path"`
	InitLookback     duration `toml:"init_lookback"`
	PollConcurrency  int      `toml:"poll_concurrency"`
}

// ClobConfig holds the CLOB REST and market-data WebSocket endpoints.
type ClobConfig struct {
	Host          string `toml:"host"`
	WsHost        string `toml:"ws_host"`
	BookWsEnabled bool   `toml:"book_ws_enabled"`
}

// GammaConfig holds the Gamma metadata API endpoint and enrichment pacing.
type GammaConfig struct {
	Host           string   `toml:"host"`
	EnrichInterval duration `toml:"enrich_interval"`
	EnrichBatch    int      `toml:"enrich_batch"`
}

// EngineConfig holds the copy-engine stage parameters.
type EngineConfig struct {
	AggregationWindow      duration `toml:"aggregation_window"`
	BufferSweepInterval    duration `toml:"buffer_sweep_interval"`
	SnapshotInterval       duration `toml:"snapshot_interval"`
	StartingBankrollMicros int64    `toml:"starting_bankroll_micros"`
	QueueConcurrency       int      `toml:"queue_concurrency"`
	QueueMaxAttempts       int      `toml:"queue_max_attempts"`
	ConfigCacheTTL         duration `toml:"config_cache_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
	ArchiveCron    string `toml:"archive_cron"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken       string   `toml:"telegram_token"`
	TelegramChatID      string   `toml:"telegram_chat_id"`
	DiscordWebhookURL   string   `toml:"discord_webhook_url"`
	Events              []string `toml:"events"`
	ExecNoticeMinMicros int64    `toml:"exec_notice_min_micros"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "250ms".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "copytrader",
			User:         "postgres",
			SSLMode:      "disable",
			PoolMaxConns: 10,
			PoolMinConns: 2,

			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Alchemy: AlchemyConfig{
			ExchangeAddresses: []string{
				"0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E", // CTF exchange
				"0xC5d563A36AE78145C45a50134d48A1215220f80a", // NegRisk exchange
			},
			WalletRefresh:   duration{60 * time.Second},
			ConnectTimeout:  duration{30 * time.Second},
			BackoffBase:     duration{1 * time.Second},
			BackoffCap:      duration{5 * time.Minute},
			RateLimitBase:   duration{2 * time.Minute},
			RateLimitCap:    duration{10 * time.Minute},
			ReconcileWindow: duration{5 * time.Minute},
		},
		DataAPI: DataAPIConfig{
			BaseURL:          "https://data-api.polymarket.com",
			PollInterval:     duration{30 * time.Second},
			PageSize:         100,
			MaxPages:         10,
			MaxPagesFastPath: 5,
			InitLookback:     duration{15 * time.Minute},
			PollConcurrency:  4,
		},
		Clob: ClobConfig{
			Host:          "https://clob.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			BookWsEnabled: true,
		},
		Gamma: GammaConfig{
			Host:           "https://gamma-api.polymarket.com",
			EnrichInterval: duration{15 * time.Second},
			EnrichBatch:    20,
		},
		Engine: EngineConfig{
			AggregationWindow:      duration{250 * time.Millisecond},
			BufferSweepInterval:    duration{100 * time.Millisecond},
			SnapshotInterval:       duration{60 * time.Second},
			StartingBankrollMicros: 10_000_000_000, // 10k USDC
			QueueConcurrency:       4,
			QueueMaxAttempts:       5,
			ConfigCacheTTL:         duration{5 * time.Minute},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "copytrader-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  30,
			ArchiveCron:    "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events:              []string{"circuit_breaker", "ws_rate_limited", "large_execute", "archive_complete"},
			ExecNoticeMinMicros: 50_000_000,
		},
		Mode:        "full",
		LogLevel:    "info",
		Environment: "development",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true, // every stage
	"ingest":  true, // ingestors + shadow ledger, no execution
	"monitor": true, // health server only
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, ingest, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.URL == "" && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty (or set redis.url)")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Alchemy — the WS ingestor cannot run without an endpoint, but the
	// polling-only mode can.
	if c.Mode == "full" || c.Mode == "ingest" {
		if c.Alchemy.WsURL == "" {
			errs = append(errs, "alchemy: ws_url is required for mode "+c.Mode)
		}
		if len(c.Alchemy.ExchangeAddresses) == 0 {
			errs = append(errs, "alchemy: exchange_addresses must not be empty")
		}
	}
	if c.Alchemy.BackoffBase.Duration <= 0 || c.Alchemy.BackoffCap.Duration < c.Alchemy.BackoffBase.Duration {
		errs = append(errs, "alchemy: backoff_base must be > 0 and <= backoff_cap")
	}

	// Data API
	if c.DataAPI.BaseURL == "" {
		errs = append(errs, "data_api: base_url must not be empty")
	}
	if c.DataAPI.PageSize < 1 || c.DataAPI.PageSize > 100 {
		errs = append(errs, fmt.Sprintf("data_api: page_size must be 1-100, got %d", c.DataAPI.PageSize))
	}
	if c.DataAPI.MaxPages < 1 {
		errs = append(errs, "data_api: max_pages must be >= 1")
	}
	if c.DataAPI.PollConcurrency < 1 {
		errs = append(errs, "data_api: poll_concurrency must be >= 1")
	}

	// CLOB / Gamma
	if c.Clob.Host == "" {
		errs = append(errs, "clob: host must not be empty")
	}
	if c.Clob.BookWsEnabled && c.Clob.WsHost == "" {
		errs = append(errs, "clob: ws_host is required when book_ws_enabled")
	}
	if c.Gamma.Host == "" {
		errs = append(errs, "gamma: host must not be empty")
	}

	// Engine
	if c.Engine.AggregationWindow.Duration <= 0 {
		errs = append(errs, "engine: aggregation_window must be > 0")
	}
	if c.Engine.StartingBankrollMicros <= 0 {
		errs = append(errs, "engine: starting_bankroll_micros must be > 0")
	}
	if c.Engine.QueueConcurrency < 1 {
		errs = append(errs, "engine: queue_concurrency must be >= 1")
	}
	if c.Engine.QueueMaxAttempts < 1 {
		errs = append(errs, "engine: queue_max_attempts must be >= 1")
	}

	// S3 — only validated when the archiver is on.
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1 when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
