package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies environment variable overrides, and returns
// the final Config. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known environment variables and overwrites
// the corresponding Config fields when a variable is set (i.e. not empty).
// Deployment platforms inject the unprefixed canonical names (DATABASE_URL,
// REDIS_URL, ...); COPYTRADER_* names cover everything else.
func applyEnvOverrides(cfg *Config) {
	// ── Canonical deployment variables ──
	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Alchemy.WsURL, "ALCHEMY_WS_URL")
	setStr(&cfg.DataAPI.BaseURL, "POLYMARKET_DATA_API_BASE_URL")
	setStr(&cfg.Clob.Host, "POLYMARKET_CLOB_BASE_URL")
	setStr(&cfg.Gamma.Host, "GAMMA_API_BASE_URL")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.Environment, "NODE_ENV") // compatibility with the JS deploys
	setInt(&cfg.Server.Port, "WORKER_PORT")
	setBool(&cfg.Clob.BookWsEnabled, "CLOB_BOOK_WS_ENABLED")

	// ── Database ──
	setStr(&cfg.Database.DSN, "COPYTRADER_DATABASE_DSN")
	setStr(&cfg.Database.Host, "COPYTRADER_DATABASE_HOST")
	setInt(&cfg.Database.Port, "COPYTRADER_DATABASE_PORT")
	setStr(&cfg.Database.Database, "COPYTRADER_DATABASE_NAME")
	setStr(&cfg.Database.User, "COPYTRADER_DATABASE_USER")
	setStr(&cfg.Database.Password, "COPYTRADER_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "COPYTRADER_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "COPYTRADER_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "COPYTRADER_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "COPYTRADER_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "COPYTRADER_REDIS_URL")
	setStr(&cfg.Redis.Addr, "COPYTRADER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COPYTRADER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COPYTRADER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COPYTRADER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COPYTRADER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COPYTRADER_REDIS_TLS_ENABLED")

	// ── Alchemy ──
	setStr(&cfg.Alchemy.WsURL, "COPYTRADER_ALCHEMY_WS_URL")
	setStringSlice(&cfg.Alchemy.ExchangeAddresses, "COPYTRADER_ALCHEMY_EXCHANGE_ADDRESSES")
	setDuration(&cfg.Alchemy.WalletRefresh, "COPYTRADER_ALCHEMY_WALLET_REFRESH")
	setDuration(&cfg.Alchemy.ConnectTimeout, "COPYTRADER_ALCHEMY_CONNECT_TIMEOUT")
	setDuration(&cfg.Alchemy.BackoffBase, "COPYTRADER_ALCHEMY_BACKOFF_BASE")
	setDuration(&cfg.Alchemy.BackoffCap, "COPYTRADER_ALCHEMY_BACKOFF_CAP")
	setDuration(&cfg.Alchemy.RateLimitBase, "COPYTRADER_ALCHEMY_RATE_LIMIT_BASE")
	setDuration(&cfg.Alchemy.RateLimitCap, "COPYTRADER_ALCHEMY_RATE_LIMIT_CAP")
	setDuration(&cfg.Alchemy.ReconcileWindow, "COPYTRADER_ALCHEMY_RECONCILE_WINDOW")

	// ── Data API ──
	setStr(&cfg.DataAPI.BaseURL, "COPYTRADER_DATA_API_BASE_URL")
	setDuration(&cfg.DataAPI.PollInterval, "COPYTRADER_DATA_API_POLL_INTERVAL")
	setInt(&cfg.DataAPI.PageSize, "COPYTRADER_DATA_API_PAGE_SIZE")
	setInt(&cfg.DataAPI.MaxPages, "COPYTRADER_DATA_API_MAX_PAGES")
	setInt(&cfg.DataAPI.MaxPagesFastPath, "COPYTRADER_DATA_API_MAX_PAGES_FAST_PATH")
	setDuration(&cfg.DataAPI.InitLookback, "COPYTRADER_DATA_API_INIT_LOOKBACK")
	setInt(&cfg.DataAPI.PollConcurrency, "COPYTRADER_DATA_API_POLL_CONCURRENCY")

	// ── CLOB / Gamma ──
	setStr(&cfg.Clob.Host, "COPYTRADER_CLOB_HOST")
	setStr(&cfg.Clob.WsHost, "COPYTRADER_CLOB_WS_HOST")
	setBool(&cfg.Clob.BookWsEnabled, "COPYTRADER_CLOB_BOOK_WS_ENABLED")
	setStr(&cfg.Gamma.Host, "COPYTRADER_GAMMA_HOST")
	setDuration(&cfg.Gamma.EnrichInterval, "COPYTRADER_GAMMA_ENRICH_INTERVAL")
	setInt(&cfg.Gamma.EnrichBatch, "COPYTRADER_GAMMA_ENRICH_BATCH")

	// ── Engine ──
	setDuration(&cfg.Engine.AggregationWindow, "COPYTRADER_ENGINE_AGGREGATION_WINDOW")
	setDuration(&cfg.Engine.BufferSweepInterval, "COPYTRADER_ENGINE_BUFFER_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.SnapshotInterval, "COPYTRADER_ENGINE_SNAPSHOT_INTERVAL")
	setInt64(&cfg.Engine.StartingBankrollMicros, "COPYTRADER_ENGINE_STARTING_BANKROLL_MICROS")
	setInt(&cfg.Engine.QueueConcurrency, "COPYTRADER_ENGINE_QUEUE_CONCURRENCY")
	setInt(&cfg.Engine.QueueMaxAttempts, "COPYTRADER_ENGINE_QUEUE_MAX_ATTEMPTS")
	setDuration(&cfg.Engine.ConfigCacheTTL, "COPYTRADER_ENGINE_CONFIG_CACHE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "COPYTRADER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "COPYTRADER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COPYTRADER_S3_REGION")
	setStr(&cfg.S3.Bucket, "COPYTRADER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COPYTRADER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COPYTRADER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COPYTRADER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COPYTRADER_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "COPYTRADER_S3_RETENTION_DAYS")
	setStr(&cfg.S3.ArchiveCron, "COPYTRADER_S3_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COPYTRADER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "COPYTRADER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COPYTRADER_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TELEGRAM_BOT_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.TelegramToken, "COPYTRADER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COPYTRADER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COPYTRADER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COPYTRADER_NOTIFY_EVENTS")
	setInt64(&cfg.Notify.ExecNoticeMinMicros, "COPYTRADER_NOTIFY_EXEC_NOTICE_MIN_MICROS")

	// ── Top-level ──
	setStr(&cfg.Mode, "COPYTRADER_MODE")
	setStr(&cfg.LogLevel, "COPYTRADER_LOG_LEVEL")
	setStr(&cfg.Environment, "COPYTRADER_ENVIRONMENT")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
