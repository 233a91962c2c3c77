package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/polymirror/copytrader/internal/blob/s3"
	"github.com/polymirror/copytrader/internal/cache/redis"
	"github.com/polymirror/copytrader/internal/config"
	"github.com/polymirror/copytrader/internal/domain"
	"github.com/polymirror/copytrader/internal/notify"
	"github.com/polymirror/copytrader/internal/queue"
	"github.com/polymirror/copytrader/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	Users       domain.FollowedUserStore
	Trades      domain.TradeEventStore
	Activity    domain.ActivityEventStore
	Ledger      domain.LedgerStore
	Attempts    domain.CopyAttemptStore
	Snapshots   domain.SnapshotStore
	Markets     domain.MarketStore
	Policies    domain.PolicyStore
	Checkpoints domain.CheckpointStore
	PriceHist   domain.PriceSnapshotStore
	Audit       domain.AuditStore

	// Caches
	Prices   domain.PriceCache
	Metadata domain.MetadataCache
	Buffers  domain.BufferCache
	Gate     domain.RetryGate
	Locks    domain.LockManager

	// Queue. The concrete type is kept so the operator endpoints can read
	// stream depths.
	Queue *queue.RedisQueue

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// PG exposes connection health to the operator endpoints. Nil in
	// monitor mode.
	PG *postgres.Client
}

// needsPostgres returns true for modes that require persistence.
func needsPostgres(mode string) bool {
	switch mode {
	case "full", "ingest":
		return true
	default:
		return false
	}
}

// needsRedis returns true for modes that run the pipeline queues and caches.
func needsRedis(mode string) bool {
	return needsPostgres(mode)
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PG = pgClient
		deps.Users = postgres.NewFollowedUserStore(pool)
		deps.Trades = postgres.NewTradeEventStore(pool)
		deps.Activity = postgres.NewActivityStore(pool)
		deps.Ledger = postgres.NewLedgerStore(pool)
		deps.Attempts = postgres.NewCopyAttemptStore(pool)
		deps.Snapshots = postgres.NewSnapshotStore(pool)
		deps.Markets = postgres.NewMarketStore(pool)
		deps.Policies = postgres.NewPolicyStore(pool)
		deps.Checkpoints = postgres.NewCheckpointStore(pool)
		deps.PriceHist = postgres.NewPriceSnapshotStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	if needsRedis(cfg.Mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Prices = redis.NewPriceCache(redisClient)
		deps.Metadata = redis.NewMetadataCache(redisClient)
		deps.Buffers = redis.NewBufferCache(redisClient)
		deps.Gate = redis.NewRetryGate(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Queue = queue.New(redisClient, cfg.Engine.QueueMaxAttempts, logger)
	}

	// --- S3 cold storage (optional) ---
	if cfg.S3.Enabled && cfg.Mode == "full" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)

		// The archive sources are the concrete Postgres stores; the
		// domain interfaces do not expose ListBefore.
		pool := deps.PG.Pool()
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			postgres.NewTradeEventStore(pool),
			postgres.NewCopyAttemptStore(pool),
			postgres.NewLedgerStore(pool),
			deps.Audit,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.New(senders, cfg.Notify.Events, cfg.Notify.ExecNoticeMinMicros, logger)

	return deps, cleanup, nil
}
