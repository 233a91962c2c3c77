package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polymirror/copytrader/internal/books"
	"github.com/polymirror/copytrader/internal/domain"
	"github.com/polymirror/copytrader/internal/executor"
	"github.com/polymirror/copytrader/internal/ingest"
	"github.com/polymirror/copytrader/internal/pipeline"
	"github.com/polymirror/copytrader/internal/platform/polymarket"
	"github.com/polymirror/copytrader/internal/server"
)

// Book-stream reconnect schedule. The CLOB market channel tolerates tight
// reconnects, unlike the RPC stream.
const (
	bookBackoffBase = 1 * time.Second
	bookBackoffCap  = 30 * time.Second
)

// shutdownFlushTimeout bounds the post-Wait drain of aggregation buckets
// and buffered dust.
const shutdownFlushTimeout = 10 * time.Second

// FullMode runs every stage: both ingestors, the shadow ledger, the
// aggregation window, the small-trade buffer, the execution engine,
// portfolio snapshotting, metadata enrichment, the cold-storage archiver,
// and the operator HTTP server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	resolver := pipeline.NewConfigResolver(deps.Policies, a.cfg.Engine.ConfigCacheTTL.Duration, a.logger)

	tracker, ws := a.startIngestion(ctx, g, deps)

	bookCache := a.startBooks(ctx, g, deps)

	// Aggregation window feeding the small-trade buffer, which routes
	// groups onward to the execution queue.
	buffer := pipeline.NewSmallTradeBuffer(
		deps.Buffers, resolver, deps.Checkpoints, deps.Attempts, deps.Queue, a.logger,
	)
	agg := pipeline.NewAggregator(a.cfg.Engine.AggregationWindow.Duration, deps.Trades, buffer, a.logger)
	g.Go(func() error {
		return buffer.Run(ctx, a.cfg.Engine.BufferSweepInterval.Duration)
	})

	shadow := pipeline.NewShadowLedger(deps.Trades, deps.Activity, deps.Ledger, deps.Queue, a.logger)

	exec := executor.New(
		deps.Attempts, deps.Ledger, deps.Snapshots, deps.Markets,
		bookCache, deps.Prices, resolver, deps.Notifier,
		a.cfg.Engine.StartingBankrollMicros, a.logger,
	)

	workers := a.cfg.Engine.QueueConcurrency
	g.Go(func() error {
		return deps.Queue.Run(ctx, domain.QueueIngestEvents, workers, shadow.HandleIngestJob)
	})
	g.Go(func() error {
		return deps.Queue.Run(ctx, domain.QueueGroupEvents, workers, agg.HandleGroupJob)
	})
	g.Go(func() error {
		return deps.Queue.Run(ctx, domain.QueueCopyAttemptGlobal, workers, exec.HandleCopyJob)
	})

	a.startValuation(ctx, g, deps)

	if deps.Archiver != nil {
		arch := pipeline.NewArchiver(
			deps.Archiver, deps.Audit, deps.Notifier, a.cfg.S3.RetentionDays, a.logger,
		).WithLock(deps.Locks)
		g.Go(func() error {
			return arch.RunCron(ctx, a.cfg.S3.ArchiveCron)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, ws, tracker, buffer, resolver)
	}

	err := g.Wait()

	// Consumers are stopped now. Open aggregation buckets become groups
	// and buffered dust re-enqueues, so the next start picks both up
	// instead of losing the tail of the session.
	agg.Close()
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
	defer cancel()
	buffer.FlushAll(flushCtx)

	return err
}

// IngestMode runs observation without execution: ingestors, the shadow
// ledger, aggregation and buffering, enrichment and snapshotting. Decisions
// queued for execution are drained and acknowledged with a log line, so the
// pipeline never backs up while trading is off.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")

	g, ctx := errgroup.WithContext(ctx)

	resolver := pipeline.NewConfigResolver(deps.Policies, a.cfg.Engine.ConfigCacheTTL.Duration, a.logger)

	tracker, ws := a.startIngestion(ctx, g, deps)

	buffer := pipeline.NewSmallTradeBuffer(
		deps.Buffers, resolver, deps.Checkpoints, deps.Attempts, deps.Queue, a.logger,
	)
	agg := pipeline.NewAggregator(a.cfg.Engine.AggregationWindow.Duration, deps.Trades, buffer, a.logger)
	g.Go(func() error {
		return buffer.Run(ctx, a.cfg.Engine.BufferSweepInterval.Duration)
	})

	shadow := pipeline.NewShadowLedger(deps.Trades, deps.Activity, deps.Ledger, deps.Queue, a.logger)

	workers := a.cfg.Engine.QueueConcurrency
	g.Go(func() error {
		return deps.Queue.Run(ctx, domain.QueueIngestEvents, workers, shadow.HandleIngestJob)
	})
	g.Go(func() error {
		return deps.Queue.Run(ctx, domain.QueueGroupEvents, workers, agg.HandleGroupJob)
	})
	g.Go(func() error {
		return deps.Queue.Run(ctx, domain.QueueCopyAttemptGlobal, workers, a.drainCopyJob)
	})

	a.startValuation(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, ws, tracker, buffer, resolver)
	}

	err := g.Wait()

	agg.Close()
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
	defer cancel()
	buffer.FlushAll(flushCtx)

	return err
}

// MonitorMode runs only the operator HTTP server, with every dependency
// field degraded. Useful as a canary deployment target.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil, nil, nil, nil)
	return g.Wait()
}

// drainCopyJob acknowledges execution decisions without acting on them.
func (a *App) drainCopyJob(ctx context.Context, job domain.Job) error {
	var payload domain.CopyJob
	if err := job.DecodePayload(&payload); err != nil {
		return nil
	}
	a.logger.InfoContext(ctx, "copy decision skipped (execution disabled)",
		slog.String("group_key", payload.Group.GroupKey),
		slog.Int64("followed_user_id", payload.Group.FollowedUserID),
		slog.Int64("notional_micros", payload.Group.TotalNotionalMicros),
	)
	return nil
}

// startIngestion launches the wallet tracker and both ingestors, plus the
// reconcile queue consumer that backstops stream gaps.
func (a *App) startIngestion(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*ingest.WalletTracker, *ingest.WsIngestor) {
	tracker := ingest.NewWalletTracker(deps.Users, a.cfg.Alchemy.WalletRefresh.Duration, a.logger)
	if _, err := tracker.Refresh(ctx); err != nil {
		// Run retries on the refresh interval; start with an empty set.
		a.logger.WarnContext(ctx, "initial wallet refresh failed",
			slog.String("error", err.Error()),
		)
	}
	g.Go(func() error {
		return tracker.Run(ctx)
	})

	ws := ingest.NewWsIngestor(
		ingest.WsIngestorConfig{
			WsURL:             a.cfg.Alchemy.WsURL,
			ExchangeAddresses: a.cfg.Alchemy.ExchangeAddresses,
			ConnectTimeout:    a.cfg.Alchemy.ConnectTimeout.Duration,
			BackoffBase:       a.cfg.Alchemy.BackoffBase.Duration,
			BackoffCap:        a.cfg.Alchemy.BackoffCap.Duration,
			RateLimitBase:     a.cfg.Alchemy.RateLimitBase.Duration,
			RateLimitCap:      a.cfg.Alchemy.RateLimitCap.Duration,
			ReconcileWindow:   a.cfg.Alchemy.ReconcileWindow.Duration,
		},
		deps.Trades, deps.Users, deps.Checkpoints, deps.Queue, deps.Gate, tracker, a.logger,
	)
	ws.SetNotifier(deps.Notifier)
	g.Go(func() error {
		return ws.Run(ctx)
	})

	api := ingest.NewApiIngestor(
		ingest.ApiIngestorConfig{
			PollInterval:     a.cfg.DataAPI.PollInterval.Duration,
			PageSize:         a.cfg.DataAPI.PageSize,
			MaxPages:         a.cfg.DataAPI.MaxPages,
			MaxPagesFastPath: a.cfg.DataAPI.MaxPagesFastPath,
			InitLookback:     a.cfg.DataAPI.InitLookback.Duration,
			PollConcurrency:  a.cfg.DataAPI.PollConcurrency,
			RateLimitBase:    a.cfg.Alchemy.RateLimitBase.Duration,
			RateLimitCap:     a.cfg.Alchemy.RateLimitCap.Duration,
		},
		polymarket.NewDataClient(a.cfg.DataAPI.BaseURL),
		deps.Trades, deps.Activity, deps.Users, deps.Checkpoints, deps.Queue, deps.Gate, a.logger,
	)
	g.Go(func() error {
		return api.Run(ctx)
	})
	g.Go(func() error {
		return deps.Queue.Run(ctx, domain.QueueReconcile, a.cfg.DataAPI.PollConcurrency, api.HandleReconcileJob)
	})

	return tracker, ws
}

// startBooks builds the order book cache over the CLOB REST API, with the
// market-channel stream layered on when enabled.
func (a *App) startBooks(ctx context.Context, g *errgroup.Group, deps *Dependencies) *books.Cache {
	clob := polymarket.NewClobClient(a.cfg.Clob.Host)
	cache := books.NewCache(clob, nil, a.logger)

	if a.cfg.Clob.BookWsEnabled {
		feed := books.NewFeed(books.FeedConfig{
			WsURL:       a.cfg.Clob.WsHost,
			BackoffBase: bookBackoffBase,
			BackoffCap:  bookBackoffCap,
		}, cache, deps.Prices, a.logger)
		cache.SetFeed(feed)
		g.Go(func() error {
			return feed.Run(ctx)
		})
	}

	return cache
}

// startValuation launches the portfolio snapshotter and the metadata
// enricher.
func (a *App) startValuation(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	snap := pipeline.NewSnapshotter(
		a.cfg.Engine.SnapshotInterval.Duration,
		deps.Ledger, deps.Snapshots, deps.Users, deps.Prices, deps.PriceHist,
		a.logger,
	)
	g.Go(func() error {
		return snap.Run(ctx)
	})

	enricher := pipeline.NewEnricher(
		a.cfg.Gamma.EnrichInterval.Duration,
		a.cfg.Gamma.EnrichBatch,
		deps.Trades, deps.Markets,
		polymarket.NewGammaClient(a.cfg.Gamma.Host),
		deps.Metadata,
		a.logger,
	)
	g.Go(func() error {
		return enricher.Run(ctx)
	})
}

// startHTTPServer adds the operator server to the errgroup. Nil components
// degrade the corresponding response fields rather than failing requests.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	ws *ingest.WsIngestor,
	tracker *ingest.WalletTracker,
	buffer *pipeline.SmallTradeBuffer,
	resolver *pipeline.ConfigResolver,
) {
	sdeps := server.Deps{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	}
	if deps.Trades != nil {
		sdeps.Trades = deps.Trades
	}
	if deps.Queue != nil {
		sdeps.Queue = deps.Queue
	}
	if deps.PG != nil {
		sdeps.DB = deps.PG
	}
	if deps.Snapshots != nil {
		sdeps.Snaps = deps.Snapshots
	}
	if buffer != nil {
		sdeps.Buffer = buffer
	}
	if resolver != nil {
		sdeps.Resolver = resolver
	}
	if ws != nil {
		sdeps.WsConnected = ws.Connected
		sdeps.WsState = func() string { return string(ws.State()) }
	}
	if tracker != nil {
		sdeps.WalletCount = func() int { return tracker.Snapshot().Len() }
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
	}, sdeps, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
