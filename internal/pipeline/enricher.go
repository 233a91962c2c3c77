package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

// gammaAPI is the metadata lookup the enricher consumes.
type gammaAPI interface {
	MarketByToken(ctx context.Context, tokenID string) (domain.Market, []domain.OutcomeAsset, error)
}

// maxEnrichTries bounds retries per trade before marking it FAILED.
const maxEnrichTries = 3

// Enricher resolves market metadata for pending trade events off the
// critical path. A trade that cannot be resolved keeps executing with the
// lifecycle guardrail disabled for its market.
type Enricher struct {
	interval time.Duration
	batch    int
	trades   domain.TradeEventStore
	markets  domain.MarketStore
	gamma    gammaAPI
	meta     domain.MetadataCache
	logger   *slog.Logger

	mu    sync.Mutex
	tries map[int64]int
}

// NewEnricher wires the loop.
func NewEnricher(
	interval time.Duration,
	batch int,
	trades domain.TradeEventStore,
	markets domain.MarketStore,
	gamma gammaAPI,
	meta domain.MetadataCache,
	logger *slog.Logger,
) *Enricher {
	return &Enricher{
		interval: interval,
		batch:    batch,
		trades:   trades,
		markets:  markets,
		gamma:    gamma,
		meta:     meta,
		logger:   logger.With(slog.String("component", "enricher")),
		tries:    map[int64]int{},
	}
}

// Run processes pending trades on the configured cadence until ctx ends.
func (e *Enricher) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Enricher) sweep(ctx context.Context) {
	pending, err := e.trades.ListPendingEnrichment(ctx, e.batch)
	if err != nil {
		e.logger.WarnContext(ctx, "pending enrichment scan failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, ev := range pending {
		if ctx.Err() != nil {
			return
		}
		e.enrich(ctx, ev)
	}
}

// enrich resolves one trade's metadata, from the token cache when the
// market was seen before, otherwise via Gamma.
func (e *Enricher) enrich(ctx context.Context, ev domain.TradeEvent) {
	tokenID := ev.EffectiveTokenID()
	if tokenID == "" {
		e.fail(ctx, ev, "event carries no token id")
		return
	}

	if md, err := e.meta.Get(ctx, tokenID); err == nil {
		market, merr := e.markets.GetByConditionID(ctx, md.ConditionID)
		if merr == nil {
			e.finish(ctx, ev, market.ID, md.ConditionID)
			return
		}
		// Cache hit without a market row; fall through to Gamma.
	}

	market, outcomes, err := e.gamma.MarketByToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.fail(ctx, ev, "token unknown to gamma")
			return
		}
		e.retry(ctx, ev, err)
		return
	}

	if err := e.markets.Upsert(ctx, market); err != nil {
		e.retry(ctx, ev, err)
		return
	}
	for _, oa := range outcomes {
		if err := e.markets.UpsertOutcomeAsset(ctx, oa); err != nil {
			e.retry(ctx, ev, err)
			return
		}
	}
	if err := e.meta.Set(ctx, domain.TokenMetadata{
		TokenID:     tokenID,
		ConditionID: market.ConditionID,
		FetchedAt:   time.Now().UTC(),
	}); err != nil {
		e.logger.WarnContext(ctx, "token metadata cache write failed",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
	}

	e.finish(ctx, ev, market.ID, market.ConditionID)
}

func (e *Enricher) finish(ctx context.Context, ev domain.TradeEvent, marketID, conditionID string) {
	if err := e.trades.SetEnrichment(ctx, ev.ID, domain.EnrichmentEnriched, marketID, conditionID); err != nil {
		e.logger.WarnContext(ctx, "enrichment status write failed",
			slog.Int64("trade_event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	e.forget(ev.ID)
}

func (e *Enricher) fail(ctx context.Context, ev domain.TradeEvent, why string) {
	e.logger.WarnContext(ctx, "trade enrichment failed",
		slog.Int64("trade_event_id", ev.ID),
		slog.String("reason", why),
	)
	if err := e.trades.SetEnrichment(ctx, ev.ID, domain.EnrichmentFailed, "", ""); err != nil {
		e.logger.WarnContext(ctx, "enrichment status write failed",
			slog.Int64("trade_event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	e.forget(ev.ID)
}

// retry counts a transient failure; the trade stays PENDING until the
// try budget runs out.
func (e *Enricher) retry(ctx context.Context, ev domain.TradeEvent, cause error) {
	e.mu.Lock()
	e.tries[ev.ID]++
	n := e.tries[ev.ID]
	e.mu.Unlock()

	if n >= maxEnrichTries {
		e.fail(ctx, ev, cause.Error())
		return
	}
	e.logger.DebugContext(ctx, "enrichment retry scheduled",
		slog.Int64("trade_event_id", ev.ID),
		slog.Int("try", n),
		slog.String("error", cause.Error()),
	)
}

func (e *Enricher) forget(id int64) {
	e.mu.Lock()
	delete(e.tries, id)
	e.mu.Unlock()
}
