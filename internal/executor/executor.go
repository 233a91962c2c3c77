// Package executor turns flushed trade-event groups into copy decisions:
// it sizes the copy, runs the guardrail cascade, simulates fills against
// the cached order book and persists exactly one CopyAttempt per group.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

// bookWaitMs and bookFreshnessMs bound how long a decision may wait for a
// live book and how old a cached one may be.
const (
	bookWaitMs      = 300
	bookFreshnessMs = 2000
)

// Notifier receives out-of-band alerts for notable decisions. Implementations
// must not block.
type Notifier interface {
	CircuitBreaker(ctx context.Context, reason domain.ReasonCode, lossMicros, limitMicros int64)
	Executed(ctx context.Context, attempt domain.CopyAttempt)
}

// configSource resolves the effective policy for one leader.
type configSource interface {
	For(ctx context.Context, followedUserID int64) (domain.EffectiveConfig, error)
}

// Executor consumes the copy-attempt queue. Every group ends as exactly one
// persisted decision; replays of an already-decided group key acknowledge
// without side effects.
type Executor struct {
	attempts domain.CopyAttemptStore
	ledger   domain.LedgerStore
	snaps    domain.SnapshotStore
	markets  domain.MarketStore
	books    domain.BookReader
	marks    domain.PriceCache
	policies configSource
	notifier Notifier

	startingBankrollMicros int64
	logger                 *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New builds an Executor. notifier may be nil.
func New(
	attempts domain.CopyAttemptStore,
	ledger domain.LedgerStore,
	snaps domain.SnapshotStore,
	markets domain.MarketStore,
	books domain.BookReader,
	marks domain.PriceCache,
	policies configSource,
	notifier Notifier,
	startingBankrollMicros int64,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		attempts:               attempts,
		ledger:                 ledger,
		snaps:                  snaps,
		markets:                markets,
		books:                  books,
		marks:                  marks,
		policies:               policies,
		notifier:               notifier,
		startingBankrollMicros: startingBankrollMicros,
		logger:                 logger.With(slog.String("component", "executor")),
		now:                    func() time.Time { return time.Now().UTC() },
		sleep:                  sleepCtx,
	}
}

// HandleCopyJob is the copyAttemptGlobal queue handler.
func (e *Executor) HandleCopyJob(ctx context.Context, job domain.Job) error {
	var payload domain.CopyJob
	if err := job.DecodePayload(&payload); err != nil {
		e.logger.Warn("dropping malformed copy job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return nil
	}
	return e.Decide(ctx, payload.Group)
}

// Decide runs the full decision pipeline for one group.
func (e *Executor) Decide(ctx context.Context, group domain.TradeEventGroup) error {
	log := e.logger.With(
		slog.String("group_key", group.GroupKey),
		slog.Int64("followed_user_id", group.FollowedUserID),
		slog.String("token", group.TokenID),
		slog.String("side", string(group.Side)),
	)

	if _, err := e.attempts.GetByGroupKey(ctx, group.GroupKey); err == nil {
		log.Debug("group already decided")
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("executor: lookup attempt %s: %w", group.GroupKey, err)
	}

	cfg, err := e.policies.For(ctx, group.FollowedUserID)
	if err != nil {
		return fmt.Errorf("executor: resolve config for %d: %w", group.FollowedUserID, err)
	}

	equity, totalExposure, err := e.bankroll(ctx)
	if err != nil {
		return err
	}

	in := cascadeInput{
		group:         group,
		cfg:           cfg,
		equity:        equity,
		totalExposure: totalExposure,
	}

	// Sizing first: a copy too small to place never needs a book.
	in.target = targetNotional(group.TotalNotionalMicros, cfg.Sizing, equity)
	if in.target < cfg.Sizing.MinTradeNotionalMicros {
		return e.persistSkip(ctx, in, domain.ReasonSizeBelowMin, log)
	}

	res, err := e.books.GetBook(ctx, group.TokenID, domain.BookOpts{WaitMs: bookWaitMs, FreshnessMs: bookFreshnessMs})
	if err != nil || res.Book == nil {
		if err != nil {
			log.Warn("book fetch failed", slog.String("error", err.Error()))
		}
		return e.persistSkip(ctx, in, domain.ReasonBookUnavailable, log)
	}
	in.book = res.Book
	in.mid = res.Book.MidMicros()

	theirRef := group.VwapPriceMicros
	if theirRef == 0 {
		if group.Side == domain.TradeSideBuy {
			theirRef = res.Book.BestAsk()
		} else {
			theirRef = res.Book.BestBid()
		}
	}
	if theirRef == 0 {
		return e.persistSkip(ctx, in, domain.ReasonBookUnavailable, log)
	}
	in.group.VwapPriceMicros = theirRef

	in.targetShares = in.target * domain.MicrosPerUnit / theirRef
	in.bound = priceBound(group.Side, theirRef, in.mid, cfg.Guardrails)
	in.reducing, err = e.reducesPosition(ctx, group)
	if err != nil {
		return err
	}

	reason, err := e.runCascade(ctx, in, log)
	if err != nil {
		return err
	}
	if reason != "" {
		return e.persistSkip(ctx, in, reason, log)
	}

	fills := simulateFills(in.book, group.Side, in.target, in.bound)
	if len(fills) == 0 {
		return e.persistSkip(ctx, in, domain.ReasonDepthInsufficient, log)
	}

	e.pace(ctx, cfg.Guardrails)
	return e.persistExecute(ctx, in, fills, log)
}

// bankroll returns current equity and total exposure from the latest
// execution snapshot, falling back to the configured starting bankroll
// before any snapshot exists.
func (e *Executor) bankroll(ctx context.Context) (equity, exposure int64, err error) {
	snap, err := e.snaps.Latest(ctx, domain.ScopeExecGlobal, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return e.startingBankrollMicros, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("executor: latest snapshot: %w", err)
	}
	return snap.EquityMicros, snap.ExposureMicros, nil
}

// reducesPosition reports whether the group sells into an existing long
// position on the token. Reducing SELLs bypass lifecycle and exposure caps.
func (e *Executor) reducesPosition(ctx context.Context, group domain.TradeEventGroup) (bool, error) {
	if group.Side != domain.TradeSideSell {
		return false, nil
	}
	shares, err := e.ledger.AssetExposure(ctx, domain.ScopeExecGlobal, nil, group.TokenID)
	if err != nil {
		return false, fmt.Errorf("executor: position for %s: %w", group.TokenID, err)
	}
	return shares > 0, nil
}

// targetNotional scales the leader's notional by the copy percentage,
// raises it to the per-trade floor, then clamps to the per-trade and
// bankroll ceilings. Only the bankroll clamp can leave the result under
// the floor; the caller skips that case as SIZE_BELOW_MIN.
func targetNotional(theirNotional int64, s domain.Sizing, equity int64) int64 {
	target := domain.ApplyBps(theirNotional, s.CopyPctNotionalBps)
	if target < s.MinTradeNotionalMicros {
		target = s.MinTradeNotionalMicros
	}
	if target > s.MaxTradeNotionalMicros {
		target = s.MaxTradeNotionalMicros
	}
	if limit := domain.ApplyBps(equity, s.MaxTradeBankrollBps); target > limit {
		target = limit
	}
	return target
}

// pace delays the decision by the configured latency plus uniform jitter.
// Applied to EXECUTE decisions only so skips stay cheap.
func (e *Executor) pace(ctx context.Context, g domain.Guardrails) {
	delay := time.Duration(g.DecisionLatencyMs) * time.Millisecond
	if g.JitterMsMax > 0 {
		delay += time.Duration(rand.Int64N(g.JitterMsMax+1)) * time.Millisecond
	}
	if delay > 0 {
		e.sleep(ctx, delay)
	}
}

func (e *Executor) persistSkip(ctx context.Context, in cascadeInput, reason domain.ReasonCode, log *slog.Logger) error {
	attempt := e.baseAttempt(in)
	attempt.Decision = domain.DecisionSkip
	attempt.ReasonCodes = []domain.ReasonCode{reason}

	if _, err := e.attempts.CreateWithFills(ctx, attempt, nil, nil); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("executor: persist skip %s: %w", in.group.GroupKey, err)
	}
	log.Info("copy skipped",
		slog.String("reason", string(reason)),
		slog.Int64("target_notional_micros", in.target),
	)
	return nil
}

func (e *Executor) persistExecute(ctx context.Context, in cascadeInput, fills []domain.ExecutableFill, log *slog.Logger) error {
	filledShares, filledNotional, vwap := fillTotals(fills)

	attempt := e.baseAttempt(in)
	attempt.Decision = domain.DecisionExecute
	attempt.FilledNotionalMicros = filledNotional
	attempt.FilledRatioBps = domain.RatioBps(filledShares, in.targetShares)
	attempt.VwapPriceMicros = vwap

	share := filledShares
	cash := -filledNotional
	if in.group.Side == domain.TradeSideSell {
		share = -share
		cash = -cash
	}
	uid := in.group.FollowedUserID
	entry := domain.LedgerEntry{
		Scope:            domain.ScopeExecGlobal,
		FollowedUserID:   &uid,
		EntryType:        domain.EntryTradeFill,
		AssetID:          in.group.TokenID,
		ShareDeltaMicros: share,
		CashDeltaMicros:  cash,
		PriceMicros:      vwap,
		// RefID is derived from the attempt id inside the transaction.
	}

	stored, err := e.attempts.CreateWithFills(ctx, attempt, fills, []domain.LedgerEntry{entry})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("executor: persist execute %s: %w", in.group.GroupKey, err)
	}

	log.Info("copy executed",
		slog.Int64("target_notional_micros", in.target),
		slog.Int64("filled_notional_micros", filledNotional),
		slog.Int64("filled_ratio_bps", stored.FilledRatioBps),
		slog.Int64("vwap_price_micros", vwap),
		slog.Int("levels", len(fills)),
	)
	if e.notifier != nil {
		e.notifier.Executed(ctx, stored)
	}
	return nil
}

// baseAttempt fills the fields shared by every decision outcome.
func (e *Executor) baseAttempt(in cascadeInput) domain.CopyAttempt {
	return domain.CopyAttempt{
		GroupKey:                  in.group.GroupKey,
		FollowedUserID:            in.group.FollowedUserID,
		TokenID:                   in.group.TokenID,
		Side:                      in.group.Side,
		SourceType:                in.group.SourceType,
		TheirNotionalMicros:       in.group.TotalNotionalMicros,
		TargetNotionalMicros:      in.target,
		TheirReferencePriceMicros: in.group.VwapPriceMicros,
		MidPriceMicrosAtDecision:  in.mid,
		BufferedTradeCount:        in.group.BufferedTradeCount,
		TradeEventIDs:             in.group.TradeEventIDs,
		DecidedAt:                 e.now(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
