package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

// cascadeInput carries the working state of one decision through the
// guardrail cascade.
type cascadeInput struct {
	group         domain.TradeEventGroup
	cfg           domain.EffectiveConfig
	book          *domain.Book
	mid           int64
	bound         int64
	target        int64 // our notional, micros
	targetShares  int64
	equity        int64
	totalExposure int64
	reducing      bool
}

// runCascade evaluates every guardrail in its fixed order and returns the
// first failing reason, or empty when the trade may proceed. A non-nil
// error is an infrastructure failure and the delivery should be retried.
func (e *Executor) runCascade(ctx context.Context, in cascadeInput, log *slog.Logger) (domain.ReasonCode, error) {
	g := in.cfg.Guardrails

	market, haveMarket, err := e.lookupMarket(ctx, in.group.TokenID)
	if err != nil {
		return "", err
	}
	if haveMarket && market.Blacklisted {
		return domain.ReasonMarketBlacklisted, nil
	}

	// Lifecycle applies to opening flow only. Enrichment is asynchronous, so
	// an unknown market or a missing close time disables the check.
	if in.group.Side == domain.TradeSideBuy && haveMarket && market.CloseTime != nil {
		untilClose := market.CloseTime.Sub(e.now())
		if untilClose < time.Duration(g.NoNewOpensWithinMinutesToClose)*time.Minute {
			return domain.ReasonMarketNearClose, nil
		}
	}

	if spread := in.book.SpreadMicros(); spread > g.MaxSpreadMicros {
		return domain.ReasonSpreadTooWide, nil
	}

	required := in.target * g.MinDepthMultiplierBps / domain.BpsDenom
	if depthWithinBound(in.book, in.group.Side, in.bound) < required {
		return domain.ReasonDepthInsufficient, nil
	}

	if !in.reducing {
		if reason, err := e.checkExposure(ctx, in); err != nil {
			return "", err
		} else if reason != "" {
			return reason, nil
		}
	}

	reason, err := e.checkBreakers(ctx, in.cfg.Guardrails, log)
	if err != nil {
		return "", err
	}
	return reason, nil
}

// lookupMarket resolves the traded token's market. A token the enricher has
// not resolved yet is not an error.
func (e *Executor) lookupMarket(ctx context.Context, tokenID string) (domain.Market, bool, error) {
	m, err := e.markets.GetByTokenID(ctx, tokenID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Market{}, false, nil
	}
	if err != nil {
		return domain.Market{}, false, fmt.Errorf("executor: lookup market for %s: %w", tokenID, err)
	}
	return m, true, nil
}

// checkExposure projects the post-fill exposure at the total, per-market and
// per-leader level against the bps-of-equity caps.
func (e *Executor) checkExposure(ctx context.Context, in cascadeInput) (domain.ReasonCode, error) {
	g := in.cfg.Guardrails

	if in.totalExposure+in.target > domain.ApplyBps(in.equity, g.MaxTotalExposureBps) {
		return domain.ReasonExposureCapTotal, nil
	}

	mark := in.mid
	if mark == 0 {
		mark = in.group.VwapPriceMicros
	}

	shares, err := e.ledger.AssetExposure(ctx, domain.ScopeExecGlobal, nil, in.group.TokenID)
	if err != nil {
		return "", fmt.Errorf("executor: market exposure for %s: %w", in.group.TokenID, err)
	}
	marketExposure := absMicros(shares) * mark / domain.MicrosPerUnit
	if marketExposure+in.target > domain.ApplyBps(in.equity, g.MaxExposurePerMarketBps) {
		return domain.ReasonExposureCapMarket, nil
	}

	userExposure, err := e.leaderExposure(ctx, in.group.FollowedUserID, in.group.TokenID, mark)
	if err != nil {
		return "", err
	}
	if userExposure+in.target > domain.ApplyBps(in.equity, g.MaxExposurePerUserBps) {
		return domain.ReasonExposureCapUser, nil
	}
	return "", nil
}

// leaderExposure values the slice of the execution book attributed to one
// leader. The traded token is valued at the live mark; other assets fall
// back to the price cache, then to their cost basis.
func (e *Executor) leaderExposure(ctx context.Context, followedUserID int64, tokenID string, tokenMark int64) (int64, error) {
	totals, err := e.ledger.Totals(ctx, domain.ScopeExecGlobal, &followedUserID)
	if err != nil {
		return 0, fmt.Errorf("executor: leader %d exposure: %w", followedUserID, err)
	}
	if len(totals.ShareByAsset) == 0 {
		return 0, nil
	}

	var others []string
	for asset := range totals.ShareByAsset {
		if asset != tokenID {
			others = append(others, asset)
		}
	}
	marks := map[string]int64{}
	if len(others) > 0 && e.marks != nil {
		if cached, err := e.marks.GetPrices(ctx, others); err == nil {
			marks = cached
		}
	}

	var exposure int64
	for asset, shares := range totals.ShareByAsset {
		mark, ok := marks[asset]
		if asset == tokenID {
			mark, ok = tokenMark, true
		}
		if ok && mark > 0 {
			exposure += absMicros(shares) * mark / domain.MicrosPerUnit
			continue
		}
		exposure += absMicros(totals.CostByAsset[asset])
	}
	return exposure, nil
}

// checkBreakers compares the latest execution equity against the trailing
// daily/weekly baselines and the all-time high-water mark. No snapshot
// history means no breaker can trip.
func (e *Executor) checkBreakers(ctx context.Context, g domain.Guardrails, log *slog.Logger) (domain.ReasonCode, error) {
	latest, err := e.snaps.Latest(ctx, domain.ScopeExecGlobal, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("executor: latest snapshot: %w", err)
	}

	now := e.now()
	windows := []struct {
		reason   domain.ReasonCode
		lookback time.Duration
		limitBps int64
	}{
		{domain.ReasonCircuitBreakerDaily, 24 * time.Hour, g.DailyLossLimitBps},
		{domain.ReasonCircuitBreakerWeekly, 7 * 24 * time.Hour, g.WeeklyLossLimitBps},
	}
	for _, w := range windows {
		base, err := e.snaps.EquityAsOf(ctx, domain.ScopeExecGlobal, nil, now.Add(-w.lookback))
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("executor: equity baseline: %w", err)
		}
		loss := base - latest.EquityMicros
		limit := domain.ApplyBps(base, w.limitBps)
		if loss > limit {
			e.tripBreaker(ctx, w.reason, loss, limit, log)
			return w.reason, nil
		}
	}

	peak, err := e.snaps.PeakEquity(ctx, domain.ScopeExecGlobal, time.Time{})
	if err != nil {
		return "", fmt.Errorf("executor: peak equity: %w", err)
	}
	drawdown := peak - latest.EquityMicros
	limit := domain.ApplyBps(peak, g.MaxDrawdownLimitBps)
	if peak > 0 && drawdown > limit {
		e.tripBreaker(ctx, domain.ReasonCircuitBreakerDrawdown, drawdown, limit, log)
		return domain.ReasonCircuitBreakerDrawdown, nil
	}
	return "", nil
}

func (e *Executor) tripBreaker(ctx context.Context, reason domain.ReasonCode, lossMicros, limitMicros int64, log *slog.Logger) {
	log.Warn("circuit breaker tripped",
		slog.String("reason", string(reason)),
		slog.Int64("loss_micros", lossMicros),
		slog.Int64("limit_micros", limitMicros),
	)
	if e.notifier != nil {
		e.notifier.CircuitBreaker(ctx, reason, lossMicros, limitMicros)
	}
}

func absMicros(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
