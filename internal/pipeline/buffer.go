package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

// configSource resolves the effective policy per leader.
type configSource interface {
	For(ctx context.Context, followedUserID int64) (domain.EffectiveConfig, error)
}

// flagCacheTTL bounds how stale the runtime buffering switch may be.
const flagCacheTTL = 30 * time.Second

// SmallTradeBuffer accumulates sub-threshold copy flow into durable
// buckets so dust fills can execute as one. Groups above the threshold
// pass straight through to the execution queue.
type SmallTradeBuffer struct {
	cache    domain.BufferCache
	resolver configSource
	chkpts   domain.CheckpointStore
	attempts domain.CopyAttemptStore
	queue    domain.JobQueue
	logger   *slog.Logger
	now      func() time.Time

	// Cached checkpoint flag. present distinguishes "checkpoint says
	// off" from "no checkpoint row", which falls back to per-user config.
	flagMu      sync.Mutex
	flagPresent bool
	flagValue   bool
	flagAt      time.Time
}

var _ GroupSink = (*SmallTradeBuffer)(nil)

// NewSmallTradeBuffer wires the stage.
func NewSmallTradeBuffer(
	cache domain.BufferCache,
	resolver configSource,
	chkpts domain.CheckpointStore,
	attempts domain.CopyAttemptStore,
	queue domain.JobQueue,
	logger *slog.Logger,
) *SmallTradeBuffer {
	return &SmallTradeBuffer{
		cache:    cache,
		resolver: resolver,
		chkpts:   chkpts,
		attempts: attempts,
		queue:    queue,
		logger:   logger.With(slog.String("component", "small_trade_buffer")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Offer routes one flushed aggregation group: buffered when the raw copy
// estimate is below the threshold, otherwise onward to execution.
func (b *SmallTradeBuffer) Offer(ctx context.Context, group domain.TradeEventGroup) error {
	cfg, err := b.resolver.For(ctx, group.FollowedUserID)
	if err != nil {
		return fmt.Errorf("pipeline: resolve config for %d: %w", group.FollowedUserID, err)
	}

	if !b.enabled(ctx, cfg.Buffering) {
		return b.emit(ctx, group)
	}

	rawCopy := domain.ApplyBps(group.TotalNotionalMicros, cfg.Sizing.CopyPctNotionalBps)
	key := b.keyFor(cfg.Buffering.NettingMode, group.FollowedUserID, group.TokenID, group.Side)

	if rawCopy >= cfg.Buffering.NotionalThresholdMicros {
		return b.immediate(ctx, group, cfg, key)
	}
	return b.absorb(ctx, group, cfg, key)
}

// immediate handles an above-threshold group: pending dust for the same
// position is merged in and the whole bucket flushes once; with no bucket
// the group passes through as-is.
func (b *SmallTradeBuffer) immediate(ctx context.Context, group domain.TradeEventGroup, cfg domain.EffectiveConfig, key string) error {
	rec, err := b.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("pipeline: buffer get %s: %w", key, err)
		}
		group.SourceType = domain.SourceImmediate
		return b.emit(ctx, group)
	}

	b.absorbGroup(&rec, group, cfg.Buffering.NettingMode)
	return b.flush(ctx, rec, cfg, "immediate_merge")
}

// absorb folds a sub-threshold group into its bucket, flushing first the
// opposite-side bucket under sameSideOnly netting, and the bucket itself
// once the accumulated net crosses the flush threshold.
func (b *SmallTradeBuffer) absorb(ctx context.Context, group domain.TradeEventGroup, cfg domain.EffectiveConfig, key string) error {
	mode := cfg.Buffering.NettingMode
	if mode == domain.NettingSameSideOnly {
		opposite := b.keyFor(mode, group.FollowedUserID, group.TokenID, group.Side.Opposite())
		if opp, err := b.cache.Get(ctx, opposite); err == nil {
			if err := b.flush(ctx, opp, cfg, "opposite_side"); err != nil {
				return err
			}
		} else if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("pipeline: buffer get %s: %w", opposite, err)
		}
	}

	rec, err := b.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("pipeline: buffer get %s: %w", key, err)
		}
		rec = domain.BufferRecord{
			Key:            key,
			FollowedUserID: group.FollowedUserID,
			TokenID:        group.TokenID,
		}
		if mode == domain.NettingSameSideOnly {
			rec.Side = string(group.Side)
		}
	}

	b.absorbGroup(&rec, group, mode)
	if err := b.cache.Save(ctx, rec); err != nil {
		return fmt.Errorf("pipeline: buffer save %s: %w", key, err)
	}

	if b.copyNet(rec, cfg) >= cfg.Buffering.FlushMinNotionalMicros {
		return b.flush(ctx, rec, cfg, "threshold")
	}
	b.logger.DebugContext(ctx, "group buffered",
		slog.String("key", key),
		slog.Int64("net_notional_micros", rec.NetNotionalMicros),
		slog.Int("trades", rec.CountTradesBuffered),
	)
	return nil
}

// absorbGroup applies one group to the record under the netting sign.
func (b *SmallTradeBuffer) absorbGroup(rec *domain.BufferRecord, group domain.TradeEventGroup, mode domain.NettingMode) {
	notional, shares := group.TotalNotionalMicros, group.TotalShareMicros
	if mode == domain.NettingNetBuySell && group.Side == domain.TradeSideSell {
		notional, shares = -notional, -shares
	}
	nowMs := b.now().UnixMilli()

	ids := group.TradeEventIDs
	first := int64(0)
	if len(ids) > 0 {
		first = ids[0]
	}
	rec.Absorb(first, notional, shares, group.VwapPriceMicros, nowMs)
	if len(ids) > 1 {
		for _, id := range ids[1:] {
			rec.TradeEventIDs = append(rec.TradeEventIDs, id)
			rec.CountTradesBuffered++
		}
	}
}

// Run sweeps the active buckets for time-based flushes until ctx ends,
// then flushes everything on the way out.
func (b *SmallTradeBuffer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.FlushAll(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

// sweep applies the maxTime and quiet flush rules to every active bucket.
func (b *SmallTradeBuffer) sweep(ctx context.Context) {
	keys, err := b.cache.ActiveKeys(ctx)
	if err != nil {
		b.logger.WarnContext(ctx, "active bucket scan failed",
			slog.String("error", err.Error()),
		)
		return
	}

	nowMs := b.now().UnixMilli()
	for _, key := range keys {
		rec, err := b.cache.Get(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue // record expired; drop the dangling key
			}
			b.logger.WarnContext(ctx, "bucket read failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}

		cfg, err := b.resolver.For(ctx, rec.FollowedUserID)
		if err != nil {
			b.logger.WarnContext(ctx, "bucket config resolve failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		bc := cfg.Buffering

		var reason string
		switch {
		case nowMs-rec.FirstSeenAtMs >= bc.MaxBufferMs:
			reason = "max_time"
		case nowMs-rec.LastUpdatedAtMs >= bc.QuietFlushMs && b.copyNet(rec, cfg) >= bc.MinExecNotionalMicros:
			reason = "quiet"
		default:
			continue
		}
		if err := b.flush(ctx, rec, cfg, reason); err != nil {
			b.logger.WarnContext(ctx, "bucket flush failed",
				slog.String("key", key),
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
		}
	}
}

// FlushAll drains every active bucket, used on shutdown.
func (b *SmallTradeBuffer) FlushAll(ctx context.Context) {
	keys, err := b.cache.ActiveKeys(ctx)
	if err != nil {
		b.logger.Warn("shutdown bucket scan failed", slog.String("error", err.Error()))
		return
	}
	for _, key := range keys {
		rec, err := b.cache.Get(ctx, key)
		if err != nil {
			continue
		}
		cfg, err := b.resolver.For(ctx, rec.FollowedUserID)
		if err != nil {
			continue
		}
		if err := b.flush(ctx, rec, cfg, "shutdown"); err != nil {
			b.logger.Warn("shutdown bucket flush failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// flush finalizes one bucket: below the execution minimum it is recorded
// as a SKIP so buffered-then-dropped dust stays visible; otherwise it
// becomes a BUFFER-sourced group on the execution queue. The execution
// minimum compares in copy scale, same as engagement.
// The bucket is deleted only after its outcome is durably recorded: the
// queue dedups by group key and the attempt store by groupKey, so a retry
// after a failed delete re-emits harmlessly, while the reverse order would
// lose the dust on an enqueue failure.
func (b *SmallTradeBuffer) flush(ctx context.Context, rec domain.BufferRecord, cfg domain.EffectiveConfig, reason string) error {
	side := rec.NetSide()
	groupKey := domain.GroupKeyFor(rec.FollowedUserID, rec.TokenID, side, time.UnixMilli(rec.FirstSeenAtMs))
	net := rec.AbsNetNotional()
	shares := rec.NetShareMicros
	if shares < 0 {
		shares = -shares
	}

	if b.copyNet(rec, cfg) < cfg.Buffering.MinExecNotionalMicros {
		attempt := domain.CopyAttempt{
			GroupKey:                  groupKey,
			FollowedUserID:            rec.FollowedUserID,
			TokenID:                   rec.TokenID,
			Side:                      side,
			Decision:                  domain.DecisionSkip,
			ReasonCodes:               []domain.ReasonCode{domain.ReasonBufferFlushBelowMinExec},
			SourceType:                domain.SourceBuffer,
			TheirNotionalMicros:       net,
			TheirReferencePriceMicros: rec.ReferencePriceMicros,
			BufferedTradeCount:        rec.CountTradesBuffered,
			TradeEventIDs:             rec.TradeEventIDs,
			DecidedAt:                 b.now(),
		}
		if _, err := b.attempts.CreateWithFills(ctx, attempt, nil, nil); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			return fmt.Errorf("pipeline: record dust skip %s: %w", groupKey, err)
		}
		b.logger.InfoContext(ctx, "bucket flushed below exec minimum",
			slog.String("key", rec.Key),
			slog.String("reason", reason),
			slog.Int64("net_notional_micros", net),
			slog.Int("trades", rec.CountTradesBuffered),
		)
		return b.discard(ctx, rec.Key)
	}

	group := domain.TradeEventGroup{
		GroupKey:            groupKey,
		FollowedUserID:      rec.FollowedUserID,
		TokenID:             rec.TokenID,
		Side:                side,
		TotalNotionalMicros: net,
		TotalShareMicros:    shares,
		VwapPriceMicros:     rec.ReferencePriceMicros,
		EarliestDetectTime:  time.UnixMilli(rec.FirstSeenAtMs).UTC(),
		TradeEventIDs:       rec.TradeEventIDs,
		SourceType:          domain.SourceBuffer,
		BufferedTradeCount:  rec.CountTradesBuffered,
	}
	if err := b.emit(ctx, group); err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "bucket flushed",
		slog.String("key", rec.Key),
		slog.String("reason", reason),
		slog.Int64("net_notional_micros", net),
		slog.Int("trades", rec.CountTradesBuffered),
	)
	return b.discard(ctx, rec.Key)
}

func (b *SmallTradeBuffer) discard(ctx context.Context, key string) error {
	if err := b.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("pipeline: buffer delete %s: %w", key, err)
	}
	return nil
}

// emit enqueues one group for execution, keyed by its group key so
// repeated offers collapse.
func (b *SmallTradeBuffer) emit(ctx context.Context, group domain.TradeEventGroup) error {
	job, err := domain.NewJob(group.GroupKey, domain.JobKindCopy, domain.CopyJob{Group: group})
	if err != nil {
		return err
	}
	if err := b.queue.Enqueue(ctx, domain.QueueCopyAttemptGlobal, job); err != nil {
		return fmt.Errorf("pipeline: enqueue copy %s: %w", group.GroupKey, err)
	}
	return nil
}

// enabled combines the resolved config with the runtime checkpoint flag.
// The checkpoint wins when present so the switch works without restarts.
func (b *SmallTradeBuffer) enabled(ctx context.Context, cfg domain.SmallTradeBuffering) bool {
	b.flagMu.Lock()
	if !b.flagAt.IsZero() && b.now().Sub(b.flagAt) < flagCacheTTL {
		present, value := b.flagPresent, b.flagValue
		b.flagMu.Unlock()
		if present {
			return value
		}
		return cfg.Enabled
	}
	b.flagMu.Unlock()

	present, value := false, false
	cp, err := b.chkpts.Get(ctx, domain.CheckpointBufferingFlag)
	switch {
	case err == nil:
		var flag domain.BufferingFlag
		if json.Unmarshal(cp.ValueJSON, &flag) == nil {
			present, value = true, flag.Enabled
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		b.logger.WarnContext(ctx, "buffering flag read failed",
			slog.String("error", err.Error()),
		)
		return cfg.Enabled // do not cache a failed read
	}

	b.flagMu.Lock()
	b.flagPresent, b.flagValue = present, value
	b.flagAt = b.now()
	b.flagMu.Unlock()
	if present {
		return value
	}
	return cfg.Enabled
}

// copyNet scales the bucket's absolute net notional down to our copy
// size, the scale the flush limits are expressed in.
func (b *SmallTradeBuffer) copyNet(rec domain.BufferRecord, cfg domain.EffectiveConfig) int64 {
	return domain.ApplyBps(rec.AbsNetNotional(), cfg.Sizing.CopyPctNotionalBps)
}

// keyFor builds the bucket key for the configured netting mode.
func (b *SmallTradeBuffer) keyFor(mode domain.NettingMode, userID int64, tokenID string, side domain.TradeSide) string {
	if mode == domain.NettingNetBuySell {
		return fmt.Sprintf("%d:%s", userID, tokenID)
	}
	return fmt.Sprintf("%d:%s:%s", userID, tokenID, side)
}

// ActiveBuckets reports the current bucket count for the status endpoint.
func (b *SmallTradeBuffer) ActiveBuckets(ctx context.Context) int {
	keys, err := b.cache.ActiveKeys(ctx)
	if err != nil {
		return 0
	}
	return len(keys)
}
