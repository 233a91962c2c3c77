package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

// GroupSink receives flushed trade-event groups. The small-trade buffer
// implements it and routes groups onward to the execution queue.
type GroupSink interface {
	Offer(ctx context.Context, group domain.TradeEventGroup) error
}

// bucketKey identifies one open aggregation window.
type bucketKey struct {
	userID  int64
	tokenID string
	side    domain.TradeSide
}

// bucket accumulates near-simultaneous same-direction fills until its
// window deadline.
type bucket struct {
	windowStart   time.Time
	totalNotional int64
	totalShares   int64
	earliest      time.Time
	tradeIDs      []int64
	timer         *time.Timer
}

// Aggregator consumes groupEvents and collapses each leader's burst of
// same-direction fills on one token into a single group. Every bucket owns
// a one-shot timer; there is no scan loop.
type Aggregator struct {
	window time.Duration
	trades domain.TradeEventStore
	sink   GroupSink
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	closed  bool
}

// NewAggregator wires the stage. window is the bucket lifetime from its
// first event.
func NewAggregator(window time.Duration, trades domain.TradeEventStore, sink GroupSink, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		window:  window,
		trades:  trades,
		sink:    sink,
		logger:  logger.With(slog.String("component", "aggregator")),
		buckets: map[bucketKey]*bucket{},
	}
}

// HandleGroupJob folds one groupEvents delivery into the open buckets.
func (a *Aggregator) HandleGroupJob(ctx context.Context, job domain.Job) error {
	var payload domain.GroupJob
	if err := job.DecodePayload(&payload); err != nil {
		a.logger.WarnContext(ctx, "malformed group job dropped",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	events, err := a.trades.GetByIDs(ctx, payload.TradeEventIDs)
	if err != nil {
		return fmt.Errorf("pipeline: load trade events: %w", err)
	}
	for _, ev := range events {
		a.add(ev)
	}
	return nil
}

// add places one trade into its bucket, opening the window on first
// arrival. A group that flushed is final: a late trade with the same key
// starts a new window.
func (a *Aggregator) add(ev domain.TradeEvent) {
	key := bucketKey{
		userID:  ev.FollowedUserID,
		tokenID: ev.EffectiveTokenID(),
		side:    ev.Side,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{
			windowStart: ev.DetectTime,
			earliest:    ev.DetectTime,
		}
		a.buckets[key] = b
		b.timer = time.AfterFunc(a.window, func() { a.flush(key) })
	}
	b.totalNotional += ev.NotionalMicros
	b.totalShares += ev.ShareMicros
	if ev.DetectTime.Before(b.earliest) {
		b.earliest = ev.DetectTime
	}
	b.tradeIDs = append(b.tradeIDs, ev.ID)
}

// flush closes one bucket and hands the group to the sink.
func (a *Aggregator) flush(key bucketKey) {
	a.mu.Lock()
	b, ok := a.buckets[key]
	if ok {
		delete(a.buckets, key)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	group := domain.TradeEventGroup{
		GroupKey:            domain.GroupKeyFor(key.userID, key.tokenID, key.side, b.windowStart),
		FollowedUserID:      key.userID,
		TokenID:             key.tokenID,
		Side:                key.side,
		TotalNotionalMicros: b.totalNotional,
		TotalShareMicros:    b.totalShares,
		VwapPriceMicros:     domain.Vwap(b.totalNotional, b.totalShares),
		EarliestDetectTime:  b.earliest,
		TradeEventIDs:       b.tradeIDs,
		SourceType:          domain.SourceGroup,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.sink.Offer(ctx, group); err != nil {
		a.logger.ErrorContext(ctx, "group flush failed",
			slog.String("group_key", group.GroupKey),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.DebugContext(ctx, "window flushed",
		slog.String("group_key", group.GroupKey),
		slog.Int("trades", len(group.TradeEventIDs)),
		slog.Int64("notional_micros", group.TotalNotionalMicros),
	)
}

// Close flushes every open bucket immediately, for shutdown.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	keys := make([]bucketKey, 0, len(a.buckets))
	for key, b := range a.buckets {
		b.timer.Stop()
		keys = append(keys, key)
	}
	a.mu.Unlock()

	for _, key := range keys {
		a.flush(key)
	}
}
