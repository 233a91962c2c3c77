package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

// memBufferCache is an in-memory stand-in for the Redis bucket store.
type memBufferCache struct {
	records map[string]domain.BufferRecord
}

func newMemBufferCache() *memBufferCache {
	return &memBufferCache{records: map[string]domain.BufferRecord{}}
}

func (m *memBufferCache) Save(_ context.Context, rec domain.BufferRecord) error {
	m.records[rec.Key] = rec
	return nil
}

func (m *memBufferCache) Get(_ context.Context, key string) (domain.BufferRecord, error) {
	rec, ok := m.records[key]
	if !ok {
		return domain.BufferRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (m *memBufferCache) Delete(_ context.Context, key string) error {
	delete(m.records, key)
	return nil
}

func (m *memBufferCache) ActiveKeys(context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	return keys, nil
}

type staticResolver struct{ cfg domain.EffectiveConfig }

func (s staticResolver) For(context.Context, int64) (domain.EffectiveConfig, error) {
	return s.cfg, nil
}

type memCheckpoints struct{ domain.CheckpointStore }

func (memCheckpoints) Get(context.Context, string) (domain.SystemCheckpoint, error) {
	return domain.SystemCheckpoint{}, domain.ErrNotFound
}

type attemptRecorder struct {
	domain.CopyAttemptStore
	attempts []domain.CopyAttempt
}

func (a *attemptRecorder) CreateWithFills(_ context.Context, attempt domain.CopyAttempt, _ []domain.ExecutableFill, _ []domain.LedgerEntry) (domain.CopyAttempt, error) {
	for _, prev := range a.attempts {
		if prev.GroupKey == attempt.GroupKey {
			return prev, domain.ErrAlreadyExists
		}
	}
	attempt.ID = int64(len(a.attempts) + 1)
	a.attempts = append(a.attempts, attempt)
	return attempt, nil
}

type jobRecorder struct {
	domain.JobQueue
	jobs []domain.Job
	err  error
}

func (q *jobRecorder) Enqueue(_ context.Context, _ string, job domain.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func bufferCfg(enabled bool) domain.EffectiveConfig {
	cfg := domain.DefaultConfig()
	cfg.Buffering.Enabled = enabled
	return cfg
}

type bufferFixture struct {
	buf      *SmallTradeBuffer
	cache    *memBufferCache
	attempts *attemptRecorder
	queue    *jobRecorder
	clock    *time.Time
}

func newBufferFixture(cfg domain.EffectiveConfig) *bufferFixture {
	cache := newMemBufferCache()
	attempts := &attemptRecorder{}
	queue := &jobRecorder{}
	buf := NewSmallTradeBuffer(cache, staticResolver{cfg: cfg}, memCheckpoints{}, attempts, queue, slog.New(slog.DiscardHandler))
	now := time.Now().UTC()
	buf.now = func() time.Time { return now }
	return &bufferFixture{buf: buf, cache: cache, attempts: attempts, queue: queue, clock: &now}
}

func (f *bufferFixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func smallGroup(userID int64, side domain.TradeSide, notional int64, ids ...int64) domain.TradeEventGroup {
	shares := notional * 2 // price 0.50
	return domain.TradeEventGroup{
		GroupKey:            domain.GroupKeyFor(userID, "tok1", side, time.Now().UTC()),
		FollowedUserID:      userID,
		TokenID:             "tok1",
		Side:                side,
		TotalNotionalMicros: notional,
		TotalShareMicros:    shares,
		VwapPriceMicros:     500_000,
		EarliestDetectTime:  time.Now().UTC(),
		TradeEventIDs:       ids,
		SourceType:          domain.SourceGroup,
	}
}

func TestBufferDisabledPassesThrough(t *testing.T) {
	f := newBufferFixture(bufferCfg(false))
	g := smallGroup(7, domain.TradeSideBuy, 10_000_000, 1)

	if err := f.buf.Offer(context.Background(), g); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if len(f.queue.jobs) != 1 {
		t.Fatalf("jobs = %d, want pass-through", len(f.queue.jobs))
	}
	var payload domain.CopyJob
	if err := f.queue.jobs[0].DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Group.SourceType != domain.SourceGroup {
		t.Errorf("source = %s, want GROUP untouched", payload.Group.SourceType)
	}
	if len(f.cache.records) != 0 {
		t.Error("disabled buffer must not create buckets")
	}
}

func TestBufferAbsorbsSubThresholdFlow(t *testing.T) {
	f := newBufferFixture(bufferCfg(true))
	// copyPct 1% of 10 USDC = 0.10 USDC raw copy, under the 0.25 threshold.
	g := smallGroup(7, domain.TradeSideBuy, 10_000_000, 1)

	if err := f.buf.Offer(context.Background(), g); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatal("sub-threshold group must buffer, not enqueue")
	}

	rec, ok := f.cache.records["7:tok1:BUY"]
	if !ok {
		t.Fatalf("bucket missing; cache = %v", f.cache.records)
	}
	if rec.NetNotionalMicros != 10_000_000 || rec.CountTradesBuffered != 1 {
		t.Errorf("record = %+v", rec)
	}
	if rec.ReferencePriceMicros != 500_000 {
		t.Errorf("reference price = %d", rec.ReferencePriceMicros)
	}
}

func TestBufferThresholdFlush(t *testing.T) {
	cfg := bufferCfg(true)
	// Copy scale: 1% of 20 USDC accumulated crosses 0.15 USDC.
	cfg.Buffering.FlushMinNotionalMicros = 150_000
	f := newBufferFixture(cfg)

	if err := f.buf.Offer(context.Background(), smallGroup(7, domain.TradeSideBuy, 10_000_000, 1)); err != nil {
		t.Fatal(err)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatal("first group must stay buffered")
	}
	if err := f.buf.Offer(context.Background(), smallGroup(7, domain.TradeSideBuy, 10_000_000, 2)); err != nil {
		t.Fatal(err)
	}

	if len(f.queue.jobs) != 1 {
		t.Fatalf("jobs = %d, want threshold flush", len(f.queue.jobs))
	}
	var payload domain.CopyJob
	if err := f.queue.jobs[0].DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	g := payload.Group
	if g.SourceType != domain.SourceBuffer {
		t.Errorf("source = %s, want BUFFER", g.SourceType)
	}
	if g.TotalNotionalMicros != 20_000_000 || g.BufferedTradeCount != 2 {
		t.Errorf("flushed group = %+v", g)
	}
	if len(f.cache.records) != 0 {
		t.Error("flushed bucket must be deleted")
	}
}

func TestBufferOppositeSideFlushesExistingBucket(t *testing.T) {
	f := newBufferFixture(bufferCfg(true))

	if err := f.buf.Offer(context.Background(), smallGroup(7, domain.TradeSideBuy, 10_000_000, 1)); err != nil {
		t.Fatal(err)
	}
	if err := f.buf.Offer(context.Background(), smallGroup(7, domain.TradeSideSell, 8_000_000, 2)); err != nil {
		t.Fatal(err)
	}

	// BUY bucket flushed (10 >= minExec 0.1), SELL bucket now pending.
	if len(f.queue.jobs) != 1 {
		t.Fatalf("jobs = %d, want forced opposite flush", len(f.queue.jobs))
	}
	var payload domain.CopyJob
	if err := f.queue.jobs[0].DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Group.Side != domain.TradeSideBuy {
		t.Errorf("flushed side = %s, want BUY", payload.Group.Side)
	}
	if _, ok := f.cache.records["7:tok1:SELL"]; !ok {
		t.Error("sell bucket missing after opposite flush")
	}
}

func TestBufferNetBuySellNetsThroughZero(t *testing.T) {
	cfg := bufferCfg(true)
	cfg.Buffering.NettingMode = domain.NettingNetBuySell
	f := newBufferFixture(cfg)

	if err := f.buf.Offer(context.Background(), smallGroup(7, domain.TradeSideBuy, 10_000_000, 1)); err != nil {
		t.Fatal(err)
	}
	if err := f.buf.Offer(context.Background(), smallGroup(7, domain.TradeSideSell, 16_000_000, 2)); err != nil {
		t.Fatal(err)
	}

	rec, ok := f.cache.records["7:tok1"]
	if !ok {
		t.Fatalf("bucket missing; cache = %v", f.cache.records)
	}
	if rec.NetNotionalMicros != -6_000_000 {
		t.Errorf("net = %d, want -6_000_000", rec.NetNotionalMicros)
	}
	if rec.NetSide() != domain.TradeSideSell {
		t.Errorf("net side = %s, want SELL", rec.NetSide())
	}
}

func TestBufferMaxTimeSweepFlush(t *testing.T) {
	cfg := bufferCfg(true)
	f := newBufferFixture(cfg)

	if err := f.buf.Offer(context.Background(), smallGroup(7, domain.TradeSideBuy, 10_000_000, 1)); err != nil {
		t.Fatal(err)
	}
	f.advance(time.Duration(cfg.Buffering.MaxBufferMs+1) * time.Millisecond)
	f.buf.sweep(context.Background())

	if len(f.queue.jobs) != 1 {
		t.Fatalf("jobs = %d, want maxTime flush", len(f.queue.jobs))
	}
}

func TestBufferFlushKeepsBucketOnEnqueueFailure(t *testing.T) {
	cfg := bufferCfg(true)
	f := newBufferFixture(cfg)

	if err := f.buf.Offer(context.Background(), smallGroup(7, domain.TradeSideBuy, 10_000_000, 1)); err != nil {
		t.Fatal(err)
	}
	f.advance(time.Duration(cfg.Buffering.MaxBufferMs+1) * time.Millisecond)

	// A failed emit must leave the bucket for the next sweep; deleting
	// first would lose the buffered dust for good.
	f.queue.err = errors.New("stream unavailable")
	f.buf.sweep(context.Background())
	if len(f.cache.records) != 1 {
		t.Fatal("bucket lost on enqueue failure")
	}

	f.queue.err = nil
	f.buf.sweep(context.Background())
	if len(f.queue.jobs) != 1 {
		t.Fatalf("jobs = %d, want the retried flush", len(f.queue.jobs))
	}
	if len(f.cache.records) != 0 {
		t.Fatal("bucket must be deleted once the emit succeeds")
	}
}

func TestBufferQuietFlushNeedsMinExec(t *testing.T) {
	cfg := bufferCfg(true)
	cfg.Buffering.MinExecNotionalMicros = 150_000 // above the bucket's copy net
	f := newBufferFixture(cfg)

	if err := f.buf.Offer(context.Background(), smallGroup(7, domain.TradeSideBuy, 10_000_000, 1)); err != nil {
		t.Fatal(err)
	}
	f.advance(time.Duration(cfg.Buffering.QuietFlushMs+1) * time.Millisecond)
	f.buf.sweep(context.Background())

	// Quiet rule must not fire below minExec; bucket stays until maxTime.
	if len(f.queue.jobs) != 0 || len(f.attempts.attempts) != 0 {
		t.Fatal("quiet flush fired below the execution minimum")
	}
	if len(f.cache.records) != 1 {
		t.Fatal("bucket must remain pending")
	}
}

func TestBufferDustFlushRecordsSkip(t *testing.T) {
	cfg := bufferCfg(true)
	cfg.Buffering.MinExecNotionalMicros = 150_000
	f := newBufferFixture(cfg)

	if err := f.buf.Offer(context.Background(), smallGroup(7, domain.TradeSideBuy, 10_000_000, 1, 2)); err != nil {
		t.Fatal(err)
	}
	f.advance(time.Duration(cfg.Buffering.MaxBufferMs+1) * time.Millisecond)
	f.buf.sweep(context.Background())

	if len(f.queue.jobs) != 0 {
		t.Fatal("dust flush must not reach the execution queue")
	}
	if len(f.attempts.attempts) != 1 {
		t.Fatalf("attempts = %d, want SKIP record", len(f.attempts.attempts))
	}
	a := f.attempts.attempts[0]
	if a.Decision != domain.DecisionSkip {
		t.Errorf("decision = %s", a.Decision)
	}
	if len(a.ReasonCodes) != 1 || a.ReasonCodes[0] != domain.ReasonBufferFlushBelowMinExec {
		t.Errorf("reasons = %v", a.ReasonCodes)
	}
	if a.BufferedTradeCount != 2 {
		t.Errorf("buffered count = %d, want 2", a.BufferedTradeCount)
	}
	if a.SourceType != domain.SourceBuffer {
		t.Errorf("source = %s", a.SourceType)
	}
}

func TestBufferImmediateMergesPendingBucket(t *testing.T) {
	f := newBufferFixture(bufferCfg(true))

	// Dust first, then a large group on the same position.
	if err := f.buf.Offer(context.Background(), smallGroup(7, domain.TradeSideBuy, 10_000_000, 1)); err != nil {
		t.Fatal(err)
	}
	big := smallGroup(7, domain.TradeSideBuy, 100_000_000, 2)
	if err := f.buf.Offer(context.Background(), big); err != nil {
		t.Fatal(err)
	}

	if len(f.queue.jobs) != 1 {
		t.Fatalf("jobs = %d, want one merged flush", len(f.queue.jobs))
	}
	var payload domain.CopyJob
	if err := f.queue.jobs[0].DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	g := payload.Group
	if g.SourceType != domain.SourceBuffer {
		t.Errorf("source = %s, want BUFFER (merged)", g.SourceType)
	}
	if g.TotalNotionalMicros != 110_000_000 {
		t.Errorf("notional = %d, want merged 110_000_000", g.TotalNotionalMicros)
	}
	if len(g.TradeEventIDs) != 2 {
		t.Errorf("trade ids = %v", g.TradeEventIDs)
	}
	if len(f.cache.records) != 0 {
		t.Error("merged bucket must be cleared")
	}
}

func TestBufferImmediateNoBucketPassesStraightThrough(t *testing.T) {
	f := newBufferFixture(bufferCfg(true))

	big := smallGroup(7, domain.TradeSideBuy, 100_000_000, 1)
	if err := f.buf.Offer(context.Background(), big); err != nil {
		t.Fatal(err)
	}

	if len(f.queue.jobs) != 1 {
		t.Fatalf("jobs = %d", len(f.queue.jobs))
	}
	var payload domain.CopyJob
	if err := f.queue.jobs[0].DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Group.SourceType != domain.SourceImmediate {
		t.Errorf("source = %s, want IMMEDIATE", payload.Group.SourceType)
	}
}

func TestBufferShutdownFlushesEverything(t *testing.T) {
	f := newBufferFixture(bufferCfg(true))

	if err := f.buf.Offer(context.Background(), smallGroup(7, domain.TradeSideBuy, 10_000_000, 1)); err != nil {
		t.Fatal(err)
	}
	if err := f.buf.Offer(context.Background(), smallGroup(8, domain.TradeSideSell, 12_000_000, 2)); err != nil {
		t.Fatal(err)
	}
	f.buf.FlushAll(context.Background())

	if len(f.queue.jobs) != 2 {
		t.Fatalf("jobs = %d, want both buckets flushed", len(f.queue.jobs))
	}
	if len(f.cache.records) != 0 {
		t.Error("buckets must be empty after shutdown flush")
	}
}
