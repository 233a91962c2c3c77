package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

type sinkRecorder struct {
	mu     sync.Mutex
	groups []domain.TradeEventGroup
	done   chan struct{}
}

func newSinkRecorder(expect int) *sinkRecorder {
	return &sinkRecorder{done: make(chan struct{}, expect)}
}

func (s *sinkRecorder) Offer(_ context.Context, g domain.TradeEventGroup) error {
	s.mu.Lock()
	s.groups = append(s.groups, g)
	s.mu.Unlock()
	s.done <- struct{}{}
	return nil
}

func (s *sinkRecorder) wait(t *testing.T, n int) []domain.TradeEventGroup {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for flush %d of %d", i+1, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TradeEventGroup(nil), s.groups...)
}

type tradesByID struct {
	domain.TradeEventStore
	events map[int64]domain.TradeEvent
}

func (s *tradesByID) GetByIDs(_ context.Context, ids []int64) ([]domain.TradeEvent, error) {
	out := make([]domain.TradeEvent, 0, len(ids))
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func groupJob(t *testing.T, ids ...int64) domain.Job {
	t.Helper()
	job, err := domain.NewJob("test", domain.JobKindGroup, domain.GroupJob{TradeEventIDs: ids})
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestAggregatorCollapsesWindow(t *testing.T) {
	detect := time.Now().UTC()
	store := &tradesByID{events: map[int64]domain.TradeEvent{
		1: {ID: 1, FollowedUserID: 7, RawTokenID: "tok1", Side: domain.TradeSideBuy,
			NotionalMicros: 10_000_000, ShareMicros: 20_000_000, DetectTime: detect},
		2: {ID: 2, FollowedUserID: 7, RawTokenID: "tok1", Side: domain.TradeSideBuy,
			NotionalMicros: 5_000_000, ShareMicros: 10_000_000, DetectTime: detect.Add(time.Millisecond)},
	}}
	sink := newSinkRecorder(1)
	agg := NewAggregator(30*time.Millisecond, store, sink, slog.New(slog.DiscardHandler))

	if err := agg.HandleGroupJob(context.Background(), groupJob(t, 1, 2)); err != nil {
		t.Fatalf("HandleGroupJob: %v", err)
	}

	groups := sink.wait(t, 1)
	g := groups[0]
	if g.TotalNotionalMicros != 15_000_000 || g.TotalShareMicros != 30_000_000 {
		t.Errorf("totals = %d/%d", g.TotalNotionalMicros, g.TotalShareMicros)
	}
	if g.VwapPriceMicros != 500_000 {
		t.Errorf("vwap = %d, want 500_000", g.VwapPriceMicros)
	}
	if len(g.TradeEventIDs) != 2 || g.TradeEventIDs[0] != 1 {
		t.Errorf("trade ids = %v, want arrival order", g.TradeEventIDs)
	}
	if g.SourceType != domain.SourceGroup {
		t.Errorf("source = %s", g.SourceType)
	}
	if !g.EarliestDetectTime.Equal(detect) {
		t.Errorf("earliest = %v, want %v", g.EarliestDetectTime, detect)
	}
	wantKey := domain.GroupKeyFor(7, "tok1", domain.TradeSideBuy, detect)
	if g.GroupKey != wantKey {
		t.Errorf("group key = %s, want %s", g.GroupKey, wantKey)
	}
}

func TestAggregatorSplitsByDirectionAndToken(t *testing.T) {
	detect := time.Now().UTC()
	store := &tradesByID{events: map[int64]domain.TradeEvent{
		1: {ID: 1, FollowedUserID: 7, RawTokenID: "tok1", Side: domain.TradeSideBuy,
			NotionalMicros: 1_000_000, ShareMicros: 2_000_000, DetectTime: detect},
		2: {ID: 2, FollowedUserID: 7, RawTokenID: "tok1", Side: domain.TradeSideSell,
			NotionalMicros: 1_000_000, ShareMicros: 2_000_000, DetectTime: detect},
		3: {ID: 3, FollowedUserID: 7, RawTokenID: "tok2", Side: domain.TradeSideBuy,
			NotionalMicros: 1_000_000, ShareMicros: 2_000_000, DetectTime: detect},
	}}
	sink := newSinkRecorder(3)
	agg := NewAggregator(20*time.Millisecond, store, sink, slog.New(slog.DiscardHandler))

	if err := agg.HandleGroupJob(context.Background(), groupJob(t, 1, 2, 3)); err != nil {
		t.Fatalf("HandleGroupJob: %v", err)
	}

	groups := sink.wait(t, 3)
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3 separate buckets", len(groups))
	}
	keys := map[string]bool{}
	for _, g := range groups {
		keys[g.GroupKey] = true
		if len(g.TradeEventIDs) != 1 {
			t.Errorf("group %s has %d trades, want 1", g.GroupKey, len(g.TradeEventIDs))
		}
	}
	if len(keys) != 3 {
		t.Errorf("distinct keys = %d, want 3", len(keys))
	}
}

func TestAggregatorLateTradeStartsNewWindow(t *testing.T) {
	detect := time.Now().UTC()
	store := &tradesByID{events: map[int64]domain.TradeEvent{
		1: {ID: 1, FollowedUserID: 7, RawTokenID: "tok1", Side: domain.TradeSideBuy,
			NotionalMicros: 1_000_000, ShareMicros: 2_000_000, DetectTime: detect},
		2: {ID: 2, FollowedUserID: 7, RawTokenID: "tok1", Side: domain.TradeSideBuy,
			NotionalMicros: 3_000_000, ShareMicros: 6_000_000, DetectTime: detect.Add(100 * time.Millisecond)},
	}}
	sink := newSinkRecorder(2)
	agg := NewAggregator(20*time.Millisecond, store, sink, slog.New(slog.DiscardHandler))

	if err := agg.HandleGroupJob(context.Background(), groupJob(t, 1)); err != nil {
		t.Fatal(err)
	}
	sink.wait(t, 1)

	if err := agg.HandleGroupJob(context.Background(), groupJob(t, 2)); err != nil {
		t.Fatal(err)
	}
	groups := sink.wait(t, 1)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].GroupKey == groups[1].GroupKey {
		t.Error("late trade reused a flushed window key")
	}
}

func TestAggregatorCloseFlushesOpenBuckets(t *testing.T) {
	store := &tradesByID{events: map[int64]domain.TradeEvent{
		1: {ID: 1, FollowedUserID: 7, RawTokenID: "tok1", Side: domain.TradeSideBuy,
			NotionalMicros: 1_000_000, ShareMicros: 2_000_000, DetectTime: time.Now().UTC()},
	}}
	sink := newSinkRecorder(1)
	agg := NewAggregator(time.Hour, store, sink, slog.New(slog.DiscardHandler))

	if err := agg.HandleGroupJob(context.Background(), groupJob(t, 1)); err != nil {
		t.Fatal(err)
	}
	agg.Close()

	groups := sink.wait(t, 1)
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want shutdown flush", len(groups))
	}
}
