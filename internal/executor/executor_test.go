package executor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

type fakeAttempts struct {
	domain.CopyAttemptStore
	existing map[string]domain.CopyAttempt
	created  []domain.CopyAttempt
	fills    [][]domain.ExecutableFill
	entries  [][]domain.LedgerEntry
}

func (f *fakeAttempts) GetByGroupKey(_ context.Context, groupKey string) (domain.CopyAttempt, error) {
	if a, ok := f.existing[groupKey]; ok {
		return a, nil
	}
	return domain.CopyAttempt{}, domain.ErrNotFound
}

func (f *fakeAttempts) CreateWithFills(_ context.Context, attempt domain.CopyAttempt, fills []domain.ExecutableFill, entries []domain.LedgerEntry) (domain.CopyAttempt, error) {
	attempt.ID = int64(len(f.created) + 1)
	f.created = append(f.created, attempt)
	f.fills = append(f.fills, fills)
	f.entries = append(f.entries, entries)
	return attempt, nil
}

type fakeLedger struct {
	domain.LedgerStore
	sharesByAsset map[string]int64
	sliceByUser   map[int64]domain.PositionTotals
}

func (f *fakeLedger) AssetExposure(_ context.Context, _ domain.PortfolioScope, _ *int64, assetID string) (int64, error) {
	return f.sharesByAsset[assetID], nil
}

func (f *fakeLedger) Totals(_ context.Context, _ domain.PortfolioScope, followedUserID *int64) (domain.PositionTotals, error) {
	if followedUserID != nil {
		if t, ok := f.sliceByUser[*followedUserID]; ok {
			return t, nil
		}
	}
	return domain.PositionTotals{ShareByAsset: map[string]int64{}, CostByAsset: map[string]int64{}}, nil
}

type fakeSnaps struct {
	domain.SnapshotStore
	latest *domain.PortfolioSnapshot
	asOf   func(at time.Time) (int64, error)
	peak   int64
}

func (f *fakeSnaps) Latest(_ context.Context, _ domain.PortfolioScope, _ *int64) (domain.PortfolioSnapshot, error) {
	if f.latest == nil {
		return domain.PortfolioSnapshot{}, domain.ErrNotFound
	}
	return *f.latest, nil
}

func (f *fakeSnaps) EquityAsOf(_ context.Context, _ domain.PortfolioScope, _ *int64, at time.Time) (int64, error) {
	if f.asOf == nil {
		return 0, domain.ErrNotFound
	}
	return f.asOf(at)
}

func (f *fakeSnaps) PeakEquity(_ context.Context, _ domain.PortfolioScope, _ time.Time) (int64, error) {
	return f.peak, nil
}

type fakeMarkets struct {
	domain.MarketStore
	byToken map[string]domain.Market
}

func (f *fakeMarkets) GetByTokenID(_ context.Context, tokenID string) (domain.Market, error) {
	if m, ok := f.byToken[tokenID]; ok {
		return m, nil
	}
	return domain.Market{}, domain.ErrNotFound
}

type fakeBooks struct {
	result domain.BookResult
	err    error
	calls  int
}

func (f *fakeBooks) GetBook(_ context.Context, _ string, _ domain.BookOpts) (domain.BookResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeBooks) EnsureSubscribed(string) {}

type fakeMarks struct {
	domain.PriceCache
	prices map[string]int64
}

func (f *fakeMarks) GetPrices(_ context.Context, assetIDs []string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, id := range assetIDs {
		if p, ok := f.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type staticPolicy struct{ cfg domain.EffectiveConfig }

func (s staticPolicy) For(context.Context, int64) (domain.EffectiveConfig, error) {
	return s.cfg, nil
}

type notifyRecorder struct {
	breakers []domain.ReasonCode
	executed []domain.CopyAttempt
}

func (n *notifyRecorder) CircuitBreaker(_ context.Context, reason domain.ReasonCode, _, _ int64) {
	n.breakers = append(n.breakers, reason)
}

func (n *notifyRecorder) Executed(_ context.Context, attempt domain.CopyAttempt) {
	n.executed = append(n.executed, attempt)
}

type execHarness struct {
	attempts *fakeAttempts
	ledger   *fakeLedger
	snaps    *fakeSnaps
	markets  *fakeMarkets
	books    *fakeBooks
	marks    *fakeMarks
	notify   *notifyRecorder
	cfg      domain.EffectiveConfig
	slept    []time.Duration
	now      time.Time
}

func newHarness() *execHarness {
	return &execHarness{
		attempts: &fakeAttempts{existing: map[string]domain.CopyAttempt{}},
		ledger: &fakeLedger{
			sharesByAsset: map[string]int64{},
			sliceByUser:   map[int64]domain.PositionTotals{},
		},
		snaps:   &fakeSnaps{},
		markets: &fakeMarkets{byToken: map[string]domain.Market{}},
		books: &fakeBooks{result: domain.BookResult{
			Book:   testBook("tok1", 490_000, 510_000, 1_000_000_000),
			Source: domain.BookSourceWS,
		}},
		marks:  &fakeMarks{prices: map[string]int64{}},
		notify: &notifyRecorder{},
		cfg:    domain.DefaultConfig(),
		now:    time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (h *execHarness) executor() *Executor {
	e := New(h.attempts, h.ledger, h.snaps, h.markets, h.books, h.marks,
		staticPolicy{h.cfg}, h.notify, 10_000_000_000, slog.New(slog.DiscardHandler))
	e.now = func() time.Time { return h.now }
	e.sleep = func(_ context.Context, d time.Duration) { h.slept = append(h.slept, d) }
	return e
}

func testBook(tokenID string, bid, ask, size int64) *domain.Book {
	return &domain.Book{
		TokenID: tokenID,
		Bids:    []domain.PriceLevel{{PriceMicros: bid, SizeMicros: size}},
		Asks:    []domain.PriceLevel{{PriceMicros: ask, SizeMicros: size}},
	}
}

func copyGroup(side domain.TradeSide, notionalMicros int64) domain.TradeEventGroup {
	return domain.TradeEventGroup{
		GroupKey:            "7:tok1:" + string(side) + ":2025-08-01T12:00:00Z",
		FollowedUserID:      7,
		TokenID:             "tok1",
		Side:                side,
		TotalNotionalMicros: notionalMicros,
		TotalShareMicros:    notionalMicros * domain.MicrosPerUnit / 500_000,
		VwapPriceMicros:     500_000,
		EarliestDetectTime:  time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC),
		TradeEventIDs:       []int64{1},
		SourceType:          domain.SourceGroup,
	}
}

func requireSkip(t *testing.T, h *execHarness, reason domain.ReasonCode) domain.CopyAttempt {
	t.Helper()
	if len(h.attempts.created) != 1 {
		t.Fatalf("created = %d attempts, want 1", len(h.attempts.created))
	}
	a := h.attempts.created[0]
	if a.Decision != domain.DecisionSkip {
		t.Fatalf("decision = %s, want SKIP", a.Decision)
	}
	if len(a.ReasonCodes) != 1 || a.ReasonCodes[0] != reason {
		t.Fatalf("reasons = %v, want [%s]", a.ReasonCodes, reason)
	}
	if a.FilledNotionalMicros != 0 || a.FilledRatioBps != 0 {
		t.Fatalf("skip carries fill data: %+v", a)
	}
	if len(h.attempts.entries[0]) != 0 {
		t.Fatalf("skip wrote %d ledger entries", len(h.attempts.entries[0]))
	}
	return a
}

func TestDecideExecutesFullFill(t *testing.T) {
	h := newHarness()
	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	if len(h.attempts.created) != 1 {
		t.Fatalf("created = %d attempts, want 1", len(h.attempts.created))
	}
	a := h.attempts.created[0]
	if a.Decision != domain.DecisionExecute {
		t.Fatalf("decision = %s, want EXECUTE", a.Decision)
	}
	// 1% of $2000 leader notional.
	if a.TargetNotionalMicros != 20_000_000 {
		t.Fatalf("target = %d, want 20_000_000", a.TargetNotionalMicros)
	}
	// The $20 budget buys 39.215686 shares at the 0.51 ask; spend never
	// exceeds the target.
	if a.FilledNotionalMicros != 20_000_000 {
		t.Fatalf("filled notional = %d, want 20_000_000", a.FilledNotionalMicros)
	}
	if a.FilledRatioBps != 9_803 {
		t.Fatalf("filled ratio = %d, want 9_803", a.FilledRatioBps)
	}
	if a.VwapPriceMicros != 510_000 {
		t.Fatalf("vwap = %d, want 510_000", a.VwapPriceMicros)
	}
	if a.MidPriceMicrosAtDecision != 500_000 {
		t.Fatalf("mid = %d, want 500_000", a.MidPriceMicrosAtDecision)
	}

	entries := h.attempts.entries[0]
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Scope != domain.ScopeExecGlobal || e.FollowedUserID == nil || *e.FollowedUserID != 7 {
		t.Fatalf("entry attribution wrong: %+v", e)
	}
	if e.ShareDeltaMicros != 39_215_686 || e.CashDeltaMicros != -20_000_000 {
		t.Fatalf("entry deltas = %d/%d, want 39_215_686/-20_000_000", e.ShareDeltaMicros, e.CashDeltaMicros)
	}
	if e.RefID != "" {
		t.Fatalf("ref id should be left for the store, got %q", e.RefID)
	}
	if len(h.notify.executed) != 1 {
		t.Fatalf("notifier executed calls = %d, want 1", len(h.notify.executed))
	}
}

func TestDecideAcksReplayedGroup(t *testing.T) {
	h := newHarness()
	g := copyGroup(domain.TradeSideBuy, 2_000_000_000)
	h.attempts.existing[g.GroupKey] = domain.CopyAttempt{ID: 1, GroupKey: g.GroupKey}

	if err := h.executor().Decide(context.Background(), g); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if len(h.attempts.created) != 0 {
		t.Fatalf("replay created %d attempts", len(h.attempts.created))
	}
	if h.books.calls != 0 {
		t.Fatalf("replay fetched a book")
	}
}

func TestSmallCopyRaisedToMinFloor(t *testing.T) {
	h := newHarness()
	// 1% of $400 is $4; the copy is raised to the $5 floor, not skipped.
	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 400_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	a := h.attempts.created[0]
	if a.Decision != domain.DecisionExecute {
		t.Fatalf("decision = %s, want EXECUTE (reasons %v)", a.Decision, a.ReasonCodes)
	}
	if a.TargetNotionalMicros != 5_000_000 {
		t.Fatalf("target = %d, want the 5_000_000 floor", a.TargetNotionalMicros)
	}
	if a.FilledNotionalMicros != 5_000_000 {
		t.Fatalf("filled notional = %d, want 5_000_000", a.FilledNotionalMicros)
	}
}

func TestBankrollClampBelowMinSkipsWithoutBook(t *testing.T) {
	h := newHarness()
	// 75 bps of the $400 equity is $3; only the bankroll clamp may leave
	// the target under the floor, and that skips.
	h.snaps.latest = &domain.PortfolioSnapshot{EquityMicros: 400_000_000}

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	requireSkip(t, h, domain.ReasonSizeBelowMin)
	if h.books.calls != 0 {
		t.Fatalf("size skip fetched a book")
	}
}

func TestBankrollCapClampsTarget(t *testing.T) {
	h := newHarness()
	h.snaps.latest = &domain.PortfolioSnapshot{EquityMicros: 1_000_000_000}

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	a := h.attempts.created[0]
	// 75 bps of the $1000 equity beats the raw $20 copy.
	if a.TargetNotionalMicros != 7_500_000 {
		t.Fatalf("target = %d, want 7_500_000", a.TargetNotionalMicros)
	}
	if a.Decision != domain.DecisionExecute {
		t.Fatalf("decision = %s, want EXECUTE", a.Decision)
	}
}

func TestBookUnavailableSkips(t *testing.T) {
	h := newHarness()
	h.books.result = domain.BookResult{Stale: true}

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	requireSkip(t, h, domain.ReasonBookUnavailable)
}

func TestBlacklistedMarketSkips(t *testing.T) {
	h := newHarness()
	h.markets.byToken["tok1"] = domain.Market{ID: "m1", Blacklisted: true}

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	requireSkip(t, h, domain.ReasonMarketBlacklisted)
}

func TestNearCloseBlocksBuys(t *testing.T) {
	h := newHarness()
	closeAt := h.now.Add(10 * time.Minute)
	h.markets.byToken["tok1"] = domain.Market{ID: "m1", CloseTime: &closeAt}

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	requireSkip(t, h, domain.ReasonMarketNearClose)
}

func TestReducingSellBypassesNearCloseAndExposure(t *testing.T) {
	h := newHarness()
	closeAt := h.now.Add(10 * time.Minute)
	h.markets.byToken["tok1"] = domain.Market{ID: "m1", CloseTime: &closeAt}
	// Long 100 shares, and total exposure already at the cap.
	h.ledger.sharesByAsset["tok1"] = 100_000_000
	h.snaps.latest = &domain.PortfolioSnapshot{
		EquityMicros:   10_000_000_000,
		ExposureMicros: 7_000_000_000,
	}

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideSell, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	a := h.attempts.created[0]
	if a.Decision != domain.DecisionExecute {
		t.Fatalf("decision = %s, want EXECUTE (reasons %v)", a.Decision, a.ReasonCodes)
	}
	e := h.attempts.entries[0][0]
	if e.ShareDeltaMicros >= 0 || e.CashDeltaMicros <= 0 {
		t.Fatalf("sell deltas = %d/%d, want negative shares, positive cash", e.ShareDeltaMicros, e.CashDeltaMicros)
	}
}

func TestSpreadTooWideSkips(t *testing.T) {
	h := newHarness()
	h.books.result.Book = testBook("tok1", 480_000, 510_000, 1_000_000_000)

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	requireSkip(t, h, domain.ReasonSpreadTooWide)
}

func TestThinBookSkipsOnDepth(t *testing.T) {
	h := newHarness()
	// $5.10 resting within bound vs the $25 requirement ($20 target x1.25).
	h.books.result.Book = testBook("tok1", 490_000, 510_000, 10_000_000)

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	requireSkip(t, h, domain.ReasonDepthInsufficient)
}

func TestExposureCapTotal(t *testing.T) {
	h := newHarness()
	h.snaps.latest = &domain.PortfolioSnapshot{
		EquityMicros:   10_000_000_000,
		ExposureMicros: 6_990_000_000,
	}

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	requireSkip(t, h, domain.ReasonExposureCapTotal)
}

func TestExposureCapMarket(t *testing.T) {
	h := newHarness()
	// 980 shares at the 0.50 mid is $490 of the $500 per-market budget.
	h.ledger.sharesByAsset["tok1"] = 980_000_000

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	requireSkip(t, h, domain.ReasonExposureCapMarket)
}

func TestExposureCapUser(t *testing.T) {
	h := newHarness()
	h.ledger.sliceByUser[7] = domain.PositionTotals{
		ShareByAsset: map[string]int64{"other": 4_000_000_000},
		CostByAsset:  map[string]int64{"other": 1_900_000_000},
	}
	h.marks.prices["other"] = 500_000

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	requireSkip(t, h, domain.ReasonExposureCapUser)
}

func TestDailyBreakerTripsFirst(t *testing.T) {
	h := newHarness()
	h.snaps.latest = &domain.PortfolioSnapshot{EquityMicros: 9_600_000_000}
	h.snaps.asOf = func(time.Time) (int64, error) { return 10_000_000_000, nil }

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	requireSkip(t, h, domain.ReasonCircuitBreakerDaily)
	if len(h.notify.breakers) != 1 || h.notify.breakers[0] != domain.ReasonCircuitBreakerDaily {
		t.Fatalf("breaker notifications = %v", h.notify.breakers)
	}
}

func TestDrawdownBreaker(t *testing.T) {
	h := newHarness()
	h.snaps.latest = &domain.PortfolioSnapshot{EquityMicros: 9_000_000_000}
	h.snaps.peak = 10_500_000_000

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	requireSkip(t, h, domain.ReasonCircuitBreakerDrawdown)
}

func TestPartialFillRatio(t *testing.T) {
	h := newHarness()
	h.books.result.Book = &domain.Book{
		TokenID: "tok1",
		Bids:    []domain.PriceLevel{{PriceMicros: 495_000, SizeMicros: 1_000_000_000}},
		Asks: []domain.PriceLevel{
			{PriceMicros: 505_000, SizeMicros: 10_000_000},
			{PriceMicros: 509_000, SizeMicros: 10_000_000},
			{PriceMicros: 520_000, SizeMicros: 1_000_000_000},
		},
	}
	// Loosen depth so the bound-crossed tail is what limits the fill.
	h.cfg.Guardrails.MinDepthMultiplierBps = 2_500

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	a := h.attempts.created[0]
	if a.Decision != domain.DecisionExecute {
		t.Fatalf("decision = %s, want EXECUTE (reasons %v)", a.Decision, a.ReasonCodes)
	}
	if len(h.attempts.fills[0]) != 2 {
		t.Fatalf("fills = %d levels, want 2", len(h.attempts.fills[0]))
	}
	if a.FilledRatioBps != 5_000 {
		t.Fatalf("filled ratio = %d, want 5_000", a.FilledRatioBps)
	}
	if a.FilledNotionalMicros != 10_140_000 {
		t.Fatalf("filled notional = %d, want 10_140_000", a.FilledNotionalMicros)
	}
	if a.VwapPriceMicros != 507_000 {
		t.Fatalf("vwap = %d, want 507_000", a.VwapPriceMicros)
	}
}

func TestPacingAppliesOnlyToExecutes(t *testing.T) {
	h := newHarness()
	h.cfg.Guardrails.DecisionLatencyMs = 50

	if err := h.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if len(h.slept) != 1 || h.slept[0] != 50*time.Millisecond {
		t.Fatalf("slept = %v, want one 50ms pause", h.slept)
	}

	h2 := newHarness()
	h2.cfg.Guardrails.DecisionLatencyMs = 50
	h2.snaps.latest = &domain.PortfolioSnapshot{EquityMicros: 400_000_000}
	if err := h2.executor().Decide(context.Background(), copyGroup(domain.TradeSideBuy, 2_000_000_000)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if len(h2.slept) != 0 {
		t.Fatalf("skip slept %v", h2.slept)
	}
}

func TestHandleCopyJobDropsMalformedPayload(t *testing.T) {
	h := newHarness()
	job := domain.Job{ID: "bad", Kind: domain.JobKindCopy, Payload: []byte("{")}

	if err := h.executor().HandleCopyJob(context.Background(), job); err != nil {
		t.Fatalf("HandleCopyJob: %v", err)
	}
	if len(h.attempts.created) != 0 {
		t.Fatalf("malformed job created attempts")
	}
}
