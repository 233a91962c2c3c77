package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
	"github.com/polymirror/copytrader/internal/platform/polymarket"
)

type fakeDataAPI struct {
	pages    [][]polymarket.APITrade
	calls    []polymarket.TradePage
	activity []polymarket.APIActivity
	err      error
}

func (f *fakeDataAPI) Trades(_ context.Context, page polymarket.TradePage) ([]polymarket.APITrade, error) {
	f.calls = append(f.calls, page)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	p := f.pages[0]
	f.pages = f.pages[1:]
	return p, nil
}

func (f *fakeDataAPI) Activity(context.Context, polymarket.TradePage) ([]polymarket.APIActivity, error) {
	return f.activity, nil
}

type fakeTradeStore struct {
	domain.TradeEventStore
	inserted    []domain.TradeEvent
	canonical   map[string]domain.TradeEvent // keyed by txHash
	backpatched map[int64]time.Time
	nextID      int64
}

func (f *fakeTradeStore) Insert(_ context.Context, ev domain.TradeEvent) (domain.TradeEvent, error) {
	for _, prev := range f.inserted {
		if prev.Source == ev.Source && prev.SourceID == ev.SourceID {
			return prev, domain.ErrAlreadyExists
		}
	}
	f.nextID++
	ev.ID = f.nextID
	f.inserted = append(f.inserted, ev)
	return ev, nil
}

func (f *fakeTradeStore) FindCanonicalMatch(_ context.Context, txHash, _ string, _ domain.TradeSide, _ string) (domain.TradeEvent, error) {
	if ev, ok := f.canonical[txHash]; ok {
		return ev, nil
	}
	return domain.TradeEvent{}, domain.ErrNotFound
}

func (f *fakeTradeStore) BackpatchEventTime(_ context.Context, id int64, t time.Time) error {
	if f.backpatched == nil {
		f.backpatched = map[int64]time.Time{}
	}
	f.backpatched[id] = t
	return nil
}

type fakeActivityStore struct {
	domain.ActivityEventStore
	inserted []domain.ActivityEvent
}

func (f *fakeActivityStore) Insert(_ context.Context, ev domain.ActivityEvent) (domain.ActivityEvent, error) {
	for _, prev := range f.inserted {
		if prev.SourceID == ev.SourceID {
			return prev, domain.ErrAlreadyExists
		}
	}
	ev.ID = int64(len(f.inserted) + 1)
	f.inserted = append(f.inserted, ev)
	return ev, nil
}

type fakeCheckpoints struct {
	domain.CheckpointStore
	values map[string][]byte
}

func (f *fakeCheckpoints) Get(_ context.Context, key string) (domain.SystemCheckpoint, error) {
	raw, ok := f.values[key]
	if !ok {
		return domain.SystemCheckpoint{}, domain.ErrNotFound
	}
	return domain.SystemCheckpoint{Key: key, ValueJSON: raw}, nil
}

func (f *fakeCheckpoints) Put(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if f.values == nil {
		f.values = map[string][]byte{}
	}
	f.values[key] = raw
	return nil
}

type fakeQueue struct {
	domain.JobQueue
	jobs []domain.Job
}

func (f *fakeQueue) Enqueue(_ context.Context, _ string, job domain.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeGate struct {
	gates map[string]time.Time
}

func (f *fakeGate) SetNotBefore(_ context.Context, key string, t time.Time) error {
	if f.gates == nil {
		f.gates = map[string]time.Time{}
	}
	f.gates[key] = t
	return nil
}

func (f *fakeGate) NotBefore(_ context.Context, key string) (time.Time, error) {
	return f.gates[key], nil
}

func (f *fakeGate) Clear(_ context.Context, key string) error {
	delete(f.gates, key)
	return nil
}

func apiTrade(ts int64, tx, token string, side, price, size string) polymarket.APITrade {
	var t polymarket.APITrade
	raw := fmt.Sprintf(`{"timestamp":%d,"transactionHash":%q,"asset":%q,"side":%q,"price":%q,"size":%q}`,
		ts, tx, token, side, price, size)
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		panic(err)
	}
	return t
}

func newTestIngestor(api dataAPI, trades *fakeTradeStore, acts *fakeActivityStore, chkpts *fakeCheckpoints, q *fakeQueue, gate *fakeGate) *ApiIngestor {
	return NewApiIngestor(
		ApiIngestorConfig{
			PollInterval:     10 * time.Second,
			PageSize:         2,
			MaxPages:         3,
			MaxPagesFastPath: 5,
			InitLookback:     15 * time.Minute,
			PollConcurrency:  1,
			RateLimitBase:    2 * time.Minute,
			RateLimitCap:     10 * time.Minute,
		},
		api, trades, acts, nil, chkpts, q, gate,
		slog.New(slog.DiscardHandler),
	)
}

func TestPullTradesExhaustedAdvancesCursor(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	api := &fakeDataAPI{pages: [][]polymarket.APITrade{{
		apiTrade(now.Unix(), "0xaa", "tok1", "BUY", "0.52", "100"),
	}}}
	trades := &fakeTradeStore{}
	ing := newTestIngestor(api, trades, &fakeActivityStore{}, &fakeCheckpoints{}, &fakeQueue{}, &fakeGate{})

	cursor := domain.APICursor{LastTradeTime: now.Add(-time.Hour)}
	ids, next, err := ing.pullTrades(context.Background(), domain.FollowedUser{ID: 7, ProfileWallet: "0xleader"}, cursor, 3)
	if err != nil {
		t.Fatalf("pullTrades: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("inserted = %d, want 1", len(ids))
	}
	if !next.LastTradeTime.Equal(now) {
		t.Errorf("lastTradeTime = %v, want %v", next.LastTradeTime, now)
	}
	if next.ResumeBefore != nil {
		t.Errorf("resumeBefore = %v, want nil", next.ResumeBefore)
	}

	got := trades.inserted[0]
	if got.Source != domain.TradeSourceDataAPI || got.IsCanonical {
		t.Errorf("source/canonical = %s/%v", got.Source, got.IsCanonical)
	}
	if got.PriceMicros != 520_000 || got.ShareMicros != 100_000_000 {
		t.Errorf("price/shares = %d/%d", got.PriceMicros, got.ShareMicros)
	}
	if got.NotionalMicros != 52_000_000 {
		t.Errorf("notional = %d, want 52_000_000", got.NotionalMicros)
	}
}

func TestPullTradesMaxPagesSavesResume(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	// Three full pages of two trades each, newest first.
	var pages [][]polymarket.APITrade
	ts := now.Unix()
	for p := 0; p < 3; p++ {
		pages = append(pages, []polymarket.APITrade{
			apiTrade(ts, fmt.Sprintf("0x%d", p*2), "tok1", "BUY", "0.50", "10"),
			apiTrade(ts-1, fmt.Sprintf("0x%d", p*2+1), "tok1", "BUY", "0.50", "10"),
		})
		ts -= 2
	}
	api := &fakeDataAPI{pages: pages}
	trades := &fakeTradeStore{}
	ing := newTestIngestor(api, trades, &fakeActivityStore{}, &fakeCheckpoints{}, &fakeQueue{}, &fakeGate{})

	cursor := domain.APICursor{LastTradeTime: now.Add(-time.Hour)}
	ids, next, err := ing.pullTrades(context.Background(), domain.FollowedUser{ID: 7, ProfileWallet: "0xleader"}, cursor, 3)
	if err != nil {
		t.Fatalf("pullTrades: %v", err)
	}
	if len(ids) != 6 {
		t.Fatalf("inserted = %d, want 6", len(ids))
	}
	// lastTime must not advance until the pull is exhausted.
	if !next.LastTradeTime.Equal(cursor.LastTradeTime) {
		t.Errorf("lastTradeTime advanced to %v", next.LastTradeTime)
	}
	if next.ResumeBefore == nil {
		t.Fatal("resumeBefore not saved")
	}
	wantOldest := now.Unix() - 5
	if next.ResumeBefore.Unix() != wantOldest {
		t.Errorf("resumeBefore = %d, want %d", next.ResumeBefore.Unix(), wantOldest)
	}
}

func TestPullTradesStalledResetsResume(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	// Both pages report the same timestamps: before never decreases.
	page := []polymarket.APITrade{
		apiTrade(now.Unix(), "0xaa", "tok1", "BUY", "0.50", "10"),
		apiTrade(now.Unix(), "0xbb", "tok1", "BUY", "0.50", "10"),
	}
	api := &fakeDataAPI{pages: [][]polymarket.APITrade{page, page}}
	trades := &fakeTradeStore{}
	ing := newTestIngestor(api, trades, &fakeActivityStore{}, &fakeCheckpoints{}, &fakeQueue{}, &fakeGate{})

	cursor := domain.APICursor{LastTradeTime: now.Add(-time.Hour)}
	_, next, err := ing.pullTrades(context.Background(), domain.FollowedUser{ID: 7, ProfileWallet: "0xleader"}, cursor, 3)
	if err != nil {
		t.Fatalf("pullTrades: %v", err)
	}
	if !next.LastTradeTime.Equal(cursor.LastTradeTime) {
		t.Errorf("lastTradeTime advanced to %v", next.LastTradeTime)
	}
	if next.ResumeBefore != nil {
		t.Errorf("resumeBefore = %v, want nil after stall", next.ResumeBefore)
	}
}

func TestPullTradesSkipsAlreadyConsumed(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	api := &fakeDataAPI{pages: [][]polymarket.APITrade{{
		apiTrade(now.Unix(), "0xaa", "tok1", "BUY", "0.50", "10"),
		apiTrade(now.Add(-time.Hour).Unix(), "0xbb", "tok1", "BUY", "0.50", "10"),
	}}}
	trades := &fakeTradeStore{}
	ing := newTestIngestor(api, trades, &fakeActivityStore{}, &fakeCheckpoints{}, &fakeQueue{}, &fakeGate{})

	cursor := domain.APICursor{LastTradeTime: now.Add(-time.Hour)}
	ids, _, err := ing.pullTrades(context.Background(), domain.FollowedUser{ID: 7, ProfileWallet: "0xleader"}, cursor, 3)
	if err != nil {
		t.Fatalf("pullTrades: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("inserted = %d, want 1 (cursor-boundary trade skipped)", len(ids))
	}
	if trades.inserted[0].TxHash != "0xaa" {
		t.Errorf("kept tx = %s, want 0xaa", trades.inserted[0].TxHash)
	}
}

func TestInsertTradeReconcilesCanonicalMatch(t *testing.T) {
	detect := time.Now().UTC().Truncate(time.Second)
	apiTime := detect.Add(-3 * time.Second)
	trades := &fakeTradeStore{canonical: map[string]domain.TradeEvent{
		// WS row never patched: eventTime == detectTime.
		"0xaa": {ID: 42, EventTime: detect, DetectTime: detect},
	}}
	ing := newTestIngestor(&fakeDataAPI{}, trades, &fakeActivityStore{}, &fakeCheckpoints{}, &fakeQueue{}, &fakeGate{})

	tr := apiTrade(apiTime.Unix(), "0xaa", "tok1", "BUY", "0.50", "10")
	_, inserted := ing.insertTrade(context.Background(), domain.FollowedUser{ID: 7, ProfileWallet: "0xleader"}, &tr)
	if inserted {
		t.Fatal("matched trade must not insert a duplicate row")
	}
	if got := trades.backpatched[42]; !got.Equal(apiTime) {
		t.Errorf("backpatched time = %v, want %v", got, apiTime)
	}
	if len(trades.inserted) != 0 {
		t.Errorf("inserted %d rows, want 0", len(trades.inserted))
	}
}

func TestBackpatchSkipsWhenNotEarlier(t *testing.T) {
	detect := time.Now().UTC().Truncate(time.Second)
	patched := detect.Add(-5 * time.Second)
	trades := &fakeTradeStore{canonical: map[string]domain.TradeEvent{
		// Already patched earlier than what the API reports now.
		"0xaa": {ID: 42, EventTime: patched, DetectTime: detect},
	}}
	ing := newTestIngestor(&fakeDataAPI{}, trades, &fakeActivityStore{}, &fakeCheckpoints{}, &fakeQueue{}, &fakeGate{})

	tr := apiTrade(detect.Add(-2*time.Second).Unix(), "0xaa", "tok1", "BUY", "0.50", "10")
	_, inserted := ing.insertTrade(context.Background(), domain.FollowedUser{ID: 7, ProfileWallet: "0xleader"}, &tr)
	if inserted {
		t.Fatal("matched trade must not insert")
	}
	if len(trades.backpatched) != 0 {
		t.Errorf("backpatched = %v, want none", trades.backpatched)
	}
}

func TestPullActivityFiltersAndDedupes(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	raw := fmt.Sprintf(`[
		{"type":"MERGE","timestamp":%d,"asset":"tok1","size":"25","usdcSize":"25","transactionHash":"0xm1"},
		{"type":"TRADE","timestamp":%d,"asset":"tok1","size":"10","transactionHash":"0xt1"},
		{"type":"REDEEM","timestamp":%d,"asset":"tok2","size":"5","usdcSize":"5","transactionHash":"0xr1"},
		{"type":"MERGE","timestamp":%d,"asset":"tok1","size":"25","usdcSize":"25","transactionHash":"0xm1"}
	]`, now.Unix(), now.Unix(), now.Unix(), now.Unix())
	var items []polymarket.APIActivity
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		t.Fatal(err)
	}

	acts := &fakeActivityStore{}
	ing := newTestIngestor(&fakeDataAPI{activity: items}, &fakeTradeStore{}, acts, &fakeCheckpoints{}, &fakeQueue{}, &fakeGate{})

	ids, err := ing.pullActivity(context.Background(), domain.FollowedUser{ID: 7, ProfileWallet: "0xleader"},
		domain.APICursor{LastTradeTime: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("pullActivity: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("inserted = %d, want 2 (TRADE filtered, duplicate MERGE deduped)", len(ids))
	}
	if acts.inserted[0].Type != domain.ActivityMerge || acts.inserted[1].Type != domain.ActivityRedeem {
		t.Errorf("types = %s/%s", acts.inserted[0].Type, acts.inserted[1].Type)
	}
	if got := acts.inserted[0].Payload.Assets[0].AmountMicros; got != 25_000_000 {
		t.Errorf("merge amount = %d, want 25_000_000", got)
	}
}

func TestPollLeaderRateLimitSetsGate(t *testing.T) {
	api := &fakeDataAPI{err: fmt.Errorf("data api: %w", domain.ErrRateLimited)}
	gate := &fakeGate{}
	chkpts := &fakeCheckpoints{}
	ing := newTestIngestor(api, &fakeTradeStore{}, &fakeActivityStore{}, chkpts, &fakeQueue{}, gate)

	u := domain.FollowedUser{ID: 7, ProfileWallet: "0xleader", Enabled: true}
	ing.pollLeader(context.Background(), u, 3, 0)

	notBefore := gate.gates[domain.APIRetryKey(7)]
	if notBefore.IsZero() {
		t.Fatal("gate not set after 429")
	}
	wait := time.Until(notBefore)
	if wait < time.Minute || wait > 3*time.Minute {
		t.Errorf("gate wait = %v, want ~2m", wait)
	}
	if len(chkpts.values) != 0 {
		t.Error("cursor must not be saved on a failed pull")
	}

	// While gated the poller must not touch the API.
	calls := len(api.calls)
	ing.pollLeader(context.Background(), u, 3, 0)
	if len(api.calls) != calls {
		t.Errorf("api calls = %d while gated, want %d", len(api.calls), calls)
	}
}

func TestPollLeaderEnqueuesIngestJob(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	api := &fakeDataAPI{pages: [][]polymarket.APITrade{{
		apiTrade(now.Unix(), "0xaa", "tok1", "BUY", "0.52", "100"),
	}}}
	q := &fakeQueue{}
	chkpts := &fakeCheckpoints{}
	ing := newTestIngestor(api, &fakeTradeStore{}, &fakeActivityStore{}, chkpts, q, &fakeGate{})

	ing.pollLeader(context.Background(), domain.FollowedUser{ID: 7, ProfileWallet: "0xleader", Enabled: true}, 3, 0)

	if len(q.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(q.jobs))
	}
	var payload domain.IngestJob
	if err := q.jobs[0].DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.TradeEventIDs) != 1 {
		t.Errorf("trade ids = %v, want one id", payload.TradeEventIDs)
	}

	var cursor domain.APICursor
	raw := chkpts.values[domain.APICursorKey(7)]
	if err := json.Unmarshal(raw, &cursor); err != nil {
		t.Fatalf("cursor not saved: %v", err)
	}
	if !cursor.LastTradeTime.Equal(now) {
		t.Errorf("saved lastTradeTime = %v, want %v", cursor.LastTradeTime, now)
	}
}
