package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

type fakeTrades struct{ last time.Time }

func (f fakeTrades) LastCanonicalEventTime(context.Context) (time.Time, error) {
	return f.last, nil
}

type fakeQueue struct{ depths map[string]int64 }

func (f fakeQueue) Depths(_ context.Context, queues ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(queues))
	for _, q := range queues {
		out[q] = f.depths[q]
	}
	return out, nil
}

type fakeDB struct{ err error }

func (f fakeDB) Health(context.Context) error { return f.err }

type fakeSnaps struct {
	snap domain.PortfolioSnapshot
	err  error
}

func (f fakeSnaps) Latest(context.Context, domain.PortfolioScope, *int64) (domain.PortfolioSnapshot, error) {
	return f.snap, f.err
}

type fakeResolver struct{ calls int }

func (f *fakeResolver) Invalidate() { f.calls++ }

func testDeps() Deps {
	return Deps{
		Trades:      fakeTrades{last: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)},
		Queue:       fakeQueue{depths: map[string]int64{domain.QueueIngestEvents: 3}},
		DB:          fakeDB{},
		Snaps:       fakeSnaps{err: domain.ErrNotFound},
		WsConnected: func() bool { return true },
		WsState:     func() string { return "SUBSCRIBED" },
		WalletCount: func() int { return 4 },
		Mode:        "full",
		StartedAt:   time.Now().Add(-time.Minute),
	}
}

func getBody(t *testing.T, h http.HandlerFunc, method, path string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHealthOk(t *testing.T) {
	h := newHandlers(testDeps(), slog.New(slog.DiscardHandler))
	body := getBody(t, h.health, http.MethodGet, "/health")

	if body["status"] != "ok" {
		t.Fatalf("status = %v, want ok", body["status"])
	}
	if body["wsConnected"] != true || body["dbConnected"] != true {
		t.Fatalf("connectivity flags wrong: %v", body)
	}
	if body["lastCanonicalEventTime"] != "2025-08-01T12:00:00Z" {
		t.Fatalf("lastCanonicalEventTime = %v", body["lastCanonicalEventTime"])
	}
	depths, ok := body["queueDepths"].(map[string]any)
	if !ok || depths[domain.QueueIngestEvents] != float64(3) {
		t.Fatalf("queueDepths = %v", body["queueDepths"])
	}
}

func TestHealthDegradedWhenStreamDown(t *testing.T) {
	deps := testDeps()
	deps.WsConnected = func() bool { return false }
	h := newHandlers(deps, slog.New(slog.DiscardHandler))

	if body := getBody(t, h.health, http.MethodGet, "/health"); body["status"] != "degraded" {
		t.Fatalf("status = %v, want degraded", body["status"])
	}
}

func TestHealthUnhealthyWhenDBDown(t *testing.T) {
	deps := testDeps()
	deps.DB = fakeDB{err: errors.New("connection refused")}
	deps.WsConnected = func() bool { return false }
	h := newHandlers(deps, slog.New(slog.DiscardHandler))

	if body := getBody(t, h.health, http.MethodGet, "/health"); body["status"] != "unhealthy" {
		t.Fatalf("status = %v, want unhealthy", body["status"])
	}
}

func TestStatusReportsSnapshot(t *testing.T) {
	deps := testDeps()
	deps.Snaps = fakeSnaps{snap: domain.PortfolioSnapshot{
		BucketTime:     time.Date(2025, 8, 1, 11, 59, 0, 0, time.UTC),
		EquityMicros:   10_000_000_000,
		ExposureMicros: 250_000_000,
	}}
	h := newHandlers(deps, slog.New(slog.DiscardHandler))

	body := getBody(t, h.status, http.MethodGet, "/status")
	if body["wsState"] != "SUBSCRIBED" || body["walletsTracked"] != float64(4) {
		t.Fatalf("status body wrong: %v", body)
	}
	if body["lastSnapshotTime"] != "2025-08-01T11:59:00Z" {
		t.Fatalf("lastSnapshotTime = %v", body["lastSnapshotTime"])
	}
}

func TestInvalidateConfig(t *testing.T) {
	deps := testDeps()
	resolver := &fakeResolver{}
	deps.Resolver = resolver
	h := newHandlers(deps, slog.New(slog.DiscardHandler))

	getBody(t, h.invalidateConfig, http.MethodPost, "/config/invalidate")
	if resolver.calls != 1 {
		t.Fatalf("invalidate calls = %d, want 1", resolver.calls)
	}
}
