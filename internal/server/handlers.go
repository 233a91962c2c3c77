package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

// Narrow dependency interfaces so tests and partial deployments can stub
// exactly what each endpoint reads.

type canonicalTimeSource interface {
	LastCanonicalEventTime(ctx context.Context) (time.Time, error)
}

type depthSource interface {
	Depths(ctx context.Context, queues ...string) (map[string]int64, error)
}

type pinger interface {
	Health(ctx context.Context) error
}

type bucketCounter interface {
	ActiveBuckets(ctx context.Context) int
}

type snapshotSource interface {
	Latest(ctx context.Context, scope domain.PortfolioScope, followedUserID *int64) (domain.PortfolioSnapshot, error)
}

type cacheInvalidator interface {
	Invalidate()
}

// Deps wires the operator endpoints to the running components. Nil fields
// degrade the corresponding response field instead of failing the request.
type Deps struct {
	Trades      canonicalTimeSource
	Queue       depthSource
	DB          pinger
	Snaps       snapshotSource
	Buffer      bucketCounter
	Resolver    cacheInvalidator
	WsConnected func() bool
	WsState     func() string
	WalletCount func() int
	Mode        string
	StartedAt   time.Time
}

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

func newHandlers(deps Deps, logger *slog.Logger) *handlers {
	return &handlers{deps: deps, logger: logger.With(slog.String("component", "http"))}
}

// health reports liveness. The body always carries the verdict and the
// status code stays 200: load balancers probe TCP liveness separately,
// operators read the payload.
//
// GET /health
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbUp := h.deps.DB != nil && h.deps.DB.Health(ctx) == nil
	wsUp := h.deps.WsConnected != nil && h.deps.WsConnected()

	status := "ok"
	switch {
	case !dbUp:
		status = "unhealthy"
	case !wsUp:
		status = "degraded"
	}

	body := map[string]any{
		"status":      status,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"wsConnected": wsUp,
		"dbConnected": dbUp,
	}

	if h.deps.Trades != nil {
		if t, err := h.deps.Trades.LastCanonicalEventTime(ctx); err == nil && !t.IsZero() {
			body["lastCanonicalEventTime"] = t.UTC().Format(time.RFC3339)
		}
	}
	if h.deps.Queue != nil {
		depths, err := h.deps.Queue.Depths(ctx,
			domain.QueueIngestEvents, domain.QueueGroupEvents,
			domain.QueueCopyAttemptGlobal, domain.QueueReconcile,
		)
		if err == nil {
			body["queueDepths"] = depths
		}
	}

	writeJSON(w, http.StatusOK, body)
}

// status reports operational detail for the dashboard.
//
// GET /status
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body := map[string]any{
		"mode":          h.deps.Mode,
		"uptimeSeconds": int64(time.Since(h.deps.StartedAt).Seconds()),
	}
	if h.deps.WsState != nil {
		body["wsState"] = h.deps.WsState()
	}
	if h.deps.WalletCount != nil {
		body["walletsTracked"] = h.deps.WalletCount()
	}
	if h.deps.Buffer != nil {
		body["bufferActiveBuckets"] = h.deps.Buffer.ActiveBuckets(ctx)
	}
	if h.deps.Snaps != nil {
		snap, err := h.deps.Snaps.Latest(ctx, domain.ScopeExecGlobal, nil)
		if err == nil {
			body["lastSnapshotTime"] = snap.BucketTime.UTC().Format(time.RFC3339)
			body["equityMicros"] = snap.EquityMicros
			body["exposureMicros"] = snap.ExposureMicros
		} else if !errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("snapshot read failed", slog.String("error", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, body)
}

// invalidateConfig drops the policy resolver cache so the next decision
// re-reads the override rows.
//
// POST /config/invalidate
func (h *handlers) invalidateConfig(w http.ResponseWriter, r *http.Request) {
	if h.deps.Resolver == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "resolver not running"})
		return
	}
	h.deps.Resolver.Invalidate()
	h.logger.Info("config cache invalidated", slog.String("remote_addr", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// writeJSON marshals v to the response, falling back to a plain 500 when
// encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}
