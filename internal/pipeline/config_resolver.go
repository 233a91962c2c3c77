package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

// ConfigResolver layers stored policy overrides over the compiled-in
// defaults: defaults, then the GLOBAL row, then the USER row. Resolutions
// are cached with a TTL; Invalidate drops the cache after config writes.
type ConfigResolver struct {
	store  domain.PolicyStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[int64]resolved
}

type resolved struct {
	cfg domain.EffectiveConfig
	at  time.Time
}

// globalKey caches the no-user resolution.
const globalKey int64 = 0

// NewConfigResolver wires the resolver.
func NewConfigResolver(store domain.PolicyStore, ttl time.Duration, logger *slog.Logger) *ConfigResolver {
	return &ConfigResolver{
		store:  store,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "config_resolver")),
		now:    func() time.Time { return time.Now().UTC() },
		cache:  map[int64]resolved{},
	}
}

var _ configSource = (*ConfigResolver)(nil)

// For resolves the effective config for one leader. followedUserID 0
// resolves the global layer only.
func (r *ConfigResolver) For(ctx context.Context, followedUserID int64) (domain.EffectiveConfig, error) {
	r.mu.Lock()
	if hit, ok := r.cache[followedUserID]; ok && r.now().Sub(hit.at) < r.ttl {
		r.mu.Unlock()
		return hit.cfg, nil
	}
	r.mu.Unlock()

	cfg := domain.DefaultConfig()

	global, err := r.store.GetGlobal(ctx)
	if err == nil {
		global.Apply(&cfg)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return cfg, fmt.Errorf("pipeline: load global policy: %w", err)
	}

	if followedUserID != globalKey {
		user, err := r.store.GetForUser(ctx, followedUserID)
		if err == nil {
			user.Apply(&cfg)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return cfg, fmt.Errorf("pipeline: load policy for %d: %w", followedUserID, err)
		}
	}

	r.mu.Lock()
	r.cache[followedUserID] = resolved{cfg: cfg, at: r.now()}
	r.mu.Unlock()
	return cfg, nil
}

// Invalidate clears every cached resolution.
func (r *ConfigResolver) Invalidate() {
	r.mu.Lock()
	r.cache = map[int64]resolved{}
	r.mu.Unlock()
	r.logger.Debug("policy cache invalidated")
}
