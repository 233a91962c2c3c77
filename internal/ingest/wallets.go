package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

// WalletTracker keeps the tracked-wallet set as an immutable snapshot
// behind an atomic pointer. One refresh loop writes; the decode path reads
// lock-free. A fingerprint change is signalled to the subscription owner.
type WalletTracker struct {
	users    domain.FollowedUserStore
	interval time.Duration
	logger   *slog.Logger

	snapshot atomic.Pointer[domain.WalletSnapshot]
	changed  chan struct{}
}

// NewWalletTracker creates a tracker that refreshes on the given interval.
func NewWalletTracker(users domain.FollowedUserStore, interval time.Duration, logger *slog.Logger) *WalletTracker {
	t := &WalletTracker{
		users:    users,
		interval: interval,
		logger:   logger.With(slog.String("component", "wallet_tracker")),
		changed:  make(chan struct{}, 1),
	}
	t.snapshot.Store(domain.NewWalletSnapshot(nil, nil))
	return t
}

// Snapshot returns the latest immutable snapshot.
func (t *WalletTracker) Snapshot() *domain.WalletSnapshot {
	return t.snapshot.Load()
}

// Changed signals (coalesced) whenever a refresh produced a different
// wallet set.
func (t *WalletTracker) Changed() <-chan struct{} {
	return t.changed
}

// Refresh rebuilds the snapshot immediately. Returns true when the
// fingerprint moved.
func (t *WalletTracker) Refresh(ctx context.Context) (bool, error) {
	users, err := t.users.ListEnabled(ctx)
	if err != nil {
		return false, fmt.Errorf("ingest: list enabled users: %w", err)
	}
	proxies, err := t.users.ListProxyWallets(ctx)
	if err != nil {
		return false, fmt.Errorf("ingest: list proxy wallets: %w", err)
	}

	next := domain.NewWalletSnapshot(users, proxies)
	prev := t.snapshot.Swap(next)
	moved := prev.Fingerprint() != next.Fingerprint()
	if moved {
		t.logger.InfoContext(ctx, "tracked wallet set changed",
			slog.Int("wallets", next.Len()),
		)
		select {
		case t.changed <- struct{}{}:
		default:
		}
	}
	return moved, nil
}

// Run refreshes the snapshot on the interval until ctx ends.
func (t *WalletTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := t.Refresh(ctx); err != nil {
				t.logger.WarnContext(ctx, "wallet refresh failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
