package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

// markSource serves the freshest known price per asset.
type markSource interface {
	GetPrices(ctx context.Context, assetIDs []string) (map[string]int64, error)
}

// Snapshotter periodically values every portfolio book from the ledger
// and the latest mark prices. Each run is stateless: totals are refolded
// from ledger rows, never carried between runs.
type Snapshotter struct {
	interval time.Duration
	ledger   domain.LedgerStore
	snaps    domain.SnapshotStore
	users    domain.FollowedUserStore
	marks    markSource
	markHist domain.PriceSnapshotStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewSnapshotter wires the stage. markHist may be nil to skip persisting
// the price history rows.
func NewSnapshotter(
	interval time.Duration,
	ledger domain.LedgerStore,
	snaps domain.SnapshotStore,
	users domain.FollowedUserStore,
	marks markSource,
	markHist domain.PriceSnapshotStore,
	logger *slog.Logger,
) *Snapshotter {
	return &Snapshotter{
		interval: interval,
		ledger:   ledger,
		snaps:    snaps,
		users:    users,
		marks:    marks,
		markHist: markHist,
		logger:   logger.With(slog.String("component", "snapshotter")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run snapshots on the configured cadence until ctx ends.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SnapshotAll(ctx)
		}
	}
}

// SnapshotAll values the execution book and every enabled leader's shadow
// book. A failed scope is logged and skipped; the others still run.
func (s *Snapshotter) SnapshotAll(ctx context.Context) {
	if err := s.snapshot(ctx, domain.ScopeExecGlobal, nil); err != nil {
		s.logger.WarnContext(ctx, "exec snapshot failed",
			slog.String("error", err.Error()),
		)
	}

	users, err := s.users.ListEnabled(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "leader listing failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, u := range users {
		uid := u.ID
		if err := s.snapshot(ctx, domain.ScopeShadowUser, &uid); err != nil {
			s.logger.WarnContext(ctx, "shadow snapshot failed",
				slog.Int64("followed_user_id", uid),
				slog.String("error", err.Error()),
			)
		}
	}
}

// snapshot folds one (scope, user) book into a PortfolioSnapshot row.
func (s *Snapshotter) snapshot(ctx context.Context, scope domain.PortfolioScope, userID *int64) error {
	totals, err := s.ledger.Totals(ctx, scope, userID)
	if err != nil {
		return fmt.Errorf("pipeline: fold ledger: %w", err)
	}

	assets := make([]string, 0, len(totals.ShareByAsset))
	for assetID, shares := range totals.ShareByAsset {
		if shares != 0 {
			assets = append(assets, assetID)
		}
	}

	marks := map[string]int64{}
	if len(assets) > 0 {
		marks, err = s.marks.GetPrices(ctx, assets)
		if err != nil {
			return fmt.Errorf("pipeline: load marks: %w", err)
		}
	}

	snap := s.value(totals, marks)
	snap.Scope = scope
	snap.FollowedUserID = userID
	snap.BucketTime = s.now().Truncate(time.Minute)

	if err := s.snaps.Upsert(ctx, snap); err != nil {
		return fmt.Errorf("pipeline: save snapshot: %w", err)
	}

	s.persistMarks(ctx, marks)

	s.logger.DebugContext(ctx, "portfolio snapshotted",
		slog.String("scope", string(scope)),
		slog.Int64("equity_micros", snap.EquityMicros),
		slog.Int64("exposure_micros", snap.ExposureMicros),
	)
	return nil
}

// value marks every position and splits PnL into realized (closed
// positions: pure cash result) and unrealized (open positions: mark value
// against cost).
func (s *Snapshotter) value(totals domain.PositionTotals, marks map[string]int64) domain.PortfolioSnapshot {
	snap := domain.PortfolioSnapshot{CashMicros: totals.CashMicros}
	positionValue := int64(0)

	for assetID, shares := range totals.ShareByAsset {
		cost := totals.CostByAsset[assetID]
		if shares == 0 {
			snap.RealizedPnlMicros += cost
			continue
		}
		value := shares * marks[assetID] / domain.MicrosPerUnit
		positionValue += value
		if value < 0 {
			snap.ExposureMicros += -value
		} else {
			snap.ExposureMicros += value
		}
		snap.UnrealizedPnlMicros += value + cost
	}

	snap.EquityMicros = totals.CashMicros + positionValue
	return snap
}

// persistMarks records the marks used for this valuation so history
// survives cache eviction. Best effort.
func (s *Snapshotter) persistMarks(ctx context.Context, marks map[string]int64) {
	if s.markHist == nil {
		return
	}
	ts := s.now()
	for assetID, price := range marks {
		if price == 0 {
			continue
		}
		err := s.markHist.Insert(ctx, domain.MarkPrice{
			AssetID:     assetID,
			PriceMicros: price,
			Timestamp:   ts,
		})
		if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			s.logger.WarnContext(ctx, "mark price persist failed",
				slog.String("asset_id", assetID),
				slog.String("error", err.Error()),
			)
		}
	}
}
