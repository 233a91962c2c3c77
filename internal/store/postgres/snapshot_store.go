package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/copytrader/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given connection
// pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const snapshotSelectCols = `id, scope, followed_user_id, bucket_time,
	equity_micros, cash_micros, exposure_micros,
	realized_pnl_micros, unrealized_pnl_micros, created_at`

func scanSnapshotRow(row pgx.Row) (domain.PortfolioSnapshot, error) {
	var s domain.PortfolioSnapshot
	var scope string

	err := row.Scan(
		&s.ID, &scope, &s.FollowedUserID, &s.BucketTime,
		&s.EquityMicros, &s.CashMicros, &s.ExposureMicros,
		&s.RealizedPnlMicros, &s.UnrealizedPnlMicros, &s.CreatedAt,
	)
	if err != nil {
		return domain.PortfolioSnapshot{}, err
	}
	s.Scope = domain.PortfolioScope(scope)
	return s, nil
}

// Upsert writes one snapshot bucket; rerunning a bucket overwrites it with
// the freshest valuation.
func (s *SnapshotStore) Upsert(ctx context.Context, snap domain.PortfolioSnapshot) error {
	const query = `
		INSERT INTO portfolio_snapshots (
			scope, followed_user_id, bucket_time,
			equity_micros, cash_micros, exposure_micros,
			realized_pnl_micros, unrealized_pnl_micros
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (scope, COALESCE(followed_user_id, -1), bucket_time) DO UPDATE SET
			equity_micros         = EXCLUDED.equity_micros,
			cash_micros           = EXCLUDED.cash_micros,
			exposure_micros       = EXCLUDED.exposure_micros,
			realized_pnl_micros   = EXCLUDED.realized_pnl_micros,
			unrealized_pnl_micros = EXCLUDED.unrealized_pnl_micros`

	_, err := s.pool.Exec(ctx, query,
		string(snap.Scope), snap.FollowedUserID, snap.BucketTime,
		snap.EquityMicros, snap.CashMicros, snap.ExposureMicros,
		snap.RealizedPnlMicros, snap.UnrealizedPnlMicros,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert snapshot %s/%s: %w",
			snap.Scope, snap.BucketTime.Format(time.RFC3339), err)
	}
	return nil
}

// Latest returns the newest snapshot for one book, or domain.ErrNotFound.
func (s *SnapshotStore) Latest(ctx context.Context, scope domain.PortfolioScope, followedUserID *int64) (domain.PortfolioSnapshot, error) {
	const query = `
		SELECT ` + snapshotSelectCols + ` FROM portfolio_snapshots
		WHERE scope = $1
		  AND (($2::BIGINT IS NULL AND followed_user_id IS NULL)
		       OR followed_user_id = $2)
		ORDER BY bucket_time DESC
		LIMIT 1`

	row := s.pool.QueryRow(ctx, query, string(scope), followedUserID)

	snap, err := scanSnapshotRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.PortfolioSnapshot{}, domain.ErrNotFound
		}
		return domain.PortfolioSnapshot{}, fmt.Errorf("postgres: latest snapshot %s: %w", scope, err)
	}
	return snap, nil
}

// EquityAsOf returns the newest snapshot equity at or before the given time.
// Trailing-loss breakers use it as the baseline.
func (s *SnapshotStore) EquityAsOf(ctx context.Context, scope domain.PortfolioScope, followedUserID *int64, at time.Time) (int64, error) {
	const query = `
		SELECT equity_micros FROM portfolio_snapshots
		WHERE scope = $1
		  AND (($2::BIGINT IS NULL AND followed_user_id IS NULL)
		       OR followed_user_id = $2)
		  AND bucket_time <= $3
		ORDER BY bucket_time DESC
		LIMIT 1`

	var equity int64
	err := s.pool.QueryRow(ctx, query, string(scope), followedUserID, at).Scan(&equity)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: equity as of %s: %w", at.Format(time.RFC3339), err)
	}
	return equity, nil
}

// PeakEquity returns the high-water equity for the aggregate book since the
// given time; the zero time scans all history. Drawdown breakers compare the
// latest equity to it.
func (s *SnapshotStore) PeakEquity(ctx context.Context, scope domain.PortfolioScope, since time.Time) (int64, error) {
	const query = `
		SELECT COALESCE(MAX(equity_micros), 0) FROM portfolio_snapshots
		WHERE scope = $1 AND followed_user_id IS NULL AND bucket_time >= $2`

	var peak int64
	err := s.pool.QueryRow(ctx, query, string(scope), since).Scan(&peak)
	if err != nil {
		return 0, fmt.Errorf("postgres: peak equity %s: %w", scope, err)
	}
	return peak, nil
}
