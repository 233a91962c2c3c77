package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/copytrader/internal/domain"
)

// PriceSnapshotStore implements domain.PriceSnapshotStore using PostgreSQL.
type PriceSnapshotStore struct {
	pool *pgxpool.Pool
}

// NewPriceSnapshotStore creates a new PriceSnapshotStore backed by the given
// connection pool.
func NewPriceSnapshotStore(pool *pgxpool.Pool) *PriceSnapshotStore {
	return &PriceSnapshotStore{pool: pool}
}

// Insert appends one mark price observation.
func (s *PriceSnapshotStore) Insert(ctx context.Context, p domain.MarkPrice) error {
	const query = `
		INSERT INTO market_price_snapshots (asset_id, price_micros, ts)
		VALUES ($1, $2, $3)`

	_, err := s.pool.Exec(ctx, query, p.AssetID, p.PriceMicros, p.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: insert price snapshot %s: %w", p.AssetID, err)
	}
	return nil
}

// Latest returns the newest mark for one asset, or domain.ErrNotFound.
func (s *PriceSnapshotStore) Latest(ctx context.Context, assetID string) (domain.MarkPrice, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT asset_id, price_micros, ts FROM market_price_snapshots
		 WHERE asset_id = $1 ORDER BY ts DESC LIMIT 1`, assetID)

	var p domain.MarkPrice
	err := row.Scan(&p.AssetID, &p.PriceMicros, &p.Timestamp)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.MarkPrice{}, domain.ErrNotFound
		}
		return domain.MarkPrice{}, fmt.Errorf("postgres: latest price snapshot %s: %w", assetID, err)
	}
	return p, nil
}

// LatestMany returns the newest mark per asset. Assets with no mark are
// absent from the map; the snapshotter falls back to cost basis for them.
func (s *PriceSnapshotStore) LatestMany(ctx context.Context, assetIDs []string) (map[string]int64, error) {
	if len(assetIDs) == 0 {
		return map[string]int64{}, nil
	}

	const query = `
		SELECT DISTINCT ON (asset_id) asset_id, price_micros
		FROM market_price_snapshots
		WHERE asset_id = ANY($1)
		ORDER BY asset_id, ts DESC`

	rows, err := s.pool.Query(ctx, query, assetIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: latest price snapshots: %w", err)
	}
	defer rows.Close()

	marks := make(map[string]int64, len(assetIDs))
	for rows.Next() {
		var assetID string
		var price int64
		if err := rows.Scan(&assetID, &price); err != nil {
			return nil, fmt.Errorf("postgres: scan price snapshot: %w", err)
		}
		marks[assetID] = price
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: latest price snapshots rows: %w", err)
	}
	return marks, nil
}
