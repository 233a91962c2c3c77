package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/copytrader/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `id, condition_id, slug, title, close_time, blacklisted, updated_at`

func scanMarketRow(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	err := row.Scan(
		&m.ID, &m.ConditionID, &m.Slug, &m.Title,
		&m.CloseTime, &m.Blacklisted, &m.UpdatedAt,
	)
	return m, err
}

// Upsert inserts or updates a single market. The blacklist flag is operator
// state, so a metadata refresh never touches it.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (id, condition_id, slug, title, close_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			condition_id = EXCLUDED.condition_id,
			slug         = EXCLUDED.slug,
			title        = EXCLUDED.title,
			close_time   = EXCLUDED.close_time,
			updated_at   = NOW()`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.ConditionID, m.Slug, m.Title, m.CloseTime,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

// GetByConditionID retrieves a market by its CTF condition id.
func (s *MarketStore) GetByConditionID(ctx context.Context, conditionID string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE condition_id = $1`, conditionID)

	m, err := scanMarketRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market by condition %s: %w", conditionID, err)
	}
	return m, nil
}

// GetByTokenID retrieves the market owning an outcome token, matching either
// the CLOB asset id or the raw on-chain token id.
func (s *MarketStore) GetByTokenID(ctx context.Context, tokenID string) (domain.Market, error) {
	const query = `
		SELECT m.id, m.condition_id, m.slug, m.title, m.close_time, m.blacklisted, m.updated_at
		FROM markets m
		JOIN outcome_assets a ON a.market_id = m.id
		WHERE a.asset_id = $1 OR a.raw_token_id = $1
		LIMIT 1`

	row := s.pool.QueryRow(ctx, query, tokenID)

	m, err := scanMarketRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market by token %s: %w", tokenID, err)
	}
	return m, nil
}

// UpsertOutcomeAsset records one outcome token of a market.
func (s *MarketStore) UpsertOutcomeAsset(ctx context.Context, a domain.OutcomeAsset) error {
	const query = `
		INSERT INTO outcome_assets (asset_id, market_id, outcome_label, raw_token_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (asset_id) DO UPDATE SET
			market_id     = EXCLUDED.market_id,
			outcome_label = EXCLUDED.outcome_label,
			raw_token_id  = EXCLUDED.raw_token_id`

	_, err := s.pool.Exec(ctx, query, a.AssetID, a.MarketID, a.OutcomeLabel, a.RawTokenID)
	if err != nil {
		return fmt.Errorf("postgres: upsert outcome asset %s: %w", a.AssetID, err)
	}
	return nil
}

// SetBlacklisted flips the operator blacklist flag for a market.
func (s *MarketStore) SetBlacklisted(ctx context.Context, marketID string, blacklisted bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET blacklisted = $2, updated_at = NOW() WHERE id = $1`,
		marketID, blacklisted)
	if err != nil {
		return fmt.Errorf("postgres: set blacklisted %s: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
