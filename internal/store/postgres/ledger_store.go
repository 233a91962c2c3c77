package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/copytrader/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const ledgerSelectCols = `id, scope, followed_user_id, entry_type, asset_id,
	share_delta_micros, cash_delta_micros, price_micros, ref_id, created_at`

const ledgerInsertQuery = `
	INSERT INTO ledger_entries (
		scope, followed_user_id, entry_type, asset_id,
		share_delta_micros, cash_delta_micros, price_micros, ref_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (scope, ref_id, entry_type) DO NOTHING`

func scanLedgerRows(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var scope, entryType string

		if err := rows.Scan(
			&e.ID, &scope, &e.FollowedUserID, &entryType, &e.AssetID,
			&e.ShareDeltaMicros, &e.CashDeltaMicros, &e.PriceMicros,
			&e.RefID, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Scope = domain.PortfolioScope(scope)
		e.EntryType = domain.LedgerEntryType(entryType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Upsert writes one ledger entry. Replays of the same (scope, ref_id,
// entry_type) are silently ignored, which makes downstream retries safe.
func (s *LedgerStore) Upsert(ctx context.Context, e domain.LedgerEntry) error {
	_, err := s.pool.Exec(ctx, ledgerInsertQuery,
		string(e.Scope), e.FollowedUserID, string(e.EntryType), e.AssetID,
		e.ShareDeltaMicros, e.CashDeltaMicros, e.PriceMicros, e.RefID,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert ledger entry %s: %w", e.RefID, err)
	}
	return nil
}

// UpsertBatch writes multiple ledger entries efficiently using pgx Batch.
// Duplicates are skipped per entry.
func (s *LedgerStore) UpsertBatch(ctx context.Context, entries []domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(ledgerInsertQuery,
			string(e.Scope), e.FollowedUserID, string(e.EntryType), e.AssetID,
			e.ShareDeltaMicros, e.CashDeltaMicros, e.PriceMicros, e.RefID,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert ledger batch item %d: %w", i, err)
		}
	}
	return nil
}

// Totals folds every entry for one book into per-asset share and cost sums
// plus a cash balance. followedUserID nil aggregates the whole scope;
// EXEC_GLOBAL rows keep the triggering leader in followed_user_id so a
// non-nil user selects that leader's slice of the execution book.
func (s *LedgerStore) Totals(ctx context.Context, scope domain.PortfolioScope, followedUserID *int64) (domain.PositionTotals, error) {
	const query = `
		SELECT COALESCE(asset_id, ''),
		       COALESCE(SUM(share_delta_micros), 0),
		       COALESCE(SUM(cash_delta_micros), 0)
		FROM ledger_entries
		WHERE scope = $1
		  AND ($2::BIGINT IS NULL OR followed_user_id = $2)
		GROUP BY asset_id`

	rows, err := s.pool.Query(ctx, query, string(scope), followedUserID)
	if err != nil {
		return domain.PositionTotals{}, fmt.Errorf("postgres: ledger totals: %w", err)
	}
	defer rows.Close()

	totals := domain.PositionTotals{
		ShareByAsset: make(map[string]int64),
		CostByAsset:  make(map[string]int64),
	}
	for rows.Next() {
		var assetID string
		var shareSum, cashSum int64
		if err := rows.Scan(&assetID, &shareSum, &cashSum); err != nil {
			return domain.PositionTotals{}, fmt.Errorf("postgres: scan ledger totals: %w", err)
		}
		totals.CashMicros += cashSum
		if assetID == "" {
			continue
		}
		if shareSum != 0 {
			totals.ShareByAsset[assetID] = shareSum
		}
		// Cost basis is the negated cash flow attributed to the asset.
		if cashSum != 0 {
			totals.CostByAsset[assetID] = -cashSum
		}
	}
	if err := rows.Err(); err != nil {
		return domain.PositionTotals{}, fmt.Errorf("postgres: ledger totals rows: %w", err)
	}
	return totals, nil
}

// AssetExposure returns the signed share total for one asset in one book.
func (s *LedgerStore) AssetExposure(ctx context.Context, scope domain.PortfolioScope, followedUserID *int64, assetID string) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(share_delta_micros), 0)
		FROM ledger_entries
		WHERE scope = $1
		  AND ($2::BIGINT IS NULL OR followed_user_id = $2)
		  AND asset_id = $3`

	var total int64
	err := s.pool.QueryRow(ctx, query, string(scope), followedUserID, assetID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: asset exposure %s: %w", assetID, err)
	}
	return total, nil
}

// ListBefore returns ledger entries older than the cutoff (for archiving).
func (s *LedgerStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerSelectCols + ` FROM ledger_entries WHERE created_at < $1 ORDER BY created_at ASC`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger entries before: %w", err)
	}
	defer rows.Close()
	return scanLedgerRows(rows)
}
