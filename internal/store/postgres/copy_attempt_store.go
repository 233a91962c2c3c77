package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/copytrader/internal/domain"
)

// CopyAttemptStore implements domain.CopyAttemptStore using PostgreSQL.
type CopyAttemptStore struct {
	pool *pgxpool.Pool
}

// NewCopyAttemptStore creates a new CopyAttemptStore backed by the given
// connection pool.
func NewCopyAttemptStore(pool *pgxpool.Pool) *CopyAttemptStore {
	return &CopyAttemptStore{pool: pool}
}

const copyAttemptSelectCols = `id, group_key, followed_user_id, token_id, side,
	decision, reason_codes, source_type,
	their_notional_micros, target_notional_micros, filled_notional_micros,
	filled_ratio_bps, vwap_price_micros, their_reference_price_micros,
	mid_price_micros_at_decision, buffered_trade_count, trade_event_ids, decided_at`

func scanCopyAttemptRow(row pgx.Row) (domain.CopyAttempt, error) {
	var a domain.CopyAttempt
	var side, decision, sourceType string
	var reasons []string

	err := row.Scan(
		&a.ID, &a.GroupKey, &a.FollowedUserID, &a.TokenID, &side,
		&decision, &reasons, &sourceType,
		&a.TheirNotionalMicros, &a.TargetNotionalMicros, &a.FilledNotionalMicros,
		&a.FilledRatioBps, &a.VwapPriceMicros, &a.TheirReferencePriceMicros,
		&a.MidPriceMicrosAtDecision, &a.BufferedTradeCount, &a.TradeEventIDs, &a.DecidedAt,
	)
	if err != nil {
		return domain.CopyAttempt{}, err
	}
	a.Side = domain.TradeSide(side)
	a.Decision = domain.Decision(decision)
	a.SourceType = domain.GroupSourceType(sourceType)
	a.ReasonCodes = make([]domain.ReasonCode, len(reasons))
	for i, r := range reasons {
		a.ReasonCodes[i] = domain.ReasonCode(r)
	}
	return a, nil
}

func scanCopyAttemptRows(rows pgx.Rows) ([]domain.CopyAttempt, error) {
	var attempts []domain.CopyAttempt
	for rows.Next() {
		a, err := scanCopyAttemptRow(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// GetByGroupKey retrieves the attempt decided for a group key, or
// domain.ErrNotFound when the group was never decided.
func (s *CopyAttemptStore) GetByGroupKey(ctx context.Context, groupKey string) (domain.CopyAttempt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+copyAttemptSelectCols+` FROM copy_attempts WHERE group_key = $1`, groupKey)

	a, err := scanCopyAttemptRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.CopyAttempt{}, domain.ErrNotFound
		}
		return domain.CopyAttempt{}, fmt.Errorf("postgres: get copy attempt %s: %w", groupKey, err)
	}
	return a, nil
}

// CreateWithFills writes the attempt, its simulated fills and its ledger rows
// in one transaction so a crash can never leave a half-recorded decision.
// A group_key replay rolls back and returns domain.ErrAlreadyExists.
func (s *CopyAttemptStore) CreateWithFills(ctx context.Context, attempt domain.CopyAttempt, fills []domain.ExecutableFill, entries []domain.LedgerEntry) (domain.CopyAttempt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.CopyAttempt{}, fmt.Errorf("postgres: begin copy attempt tx: %w", err)
	}
	defer tx.Rollback(ctx)

	reasons := make([]string, len(attempt.ReasonCodes))
	for i, r := range attempt.ReasonCodes {
		reasons[i] = string(r)
	}
	tradeIDs := attempt.TradeEventIDs
	if tradeIDs == nil {
		tradeIDs = []int64{}
	}

	const insertAttempt = `
		INSERT INTO copy_attempts (
			group_key, followed_user_id, token_id, side,
			decision, reason_codes, source_type,
			their_notional_micros, target_notional_micros, filled_notional_micros,
			filled_ratio_bps, vwap_price_micros, their_reference_price_micros,
			mid_price_micros_at_decision, buffered_trade_count, trade_event_ids, decided_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17
		) ON CONFLICT (group_key) DO NOTHING
		RETURNING ` + copyAttemptSelectCols

	row := tx.QueryRow(ctx, insertAttempt,
		attempt.GroupKey, attempt.FollowedUserID, attempt.TokenID, string(attempt.Side),
		string(attempt.Decision), reasons, string(attempt.SourceType),
		attempt.TheirNotionalMicros, attempt.TargetNotionalMicros, attempt.FilledNotionalMicros,
		attempt.FilledRatioBps, attempt.VwapPriceMicros, attempt.TheirReferencePriceMicros,
		attempt.MidPriceMicrosAtDecision, attempt.BufferedTradeCount, tradeIDs, attempt.DecidedAt,
	)

	stored, err := scanCopyAttemptRow(row)
	if err == pgx.ErrNoRows {
		return domain.CopyAttempt{}, domain.ErrAlreadyExists
	}
	if err != nil {
		return domain.CopyAttempt{}, fmt.Errorf("postgres: insert copy attempt %s: %w", attempt.GroupKey, err)
	}

	const insertFill = `
		INSERT INTO executable_fills (
			copy_attempt_id, level_index, price_micros,
			filled_share_micros, fill_notional_micros
		) VALUES ($1, $2, $3, $4, $5)`

	for i, f := range fills {
		if _, err := tx.Exec(ctx, insertFill,
			stored.ID, f.LevelIndex, f.PriceMicros,
			f.FilledShareMicros, f.FillNotionalMicros,
		); err != nil {
			return domain.CopyAttempt{}, fmt.Errorf("postgres: insert fill %d for %s: %w", i, attempt.GroupKey, err)
		}
	}

	for i, e := range entries {
		refID := e.RefID
		if refID == "" {
			// Ledger rows derived from this attempt key off the row id that
			// only exists inside this transaction.
			refID = domain.CopyRefID(stored.ID)
		}
		if _, err := tx.Exec(ctx, ledgerInsertQuery,
			string(e.Scope), e.FollowedUserID, string(e.EntryType), e.AssetID,
			e.ShareDeltaMicros, e.CashDeltaMicros, e.PriceMicros, refID,
		); err != nil {
			return domain.CopyAttempt{}, fmt.Errorf("postgres: insert ledger entry %d for %s: %w", i, attempt.GroupKey, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.CopyAttempt{}, fmt.Errorf("postgres: commit copy attempt %s: %w", attempt.GroupKey, err)
	}
	return stored, nil
}

// ListRecent returns the newest attempts first.
func (s *CopyAttemptStore) ListRecent(ctx context.Context, limit int) ([]domain.CopyAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+copyAttemptSelectCols+` FROM copy_attempts ORDER BY decided_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent copy attempts: %w", err)
	}
	defer rows.Close()

	attempts, err := scanCopyAttemptRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent copy attempts: %w", err)
	}
	return attempts, nil
}

// ListFills returns the simulated fills of one attempt ordered by level.
func (s *CopyAttemptStore) ListFills(ctx context.Context, copyAttemptID int64) ([]domain.ExecutableFill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, copy_attempt_id, level_index, price_micros,
		        filled_share_micros, fill_notional_micros
		 FROM executable_fills
		 WHERE copy_attempt_id = $1
		 ORDER BY level_index ASC`, copyAttemptID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills for attempt %d: %w", copyAttemptID, err)
	}
	defer rows.Close()

	var fills []domain.ExecutableFill
	for rows.Next() {
		var f domain.ExecutableFill
		if err := rows.Scan(
			&f.ID, &f.CopyAttemptID, &f.LevelIndex, &f.PriceMicros,
			&f.FilledShareMicros, &f.FillNotionalMicros,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fills rows: %w", err)
	}
	return fills, nil
}

// ListBefore returns attempts older than the cutoff (for archiving).
func (s *CopyAttemptStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.CopyAttempt, error) {
	query := `SELECT ` + copyAttemptSelectCols + ` FROM copy_attempts WHERE decided_at < $1 ORDER BY decided_at ASC`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list copy attempts before: %w", err)
	}
	defer rows.Close()
	return scanCopyAttemptRows(rows)
}
