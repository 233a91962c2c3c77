package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/copytrader/internal/domain"
)

// TradeEventStore implements domain.TradeEventStore using PostgreSQL.
type TradeEventStore struct {
	pool *pgxpool.Pool
}

// NewTradeEventStore creates a new TradeEventStore backed by the given
// connection pool.
func NewTradeEventStore(pool *pgxpool.Pool) *TradeEventStore {
	return &TradeEventStore{pool: pool}
}

const tradeEventSelectCols = `id, source, source_id, tx_hash, log_index, is_canonical,
	followed_user_id, profile_wallet, proxy_wallet, side,
	price_micros, share_micros, notional_micros, fee_micros,
	event_time, detect_time, market_id, asset_id, raw_token_id, condition_id,
	enrichment_status, created_at`

func scanTradeEventRow(row pgx.Row) (domain.TradeEvent, error) {
	var ev domain.TradeEvent
	var source, side, enrichment string

	err := row.Scan(
		&ev.ID, &source, &ev.SourceID, &ev.TxHash, &ev.LogIndex, &ev.IsCanonical,
		&ev.FollowedUserID, &ev.ProfileWallet, &ev.ProxyWallet, &side,
		&ev.PriceMicros, &ev.ShareMicros, &ev.NotionalMicros, &ev.FeeMicros,
		&ev.EventTime, &ev.DetectTime, &ev.MarketID, &ev.AssetID, &ev.RawTokenID, &ev.ConditionID,
		&enrichment, &ev.CreatedAt,
	)
	if err != nil {
		return domain.TradeEvent{}, err
	}
	ev.Source = domain.TradeSource(source)
	ev.Side = domain.TradeSide(side)
	ev.Enrichment = domain.EnrichmentStatus(enrichment)
	return ev, nil
}

func scanTradeEventRows(rows pgx.Rows) ([]domain.TradeEvent, error) {
	var events []domain.TradeEvent
	for rows.Next() {
		var ev domain.TradeEvent
		var source, side, enrichment string

		if err := rows.Scan(
			&ev.ID, &source, &ev.SourceID, &ev.TxHash, &ev.LogIndex, &ev.IsCanonical,
			&ev.FollowedUserID, &ev.ProfileWallet, &ev.ProxyWallet, &side,
			&ev.PriceMicros, &ev.ShareMicros, &ev.NotionalMicros, &ev.FeeMicros,
			&ev.EventTime, &ev.DetectTime, &ev.MarketID, &ev.AssetID, &ev.RawTokenID, &ev.ConditionID,
			&enrichment, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		ev.Source = domain.TradeSource(source)
		ev.Side = domain.TradeSide(side)
		ev.Enrichment = domain.EnrichmentStatus(enrichment)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Insert writes a trade event and returns the stored row with ID set.
// A duplicate by (source, source_id) or (tx_hash, log_index) returns the
// previously stored row together with domain.ErrAlreadyExists.
func (s *TradeEventStore) Insert(ctx context.Context, ev domain.TradeEvent) (domain.TradeEvent, error) {
	const query = `
		INSERT INTO trade_events (
			source, source_id, tx_hash, log_index, is_canonical,
			followed_user_id, profile_wallet, proxy_wallet, side,
			price_micros, share_micros, notional_micros, fee_micros,
			event_time, detect_time, market_id, asset_id, raw_token_id, condition_id,
			enrichment_status
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19,
			$20
		) ON CONFLICT DO NOTHING
		RETURNING ` + tradeEventSelectCols

	row := s.pool.QueryRow(ctx, query,
		string(ev.Source), ev.SourceID, ev.TxHash, ev.LogIndex, ev.IsCanonical,
		ev.FollowedUserID, ev.ProfileWallet, ev.ProxyWallet, string(ev.Side),
		ev.PriceMicros, ev.ShareMicros, ev.NotionalMicros, ev.FeeMicros,
		ev.EventTime, ev.DetectTime, ev.MarketID, ev.AssetID, ev.RawTokenID, ev.ConditionID,
		string(ev.Enrichment),
	)

	stored, err := scanTradeEventRow(row)
	if err == nil {
		return stored, nil
	}
	if err != pgx.ErrNoRows {
		return domain.TradeEvent{}, fmt.Errorf("postgres: insert trade event %s: %w", ev.SourceID, err)
	}

	// Conflict: fetch the existing row so callers can reconcile against it.
	existing, err := s.getBySourceID(ctx, ev.Source, ev.SourceID)
	if err == domain.ErrNotFound && ev.LogIndex != nil {
		existing, err = s.getByLog(ctx, ev.TxHash, *ev.LogIndex)
	}
	if err != nil {
		return domain.TradeEvent{}, fmt.Errorf("postgres: fetch duplicate trade event %s: %w", ev.SourceID, err)
	}
	return existing, domain.ErrAlreadyExists
}

func (s *TradeEventStore) getBySourceID(ctx context.Context, source domain.TradeSource, sourceID string) (domain.TradeEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeEventSelectCols+` FROM trade_events WHERE source = $1 AND source_id = $2`,
		string(source), sourceID)

	ev, err := scanTradeEventRow(row)
	if err == pgx.ErrNoRows {
		return domain.TradeEvent{}, domain.ErrNotFound
	}
	return ev, err
}

func (s *TradeEventStore) getByLog(ctx context.Context, txHash string, logIndex int64) (domain.TradeEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeEventSelectCols+` FROM trade_events WHERE tx_hash = $1 AND log_index = $2`,
		txHash, logIndex)

	ev, err := scanTradeEventRow(row)
	if err == pgx.ErrNoRows {
		return domain.TradeEvent{}, domain.ErrNotFound
	}
	return ev, err
}

// GetByID retrieves a single trade event.
func (s *TradeEventStore) GetByID(ctx context.Context, id int64) (domain.TradeEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeEventSelectCols+` FROM trade_events WHERE id = $1`, id)

	ev, err := scanTradeEventRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.TradeEvent{}, domain.ErrNotFound
		}
		return domain.TradeEvent{}, fmt.Errorf("postgres: get trade event %d: %w", id, err)
	}
	return ev, nil
}

// GetByIDs retrieves multiple trade events; missing IDs are silently absent
// from the result.
func (s *TradeEventStore) GetByIDs(ctx context.Context, ids []int64) ([]domain.TradeEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeEventSelectCols+` FROM trade_events WHERE id = ANY($1) ORDER BY event_time ASC, id ASC`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: get trade events by ids: %w", err)
	}
	defer rows.Close()

	events, err := scanTradeEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade events by ids: %w", err)
	}
	return events, nil
}

// FindCanonicalMatch locates the on-chain event matching an API-sourced trade
// for reconciliation: same transaction, wallet, side and token.
func (s *TradeEventStore) FindCanonicalMatch(ctx context.Context, txHash, profileWallet string, side domain.TradeSide, tokenID string) (domain.TradeEvent, error) {
	const query = `
		SELECT ` + tradeEventSelectCols + ` FROM trade_events
		WHERE source = $1 AND tx_hash = $2 AND profile_wallet = $3 AND side = $4
		  AND (asset_id = $5 OR raw_token_id = $5)
		ORDER BY id ASC
		LIMIT 1`

	row := s.pool.QueryRow(ctx, query,
		string(domain.TradeSourceOnchainWS), txHash, profileWallet, string(side), tokenID)

	ev, err := scanTradeEventRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.TradeEvent{}, domain.ErrNotFound
		}
		return domain.TradeEvent{}, fmt.Errorf("postgres: find canonical match %s: %w", txHash, err)
	}
	return ev, nil
}

// BackpatchEventTime moves event_time earlier when a more precise venue
// timestamp arrives. detect_time is immutable and never rewritten.
func (s *TradeEventStore) BackpatchEventTime(ctx context.Context, id int64, eventTime time.Time) error {
	const query = `
		UPDATE trade_events SET event_time = $2
		WHERE id = $1 AND event_time > $2`

	// Zero rows affected means the stored time is already earlier (or the id
	// is unknown); both are fine for reconciliation.
	_, err := s.pool.Exec(ctx, query, id, eventTime)
	if err != nil {
		return fmt.Errorf("postgres: backpatch trade event %d: %w", id, err)
	}
	return nil
}

// SetEnrichment records the outcome of market-metadata resolution.
func (s *TradeEventStore) SetEnrichment(ctx context.Context, id int64, status domain.EnrichmentStatus, marketID, conditionID string) error {
	const query = `
		UPDATE trade_events SET
			enrichment_status = $2,
			market_id         = CASE WHEN $3 <> '' THEN $3 ELSE market_id END,
			condition_id      = CASE WHEN $4 <> '' THEN $4 ELSE condition_id END
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, string(status), marketID, conditionID)
	if err != nil {
		return fmt.Errorf("postgres: set enrichment for trade event %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListPendingEnrichment returns the oldest events still waiting on metadata.
func (s *TradeEventStore) ListPendingEnrichment(ctx context.Context, limit int) ([]domain.TradeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeEventSelectCols+` FROM trade_events
		 WHERE enrichment_status = $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		string(domain.EnrichmentPending), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending enrichment: %w", err)
	}
	defer rows.Close()

	events, err := scanTradeEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan pending enrichment: %w", err)
	}
	return events, nil
}

// ListBefore returns trade events older than the cutoff (for archiving).
func (s *TradeEventStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeEvent, error) {
	query := `SELECT ` + tradeEventSelectCols + ` FROM trade_events WHERE event_time < $1 ORDER BY event_time ASC`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade events before: %w", err)
	}
	defer rows.Close()
	return scanTradeEventRows(rows)
}

// LastCanonicalEventTime returns the newest canonical event_time, or the zero
// time when nothing canonical has been seen. The health endpoint reports it.
func (s *TradeEventStore) LastCanonicalEventTime(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(event_time) FROM trade_events WHERE is_canonical`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: last canonical event time: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}
