package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/copytrader/internal/domain"
)

// ActivityStore implements domain.ActivityEventStore using PostgreSQL.
type ActivityStore struct {
	pool *pgxpool.Pool
}

// NewActivityStore creates a new ActivityStore backed by the given connection
// pool.
func NewActivityStore(pool *pgxpool.Pool) *ActivityStore {
	return &ActivityStore{pool: pool}
}

const activitySelectCols = `id, type, source_id, followed_user_id, payload_json,
	event_time, detect_time, created_at`

func scanActivityRow(row pgx.Row) (domain.ActivityEvent, error) {
	var ev domain.ActivityEvent
	var typ string
	var payloadJSON []byte

	err := row.Scan(
		&ev.ID, &typ, &ev.SourceID, &ev.FollowedUserID, &payloadJSON,
		&ev.EventTime, &ev.DetectTime, &ev.CreatedAt,
	)
	if err != nil {
		return domain.ActivityEvent{}, err
	}
	ev.Type = domain.ActivityType(typ)
	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
			return domain.ActivityEvent{}, fmt.Errorf("unmarshal activity payload: %w", err)
		}
	}
	return ev, nil
}

// Insert writes an activity event and returns the stored row with ID set.
// A duplicate source_id returns the stored row with domain.ErrAlreadyExists.
func (s *ActivityStore) Insert(ctx context.Context, ev domain.ActivityEvent) (domain.ActivityEvent, error) {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return domain.ActivityEvent{}, fmt.Errorf("postgres: marshal activity payload %s: %w", ev.SourceID, err)
	}

	const query = `
		INSERT INTO activity_events (
			type, source_id, followed_user_id, payload_json, event_time, detect_time
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_id) DO NOTHING
		RETURNING ` + activitySelectCols

	row := s.pool.QueryRow(ctx, query,
		string(ev.Type), ev.SourceID, ev.FollowedUserID, payloadJSON,
		ev.EventTime, ev.DetectTime,
	)

	stored, err := scanActivityRow(row)
	if err == nil {
		return stored, nil
	}
	if err != pgx.ErrNoRows {
		return domain.ActivityEvent{}, fmt.Errorf("postgres: insert activity event %s: %w", ev.SourceID, err)
	}

	existing, err := s.getBySourceID(ctx, ev.SourceID)
	if err != nil {
		return domain.ActivityEvent{}, fmt.Errorf("postgres: fetch duplicate activity event %s: %w", ev.SourceID, err)
	}
	return existing, domain.ErrAlreadyExists
}

func (s *ActivityStore) getBySourceID(ctx context.Context, sourceID string) (domain.ActivityEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+activitySelectCols+` FROM activity_events WHERE source_id = $1`, sourceID)

	ev, err := scanActivityRow(row)
	if err == pgx.ErrNoRows {
		return domain.ActivityEvent{}, domain.ErrNotFound
	}
	return ev, err
}

// GetByIDs retrieves multiple activity events by ID.
func (s *ActivityStore) GetByIDs(ctx context.Context, ids []int64) ([]domain.ActivityEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+activitySelectCols+` FROM activity_events WHERE id = ANY($1) ORDER BY event_time ASC, id ASC`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: get activity events by ids: %w", err)
	}
	defer rows.Close()

	var events []domain.ActivityEvent
	for rows.Next() {
		var ev domain.ActivityEvent
		var typ string
		var payloadJSON []byte

		if err := rows.Scan(
			&ev.ID, &typ, &ev.SourceID, &ev.FollowedUserID, &payloadJSON,
			&ev.EventTime, &ev.DetectTime, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan activity event: %w", err)
		}
		ev.Type = domain.ActivityType(typ)
		if payloadJSON != nil {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal activity payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: get activity events rows: %w", err)
	}
	return events, nil
}
