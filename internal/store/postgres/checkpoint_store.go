package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/copytrader/internal/domain"
)

// CheckpointStore implements domain.CheckpointStore using PostgreSQL.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore creates a new CheckpointStore backed by the given
// connection pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// Get retrieves one checkpoint by key, or domain.ErrNotFound.
func (s *CheckpointStore) Get(ctx context.Context, key string) (domain.SystemCheckpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT key, value_json, updated_at FROM system_checkpoints WHERE key = $1`, key)

	var cp domain.SystemCheckpoint
	err := row.Scan(&cp.Key, &cp.ValueJSON, &cp.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.SystemCheckpoint{}, domain.ErrNotFound
		}
		return domain.SystemCheckpoint{}, fmt.Errorf("postgres: get checkpoint %s: %w", key, err)
	}
	return cp, nil
}

// Put stores a checkpoint value as JSON, overwriting any previous value.
func (s *CheckpointStore) Put(ctx context.Context, key string, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("postgres: marshal checkpoint %s: %w", key, err)
	}

	const query = `
		INSERT INTO system_checkpoints (key, value_json, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value_json = EXCLUDED.value_json,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, key, valueJSON); err != nil {
		return fmt.Errorf("postgres: put checkpoint %s: %w", key, err)
	}
	return nil
}

// AdvanceBlock raises the stored block number, never lowers it. Concurrent
// writers and restarts after reorg-induced replays both collapse to the
// highest block seen.
func (s *CheckpointStore) AdvanceBlock(ctx context.Context, key string, block uint64) error {
	valueJSON, err := json.Marshal(domain.BlockCheckpoint{Block: block})
	if err != nil {
		return fmt.Errorf("postgres: marshal block checkpoint %s: %w", key, err)
	}

	const query = `
		INSERT INTO system_checkpoints (key, value_json, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value_json = EXCLUDED.value_json,
			updated_at = NOW()
		WHERE (system_checkpoints.value_json->>'block')::BIGINT < $3`

	if _, err := s.pool.Exec(ctx, query, key, valueJSON, int64(block)); err != nil {
		return fmt.Errorf("postgres: advance block checkpoint %s: %w", key, err)
	}
	return nil
}
