package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polymirror/copytrader/internal/domain"
)

// bufferTTL is a safety net for orphaned buckets: well past every flush
// trigger, so an entry only expires if the sweeper stopped tracking it.
const bufferTTL = 10 * time.Minute

// BufferCache implements domain.BufferCache using Redis strings with a
// JSON-serialized record and a set of active bucket keys, so buffered
// sub-threshold flow survives restarts.
//
// Key schema:
//
//	stb:bucket:{key}   - JSON BufferRecord
//	stb:active_buckets - set of bucket keys currently holding flow
type BufferCache struct {
	rdb *redis.Client
}

// NewBufferCache creates a BufferCache backed by the given Client.
func NewBufferCache(c *Client) *BufferCache {
	return &BufferCache{rdb: c.Underlying()}
}

const activeBucketsKey = "stb:active_buckets"

func bucketKey(key string) string { return "stb:bucket:" + key }

// Save writes the record and its membership in the active set atomically.
func (bc *BufferCache) Save(ctx context.Context, rec domain.BufferRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal buffer record %s: %w", rec.Key, err)
	}

	pipe := bc.rdb.TxPipeline()
	pipe.Set(ctx, bucketKey(rec.Key), data, bufferTTL)
	pipe.SAdd(ctx, activeBucketsKey, rec.Key)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save buffer record %s: %w", rec.Key, err)
	}
	return nil
}

// Get retrieves one bucket, or domain.ErrNotFound when it does not exist.
func (bc *BufferCache) Get(ctx context.Context, key string) (domain.BufferRecord, error) {
	data, err := bc.rdb.Get(ctx, bucketKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.BufferRecord{}, domain.ErrNotFound
		}
		return domain.BufferRecord{}, fmt.Errorf("redis: get buffer record %s: %w", key, err)
	}

	var rec domain.BufferRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.BufferRecord{}, fmt.Errorf("redis: unmarshal buffer record %s: %w", key, err)
	}
	return rec, nil
}

// Delete removes a bucket and its active-set membership atomically. Flushing
// and deleting are the same operation from the cache's point of view.
func (bc *BufferCache) Delete(ctx context.Context, key string) error {
	pipe := bc.rdb.TxPipeline()
	pipe.Del(ctx, bucketKey(key))
	pipe.SRem(ctx, activeBucketsKey, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete buffer record %s: %w", key, err)
	}
	return nil
}

// ActiveKeys lists every bucket currently holding flow. The sweeper walks
// this set; keys whose record expired are cleaned up lazily.
func (bc *BufferCache) ActiveKeys(ctx context.Context) ([]string, error) {
	keys, err := bc.rdb.SMembers(ctx, activeBucketsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list active buffer keys: %w", err)
	}
	return keys, nil
}

// Compile-time interface check.
var _ domain.BufferCache = (*BufferCache)(nil)
