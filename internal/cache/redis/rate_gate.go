package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polymirror/copytrader/internal/domain"
)

// gateTTL bounds how long a stale gate can linger. Gates are short-lived
// (minutes); anything older than a day is garbage from a dead process.
const gateTTL = 24 * time.Hour

// RetryGate implements domain.RetryGate on plain Redis strings holding a
// Unix-millisecond timestamp. The gate is shared across processes and
// restarts: a rate-limited connector writes "do not retry before T" and
// every later connect attempt, in any process, honors it.
type RetryGate struct {
	rdb *redis.Client
}

// NewRetryGate creates a RetryGate backed by the given Client.
func NewRetryGate(c *Client) *RetryGate {
	return &RetryGate{rdb: c.Underlying()}
}

func gateKey(key string) string { return "gate:" + key }

// SetNotBefore stores the earliest allowed retry time for key.
func (g *RetryGate) SetNotBefore(ctx context.Context, key string, t time.Time) error {
	val := strconv.FormatInt(t.UnixMilli(), 10)
	if err := g.rdb.Set(ctx, gateKey(key), val, gateTTL).Err(); err != nil {
		return fmt.Errorf("redis: set retry gate %s: %w", key, err)
	}
	return nil
}

// NotBefore returns the stored gate time, or the zero time when no gate is
// set (or the stored value is unreadable).
func (g *RetryGate) NotBefore(ctx context.Context, key string) (time.Time, error) {
	val, err := g.rdb.Get(ctx, gateKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("redis: get retry gate %s: %w", key, err)
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: parse retry gate %s: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}

// Clear removes the gate, re-enabling immediate retries.
func (g *RetryGate) Clear(ctx context.Context, key string) error {
	if err := g.rdb.Del(ctx, gateKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: clear retry gate %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RetryGate = (*RetryGate)(nil)
