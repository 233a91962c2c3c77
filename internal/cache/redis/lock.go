package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/polymirror/copytrader/internal/domain"
)

// releaseScript deletes the lock key only when it still carries the holder's
// token, so a holder that outlived its TTL cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// LockManager provides best-effort distributed locks over SET NX with an
// expiry. Good enough for cron-style dedup across replicas; not a fencing
// mechanism.
type LockManager struct {
	rdb *redis.Client
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.Underlying()}
}

// Acquire takes the lock named key for at most ttl and returns a release
// func, which may be called any number of times. Returns domain.ErrLockHeld
// when another holder owns the key.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	redisKey := "lock:" + key
	token := uuid.NewString()

	acquired, err := lm.rdb.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Detached context: the release must go through even when the
			// caller is shutting down.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, lm.rdb, []string{redisKey}, token).Err()
		})
	}
	return release, nil
}
