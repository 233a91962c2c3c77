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

// Hash fields under each "price:{assetID}" key.
const (
	priceField = "price" // mark price in integer micros
	tsField    = "ts"    // observation time, Unix nanoseconds
)

// PriceCache holds the latest mark price per asset. The book feed writes it
// on every top-of-book change; the snapshotter and executor read it.
type PriceCache struct {
	rdb *redis.Client
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(assetID string) string {
	return "price:" + assetID
}

// SetPrice records the mark price for assetID as observed at ts.
func (pc *PriceCache) SetPrice(ctx context.Context, assetID string, priceMicros int64, ts time.Time) error {
	err := pc.rdb.HSet(ctx, priceKey(assetID),
		priceField, strconv.FormatInt(priceMicros, 10),
		tsField, strconv.FormatInt(ts.UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set price %s: %w", assetID, err)
	}
	return nil
}

// GetPrice returns the mark price and its observation time for assetID, or
// domain.ErrNotFound when no price has been recorded.
func (pc *PriceCache) GetPrice(ctx context.Context, assetID string) (int64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(assetID)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", assetID, err)
	}

	price, tsNano, err := parsePriceHash(vals)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, time.Time{}, domain.ErrNotFound
		}
		return 0, time.Time{}, fmt.Errorf("redis: price hash %s: %w", assetID, err)
	}
	return price, time.Unix(0, tsNano), nil
}

// GetPrices fetches prices for many assets in one pipelined round trip.
// Assets with no recorded price are left out of the result.
func (pc *PriceCache) GetPrices(ctx context.Context, assetIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(assetIDs))
	if len(assetIDs) == 0 {
		return out, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(assetIDs))
	for i, id := range assetIDs {
		cmds[i] = pipe.HGetAll(ctx, priceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		price, _, err := parsePriceHash(vals)
		if err != nil {
			continue
		}
		out[assetIDs[i]] = price
	}
	return out, nil
}

func parsePriceHash(vals map[string]string) (priceMicros, tsNano int64, err error) {
	priceStr, okPrice := vals[priceField]
	tsStr, okTS := vals[tsField]
	if !okPrice || !okTS {
		return 0, 0, domain.ErrNotFound
	}
	if priceMicros, err = strconv.ParseInt(priceStr, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("parse price: %w", err)
	}
	if tsNano, err = strconv.ParseInt(tsStr, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("parse ts: %w", err)
	}
	return priceMicros, tsNano, nil
}
