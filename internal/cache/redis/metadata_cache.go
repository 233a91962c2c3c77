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

// metadataTTL keeps token resolutions fresh enough to notice re-mapped
// markets without hammering Gamma for every trade.
const metadataTTL = 6 * time.Hour

// MetadataCache implements domain.MetadataCache using Redis strings with
// JSON-serialized token metadata, keyed "tokenmeta:{tokenID}".
type MetadataCache struct {
	rdb *redis.Client
}

// NewMetadataCache creates a MetadataCache backed by the given Client.
func NewMetadataCache(c *Client) *MetadataCache {
	return &MetadataCache{rdb: c.Underlying()}
}

func metadataKey(tokenID string) string { return "tokenmeta:" + tokenID }

// Set stores a tokenId -> conditionId resolution.
func (mc *MetadataCache) Set(ctx context.Context, md domain.TokenMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("redis: marshal token metadata %s: %w", md.TokenID, err)
	}
	if err := mc.rdb.Set(ctx, metadataKey(md.TokenID), data, metadataTTL).Err(); err != nil {
		return fmt.Errorf("redis: set token metadata %s: %w", md.TokenID, err)
	}
	return nil
}

// Get retrieves a cached resolution, or domain.ErrNotFound.
func (mc *MetadataCache) Get(ctx context.Context, tokenID string) (domain.TokenMetadata, error) {
	data, err := mc.rdb.Get(ctx, metadataKey(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TokenMetadata{}, domain.ErrNotFound
		}
		return domain.TokenMetadata{}, fmt.Errorf("redis: get token metadata %s: %w", tokenID, err)
	}

	var md domain.TokenMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return domain.TokenMetadata{}, fmt.Errorf("redis: unmarshal token metadata %s: %w", tokenID, err)
	}
	return md, nil
}

// Compile-time interface check.
var _ domain.MetadataCache = (*MetadataCache)(nil)
