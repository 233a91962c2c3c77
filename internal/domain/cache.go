package domain

import (
	"context"
	"time"
)

// BufferCache stores small-trade buffer buckets in a shared KV so pending
// flow survives restarts. Save must write the record and its membership in
// the active-key set atomically.
type BufferCache interface {
	Save(ctx context.Context, rec BufferRecord) error
	Get(ctx context.Context, key string) (BufferRecord, error)
	Delete(ctx context.Context, key string) error
	ActiveKeys(ctx context.Context) ([]string, error)
}

// RetryGate shares a "do not retry before" timestamp across restarts and
// processes, used for provider rate-limit schedules.
type RetryGate interface {
	SetNotBefore(ctx context.Context, key string, t time.Time) error
	// NotBefore returns the stored gate; zero time when none is set.
	NotBefore(ctx context.Context, key string) (time.Time, error)
	Clear(ctx context.Context, key string) error
}

// PriceCache provides fast access to the latest mark prices in micros.
type PriceCache interface {
	SetPrice(ctx context.Context, assetID string, priceMicros int64, ts time.Time) error
	GetPrice(ctx context.Context, assetID string) (int64, time.Time, error)
	GetPrices(ctx context.Context, assetIDs []string) (map[string]int64, error)
}

// MetadataCache caches tokenId -> conditionId resolutions.
type MetadataCache interface {
	Set(ctx context.Context, md TokenMetadata) error
	Get(ctx context.Context, tokenID string) (TokenMetadata, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// BookReader serves order books to the executor.
type BookReader interface {
	GetBook(ctx context.Context, tokenID string, opts BookOpts) (BookResult, error)
	EnsureSubscribed(tokenID string)
}

// BookOpts bounds how a book may be obtained.
type BookOpts struct {
	WaitMs      int64 // max wait for a live update; <=500
	FreshnessMs int64 // max acceptable age; <=2000
	NoWait      bool  // cached-or-REST, never block
}

// BookResult is a book plus how it was obtained. Book is nil when nothing
// usable exists; Stale marks a best-effort fallback copy.
type BookResult struct {
	Book   *Book
	Source BookSource
	Stale  bool
}
