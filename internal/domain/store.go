package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// FollowedUserStore persists leaders and their proxy wallets.
type FollowedUserStore interface {
	Upsert(ctx context.Context, u FollowedUser) (FollowedUser, error)
	GetByID(ctx context.Context, id int64) (FollowedUser, error)
	ListEnabled(ctx context.Context) ([]FollowedUser, error)
	List(ctx context.Context, opts ListOpts) ([]FollowedUser, error)
	UpsertProxyWallet(ctx context.Context, p ProxyWallet) error
	ListProxyWallets(ctx context.Context) ([]ProxyWallet, error)
}

// TradeEventStore persists observed leader fills.
type TradeEventStore interface {
	// Insert writes the event and returns it with ID set. A duplicate by
	// (source, sourceId) or (txHash, logIndex) returns ErrAlreadyExists
	// with the stored row.
	Insert(ctx context.Context, ev TradeEvent) (TradeEvent, error)
	GetByID(ctx context.Context, id int64) (TradeEvent, error)
	GetByIDs(ctx context.Context, ids []int64) ([]TradeEvent, error)
	// FindCanonicalMatch locates a WS event matching an API trade for
	// reconciliation: same txHash, wallet, side and token.
	FindCanonicalMatch(ctx context.Context, txHash, profileWallet string, side TradeSide, tokenID string) (TradeEvent, error)
	// BackpatchEventTime moves eventTime earlier; detectTime never changes.
	BackpatchEventTime(ctx context.Context, id int64, eventTime time.Time) error
	SetEnrichment(ctx context.Context, id int64, status EnrichmentStatus, marketID, conditionID string) error
	ListPendingEnrichment(ctx context.Context, limit int) ([]TradeEvent, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]TradeEvent, error)
	LastCanonicalEventTime(ctx context.Context) (time.Time, error)
}

// ActivityEventStore persists MERGE/SPLIT/REDEEM events.
type ActivityEventStore interface {
	Insert(ctx context.Context, ev ActivityEvent) (ActivityEvent, error)
	GetByIDs(ctx context.Context, ids []int64) ([]ActivityEvent, error)
}

// LedgerStore persists signed share/cash movements.
type LedgerStore interface {
	// Upsert is idempotent on (scope, refId, entryType).
	Upsert(ctx context.Context, e LedgerEntry) error
	UpsertBatch(ctx context.Context, entries []LedgerEntry) error
	// Totals folds every entry for one book into position and cash sums.
	Totals(ctx context.Context, scope PortfolioScope, followedUserID *int64) (PositionTotals, error)
	// AssetExposure returns the signed share total for one asset.
	AssetExposure(ctx context.Context, scope PortfolioScope, followedUserID *int64, assetID string) (int64, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]LedgerEntry, error)
}

// CopyAttemptStore persists copy decisions and their simulated fills.
type CopyAttemptStore interface {
	// GetByGroupKey returns ErrNotFound when the group was never decided.
	GetByGroupKey(ctx context.Context, groupKey string) (CopyAttempt, error)
	// CreateWithFills writes the attempt, its fills and its ledger rows in
	// one transaction. ErrAlreadyExists on a groupKey replay.
	CreateWithFills(ctx context.Context, attempt CopyAttempt, fills []ExecutableFill, entries []LedgerEntry) (CopyAttempt, error)
	ListRecent(ctx context.Context, limit int) ([]CopyAttempt, error)
	ListFills(ctx context.Context, copyAttemptID int64) ([]ExecutableFill, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]CopyAttempt, error)
}

// SnapshotStore persists portfolio valuations. The circuit breakers read
// them: daily/weekly loss compares the latest equity to a baseline snapshot,
// drawdown compares it to the high-water mark.
type SnapshotStore interface {
	Upsert(ctx context.Context, s PortfolioSnapshot) error
	Latest(ctx context.Context, scope PortfolioScope, followedUserID *int64) (PortfolioSnapshot, error)
	// EquityAsOf returns the newest snapshot equity at or before the given
	// time, for trailing-loss baselines. ErrNotFound when none exists.
	EquityAsOf(ctx context.Context, scope PortfolioScope, followedUserID *int64, at time.Time) (int64, error)
	// PeakEquity returns the high-water equity since the given time (zero
	// time means all history) for drawdown checks.
	PeakEquity(ctx context.Context, scope PortfolioScope, since time.Time) (int64, error)
}

// MarketStore persists market metadata and outcome assets.
type MarketStore interface {
	Upsert(ctx context.Context, m Market) error
	GetByConditionID(ctx context.Context, conditionID string) (Market, error)
	GetByTokenID(ctx context.Context, tokenID string) (Market, error)
	UpsertOutcomeAsset(ctx context.Context, a OutcomeAsset) error
	SetBlacklisted(ctx context.Context, marketID string, blacklisted bool) error
}

// PolicyStore persists guardrail/sizing/buffering override rows.
type PolicyStore interface {
	GetGlobal(ctx context.Context) (PolicyOverride, error)
	GetForUser(ctx context.Context, followedUserID int64) (PolicyOverride, error)
	Upsert(ctx context.Context, o PolicyOverride) error
}

// CheckpointStore persists durable cursors and control flags.
type CheckpointStore interface {
	Get(ctx context.Context, key string) (SystemCheckpoint, error)
	Put(ctx context.Context, key string, value any) error
	// AdvanceBlock raises the stored block number, never lowers it.
	AdvanceBlock(ctx context.Context, key string, block uint64) error
}

// PriceSnapshotStore persists periodic mark prices for valuation history.
type PriceSnapshotStore interface {
	Insert(ctx context.Context, p MarkPrice) error
	Latest(ctx context.Context, assetID string) (MarkPrice, error)
	LatestMany(ctx context.Context, assetIDs []string) (map[string]int64, error)
}
