package domain

import "time"

// Market is venue metadata for one condition, resolved asynchronously via
// the Gamma API. Execution never blocks on it: a missing CloseTime simply
// disables the lifecycle guardrail for that market.
type Market struct {
	ID          string
	ConditionID string // unique
	Slug        string
	Title       string
	CloseTime   *time.Time
	Blacklisted bool
	UpdatedAt   time.Time
}

// OutcomeAsset binds an outcome token to its market.
type OutcomeAsset struct {
	AssetID      string // unique
	MarketID     string
	OutcomeLabel string
	RawTokenID   string
}

// TokenMetadata caches the tokenId -> conditionId resolution so the
// enricher does not re-query Gamma for every trade.
type TokenMetadata struct {
	TokenID     string
	ConditionID string
	FetchedAt   time.Time
}
