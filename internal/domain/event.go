package domain

import "time"

// MicrosPerUnit is the fixed-point scale for money, shares and prices:
// one whole unit equals 1e6 micros. Prices live in [0, PriceCeilMicros].
const (
	MicrosPerUnit   int64 = 1_000_000
	PriceCeilMicros int64 = 1_000_000
)

// TradeSource identifies the detection channel that produced a TradeEvent.
type TradeSource string

const (
	TradeSourceOnchainWS TradeSource = "ONCHAIN_WS"
	TradeSourceDataAPI   TradeSource = "POLYMARKET_API"
)

// TradeSide is the direction of the leader's fill in outcome tokens.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// Opposite returns the other side.
func (s TradeSide) Opposite() TradeSide {
	if s == TradeSideBuy {
		return TradeSideSell
	}
	return TradeSideBuy
}

// EnrichmentStatus tracks asynchronous market-metadata resolution.
type EnrichmentStatus string

const (
	EnrichmentPending  EnrichmentStatus = "PENDING"
	EnrichmentEnriched EnrichmentStatus = "ENRICHED"
	EnrichmentFailed   EnrichmentStatus = "FAILED"
)

// TradeEvent is one observed leader fill. WS-detected events are canonical;
// API-detected events fill gaps and back-patch timestamps.
type TradeEvent struct {
	ID             int64
	Source         TradeSource
	SourceID       string // API trade id or synthesized key; unique per source
	TxHash         string
	LogIndex       *int64 // set for ONCHAIN_WS, unique with TxHash
	IsCanonical    bool
	FollowedUserID int64
	ProfileWallet  string
	ProxyWallet    string // wallet actually seen on-chain when it was a proxy
	Side           TradeSide
	PriceMicros    int64
	ShareMicros    int64
	NotionalMicros int64
	FeeMicros      int64
	EventTime      time.Time // venue time; back-patchable, never later than first write
	DetectTime     time.Time // first observation by this engine; immutable
	MarketID       string
	AssetID        string
	RawTokenID     string // on-chain token id when it differs from AssetID
	ConditionID    string
	Enrichment     EnrichmentStatus
	CreatedAt      time.Time
}

// EffectiveTokenID is the id used for grouping and book lookups.
func (e TradeEvent) EffectiveTokenID() string {
	if e.RawTokenID != "" {
		return e.RawTokenID
	}
	return e.AssetID
}

// ActivityType classifies non-trade position changes from the Data API.
type ActivityType string

const (
	ActivityMerge  ActivityType = "MERGE"
	ActivitySplit  ActivityType = "SPLIT"
	ActivityRedeem ActivityType = "REDEEM"
)

// ActivityAsset is one outcome-token leg of an activity event.
type ActivityAsset struct {
	AssetID      string `json:"assetId"`
	AmountMicros int64  `json:"amountMicros"`
}

// ActivityPayload is the structured body persisted as payloadJson.
type ActivityPayload struct {
	Assets                 []ActivityAsset `json:"assets"`
	CollateralAmountMicros int64           `json:"collateralAmountMicros"`
}

// ActivityEvent is a MERGE, SPLIT or REDEEM seen for a followed user.
type ActivityEvent struct {
	ID             int64
	Type           ActivityType
	SourceID       string // "{txHash}_{timestamp}_{type}_{asset}", unique
	FollowedUserID int64
	Payload        ActivityPayload
	EventTime      time.Time
	DetectTime     time.Time
	CreatedAt      time.Time
}
