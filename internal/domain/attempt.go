package domain

import "time"

// Decision is the outcome of one copy evaluation.
type Decision string

const (
	DecisionExecute Decision = "EXECUTE"
	DecisionSkip    Decision = "SKIP"
)

// ReasonCode explains a SKIP (or annotates an EXECUTE). Order in the
// guardrail cascade matters: evaluation stops at the first failure.
type ReasonCode string

const (
	ReasonSizeBelowMin            ReasonCode = "SIZE_BELOW_MIN"
	ReasonBookUnavailable         ReasonCode = "BOOK_UNAVAILABLE"
	ReasonMarketBlacklisted       ReasonCode = "MARKET_BLACKLISTED"
	ReasonMarketNearClose         ReasonCode = "MARKET_NEAR_CLOSE"
	ReasonSpreadTooWide           ReasonCode = "SPREAD_TOO_WIDE"
	ReasonDepthInsufficient       ReasonCode = "DEPTH_INSUFFICIENT"
	ReasonExposureCapTotal        ReasonCode = "EXPOSURE_CAP_TOTAL"
	ReasonExposureCapMarket       ReasonCode = "EXPOSURE_CAP_MARKET"
	ReasonExposureCapUser         ReasonCode = "EXPOSURE_CAP_USER"
	ReasonCircuitBreakerDaily     ReasonCode = "CIRCUIT_BREAKER_DAILY"
	ReasonCircuitBreakerWeekly    ReasonCode = "CIRCUIT_BREAKER_WEEKLY"
	ReasonCircuitBreakerDrawdown  ReasonCode = "CIRCUIT_BREAKER_DRAWDOWN"
	ReasonBufferFlushBelowMinExec ReasonCode = "BUFFER_FLUSH_BELOW_MIN_EXEC"
)

// CopyAttempt is the audit record of one copy decision, EXECUTE or SKIP,
// exactly one per group key.
type CopyAttempt struct {
	ID                        int64
	GroupKey                  string // unique; replays are no-ops
	FollowedUserID            int64
	TokenID                   string
	Side                      TradeSide
	Decision                  Decision
	ReasonCodes               []ReasonCode
	SourceType                GroupSourceType
	TheirNotionalMicros       int64
	TargetNotionalMicros      int64
	FilledNotionalMicros      int64 // 0 for SKIP
	FilledRatioBps            int64 // <= 10_000, 0 for SKIP
	VwapPriceMicros           int64 // vwap of simulated fills, 0 for SKIP
	TheirReferencePriceMicros int64
	MidPriceMicrosAtDecision  int64
	BufferedTradeCount        int
	TradeEventIDs             []int64
	DecidedAt                 time.Time
}

// ExecutableFill is one simulated fill level of an executed attempt.
type ExecutableFill struct {
	ID                 int64
	CopyAttemptID      int64
	LevelIndex         int
	PriceMicros        int64
	FilledShareMicros  int64
	FillNotionalMicros int64
}

// BpsDenom is the basis-point denominator: 10_000 bps = 100%.
const BpsDenom int64 = 10_000

// RatioBps computes part/whole in basis points, capped at 10_000.
func RatioBps(part, whole int64) int64 {
	if whole <= 0 {
		return 0
	}
	r := part * BpsDenom / whole
	if r > BpsDenom {
		return BpsDenom
	}
	return r
}

// ApplyBps scales v by bps/10_000.
func ApplyBps(v, bps int64) int64 {
	return v * bps / BpsDenom
}
