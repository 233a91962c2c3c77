package domain

import (
	"fmt"
	"time"
)

// GroupSourceType records which path produced a trade-event group.
type GroupSourceType string

const (
	SourceGroup     GroupSourceType = "GROUP"     // aggregation window flush
	SourceBuffer    GroupSourceType = "BUFFER"    // small-trade buffer flush
	SourceImmediate GroupSourceType = "IMMEDIATE" // single trade passed straight through
)

// TradeEventGroup is a batch of near-simultaneous same-direction leader
// trades collapsed into one copy decision. A flushed group is final.
type TradeEventGroup struct {
	GroupKey            string // "{userId}:{tokenId}:{side}:{windowStart}"
	FollowedUserID      int64
	TokenID             string
	Side                TradeSide
	TotalNotionalMicros int64
	TotalShareMicros    int64
	VwapPriceMicros     int64
	EarliestDetectTime  time.Time
	TradeEventIDs       []int64 // arrival order
	SourceType          GroupSourceType
	BufferedTradeCount  int // >0 only for BUFFER groups
}

// GroupKeyFor builds the idempotency key for an aggregation window.
func GroupKeyFor(userID int64, tokenID string, side TradeSide, windowStart time.Time) string {
	return fmt.Sprintf("%d:%s:%s:%s", userID, tokenID, side, windowStart.UTC().Format(time.RFC3339Nano))
}

// Vwap computes the volume-weighted price in micros, 0 when no shares.
func Vwap(totalNotionalMicros, totalShareMicros int64) int64 {
	if totalShareMicros == 0 {
		return 0
	}
	return totalNotionalMicros * MicrosPerUnit / totalShareMicros
}
