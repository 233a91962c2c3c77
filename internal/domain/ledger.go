package domain

import (
	"strconv"
	"time"
)

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// PortfolioScope separates the leaders' mirrored books from the engine's
// own simulated execution book.
type PortfolioScope string

const (
	ScopeShadowUser PortfolioScope = "SHADOW_USER"
	ScopeExecGlobal PortfolioScope = "EXEC_GLOBAL"
	// ScopeExecUser is reserved for per-leader execution books. Nothing
	// writes it yet.
	ScopeExecUser PortfolioScope = "EXEC_USER"
)

// LedgerEntryType classifies a ledger row.
type LedgerEntryType string

const (
	EntryTradeFill  LedgerEntryType = "TRADE_FILL"
	EntryMerge      LedgerEntryType = "MERGE"
	EntrySplit      LedgerEntryType = "SPLIT"
	EntrySettlement LedgerEntryType = "SETTLEMENT"
)

// LedgerEntry is one signed share/cash movement. BUY adds shares and
// removes cash; SELL mirrors. The (Scope, RefID, EntryType) key makes
// every writer replay-safe.
type LedgerEntry struct {
	ID               int64
	Scope            PortfolioScope
	FollowedUserID   *int64 // EXEC_GLOBAL rows carry the triggering leader
	EntryType        LedgerEntryType
	AssetID          string // empty for cash-only rows
	ShareDeltaMicros int64
	CashDeltaMicros  int64
	PriceMicros      int64
	RefID            string // "trade:{id}", "copy:{id}", "activity:{id}:{asset}"
	CreatedAt        time.Time
}

// TradeFillEntry derives the ledger row for a leader fill.
func TradeFillEntry(ev TradeEvent) LedgerEntry {
	uid := ev.FollowedUserID
	share := ev.ShareMicros
	cash := -ev.NotionalMicros
	if ev.Side == TradeSideSell {
		share = -share
		cash = -cash
	}
	return LedgerEntry{
		Scope:            ScopeShadowUser,
		FollowedUserID:   &uid,
		EntryType:        EntryTradeFill,
		AssetID:          ev.EffectiveTokenID(),
		ShareDeltaMicros: share,
		CashDeltaMicros:  cash,
		PriceMicros:      ev.PriceMicros,
		RefID:            TradeRefID(ev.ID),
	}
}

// PositionTotals aggregates the ledger for one (scope, user) book.
type PositionTotals struct {
	CashMicros   int64
	ShareByAsset map[string]int64
	CostByAsset  map[string]int64 // signed cash spent acquiring each position
}

// Ref id builders. Every ledger writer derives RefID from the row that
// caused the entry, so replays upsert instead of duplicating.

func TradeRefID(tradeEventID int64) string {
	return "trade:" + itoa(tradeEventID)
}

func CopyRefID(copyAttemptID int64) string {
	return "copy:" + itoa(copyAttemptID)
}

func ActivityRefID(activityEventID int64, leg string) string {
	return "activity:" + itoa(activityEventID) + ":" + leg
}

// ActivityCollateralLeg names the cash leg of MERGE/SPLIT/REDEEM entries.
const ActivityCollateralLeg = "collateral"

// PortfolioSnapshot is a stateless point-in-time valuation recomputed
// entirely from ledger rows and mark prices.
type PortfolioSnapshot struct {
	ID                  int64
	Scope               PortfolioScope
	FollowedUserID      *int64
	BucketTime          time.Time // minute-truncated, unique per (scope, user)
	EquityMicros        int64
	CashMicros          int64
	ExposureMicros      int64
	RealizedPnlMicros   int64
	UnrealizedPnlMicros int64
	CreatedAt           time.Time
}
