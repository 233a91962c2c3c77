package domain

// BufferRecord is the accumulated state of one small-trade bucket, stored
// in Redis so restarts do not lose pending flow. Net fields are signed
// under netBuySell netting (BUY positive, SELL negative); gross notional
// accumulates absolute values and weights the reference-price vwap.
type BufferRecord struct {
	Key                  string  `json:"key"`
	FollowedUserID       int64   `json:"followedUserId"`
	TokenID              string  `json:"tokenId"`
	Side                 string  `json:"side,omitempty"` // set under sameSideOnly
	NetNotionalMicros    int64   `json:"netNotionalMicros"`
	NetShareMicros       int64   `json:"netShareMicros"`
	GrossNotionalMicros  int64   `json:"grossNotionalMicros"`
	FirstSeenAtMs        int64   `json:"firstSeenAtMs"`
	LastUpdatedAtMs      int64   `json:"lastUpdatedAtMs"`
	CountTradesBuffered  int     `json:"countTradesBuffered"`
	ReferencePriceMicros int64   `json:"referencePriceMicros"` // gross-notional-weighted vwap
	TradeEventIDs        []int64 `json:"tradeEventIds"`
}

// Absorb folds one trade into the record. signedNotional and signedShares
// carry the netting sign.
func (r *BufferRecord) Absorb(tradeEventID int64, signedNotional, signedShares, priceMicros, nowMs int64) {
	w := signedNotional
	if w < 0 {
		w = -w
	}
	if r.GrossNotionalMicros+w > 0 {
		r.ReferencePriceMicros = (r.ReferencePriceMicros*r.GrossNotionalMicros + priceMicros*w) /
			(r.GrossNotionalMicros + w)
	}
	r.GrossNotionalMicros += w

	r.NetNotionalMicros += signedNotional
	r.NetShareMicros += signedShares
	if r.CountTradesBuffered == 0 {
		r.FirstSeenAtMs = nowMs
	}
	r.LastUpdatedAtMs = nowMs
	r.CountTradesBuffered++
	r.TradeEventIDs = append(r.TradeEventIDs, tradeEventID)
}

// AbsNetNotional returns |net notional| for flush-threshold checks.
func (r *BufferRecord) AbsNetNotional() int64 {
	if r.NetNotionalMicros < 0 {
		return -r.NetNotionalMicros
	}
	return r.NetNotionalMicros
}

// NetSide derives the flush direction from the sign of the net flow.
func (r *BufferRecord) NetSide() TradeSide {
	if r.Side != "" {
		return TradeSide(r.Side)
	}
	if r.NetNotionalMicros < 0 {
		return TradeSideSell
	}
	return TradeSideBuy
}
