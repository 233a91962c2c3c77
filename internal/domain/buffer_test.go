package domain

import "testing"

func TestBufferRecordAbsorb(t *testing.T) {
	t.Parallel()
	r := BufferRecord{Key: "1:tok:BUY", FollowedUserID: 1, TokenID: "tok", Side: "BUY"}

	r.Absorb(10, 200_000, 400_000, 500_000, 1000)
	r.Absorb(11, 200_000, 400_000, 500_000, 1200)
	r.Absorb(12, 200_000, 400_000, 500_000, 1500)

	if r.NetNotionalMicros != 600_000 {
		t.Errorf("net notional = %d, want 600000", r.NetNotionalMicros)
	}
	if r.CountTradesBuffered != 3 || len(r.TradeEventIDs) != 3 {
		t.Errorf("count = %d, ids = %d", r.CountTradesBuffered, len(r.TradeEventIDs))
	}
	if r.FirstSeenAtMs != 1000 || r.LastUpdatedAtMs != 1500 {
		t.Errorf("timestamps = %d..%d", r.FirstSeenAtMs, r.LastUpdatedAtMs)
	}
	if r.ReferencePriceMicros != 500_000 {
		t.Errorf("reference price = %d, want 500000", r.ReferencePriceMicros)
	}
}

func TestBufferRecordVwapWeights(t *testing.T) {
	t.Parallel()
	r := BufferRecord{}
	// 100k at 400000, 300k at 600000 -> vwap 550000
	r.Absorb(1, 100_000, 250_000, 400_000, 10)
	r.Absorb(2, 300_000, 500_000, 600_000, 20)
	if r.ReferencePriceMicros != 550_000 {
		t.Errorf("weighted reference price = %d, want 550000", r.ReferencePriceMicros)
	}
}

func TestBufferRecordNetting(t *testing.T) {
	t.Parallel()
	r := BufferRecord{} // netBuySell bucket, no fixed side
	r.Absorb(1, 300_000, 600_000, 500_000, 10)
	r.Absorb(2, -100_000, -200_000, 500_000, 20)

	if r.NetNotionalMicros != 200_000 || r.NetShareMicros != 400_000 {
		t.Errorf("net = %d notional, %d shares", r.NetNotionalMicros, r.NetShareMicros)
	}
	if r.AbsNetNotional() != 200_000 {
		t.Errorf("abs net = %d", r.AbsNetNotional())
	}
	if r.NetSide() != TradeSideBuy {
		t.Errorf("net side = %s", r.NetSide())
	}

	r.Absorb(3, -500_000, -900_000, 480_000, 30)
	if r.NetSide() != TradeSideSell {
		t.Errorf("net side after sell flow = %s", r.NetSide())
	}
	if r.AbsNetNotional() != 300_000 {
		t.Errorf("abs net after sell flow = %d", r.AbsNetNotional())
	}
	// gross keeps absolute flow: 300k+100k+500k
	if r.GrossNotionalMicros != 900_000 {
		t.Errorf("gross = %d", r.GrossNotionalMicros)
	}
}

func TestBufferRecordFixedSideWins(t *testing.T) {
	t.Parallel()
	r := BufferRecord{Side: "SELL"}
	r.Absorb(1, -100_000, -200_000, 500_000, 10)
	if r.NetSide() != TradeSideSell {
		t.Errorf("fixed side = %s", r.NetSide())
	}
}
