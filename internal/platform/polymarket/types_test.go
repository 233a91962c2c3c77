package polymarket

import (
	"encoding/json"
	"testing"
)

func TestParseMicros(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0.51", 510_000, false},
		{"1", 1_000_000, false},
		{"12.5", 12_500_000, false},
		{"0.000001", 1, false},
		{"0", 0, false},
		{" 0.25 ", 250_000, false},
		{"-1", 0, true},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMicros(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMicros(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMicros(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeBookSortsAndDrops(t *testing.T) {
	t.Parallel()

	raw := ClobBook{
		Bids: []ClobBookLevel{
			{Price: "0.40", Size: "10"},
			{Price: "0.45", Size: "5"},
			{Price: "0.42", Size: "0"}, // dropped
		},
		Asks: []ClobBookLevel{
			{Price: "0.55", Size: "3"},
			{Price: "0.50", Size: "7"},
		},
	}

	book, err := NormalizeBook("tok", raw)
	if err != nil {
		t.Fatalf("NormalizeBook: %v", err)
	}
	if len(book.Bids) != 2 || book.Bids[0].PriceMicros != 450_000 || book.Bids[1].PriceMicros != 400_000 {
		t.Errorf("bids not sorted descending: %+v", book.Bids)
	}
	if len(book.Asks) != 2 || book.Asks[0].PriceMicros != 500_000 {
		t.Errorf("asks not sorted ascending: %+v", book.Asks)
	}
	if book.BestBid() != 450_000 || book.BestAsk() != 500_000 {
		t.Errorf("best bid/ask = %d/%d", book.BestBid(), book.BestAsk())
	}
	if book.SpreadMicros() != 50_000 {
		t.Errorf("spread = %d, want 50000", book.SpreadMicros())
	}
}

func TestAPITradeAccessors(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"match_time": 1700000000,
		"side": "BUY",
		"price": 0.51,
		"size": "200",
		"asset_id": "12345",
		"transactionHash": "0xabc",
		"proxyWallet": "0xDEF"
	}`)
	var tr APITrade
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tr.TokenID() != "12345" {
		t.Errorf("TokenID = %q", tr.TokenID())
	}
	if tr.Wallet() != "0xdef" {
		t.Errorf("Wallet = %q, want lowercase", tr.Wallet())
	}
	if tr.EventTime().Unix() != 1700000000 {
		t.Errorf("EventTime = %v", tr.EventTime())
	}
	if tr.Price.String() != "0.51" {
		t.Errorf("numeric price decoded as %q", tr.Price)
	}
}

func TestGammaMarketTokenIDs(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"id": "m1",
		"conditionId": "0xc1",
		"clobTokenIds": "[\"111\",\"222\"]",
		"outcomes": "[\"Yes\",\"No\"]",
		"endDate": "2026-09-01T00:00:00Z"
	}`)
	var gm GammaMarket
	if err := json.Unmarshal(data, &gm); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	toks := gm.TokenIDs()
	if len(toks) != 2 || toks[0] != "111" {
		t.Errorf("TokenIDs = %v", toks)
	}
	if gm.CloseTime() == nil {
		t.Error("CloseTime = nil, want parsed")
	}
}
