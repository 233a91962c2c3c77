package ingest

import (
	"testing"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

func testFill(txHash string, logIndex int64) DecodedFill {
	return DecodedFill{
		Wallet: "0x1111111111111111111111111111111111111111",
		Attribution: domain.WalletAttribution{
			FollowedUserID: 1,
			ProfileWallet:  "0x1111111111111111111111111111111111111111",
		},
		Side:           domain.TradeSideBuy,
		TokenID:        "777",
		PriceMicros:    500_000,
		ShareMicros:    200 * domain.MicrosPerUnit,
		NotionalMicros: 100 * domain.MicrosPerUnit,
		TxHash:         txHash,
		LogIndex:       logIndex,
		BlockNumber:    100,
	}
}

func TestFillTradeEventSourceIDPerLogPosition(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	// Two fills from the same transaction land on different log indices.
	// Each must carry its own dedup key or the second insert would be
	// swallowed as a duplicate of the first.
	first := fillTradeEvent(testFill("0xbeef", 3), now)
	second := fillTradeEvent(testFill("0xbeef", 4), now)

	if first.SourceID == "" || second.SourceID == "" {
		t.Fatalf("source ids must be set, got %q and %q", first.SourceID, second.SourceID)
	}
	if first.SourceID == second.SourceID {
		t.Fatalf("distinct fills share source id %q", first.SourceID)
	}
	if first.Source != domain.TradeSourceOnchainWS || second.Source != domain.TradeSourceOnchainWS {
		t.Errorf("source = %q, %q, want %q", first.Source, second.Source, domain.TradeSourceOnchainWS)
	}

	// The same fill observed twice keys identically, which is what lets
	// the store collapse a resubscribe replay.
	replay := fillTradeEvent(testFill("0xbeef", 3), now.Add(time.Second))
	if replay.SourceID != first.SourceID {
		t.Errorf("replayed fill source id = %q, want %q", replay.SourceID, first.SourceID)
	}
}

func TestFillTradeEventCarriesEconomics(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	ev := fillTradeEvent(testFill("0xbeef", 3), now)

	if ev.LogIndex == nil || *ev.LogIndex != 3 {
		t.Fatalf("log index = %v, want 3", ev.LogIndex)
	}
	if !ev.IsCanonical {
		t.Error("on-chain fills are canonical")
	}
	if ev.PriceMicros != 500_000 || ev.NotionalMicros != 100*domain.MicrosPerUnit {
		t.Errorf("economics not carried: price=%d notional=%d", ev.PriceMicros, ev.NotionalMicros)
	}
	if !ev.EventTime.Equal(now) || !ev.DetectTime.Equal(now) {
		t.Errorf("event/detect time = %v/%v, want %v", ev.EventTime, ev.DetectTime, now)
	}
	if ev.Enrichment != domain.EnrichmentPending {
		t.Errorf("enrichment = %q, want %q", ev.Enrichment, domain.EnrichmentPending)
	}
}
