package executor

import (
	"testing"

	"github.com/polymirror/copytrader/internal/domain"
)

func TestPriceBound(t *testing.T) {
	g := domain.Guardrails{
		MaxWorseningVsTheirFillMicros: 10_000,
		MaxOverMidMicros:              15_000,
	}

	tests := []struct {
		name     string
		side     domain.TradeSide
		theirRef int64
		mid      int64
		want     int64
	}{
		{"buy mid binds", domain.TradeSideBuy, 500_000, 490_000, 505_000},
		{"buy worsening binds", domain.TradeSideBuy, 500_000, 510_000, 510_000},
		{"buy no mid", domain.TradeSideBuy, 500_000, 0, 510_000},
		{"buy clamped at ceiling", domain.TradeSideBuy, 995_000, 998_000, 1_000_000},
		{"sell mid binds", domain.TradeSideSell, 500_000, 510_000, 495_000},
		{"sell worsening binds", domain.TradeSideSell, 500_000, 490_000, 490_000},
		{"sell no mid", domain.TradeSideSell, 500_000, 0, 490_000},
		{"sell clamped at floor", domain.TradeSideSell, 5_000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := priceBound(tt.side, tt.theirRef, tt.mid, g); got != tt.want {
				t.Fatalf("priceBound = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSimulateFillsStopsAtBoundCross(t *testing.T) {
	book := &domain.Book{
		Asks: []domain.PriceLevel{
			{PriceMicros: 500_000, SizeMicros: 5_000_000},
			{PriceMicros: 508_000, SizeMicros: 5_000_000},
			{PriceMicros: 515_000, SizeMicros: 100_000_000},
		},
	}

	fills := simulateFills(book, domain.TradeSideBuy, 50_000_000, 510_000)
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if fills[0].FillNotionalMicros != 2_500_000 {
		t.Fatalf("level 0 notional = %d, want 2_500_000", fills[0].FillNotionalMicros)
	}
	if fills[1].LevelIndex != 1 {
		t.Fatalf("level index = %d, want 1", fills[1].LevelIndex)
	}

	shares, notional, vwap := fillTotals(fills)
	if shares != 10_000_000 {
		t.Fatalf("shares = %d, want 10_000_000", shares)
	}
	if notional != 5_040_000 {
		t.Fatalf("notional = %d, want 5_040_000", notional)
	}
	if vwap != 504_000 {
		t.Fatalf("vwap = %d, want 504_000", vwap)
	}
}

func TestSimulateFillsZeroWhenTopCrosses(t *testing.T) {
	book := &domain.Book{
		Asks: []domain.PriceLevel{{PriceMicros: 520_000, SizeMicros: 100_000_000}},
	}
	if fills := simulateFills(book, domain.TradeSideBuy, 10_000_000, 510_000); fills != nil {
		t.Fatalf("fills = %v, want none", fills)
	}
}

func TestSimulateFillsStopsAtBudget(t *testing.T) {
	book := &domain.Book{
		Bids: []domain.PriceLevel{
			{PriceMicros: 500_000, SizeMicros: 8_000_000},
			{PriceMicros: 495_000, SizeMicros: 8_000_000},
		},
	}

	fills := simulateFills(book, domain.TradeSideSell, 5_000_000, 490_000)
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	// 4_000_000 spent at the top, the 1_000_000 remainder at 0.495.
	if fills[0].FillNotionalMicros != 4_000_000 {
		t.Fatalf("level 0 notional = %d, want 4_000_000", fills[0].FillNotionalMicros)
	}
	if fills[1].FilledShareMicros != 2_020_202 || fills[1].FillNotionalMicros != 1_000_000 {
		t.Fatalf("level 1 fill = %d shares / %d notional, want 2_020_202 / 1_000_000",
			fills[1].FilledShareMicros, fills[1].FillNotionalMicros)
	}
	if _, notional, _ := fillTotals(fills); notional != 5_000_000 {
		t.Fatalf("total notional = %d, want exactly the 5_000_000 budget", notional)
	}
}

func TestSimulateFillsNeverOverspends(t *testing.T) {
	// A one-cent-worse ask must not inflate the spend past the budget:
	// the share count shrinks instead.
	book := &domain.Book{
		Asks: []domain.PriceLevel{{PriceMicros: 510_000, SizeMicros: 1_000_000_000}},
	}

	fills := simulateFills(book, domain.TradeSideBuy, 1_000_000, 510_000)
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if fills[0].FilledShareMicros != 1_960_784 {
		t.Fatalf("shares = %d, want 1_960_784", fills[0].FilledShareMicros)
	}
	if fills[0].FillNotionalMicros != 1_000_000 {
		t.Fatalf("notional = %d, want exactly 1_000_000", fills[0].FillNotionalMicros)
	}
}

func TestDepthWithinBound(t *testing.T) {
	book := &domain.Book{
		Bids: []domain.PriceLevel{
			{PriceMicros: 500_000, SizeMicros: 10_000_000},
			{PriceMicros: 480_000, SizeMicros: 10_000_000},
		},
		Asks: []domain.PriceLevel{
			{PriceMicros: 505_000, SizeMicros: 10_000_000},
			{PriceMicros: 530_000, SizeMicros: 10_000_000},
		},
	}

	if got := depthWithinBound(book, domain.TradeSideBuy, 510_000); got != 5_050_000 {
		t.Fatalf("buy depth = %d, want 5_050_000", got)
	}
	if got := depthWithinBound(book, domain.TradeSideSell, 490_000); got != 5_000_000 {
		t.Fatalf("sell depth = %d, want 5_000_000", got)
	}
	if got := depthWithinBound(book, domain.TradeSideBuy, 530_000); got != 10_350_000 {
		t.Fatalf("deep buy depth = %d, want 10_350_000", got)
	}
}
