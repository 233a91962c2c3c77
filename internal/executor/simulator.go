package executor

import (
	"github.com/polymirror/copytrader/internal/domain"
)

// priceBound computes the worst price the simulator may accept: BUY caps at
// the lower of chasing the leader's fill and overpaying the mid, SELL
// mirrors with a floor. The result is clamped to the valid price range.
func priceBound(side domain.TradeSide, theirRef, mid int64, g domain.Guardrails) int64 {
	var bound int64
	if side == domain.TradeSideBuy {
		bound = theirRef + g.MaxWorseningVsTheirFillMicros
		if mid > 0 && mid+g.MaxOverMidMicros < bound {
			bound = mid + g.MaxOverMidMicros
		}
		if bound > domain.PriceCeilMicros {
			bound = domain.PriceCeilMicros
		}
	} else {
		bound = theirRef - g.MaxWorseningVsTheirFillMicros
		if mid > 0 && mid-g.MaxOverMidMicros > bound {
			bound = mid - g.MaxOverMidMicros
		}
		if bound < 0 {
			bound = 0
		}
	}
	return bound
}

// depthWithinBound sums the resting notional on the taking side at prices
// the bound allows.
func depthWithinBound(book *domain.Book, side domain.TradeSide, bound int64) int64 {
	var total int64
	if side == domain.TradeSideBuy {
		for _, lvl := range book.Asks {
			if lvl.PriceMicros > bound {
				break
			}
			total += lvl.PriceMicros * lvl.SizeMicros / domain.MicrosPerUnit
		}
	} else {
		for _, lvl := range book.Bids {
			if lvl.PriceMicros < bound {
				break
			}
			total += lvl.PriceMicros * lvl.SizeMicros / domain.MicrosPerUnit
		}
	}
	return total
}

// simulateFills walks the taking side of the book, spending targetNotional
// across levels until the budget is gone or the next level crosses the
// price bound. BUY walks asks ascending, SELL walks bids descending; the
// book's level ordering is relied upon. A budget-capped level books the
// exact remaining notional, so the fill total never overspends the target
// and the ledger cash delta matches it to the micro.
func simulateFills(book *domain.Book, side domain.TradeSide, targetNotional, bound int64) []domain.ExecutableFill {
	levels := book.Asks
	if side == domain.TradeSideSell {
		levels = book.Bids
	}

	var fills []domain.ExecutableFill
	remaining := targetNotional
	for _, lvl := range levels {
		if remaining <= 0 || lvl.PriceMicros <= 0 {
			break
		}
		if side == domain.TradeSideBuy && lvl.PriceMicros > bound {
			break
		}
		if side == domain.TradeSideSell && lvl.PriceMicros < bound {
			break
		}
		budgetShares := remaining * domain.MicrosPerUnit / lvl.PriceMicros
		if budgetShares <= 0 {
			break
		}
		take := lvl.SizeMicros
		notional := lvl.PriceMicros * take / domain.MicrosPerUnit
		if budgetShares <= take {
			take = budgetShares
			notional = remaining
		}
		if take <= 0 {
			continue
		}
		fills = append(fills, domain.ExecutableFill{
			LevelIndex:         len(fills),
			PriceMicros:        lvl.PriceMicros,
			FilledShareMicros:  take,
			FillNotionalMicros: notional,
		})
		remaining -= notional
	}
	return fills
}

// fillTotals folds simulated fills into shares, notional and their vwap.
func fillTotals(fills []domain.ExecutableFill) (shares, notional, vwap int64) {
	for _, f := range fills {
		shares += f.FilledShareMicros
		notional += f.FillNotionalMicros
	}
	vwap = domain.Vwap(notional, shares)
	return shares, notional, vwap
}
