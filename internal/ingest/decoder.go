// Package ingest contains the two trade detection paths: the on-chain
// WebSocket ingestor and the Data API polling ingestor.
package ingest

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/polymirror/copytrader/internal/domain"
	"github.com/polymirror/copytrader/internal/platform/alchemy"
)

// wordLen is one ABI-encoded word.
const wordLen = 32

// orderFilledWords is the number of non-indexed words in the event data:
// makerAssetId, takerAssetId, makerAmountFilled, takerAmountFilled, fee.
const orderFilledWords = 5

// OrderFilled is a fully parsed log event before attribution.
type OrderFilled struct {
	OrderHash common.Hash
	Maker     common.Address
	Taker     common.Address

	MakerAssetID      *big.Int
	TakerAssetID      *big.Int
	MakerAmountFilled *big.Int
	TakerAmountFilled *big.Int
	Fee               *big.Int

	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
}

// ParseOrderFilled decodes the raw log. Three indexed topics follow the
// selector: orderHash, maker, taker; the data segment holds five uint256
// words in declaration order.
func ParseOrderFilled(lg types.Log) (OrderFilled, error) {
	if len(lg.Topics) != 4 {
		return OrderFilled{}, fmt.Errorf("ingest: %w: want 4 topics, got %d", domain.ErrInvalidEvent, len(lg.Topics))
	}
	if lg.Topics[0] != alchemy.OrderFilledTopic {
		return OrderFilled{}, fmt.Errorf("ingest: %w: unexpected topic0 %s", domain.ErrInvalidEvent, lg.Topics[0])
	}
	if len(lg.Data) != orderFilledWords*wordLen {
		return OrderFilled{}, fmt.Errorf("ingest: %w: want %d data bytes, got %d",
			domain.ErrInvalidEvent, orderFilledWords*wordLen, len(lg.Data))
	}

	word := func(i int) *big.Int {
		return new(big.Int).SetBytes(lg.Data[i*wordLen : (i+1)*wordLen])
	}

	return OrderFilled{
		OrderHash:         lg.Topics[1],
		Maker:             common.BytesToAddress(lg.Topics[2].Bytes()),
		Taker:             common.BytesToAddress(lg.Topics[3].Bytes()),
		MakerAssetID:      word(0),
		TakerAssetID:      word(1),
		MakerAmountFilled: word(2),
		TakerAmountFilled: word(3),
		Fee:               word(4),
		TxHash:            lg.TxHash,
		LogIndex:          lg.Index,
		BlockNumber:       lg.BlockNumber,
	}, nil
}

// DecodedFill is one leader-perspective view of an OrderFilled event.
type DecodedFill struct {
	Wallet         string // the tracked wallet, lowercase
	Attribution    domain.WalletAttribution
	Side           domain.TradeSide
	TokenID        string // decimal outcome token id
	PriceMicros    int64
	ShareMicros    int64
	NotionalMicros int64
	FeeMicros      int64

	TxHash      string
	LogIndex    int64
	BlockNumber uint64
}

// AttributeFill resolves the fill to at most one tracked wallet and derives
// the trade economics from that wallet's perspective.
//
// Exactly one of the two asset ids must be the collateral asset (0); the
// other is the outcome token. The wallet that gave collateral bought
// tokens. When both maker and taker are tracked, the non-proxy binding
// wins the tie; two tracked non-proxy wallets fall back to the maker.
func AttributeFill(ev OrderFilled, wallets *domain.WalletSnapshot) (DecodedFill, bool, error) {
	makerIsCollateral := ev.MakerAssetID.Sign() == 0
	takerIsCollateral := ev.TakerAssetID.Sign() == 0
	if makerIsCollateral == takerIsCollateral {
		return DecodedFill{}, false, fmt.Errorf("ingest: %w: neither or both asset ids are collateral (maker=%s taker=%s)",
			domain.ErrInvalidEvent, ev.MakerAssetID, ev.TakerAssetID)
	}

	makerAddr := toLowerHex(ev.Maker)
	takerAddr := toLowerHex(ev.Taker)
	makerAttr, makerTracked := wallets.Lookup(makerAddr)
	takerAttr, takerTracked := wallets.Lookup(takerAddr)

	var wallet string
	var attr domain.WalletAttribution
	var isMaker bool
	switch {
	case makerTracked && takerTracked:
		// Tie-break prefers the non-proxy binding.
		if !makerAttr.IsProxy || takerAttr.IsProxy {
			wallet, attr, isMaker = makerAddr, makerAttr, true
		} else {
			wallet, attr, isMaker = takerAddr, takerAttr, false
		}
	case makerTracked:
		wallet, attr, isMaker = makerAddr, makerAttr, true
	case takerTracked:
		wallet, attr, isMaker = takerAddr, takerAttr, false
	default:
		return DecodedFill{}, false, nil
	}

	// What the attributed wallet gave and got.
	gaveCollateral := (isMaker && makerIsCollateral) || (!isMaker && takerIsCollateral)

	var collateral, tokens, tokenID *big.Int
	if makerIsCollateral {
		collateral, tokens, tokenID = ev.MakerAmountFilled, ev.TakerAmountFilled, ev.TakerAssetID
	} else {
		collateral, tokens, tokenID = ev.TakerAmountFilled, ev.MakerAmountFilled, ev.MakerAssetID
	}

	side := domain.TradeSideSell
	if gaveCollateral {
		side = domain.TradeSideBuy
	}

	notional, err := toMicros(collateral)
	if err != nil {
		return DecodedFill{}, false, fmt.Errorf("ingest: %w: collateral amount: %v", domain.ErrInvalidEvent, err)
	}
	shares, err := toMicros(tokens)
	if err != nil {
		return DecodedFill{}, false, fmt.Errorf("ingest: %w: token amount: %v", domain.ErrInvalidEvent, err)
	}
	fee, err := toMicros(ev.Fee)
	if err != nil {
		return DecodedFill{}, false, fmt.Errorf("ingest: %w: fee amount: %v", domain.ErrInvalidEvent, err)
	}

	return DecodedFill{
		Wallet:         wallet,
		Attribution:    attr,
		Side:           side,
		TokenID:        tokenID.String(),
		PriceMicros:    FillPriceMicros(notional, shares),
		ShareMicros:    shares,
		NotionalMicros: notional,
		FeeMicros:      fee,
		TxHash:         ev.TxHash.Hex(),
		LogIndex:       int64(ev.LogIndex),
		BlockNumber:    ev.BlockNumber,
	}, true, nil
}

// FillPriceMicros derives the per-share price in micros, clamped to the
// probability ceiling. Zero token amounts price at zero, never divide.
func FillPriceMicros(notionalMicros, shareMicros int64) int64 {
	if shareMicros == 0 {
		return 0
	}
	p := notionalMicros * domain.MicrosPerUnit / shareMicros
	if p > domain.PriceCeilMicros {
		return domain.PriceCeilMicros
	}
	return p
}

// toMicros bounds an on-chain uint256 amount (already 6-decimal base
// units) into an int64.
func toMicros(v *big.Int) (int64, error) {
	if !v.IsInt64() {
		return 0, fmt.Errorf("amount %s overflows int64", v)
	}
	return v.Int64(), nil
}

func toLowerHex(addr common.Address) string {
	return "0x" + common.Bytes2Hex(addr.Bytes())
}
