package domain

import "time"

// BookSource tells how a cached book was obtained.
type BookSource string

const (
	BookSourceWS   BookSource = "WS"
	BookSourceREST BookSource = "REST"
)

// PriceLevel is a single price+size entry in an order book, in micros.
type PriceLevel struct {
	PriceMicros int64
	SizeMicros  int64
}

// Book is an order book snapshot for one outcome token. Bids are sorted
// descending, asks ascending; consumers may rely on that ordering.
type Book struct {
	TokenID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	UpdatedAt time.Time
	Source    BookSource
}

// BestBid returns the highest bid, 0 when the side is empty.
func (b *Book) BestBid() int64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].PriceMicros
}

// BestAsk returns the lowest ask, 0 when the side is empty.
func (b *Book) BestAsk() int64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].PriceMicros
}

// MidMicros is the rounded midpoint of the best bid and ask, 0 when
// either side is empty.
func (b *Book) MidMicros() int64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask + 1) / 2
}

// SpreadMicros is bestAsk - bestBid, 0 when either side is empty.
func (b *Book) SpreadMicros() int64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// MarkPrice is the freshest known valuation price for an asset.
type MarkPrice struct {
	AssetID     string
	PriceMicros int64
	Timestamp   time.Time
}
