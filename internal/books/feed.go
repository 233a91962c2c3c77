package books

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
	"github.com/polymirror/copytrader/internal/platform/polymarket"
)

// FeedConfig tunes the market-data stream supervisor.
type FeedConfig struct {
	WsURL       string
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Feed owns the CLOB market-channel connection: it maintains the interest
// set, reconnects with backoff, resubscribes after a drop, and pushes
// every update into the cache and the mark-price store.
type Feed struct {
	cfg    FeedConfig
	cache  *Cache
	prices domain.PriceCache
	logger *slog.Logger

	mu       sync.Mutex
	interest map[string]struct{}
	pending  []string

	kick chan struct{} // coalesced "new interest" signal
}

// NewFeed wires the stream supervisor. Register it as the cache's
// subscriber afterwards.
func NewFeed(cfg FeedConfig, cache *Cache, prices domain.PriceCache, logger *slog.Logger) *Feed {
	return &Feed{
		cfg:      cfg,
		cache:    cache,
		prices:   prices,
		logger:   logger.With(slog.String("component", "book_feed")),
		interest: map[string]struct{}{},
		kick:     make(chan struct{}, 1),
	}
}

// EnsureSubscribed adds the token to the interest set. The run loop picks
// pending ids up on its next cycle; duplicates are dropped here.
func (f *Feed) EnsureSubscribed(tokenID string) {
	if tokenID == "" {
		return
	}
	f.mu.Lock()
	if _, ok := f.interest[tokenID]; ok {
		f.mu.Unlock()
		return
	}
	f.interest[tokenID] = struct{}{}
	f.pending = append(f.pending, tokenID)
	f.mu.Unlock()

	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Run maintains the connection until ctx ends.
func (f *Feed) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.cycle(ctx); err != nil && ctx.Err() == nil {
			attempt++
			wait := feedBackoff(f.cfg.BackoffBase, f.cfg.BackoffCap, attempt)
			f.logger.WarnContext(ctx, "market stream dropped",
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0
	}
}

// cycle runs one connect-subscribe-read session.
func (f *Feed) cycle(ctx context.Context) error {
	stream := polymarket.NewMarketStream(f.cfg.WsURL, f.onBook, f.onPriceChange)
	if err := stream.Connect(ctx); err != nil {
		return err
	}
	defer stream.Close()

	f.mu.Lock()
	// After a reconnect the whole interest set must be resubscribed.
	all := make([]string, 0, len(f.interest))
	for id := range f.interest {
		all = append(all, id)
	}
	f.pending = nil
	f.mu.Unlock()

	if len(all) > 0 {
		if err := stream.Subscribe(all); err != nil {
			return err
		}
	}

	readDone := make(chan error, 1)
	go func() { readDone <- stream.Run(ctx) }()

	for {
		select {
		case err := <-readDone:
			return err
		case <-ctx.Done():
			stream.Close()
			return <-readDone
		case <-f.kick:
			f.mu.Lock()
			batch := f.pending
			f.pending = nil
			f.mu.Unlock()
			if len(batch) == 0 {
				continue
			}
			if err := stream.Subscribe(batch); err != nil {
				stream.Close()
				return <-readDone
			}
		}
	}
}

// onBook replaces the cached book with a full snapshot.
func (f *Feed) onBook(msg polymarket.WSBookMessage) {
	book, err := polymarket.NormalizeBook(msg.AssetID, polymarket.ClobBook{
		AssetID:   msg.AssetID,
		Timestamp: msg.Timestamp,
		Bids:      msg.Bids,
		Asks:      msg.Asks,
	})
	if err != nil {
		f.logger.Warn("malformed book snapshot dropped",
			slog.String("token_id", msg.AssetID),
			slog.String("error", err.Error()),
		)
		return
	}
	book.Source = domain.BookSourceWS
	f.cache.Store(book)
	f.markPrice(book)
}

// onPriceChange patches individual levels of the cached book. Without a
// prior snapshot the patch is dropped; the next full book rebuilds state.
func (f *Feed) onPriceChange(msg polymarket.WSPriceChangeMessage) {
	cur := f.cache.Peek(msg.AssetID)
	if cur == nil {
		return
	}

	next := &domain.Book{
		TokenID:   cur.TokenID,
		Bids:      append([]domain.PriceLevel(nil), cur.Bids...),
		Asks:      append([]domain.PriceLevel(nil), cur.Asks...),
		UpdatedAt: time.Now().UTC(),
		Source:    domain.BookSourceWS,
	}
	if ms, err := strconv.ParseInt(msg.Timestamp.String(), 10, 64); err == nil && ms > 0 {
		next.UpdatedAt = time.UnixMilli(ms).UTC()
	}

	for _, ch := range msg.Changes {
		price, err := polymarket.ParseMicros(ch.Price)
		if err != nil {
			continue
		}
		if price > domain.PriceCeilMicros {
			price = domain.PriceCeilMicros
		}
		size, err := polymarket.ParseMicros(ch.Size)
		if err != nil {
			continue
		}
		switch ch.Side {
		case "BUY":
			next.Bids = patchLevel(next.Bids, price, size, true)
		case "SELL":
			next.Asks = patchLevel(next.Asks, price, size, false)
		}
	}

	f.cache.Store(next)
	f.markPrice(next)
}

func (f *Feed) markPrice(book *domain.Book) {
	mid := book.MidMicros()
	if mid == 0 || f.prices == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.prices.SetPrice(ctx, book.TokenID, mid, book.UpdatedAt); err != nil {
		f.logger.Warn("mark price write failed",
			slog.String("token_id", book.TokenID),
			slog.String("error", err.Error()),
		)
	}
}

// patchLevel upserts one level keeping the side sorted; size 0 removes it.
func patchLevel(levels []domain.PriceLevel, price, size int64, desc bool) []domain.PriceLevel {
	i := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].PriceMicros <= price
		}
		return levels[i].PriceMicros >= price
	})

	if i < len(levels) && levels[i].PriceMicros == price {
		if size == 0 {
			return append(levels[:i], levels[i+1:]...)
		}
		levels[i].SizeMicros = size
		return levels
	}
	if size == 0 {
		return levels
	}
	levels = append(levels, domain.PriceLevel{})
	copy(levels[i+1:], levels[i:])
	levels[i] = domain.PriceLevel{PriceMicros: price, SizeMicros: size}
	return levels
}

func feedBackoff(base, ceil time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if ceil <= 0 {
		ceil = 5 * time.Minute
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceil {
			d = ceil
			break
		}
	}
	spread := int64(d) / 10
	if spread > 0 {
		d += time.Duration(rand.Int63n(2*spread) - spread)
	}
	return d
}
