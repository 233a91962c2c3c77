package books

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

type fakeRest struct {
	book  *domain.Book
	err   error
	calls int
}

func (f *fakeRest) GetBook(context.Context, string) (*domain.Book, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.book, nil
}

type fakeSub struct{ tokens []string }

func (f *fakeSub) EnsureSubscribed(tokenID string) { f.tokens = append(f.tokens, tokenID) }

func testBook(tokenID string, bid, ask int64, at time.Time) *domain.Book {
	return &domain.Book{
		TokenID:   tokenID,
		Bids:      []domain.PriceLevel{{PriceMicros: bid, SizeMicros: 10_000_000}},
		Asks:      []domain.PriceLevel{{PriceMicros: ask, SizeMicros: 10_000_000}},
		UpdatedAt: at,
		Source:    domain.BookSourceWS,
	}
}

func TestGetBookFreshCacheHit(t *testing.T) {
	rest := &fakeRest{}
	sub := &fakeSub{}
	c := NewCache(rest, sub, slog.New(slog.DiscardHandler))
	c.Store(testBook("tok1", 480_000, 520_000, time.Now().UTC()))

	res, err := c.GetBook(context.Background(), "tok1", domain.BookOpts{})
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if res.Book == nil || res.Stale {
		t.Fatalf("result = %+v, want fresh book", res)
	}
	if res.Source != domain.BookSourceWS {
		t.Errorf("source = %s, want WS", res.Source)
	}
	if rest.calls != 0 {
		t.Errorf("rest calls = %d, want 0", rest.calls)
	}
	if len(sub.tokens) != 1 || sub.tokens[0] != "tok1" {
		t.Errorf("subscriptions = %v", sub.tokens)
	}
}

func TestGetBookStaleEntryFallsToRest(t *testing.T) {
	rest := &fakeRest{book: testBook("tok1", 490_000, 510_000, time.Now().UTC())}
	c := NewCache(rest, nil, slog.New(slog.DiscardHandler))
	c.Store(testBook("tok1", 480_000, 520_000, time.Now().UTC().Add(-time.Minute)))

	res, err := c.GetBook(context.Background(), "tok1", domain.BookOpts{NoWait: true})
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if res.Stale {
		t.Fatal("rest refresh must not be stale")
	}
	if res.Source != domain.BookSourceREST {
		t.Errorf("source = %s, want REST", res.Source)
	}
	if got := res.Book.BestBid(); got != 490_000 {
		t.Errorf("best bid = %d, want refreshed 490_000", got)
	}
	// The refreshed copy must now be cached.
	if got := c.Peek("tok1").BestBid(); got != 490_000 {
		t.Errorf("cached best bid = %d, want 490_000", got)
	}
}

func TestGetBookRestFailureServesStale(t *testing.T) {
	rest := &fakeRest{err: fmt.Errorf("connection refused")}
	c := NewCache(rest, nil, slog.New(slog.DiscardHandler))
	old := testBook("tok1", 480_000, 520_000, time.Now().UTC().Add(-time.Minute))
	c.Store(old)

	res, err := c.GetBook(context.Background(), "tok1", domain.BookOpts{NoWait: true})
	if err != nil {
		t.Fatalf("GetBook with stale fallback: %v", err)
	}
	if !res.Stale || res.Book == nil {
		t.Fatalf("result = %+v, want stale book", res)
	}
	if res.Book.BestBid() != 480_000 {
		t.Errorf("best bid = %d, want stale 480_000", res.Book.BestBid())
	}
}

func TestGetBookNothingUsable(t *testing.T) {
	rest := &fakeRest{err: fmt.Errorf("connection refused")}
	c := NewCache(rest, nil, slog.New(slog.DiscardHandler))

	res, err := c.GetBook(context.Background(), "tok1", domain.BookOpts{NoWait: true})
	if err == nil {
		t.Fatal("want error when no copy exists")
	}
	if res.Book != nil || !res.Stale {
		t.Errorf("result = %+v, want nil stale", res)
	}
}

func TestGetBookResolvedMarket(t *testing.T) {
	rest := &fakeRest{err: fmt.Errorf("clob: %w", domain.ErrNotFound)}
	c := NewCache(rest, nil, slog.New(slog.DiscardHandler))
	c.Store(testBook("tok1", 480_000, 520_000, time.Now().UTC().Add(-time.Minute)))

	res, err := c.GetBook(context.Background(), "tok1", domain.BookOpts{NoWait: true})
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if res.Book != nil {
		t.Error("resolved market must not serve a stale book")
	}
	if !res.Stale {
		t.Error("stale flag must mark the nil result")
	}
}

func TestGetBookWaitsForUpdate(t *testing.T) {
	rest := &fakeRest{err: fmt.Errorf("rest must not be hit")}
	sub := &fakeSub{}
	c := NewCache(rest, sub, slog.New(slog.DiscardHandler))

	go func() {
		time.Sleep(50 * time.Millisecond)
		c.Store(testBook("tok1", 480_000, 520_000, time.Now().UTC()))
	}()

	start := time.Now()
	res, err := c.GetBook(context.Background(), "tok1", domain.BookOpts{WaitMs: 400})
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if res.Book == nil || res.Stale {
		t.Fatalf("result = %+v, want live update", res)
	}
	if elapsed := time.Since(start); elapsed > 350*time.Millisecond {
		t.Errorf("waited %v, want to wake on the store", elapsed)
	}
	if rest.calls != 0 {
		t.Errorf("rest calls = %d, want 0", rest.calls)
	}
}

func TestClampMs(t *testing.T) {
	cases := []struct {
		v, def, ceil, want int64
	}{
		{0, 300, 500, 300},
		{-5, 300, 500, 300},
		{200, 300, 500, 200},
		{900, 300, 500, 500},
	}
	for _, tc := range cases {
		if got := clampMs(tc.v, tc.def, tc.ceil); got != tc.want {
			t.Errorf("clampMs(%d) = %d, want %d", tc.v, got, tc.want)
		}
	}
}

func TestPatchLevel(t *testing.T) {
	bids := []domain.PriceLevel{
		{PriceMicros: 500_000, SizeMicros: 10},
		{PriceMicros: 480_000, SizeMicros: 20},
	}

	// Insert between existing levels, descending order kept.
	bids = patchLevel(bids, 490_000, 15, true)
	if len(bids) != 3 || bids[1].PriceMicros != 490_000 {
		t.Fatalf("insert: %+v", bids)
	}

	// Resize an existing level in place.
	bids = patchLevel(bids, 480_000, 99, true)
	if bids[2].SizeMicros != 99 {
		t.Errorf("resize: %+v", bids)
	}

	// Size zero removes.
	bids = patchLevel(bids, 500_000, 0, true)
	if len(bids) != 2 || bids[0].PriceMicros != 490_000 {
		t.Errorf("remove: %+v", bids)
	}

	// Removing an absent level is a no-op.
	bids = patchLevel(bids, 470_000, 0, true)
	if len(bids) != 2 {
		t.Errorf("absent remove: %+v", bids)
	}

	// Ascending side.
	asks := []domain.PriceLevel{{PriceMicros: 510_000, SizeMicros: 10}}
	asks = patchLevel(asks, 505_000, 5, false)
	if asks[0].PriceMicros != 505_000 {
		t.Errorf("ask insert: %+v", asks)
	}
}
