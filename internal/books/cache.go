// Package books keeps freshness-bounded L2 order books in process memory,
// fed by the CLOB market stream with REST fallback.
package books

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

const (
	defaultWaitMs      = 300
	maxWaitMs          = 500
	defaultFreshnessMs = 2000
	maxFreshnessMs     = 2000
)

// restBooks is the REST fallback the cache consumes.
type restBooks interface {
	GetBook(ctx context.Context, tokenID string) (*domain.Book, error)
}

// subscriber receives interest registrations for live streaming.
type subscriber interface {
	EnsureSubscribed(tokenID string)
}

// entry is one cached book plus a broadcast channel closed on the next
// store, so waiters wake together.
type entry struct {
	book    *domain.Book
	updated chan struct{}
}

// Cache serves normalized order books bounded by freshness. Reads prefer
// the streamed copy, wait briefly for a live update, and fall back to
// REST; a stale copy is returned only when REST fails too.
type Cache struct {
	rest      restBooks
	feed      subscriber // nil when streaming is disabled
	streaming bool
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

var _ domain.BookReader = (*Cache)(nil)

// NewCache builds the cache. feed may be nil when the market stream is
// disabled; GetBook then goes straight to REST past the freshness check.
func NewCache(rest restBooks, feed subscriber, logger *slog.Logger) *Cache {
	return &Cache{
		rest:      rest,
		feed:      feed,
		streaming: feed != nil,
		logger:    logger.With(slog.String("component", "book_cache")),
		now:       func() time.Time { return time.Now().UTC() },
		entries:   map[string]*entry{},
	}
}

// SetFeed registers the live-stream subscriber after construction; the
// feed itself needs the cache, so the two are tied together in two steps.
// Call before serving reads. A nil feed leaves the cache REST-only.
func (c *Cache) SetFeed(feed subscriber) {
	c.feed = feed
	c.streaming = feed != nil
}

// EnsureSubscribed registers interest in live updates for the token.
func (c *Cache) EnsureSubscribed(tokenID string) {
	if c.feed != nil {
		c.feed.EnsureSubscribed(tokenID)
	}
}

// Store replaces the cached book and wakes every waiter.
func (c *Cache) Store(book *domain.Book) {
	if book == nil || book.TokenID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[book.TokenID]
	if !ok {
		c.entries[book.TokenID] = &entry{book: book, updated: make(chan struct{})}
		return
	}
	e.book = book
	close(e.updated)
	e.updated = make(chan struct{})
}

// Peek returns the cached book without freshness rules, nil when absent.
func (c *Cache) Peek(tokenID string) *domain.Book {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[tokenID]; ok {
		return e.book
	}
	return nil
}

// GetBook returns a book within opts' freshness bound, waiting briefly for
// a live update before falling back to REST. A nil Book with Stale set
// means the market is resolved or unreachable.
func (c *Cache) GetBook(ctx context.Context, tokenID string, opts domain.BookOpts) (domain.BookResult, error) {
	waitMs := clampMs(opts.WaitMs, defaultWaitMs, maxWaitMs)
	freshMs := clampMs(opts.FreshnessMs, defaultFreshnessMs, maxFreshnessMs)

	c.EnsureSubscribed(tokenID)

	if book, ok := c.fresh(tokenID, freshMs); ok {
		return domain.BookResult{Book: book, Source: book.Source}, nil
	}

	if c.streaming && !opts.NoWait {
		if book, ok := c.await(ctx, tokenID, waitMs, freshMs); ok {
			return domain.BookResult{Book: book, Source: book.Source}, nil
		}
	}

	book, err := c.rest.GetBook(ctx, tokenID)
	if err == nil {
		c.Store(book)
		return domain.BookResult{Book: book, Source: domain.BookSourceREST}, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		// Resolved or delisted market; stale copies are not useful.
		return domain.BookResult{Stale: true}, nil
	}

	if stale := c.Peek(tokenID); stale != nil {
		c.logger.WarnContext(ctx, "rest book fetch failed, serving stale copy",
			slog.String("token_id", tokenID),
			slog.Duration("age", c.now().Sub(stale.UpdatedAt)),
			slog.String("error", err.Error()),
		)
		return domain.BookResult{Book: stale, Source: stale.Source, Stale: true}, nil
	}
	return domain.BookResult{Stale: true}, fmt.Errorf("books: get %s: %w", tokenID, err)
}

// fresh returns the cached book when its age is within freshMs.
func (c *Cache) fresh(tokenID string, freshMs int64) (*domain.Book, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tokenID]
	if !ok || e.book == nil {
		return nil, false
	}
	if c.now().Sub(e.book.UpdatedAt) > time.Duration(freshMs)*time.Millisecond {
		return nil, false
	}
	return e.book, true
}

// await blocks until the token's book is replaced, the wait budget runs
// out, or ctx ends. Each store closes the entry's broadcast channel, so
// every concurrent waiter observes the same update.
func (c *Cache) await(ctx context.Context, tokenID string, waitMs, freshMs int64) (*domain.Book, bool) {
	deadline := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		e, ok := c.entries[tokenID]
		if !ok {
			e = &entry{updated: make(chan struct{})}
			c.entries[tokenID] = e
		}
		ch := e.updated
		c.mu.Unlock()

		select {
		case <-ch:
			if book, ok := c.fresh(tokenID, freshMs); ok {
				return book, true
			}
			// Woken by an update that is somehow already out of bounds;
			// keep waiting out the budget.
		case <-deadline.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func clampMs(v, def, ceil int64) int64 {
	if v <= 0 {
		return def
	}
	if v > ceil {
		return ceil
	}
	return v
}
