package polymarket

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/polymirror/copytrader/internal/domain"
)

// ClobClient is the REST client for the Polymarket CLOB API. Only the
// public, unauthenticated book endpoint is used: the engine simulates fills
// and never submits orders.
type ClobClient struct {
	http *resty.Client
}

// NewClobClient creates a CLOB REST client. baseURL is the API root, e.g.
// "https://clob.polymarket.com".
func NewClobClient(baseURL string) *ClobClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(2*time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(200*time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &ClobClient{http: httpClient}
}

// GetBook fetches the L2 book for one token and normalizes it. Returns
// domain.ErrNotFound for resolved or unknown markets.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (*domain.Book, error) {
	var raw ClobBook
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&raw).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, statusErr(resp))
	}

	book, err := NormalizeBook(tokenID, raw)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}
	return book, nil
}

// NormalizeBook converts the REST book into the domain shape: levels parsed
// to micros, zero-size levels dropped, bids re-sorted descending and asks
// ascending. Input ordering is never trusted.
func NormalizeBook(tokenID string, raw ClobBook) (*domain.Book, error) {
	bids, err := normalizeLevels(raw.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := normalizeLevels(raw.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i].PriceMicros > bids[j].PriceMicros })
	sort.Slice(asks, func(i, j int) bool { return asks[i].PriceMicros < asks[j].PriceMicros })

	updated := time.Now().UTC()
	if ms, err := strconv.ParseInt(raw.Timestamp.String(), 10, 64); err == nil && ms > 0 {
		updated = time.UnixMilli(ms).UTC()
	}

	return &domain.Book{
		TokenID:   tokenID,
		Bids:      bids,
		Asks:      asks,
		UpdatedAt: updated,
		Source:    domain.BookSourceREST,
	}, nil
}

func normalizeLevels(levels []ClobBookLevel) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, lv := range levels {
		price, err := ParseMicros(lv.Price)
		if err != nil {
			return nil, err
		}
		size, err := ParseMicros(lv.Size)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			continue
		}
		if price > domain.PriceCeilMicros {
			price = domain.PriceCeilMicros
		}
		out = append(out, domain.PriceLevel{PriceMicros: price, SizeMicros: size})
	}
	return out, nil
}
