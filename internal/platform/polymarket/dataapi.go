// Package polymarket implements REST and WebSocket clients for the venue's
// public APIs: the Data API (wallet trades and activity), the Gamma API
// (market metadata) and the CLOB API (order books).
package polymarket

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// DataClient is the REST client for the Polymarket Data API, used by the
// polling ingestor. Book reads and metadata live on their own clients.
type DataClient struct {
	http *resty.Client
}

// NewDataClient creates a Data API client. baseURL is the API root, e.g.
// "https://data-api.polymarket.com".
func NewDataClient(baseURL string) *DataClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &DataClient{http: httpClient}
}

// TradePage is the query window for one Trades call. Before/After are Unix
// seconds; zero means unbounded on that edge.
type TradePage struct {
	Wallet string
	Before int64
	After  int64
	Limit  int
}

// Trades fetches one page of a wallet's fills, newest first. A 429 surfaces
// as a StatusError wrapping domain.ErrRateLimited.
func (c *DataClient) Trades(ctx context.Context, page TradePage) ([]APITrade, error) {
	var out []APITrade
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("user", page.Wallet).
		SetQueryParam("limit", strconv.Itoa(page.Limit)).
		SetResult(&out)
	if page.Before > 0 {
		req.SetQueryParam("before", strconv.FormatInt(page.Before, 10))
	}
	if page.After > 0 {
		req.SetQueryParam("after", strconv.FormatInt(page.After, 10))
	}

	resp, err := req.Get("/trades")
	if err != nil {
		return nil, fmt.Errorf("polymarket/data: get trades %s: %w", page.Wallet, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("polymarket/data: get trades %s: %w", page.Wallet, statusErr(resp))
	}
	return out, nil
}

// Activity fetches one page of a wallet's position changes (merges, splits,
// redeems), newest first.
func (c *DataClient) Activity(ctx context.Context, page TradePage) ([]APIActivity, error) {
	var out []APIActivity
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("user", page.Wallet).
		SetQueryParam("limit", strconv.Itoa(page.Limit)).
		SetResult(&out)
	if page.Before > 0 {
		req.SetQueryParam("before", strconv.FormatInt(page.Before, 10))
	}
	if page.After > 0 {
		req.SetQueryParam("after", strconv.FormatInt(page.After, 10))
	}

	resp, err := req.Get("/activity")
	if err != nil {
		return nil, fmt.Errorf("polymarket/data: get activity %s: %w", page.Wallet, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("polymarket/data: get activity %s: %w", page.Wallet, statusErr(resp))
	}
	return out, nil
}
