package polymarket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/polymirror/copytrader/internal/domain"
)

// GammaClient is the REST client for the Polymarket Gamma API, used only
// for asynchronous market-metadata enrichment.
type GammaClient struct {
	http *resty.Client
}

// NewGammaClient creates a Gamma API client. baseURL is the API root, e.g.
// "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
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

	return &GammaClient{http: httpClient}
}

// MarketByToken resolves an outcome token id to its market metadata.
// Returns domain.ErrNotFound when Gamma knows no market for the token.
func (g *GammaClient) MarketByToken(ctx context.Context, tokenID string) (domain.Market, []domain.OutcomeAsset, error) {
	var out []GammaMarket
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParam("clob_token_ids", tokenID).
		SetResult(&out).
		Get("/markets")
	if err != nil {
		return domain.Market{}, nil, fmt.Errorf("polymarket/gamma: market by token %s: %w", tokenID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.Market{}, nil, fmt.Errorf("polymarket/gamma: market by token %s: %w", tokenID, statusErr(resp))
	}
	if len(out) == 0 {
		return domain.Market{}, nil, fmt.Errorf("polymarket/gamma: market by token %s: %w", tokenID, domain.ErrNotFound)
	}

	gm := out[0]
	market := domain.Market{
		ID:          gm.ID,
		ConditionID: gm.ConditionID,
		Slug:        gm.Slug,
		Title:       gm.Question,
		CloseTime:   gm.CloseTime(),
	}

	tokens := gm.TokenIDs()
	labels := gm.OutcomeLabels()
	assets := make([]domain.OutcomeAsset, 0, len(tokens))
	for i, tok := range tokens {
		label := ""
		if i < len(labels) {
			label = labels[i]
		}
		assets = append(assets, domain.OutcomeAsset{
			AssetID:      tok,
			MarketID:     gm.ID,
			OutcomeLabel: label,
			RawTokenID:   tok,
		})
	}
	return market, assets, nil
}
