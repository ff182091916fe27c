package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/domain"
)

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides market discovery and resolution metadata.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetMarkets returns a page of markets matching the filter, ordered by end
// date ascending so the markets closest to resolution come first.
func (g *GammaClient) GetMarkets(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error) {
	params := url.Values{}
	if filter.Limit > 0 {
		params.Set("limit", strconv.Itoa(filter.Limit))
	}
	params.Set("offset", strconv.Itoa(filter.Offset))
	params.Set("active", strconv.FormatBool(filter.Active))
	params.Set("closed", strconv.FormatBool(filter.Closed))
	params.Set("order", "endDate")
	params.Set("ascending", "true")

	path := "/markets?" + params.Encode()

	body, err := g.doGet(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: get markets: %w", err)
	}

	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}

	markets := make([]domain.Market, 0, len(apiMarkets))
	for i := range apiMarkets {
		markets = append(markets, apiMarkets[i].ToDomainMarket())
	}

	return markets, nil
}

// GetMarket returns a single market looked up by its condition ID.
func (g *GammaClient) GetMarket(ctx context.Context, conditionID string) (domain.Market, error) {
	params := url.Values{}
	params.Set("condition_ids", conditionID)

	path := "/markets?" + params.Encode()

	body, err := g.doGet(ctx, path)
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: get market %s: %w", conditionID, err)
	}

	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: decode market: %w", err)
	}

	if len(apiMarkets) == 0 {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: %w: condition_id=%s", domain.ErrNotFound, conditionID)
	}

	return apiMarkets[0].ToDomainMarket(), nil
}

// GetMarketBySlug returns a single market looked up by its URL slug.
func (g *GammaClient) GetMarketBySlug(ctx context.Context, slug string) (domain.Market, error) {
	params := url.Values{}
	params.Set("slug", slug)

	path := "/markets?" + params.Encode()

	body, err := g.doGet(ctx, path)
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: get market by slug %s: %w", slug, err)
	}

	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}

	if len(apiMarkets) == 0 {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: %w: slug=%s", domain.ErrNotFound, slug)
	}

	return apiMarkets[0].ToDomainMarket(), nil
}

// GetResolution fetches the market and reports whether it has resolved and
// which outcome won. WinnerName is empty while the oracle has not reported.
func (g *GammaClient) GetResolution(ctx context.Context, conditionID string) (domain.Resolution, bool, error) {
	m, err := g.GetMarket(ctx, conditionID)
	if err != nil {
		return domain.Resolution{}, false, err
	}
	if !m.Resolved && !m.Closed {
		return domain.Resolution{}, false, nil
	}

	res := domain.Resolution{
		MarketID:   m.ConditionID,
		ResolvedAt: time.Now(),
	}
	for _, o := range m.Outcomes {
		if o.Winner {
			res.WinnerName = o.Name
			break
		}
	}
	return res, true, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
