package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/SimpleJTS/PolyTail/internal/platform/polymarket"
)

// quoteRateKey buckets all book fetches under one rate-limit key so the
// limiter bounds total CLOB read pressure, not per-token pressure.
const quoteRateKey = "clob:book"

// discoveryRateKey buckets Gamma discovery reads. Market listing has no
// cache to fall back on, so these calls wait for budget instead of skipping.
const discoveryRateKey = "gamma:markets"

// PolymarketFeed implements domain.MarketFeed on top of the Gamma API for
// market discovery and the CLOB API for quotes. Quote reads pass through the
// rate limiter; when the budget is exhausted the last cached quote is served
// instead of hitting the exchange.
type PolymarketFeed struct {
	gamma   *polymarket.GammaClient
	clob    *polymarket.ClobClient
	cache   domain.PriceCache
	limiter domain.RateLimiter
	logger  *slog.Logger

	// quoteLimit requests per quoteWindow across all tokens.
	quoteLimit  int
	quoteWindow time.Duration
}

var _ domain.MarketFeed = (*PolymarketFeed)(nil)

// NewPolymarketFeed creates a feed. cache and limiter may be nil, in which
// case every quote read goes straight to the exchange.
func NewPolymarketFeed(gamma *polymarket.GammaClient, clob *polymarket.ClobClient, cache domain.PriceCache, limiter domain.RateLimiter, logger *slog.Logger) *PolymarketFeed {
	return &PolymarketFeed{
		gamma:       gamma,
		clob:        clob,
		cache:       cache,
		limiter:     limiter,
		logger:      logger.With(slog.String("component", "feed")),
		quoteLimit:  50,
		quoteWindow: time.Second,
	}
}

// ListMarkets returns markets matching the filter.
func (f *PolymarketFeed) ListMarkets(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, discoveryRateKey); err != nil {
			return nil, err
		}
	}
	return f.gamma.GetMarkets(ctx, filter)
}

// GetMarket returns a single market by condition ID.
func (f *PolymarketFeed) GetMarket(ctx context.Context, conditionID string) (domain.Market, error) {
	return f.gamma.GetMarket(ctx, conditionID)
}

// GetMarketBySlug returns a single market by URL slug.
func (f *PolymarketFeed) GetMarketBySlug(ctx context.Context, slug string) (domain.Market, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, discoveryRateKey); err != nil {
			return domain.Market{}, err
		}
	}
	return f.gamma.GetMarketBySlug(ctx, slug)
}

// GetQuote returns the freshest quote available for a token. Cache is
// write-through: every exchange read refreshes the cached quote.
func (f *PolymarketFeed) GetQuote(ctx context.Context, tokenID string) (domain.Quote, error) {
	if f.limiter != nil {
		allowed, err := f.limiter.Allow(ctx, quoteRateKey, f.quoteLimit, f.quoteWindow)
		if err != nil {
			f.logger.Warn("rate limiter unavailable, passing through",
				slog.String("error", err.Error()))
		} else if !allowed {
			return f.cachedQuote(ctx, tokenID)
		}
	}

	quote, err := f.clob.GetBook(ctx, tokenID)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			return f.cachedQuote(ctx, tokenID)
		}
		return domain.Quote{}, err
	}

	if f.cache != nil {
		if err := f.cache.SetQuote(ctx, quote); err != nil {
			f.logger.Warn("quote cache write failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()))
		}
	}

	return quote, nil
}

// cachedQuote serves the last known quote when the exchange cannot be hit.
func (f *PolymarketFeed) cachedQuote(ctx context.Context, tokenID string) (domain.Quote, error) {
	if f.cache == nil {
		return domain.Quote{}, domain.ErrRateLimited
	}
	quote, err := f.cache.GetQuote(ctx, tokenID)
	if err != nil {
		return domain.Quote{}, domain.ErrRateLimited
	}
	return quote, nil
}
