package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/redis/go-redis/v9"
)

// quoteTTL expires stale quotes so a market that stops trading does not keep
// serving its last book forever.
const quoteTTL = 5 * time.Minute

// PriceCache implements domain.PriceCache using Redis hashes. Each token's
// quote is stored at "quote:{tokenID}" with fields "bid", "ask", and "ts"
// (Unix nanosecond fetch timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func quoteKey(tokenID string) string {
	return "quote:" + tokenID
}

// SetQuote stores the latest quote for a token.
func (pc *PriceCache) SetQuote(ctx context.Context, quote domain.Quote) error {
	key := quoteKey(quote.TokenID)
	fields := map[string]interface{}{
		"bid": strconv.FormatFloat(quote.BestBid, 'f', -1, 64),
		"ask": strconv.FormatFloat(quote.BestAsk, 'f', -1, 64),
		"ts":  strconv.FormatInt(quote.FetchedAt.UnixNano(), 10),
	}

	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, quoteTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", quote.TokenID, err)
	}
	return nil
}

// GetQuote retrieves the latest quote for a token. It returns
// domain.ErrNotFound when no quote is cached.
func (pc *PriceCache) GetQuote(ctx context.Context, tokenID string) (domain.Quote, error) {
	vals, err := pc.rdb.HGetAll(ctx, quoteKey(tokenID)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", tokenID, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}

	quote := domain.Quote{TokenID: tokenID}

	if quote.BestBid, err = strconv.ParseFloat(vals["bid"], 64); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse bid %s: %w", tokenID, err)
	}
	if quote.BestAsk, err = strconv.ParseFloat(vals["ask"], 64); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse ask %s: %w", tokenID, err)
	}

	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse ts %s: %w", tokenID, err)
	}
	quote.FetchedAt = time.Unix(0, tsNano)

	return quote, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
