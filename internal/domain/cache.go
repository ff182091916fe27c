package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest quote per outcome token.
type PriceCache interface {
	SetQuote(ctx context.Context, quote Quote) error
	GetQuote(ctx context.Context, tokenID string) (Quote, error)
}

// RateLimiter bounds how often polling components hit the exchange. Allow
// answers immediately so quote reads can fall back to the cache; Wait blocks
// until the key's budget frees up, for callers with nothing to fall back on.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking, used to guarantee a single live
// trading instance per wallet.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus publishes operator-visible events (price updates, fills, risk
// skips) as JSON payloads.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
