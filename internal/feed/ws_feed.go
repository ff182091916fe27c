package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/SimpleJTS/PolyTail/internal/platform/polymarket"
)

// QuoteSink receives quotes pushed from the exchange WebSocket.
type QuoteSink func(domain.Quote)

// WSFeed maintains a connection to the CLOB market channel and pushes book
// snapshots to a sink as quotes. Subscriptions follow the set of tracked
// tokens and survive reconnects.
type WSFeed struct {
	wsURL  string
	sink   QuoteSink
	logger *slog.Logger

	mu     sync.Mutex
	client *polymarket.WSClient
	tokens map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSFeed creates a WS push feed delivering quotes to sink.
func NewWSFeed(wsURL string, sink QuoteSink, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		wsURL:  wsURL,
		sink:   sink,
		logger: logger.With(slog.String("component", "ws_feed")),
		tokens: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// Run connects and serves pushed quotes until ctx is cancelled. Reconnects
// with a flat delay on disconnect; the inner client handles its own backoff
// while a connection is live.
func (f *WSFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("market channel disconnected, reconnecting",
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *WSFeed) runConnection(ctx context.Context) error {
	client := polymarket.NewWSClient(f.wsURL)
	defer client.Close()

	client.OnQuote(func(q domain.Quote) {
		if f.sink != nil {
			f.sink(q)
		}
	})

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := client.Connect(connCtx)
	cancel()
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.client = client
	tokens := make([]string, 0, len(f.tokens))
	for id := range f.tokens {
		tokens = append(tokens, id)
	}
	f.mu.Unlock()

	if len(tokens) > 0 {
		if err := client.Subscribe(ctx, tokens); err != nil {
			return err
		}
	}
	f.logger.Info("market channel subscribed", slog.Int("tokens", len(tokens)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return nil
	}
}

// Track adds tokens to the live subscription.
func (f *WSFeed) Track(ctx context.Context, tokenIDs ...string) error {
	f.mu.Lock()
	for _, id := range tokenIDs {
		f.tokens[id] = struct{}{}
	}
	client := f.client
	f.mu.Unlock()

	if client == nil {
		return nil // tokens are picked up at next connect
	}
	return client.Subscribe(ctx, tokenIDs)
}

// Untrack removes tokens from the live subscription.
func (f *WSFeed) Untrack(ctx context.Context, tokenIDs ...string) error {
	f.mu.Lock()
	for _, id := range tokenIDs {
		delete(f.tokens, id)
	}
	client := f.client
	f.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Unsubscribe(ctx, tokenIDs)
}

// Close stops the feed.
func (f *WSFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
