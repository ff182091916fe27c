// Package monitor tracks outcome tokens and turns exchange quotes into an
// ordered stream of price updates.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SimpleJTS/PolyTail/internal/domain"
)

// Config tunes polling behavior.
type Config struct {
	Interval time.Duration // poll cadence per tick
	Workers  int           // concurrent quote fetches per tick
}

// Monitor polls quotes for tracked tokens on a fixed interval and also
// accepts quotes pushed from the WebSocket feed. Delivery is monotonic per
// token: an update whose fetch timestamp is not newer than the last
// delivered one is dropped, never delivered out of order.
type Monitor struct {
	feed   domain.MarketFeed
	cfg    Config
	logger *slog.Logger

	tracked map[string]*tracked
	lastTS  map[string]time.Time

	updates chan domain.PriceUpdate

	// ops serializes Track/Untrack/Push with the poll loop.
	ops chan func()
}

type tracked struct {
	marketID    string
	tokenID     string
	outcomeName string
}

// New creates a Monitor reading quotes from feed.
func New(feed domain.MarketFeed, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Monitor{
		feed:    feed,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "monitor")),
		tracked: make(map[string]*tracked),
		lastTS:  make(map[string]time.Time),
		updates: make(chan domain.PriceUpdate, 256),
		ops:     make(chan func(), 64),
	}
}

// Updates returns the ordered price update stream.
func (m *Monitor) Updates() <-chan domain.PriceUpdate {
	return m.updates
}

// Track starts polling the given outcome token.
func (m *Monitor) Track(marketID, tokenID, outcomeName string) {
	m.ops <- func() {
		if _, ok := m.tracked[tokenID]; ok {
			return
		}
		m.tracked[tokenID] = &tracked{
			marketID:    marketID,
			tokenID:     tokenID,
			outcomeName: outcomeName,
		}
		m.logger.Debug("tracking token",
			slog.String("market_id", marketID),
			slog.String("token_id", tokenID),
			slog.String("outcome", outcomeName))
	}
}

// Untrack stops polling the token and forgets its ordering watermark.
func (m *Monitor) Untrack(tokenID string) {
	m.ops <- func() {
		delete(m.tracked, tokenID)
		delete(m.lastTS, tokenID)
	}
}

// Push injects a quote arriving outside the poll loop (the WebSocket path).
// It passes through the same monotonic filter as polled quotes, so a late
// push cannot reorder the stream.
func (m *Monitor) Push(quote domain.Quote) {
	m.ops <- func() {
		tr, ok := m.tracked[quote.TokenID]
		if !ok {
			return
		}
		m.deliver(tr, quote)
	}
}

// Run polls tracked tokens until ctx is cancelled. Each tick fans quote
// fetches out over a bounded worker pool so one slow market cannot stall
// the others.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("price monitor started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Int("workers", m.cfg.Workers))
	defer m.logger.Info("price monitor stopped")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(m.updates)
			return ctx.Err()
		case op := <-m.ops:
			op()
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll fetches quotes for every tracked token over the worker pool and
// delivers them in the loop goroutine to keep ordering single-writer.
func (m *Monitor) poll(ctx context.Context) {
	if len(m.tracked) == 0 {
		return
	}

	targets := make([]*tracked, 0, len(m.tracked))
	for _, tr := range m.tracked {
		targets = append(targets, tr)
	}

	type result struct {
		tr    *tracked
		quote domain.Quote
	}
	results := make(chan result, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for _, tr := range targets {
		tr := tr
		g.Go(func() error {
			quote, err := m.feed.GetQuote(gctx, tr.tokenID)
			if err != nil {
				// Transient fetch errors are absorbed here; the token is
				// retried on the next tick.
				m.logger.Warn("quote fetch failed",
					slog.String("token_id", tr.tokenID),
					slog.String("error", err.Error()))
				return nil
			}
			results <- result{tr: tr, quote: quote}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	for res := range results {
		// The token may have been untracked while its fetch was in flight.
		if _, ok := m.tracked[res.tr.tokenID]; !ok {
			continue
		}
		m.deliver(res.tr, res.quote)
	}

	// Apply any ops queued during the poll before the next tick.
	for {
		select {
		case op := <-m.ops:
			op()
		default:
			return
		}
	}
}

// deliver drops stale quotes and emits the rest. Must run in the loop
// goroutine.
func (m *Monitor) deliver(tr *tracked, quote domain.Quote) {
	last, seen := m.lastTS[tr.tokenID]
	if seen && !quote.FetchedAt.After(last) {
		return
	}
	m.lastTS[tr.tokenID] = quote.FetchedAt

	update := domain.PriceUpdate{
		MarketID:    tr.marketID,
		TokenID:     tr.tokenID,
		OutcomeName: tr.outcomeName,
		BestBid:     quote.BestBid,
		BestAsk:     quote.BestAsk,
		FetchedAt:   quote.FetchedAt,
	}

	select {
	case m.updates <- update:
	default:
		m.logger.Warn("price update channel full, dropping",
			slog.String("token_id", tr.tokenID))
	}
}
