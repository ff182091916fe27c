package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/SimpleJTS/PolyTail/internal/executor"
	"github.com/SimpleJTS/PolyTail/internal/monitor"
	"github.com/SimpleJTS/PolyTail/internal/risk"
	"github.com/SimpleJTS/PolyTail/internal/scanner"
)

// TraderConfig bundles the moving parts of the trading loop.
type TraderConfig struct {
	Strategy           Config
	Scan               scanner.Config
	Monitor            monitor.Config
	ResolutionInterval time.Duration
	ResolutionWorkers  int
}

// DefaultTraderConfig returns sane intervals for live operation.
func DefaultTraderConfig() TraderConfig {
	return TraderConfig{
		Scan:               scanner.Config{Interval: 10 * time.Second, ListLimit: 200},
		Monitor:            monitor.Config{Interval: 2 * time.Second, Workers: 8},
		ResolutionInterval: 15 * time.Second,
		ResolutionWorkers:  4,
	}
}

// Trader owns one engine per adopted market and routes scanner discoveries,
// price updates, fill events and resolutions to them from a single dispatch
// goroutine.
type Trader struct {
	cfg    TraderConfig
	feed   domain.MarketFeed
	scan   *scanner.Scanner
	mon    *monitor.Monitor
	exec   *executor.Executor
	risk   *risk.Manager
	store  domain.PositionStore
	events EventFunc
	logger *slog.Logger

	mu      sync.Mutex
	engines map[string]*Engine

	resolutions chan domain.Resolution

	// wsTokens, when set, mirrors monitor tracking onto the WebSocket
	// subscription.
	wsTokens TokenTracker
}

// TokenTracker follows the set of tokens the trader cares about. The
// WebSocket feed implements it.
type TokenTracker interface {
	Track(ctx context.Context, tokenIDs ...string) error
	Untrack(ctx context.Context, tokenIDs ...string) error
}

// NewTrader wires a trader. The scanner and monitor are created here so the
// scanner's tracked-market filter can point back at the engine table.
func NewTrader(cfg TraderConfig, feed domain.MarketFeed, exec *executor.Executor, rm *risk.Manager, store domain.PositionStore, events EventFunc, logger *slog.Logger) *Trader {
	if cfg.ResolutionInterval <= 0 {
		cfg.ResolutionInterval = 15 * time.Second
	}
	if cfg.ResolutionWorkers <= 0 {
		cfg.ResolutionWorkers = 4
	}

	t := &Trader{
		cfg:         cfg,
		feed:        feed,
		exec:        exec,
		risk:        rm,
		store:       store,
		events:      events,
		logger:      logger.With(slog.String("component", "trader")),
		engines:     make(map[string]*Engine),
		resolutions: make(chan domain.Resolution, 16),
	}
	t.scan = scanner.New(feed, cfg.Scan, t.tracked, logger)
	t.mon = monitor.New(feed, cfg.Monitor, logger)
	return t
}

// Monitor exposes the price monitor so a websocket feed can push quotes into
// the same delivery pipeline the poller uses.
func (t *Trader) Monitor() *monitor.Monitor {
	return t.mon
}

// SetTokenTracker attaches a WebSocket subscription follower. Must be called
// before Run.
func (t *Trader) SetTokenTracker(tr TokenTracker) {
	t.wsTokens = tr
}

func (t *Trader) trackToken(ctx context.Context, marketID, tokenID, outcomeName string) {
	t.mon.Track(marketID, tokenID, outcomeName)
	if t.wsTokens != nil {
		if err := t.wsTokens.Track(ctx, tokenID); err != nil {
			t.logger.Debug("ws subscribe failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()))
		}
	}
}

func (t *Trader) untrackToken(ctx context.Context, tokenID string) {
	t.mon.Untrack(tokenID)
	if t.wsTokens != nil {
		if err := t.wsTokens.Untrack(ctx, tokenID); err != nil {
			t.logger.Debug("ws unsubscribe failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()))
		}
	}
}

// Positions returns snapshots of all current engine positions.
func (t *Trader) Positions() []domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.Position, 0, len(t.engines))
	for _, e := range t.engines {
		if pos, ok := e.Position(); ok {
			out = append(out, pos)
		}
	}
	return out
}

// EngineStates returns the lifecycle state per adopted market.
func (t *Trader) EngineStates() map[string]domain.EngineState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]domain.EngineState, len(t.engines))
	for id, e := range t.engines {
		out[id] = e.State()
	}
	return out
}

// Restore rebuilds trader state after a restart: in-flight orders are
// reconciled against the exchange, open position snapshots become engines
// again, and the risk budget is re-reserved from recorded costs. The exchange
// is the source of truth throughout.
func (t *Trader) Restore(ctx context.Context) error {
	orders, err := t.exec.Reconcile(ctx)
	if err != nil {
		return err
	}

	positions, err := t.store.ListOpen(ctx)
	if err != nil {
		return err
	}

	for _, pos := range positions {
		market, err := t.feed.GetMarket(ctx, pos.MarketID)
		if err != nil {
			t.logger.Warn("restore: market lookup failed, rebuilding from snapshot only",
				slog.String("market_id", pos.MarketID),
				slog.String("error", err.Error()))
			market = domain.Market{ConditionID: pos.MarketID}
		}

		e := t.newEngine(market)
		e.Restore(pos)
		if !t.risk.TryReserve(pos.MarketID, pos.Cost) {
			t.logger.Warn("restore: budget re-reservation denied",
				slog.String("market_id", pos.MarketID),
				slog.Float64("cost", pos.Cost))
		}

		t.mu.Lock()
		t.engines[pos.MarketID] = e
		t.mu.Unlock()

		t.trackToken(ctx, pos.MarketID, pos.TokenID, pos.OutcomeName)
		t.logger.Info("restored position",
			slog.String("market_id", pos.MarketID),
			slog.String("state", string(pos.State)))

		// A position snapshotted in holding crashed between entry fill and
		// exit placement: post the exit now.
		if pos.State == domain.StateHolding {
			e.placeExit(ctx)
		}
	}

	// Reconciled orders without an engine are entries whose position snapshot
	// never landed. Adopt what the exchange reports.
	for _, order := range orders {
		if order.Side != domain.OrderSideBuy || t.hasEngine(order.MarketID) {
			continue
		}
		t.adoptReconciledEntry(ctx, order)
	}

	t.logger.Info("restore complete",
		slog.Int("orders", len(orders)),
		slog.Int("positions", len(positions)))
	return nil
}

// Run drives the scanner, the price monitor and the dispatch loop until the
// context is cancelled.
func (t *Trader) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.scan.Run(ctx) })
	g.Go(func() error { return t.mon.Run(ctx) })
	g.Go(func() error { return t.pollResolutions(ctx) })
	g.Go(func() error { return t.loop(ctx) })
	return g.Wait()
}

// ScanOnce runs a single discovery pass without trading.
func (t *Trader) ScanOnce(ctx context.Context) ([]domain.Market, error) {
	return t.scan.ScanOnce(ctx)
}

// --------------------------------------------------------------------------
// Dispatch loop
// --------------------------------------------------------------------------

func (t *Trader) loop(ctx context.Context) error {
	markets := t.scan.Markets()
	updates := t.mon.Updates()
	fills := t.exec.Fills()
	resolutions := t.resolutions

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case m, ok := <-markets:
			if !ok {
				markets = nil
				continue
			}
			t.adopt(ctx, m)

		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if e := t.engine(u.MarketID); e != nil {
				e.OnPrice(ctx, u)
			}

		case f, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			if e := t.engine(f.MarketID); e != nil {
				e.OnFill(ctx, f)
			}

		case res, ok := <-resolutions:
			if !ok {
				resolutions = nil
				continue
			}
			if e := t.engine(res.MarketID); e != nil {
				e.OnResolution(ctx, res)
			}
		}
	}
}

// adopt creates an engine for a freshly discovered market and starts price
// tracking for both outcome tokens.
func (t *Trader) adopt(ctx context.Context, m domain.Market) {
	if t.risk.Blacklisted(m.ConditionID) {
		return
	}

	t.mu.Lock()
	if _, ok := t.engines[m.ConditionID]; ok {
		t.mu.Unlock()
		return
	}
	e := t.newEngine(m)
	t.engines[m.ConditionID] = e
	t.mu.Unlock()

	for _, o := range m.Outcomes {
		t.trackToken(ctx, m.ConditionID, o.TokenID, o.Name)
	}
	t.logger.Info("tracking market",
		slog.String("market_id", m.ConditionID),
		slog.String("question", m.Question),
		slog.Time("end_date", m.EndDate))
}

// pollResolutions periodically asks the exchange whether tracked markets
// have resolved, then retires finished engines. It owns all blocking feed
// calls on the resolution path, so the dispatch loop stays free to deliver
// prices and fills for unrelated markets.
func (t *Trader) pollResolutions(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.ResolutionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(t.resolutions)
			return ctx.Err()
		case <-ticker.C:
			t.resolutionPass(ctx)
			t.sweepTerminal(ctx)
		}
	}
}

// resolutionPass fans market lookups out over a bounded worker pool and
// hands confirmed resolutions to the dispatch loop.
func (t *Trader) resolutionPass(ctx context.Context) {
	live := t.liveEngines()
	if len(live) == 0 {
		return
	}

	results := make(chan domain.Resolution, len(live))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.ResolutionWorkers)
	for _, e := range live {
		marketID := e.Market().ConditionID
		g.Go(func() error {
			m, err := t.feed.GetMarket(gctx, marketID)
			if err != nil {
				t.logger.Debug("resolution check failed",
					slog.String("market_id", marketID),
					slog.String("error", err.Error()))
				return nil
			}
			if !m.Resolved && !m.Closed {
				return nil
			}

			res := domain.Resolution{
				MarketID:   m.ConditionID,
				ResolvedAt: time.Now().UTC(),
			}
			for _, o := range m.Outcomes {
				if o.Winner {
					res.WinnerName = o.Name
					break
				}
			}
			results <- res
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	for res := range results {
		select {
		case t.resolutions <- res:
		case <-ctx.Done():
			return
		}
	}
}

// sweepTerminal drops finished engines and stops their price tracking.
func (t *Trader) sweepTerminal(ctx context.Context) {
	t.mu.Lock()
	var retired []*Engine
	for id, e := range t.engines {
		if !e.Terminal() {
			continue
		}
		delete(t.engines, id)
		retired = append(retired, e)
	}
	t.mu.Unlock()

	for _, e := range retired {
		for _, o := range e.Market().Outcomes {
			if o.TokenID != "" {
				t.untrackToken(ctx, o.TokenID)
			}
		}
		t.logger.Info("engine retired",
			slog.String("market_id", e.Market().ConditionID),
			slog.String("state", string(e.State())))
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (t *Trader) newEngine(m domain.Market) *Engine {
	return NewEngine(m, t.cfg.Strategy, t.risk, t.exec, t.store, t.events, t.logger)
}

func (t *Trader) engine(marketID string) *Engine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engines[marketID]
}

func (t *Trader) hasEngine(marketID string) bool {
	return t.engine(marketID) != nil
}

func (t *Trader) liveEngines() []*Engine {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Engine, 0, len(t.engines))
	for _, e := range t.engines {
		if !e.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

// tracked is the scanner's filter: markets with a live engine are already
// taken.
func (t *Trader) tracked(marketID string) bool {
	return t.hasEngine(marketID)
}

// adoptReconciledEntry rebuilds engine state for a buy order that survived a
// restart without a matching position snapshot.
func (t *Trader) adoptReconciledEntry(ctx context.Context, order domain.Order) {
	market, err := t.feed.GetMarket(ctx, order.MarketID)
	if err != nil {
		market = domain.Market{ConditionID: order.MarketID}
	}

	e := t.newEngine(market)

	switch {
	case order.Status == domain.OrderStatusFilled || order.Status == domain.OrderStatusPartiallyFilled:
		// The tokens are already ours. Build the position the snapshot
		// missed and post the exit.
		cost := order.FilledQty * order.FilledPrice
		if !t.risk.TryReserve(order.MarketID, cost) {
			t.logger.Warn("restore: budget re-reservation denied for filled entry",
				slog.String("market_id", order.MarketID))
		}
		e.restoreFilledEntry(order)

		t.mu.Lock()
		t.engines[order.MarketID] = e
		t.mu.Unlock()

		t.trackToken(ctx, order.MarketID, order.TokenID, order.OutcomeName)
		e.persist(ctx)
		e.placeExit(ctx)
		t.logger.Info("restore: adopted filled entry without snapshot",
			slog.String("market_id", order.MarketID),
			slog.String("key", order.Key))

	case !order.Status.Terminal():
		// Entry still resting at the exchange. Resume waiting for its fill.
		cost := order.Price * order.Quantity
		if !t.risk.TryReserve(order.MarketID, cost) {
			t.logger.Warn("restore: budget re-reservation denied for resting entry",
				slog.String("market_id", order.MarketID))
		}
		e.restoreRestingEntry(order, cost)

		t.mu.Lock()
		t.engines[order.MarketID] = e
		t.mu.Unlock()

		t.trackToken(ctx, order.MarketID, order.TokenID, order.OutcomeName)
		t.logger.Info("restore: resumed resting entry",
			slog.String("market_id", order.MarketID),
			slog.String("key", order.Key))
	}
}
