package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/SimpleJTS/PolyTail/internal/executor"
	"github.com/SimpleJTS/PolyTail/internal/monitor"
	"github.com/SimpleJTS/PolyTail/internal/scanner"
	"github.com/SimpleJTS/PolyTail/internal/store/memory"
)

type staticFeed struct {
	mu      sync.Mutex
	markets map[string]domain.Market
}

func newStaticFeed(markets ...domain.Market) *staticFeed {
	f := &staticFeed{markets: make(map[string]domain.Market)}
	for _, m := range markets {
		f.markets[m.ConditionID] = m
	}
	return f
}

func (f *staticFeed) set(m domain.Market) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets[m.ConditionID] = m
}

func (f *staticFeed) ListMarkets(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Market, 0, len(f.markets))
	for _, m := range f.markets {
		out = append(out, m)
	}
	return out, nil
}

func (f *staticFeed) GetMarket(ctx context.Context, conditionID string) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markets[conditionID]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (f *staticFeed) GetMarketBySlug(ctx context.Context, slug string) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.markets {
		if m.Slug == slug {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (f *staticFeed) GetQuote(ctx context.Context, tokenID string) (domain.Quote, error) {
	return domain.Quote{}, domain.ErrNotFound
}

func traderTestConfig() TraderConfig {
	return TraderConfig{
		Strategy: testStrategy(),
		Scan: scanner.Config{
			Interval:     20 * time.Millisecond,
			MinTimeToEnd: time.Minute,
			MaxTimeToEnd: time.Hour,
			ListLimit:    50,
		},
		Monitor:            monitor.Config{Interval: 10 * time.Millisecond, Workers: 2},
		ResolutionInterval: 15 * time.Millisecond,
	}
}

func TestRestoreRebuildsBudgetWithoutResubmitting(t *testing.T) {
	gw := executor.NewSimGateway()
	orderStore := memory.NewOrderStore()
	posStore := memory.NewPositionStore()
	rm := testRisk()
	exec := executor.New(gw, orderStore, executor.Config{
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: time.Second,
	}, testLogger())
	defer exec.Close()

	// State before the crash: position in exit_pending, sell resting at the
	// exchange.
	ctx := context.Background()
	pos := domain.Position{
		ID:           "pos-1",
		MarketID:     "0xmarket1",
		TokenID:      "tok-yes",
		OutcomeName:  "Yes",
		EntryPrice:   0.96,
		Quantity:     100,
		Cost:         96,
		ExitOrderKey: "exit-key",
		State:        domain.StateExitPending,
		OpenedAt:     time.Now().Add(-time.Minute),
	}
	require.NoError(t, posStore.Upsert(ctx, pos))

	exitOrder := domain.Order{
		Key:        "exit-key",
		ExchangeID: "ex-1",
		MarketID:   "0xmarket1",
		TokenID:    "tok-yes",
		Side:       domain.OrderSideSell,
		Price:      0.99,
		Quantity:   100,
		Status:     domain.OrderStatusSubmitted,
		CreatedAt:  time.Now().Add(-time.Minute),
	}
	require.NoError(t, orderStore.Upsert(ctx, exitOrder))
	gw.Seed("exit-key", domain.GatewayOrder{
		ExchangeID: "ex-1",
		Status:     domain.OrderStatusSubmitted,
	}, domain.PlaceOrderRequest{
		IdempotencyKey: "exit-key",
		TokenID:        "tok-yes",
		Side:           domain.OrderSideSell,
		Price:          0.99,
		Quantity:       100,
	})
	placedBefore := gw.PlacedCount()

	feed := newStaticFeed(testMarket())
	trader := NewTrader(traderTestConfig(), feed, exec, rm, posStore, nil, testLogger())

	require.NoError(t, trader.Restore(ctx))

	// The budget reflects the restored position exactly once, and nothing
	// was resubmitted.
	_, total := rm.Snapshot()
	assert.Equal(t, 96.0, total)
	assert.Equal(t, placedBefore, gw.PlacedCount())
	assert.Equal(t, domain.StateExitPending, trader.EngineStates()["0xmarket1"])

	// Run the trader; once the resting exit fills, the position closes and
	// the budget drains.
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = trader.Run(runCtx)
	}()

	require.True(t, gw.FillOrder("ex-1", 0))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, total := rm.Snapshot(); total == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	_, total = rm.Snapshot()
	assert.Zero(t, total)

	stored, err := posStore.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, stored.State)
	assert.InDelta(t, (0.99-0.96)*100, stored.RealizedPnL, 1e-9)
}

func TestHoldingSnapshotGetsExitReplaced(t *testing.T) {
	gw := executor.NewSimGateway()
	posStore := memory.NewPositionStore()
	rm := testRisk()
	exec := executor.New(gw, memory.NewOrderStore(), executor.Config{
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: time.Second,
	}, testLogger())
	defer exec.Close()

	// Crash landed between entry fill and exit placement.
	ctx := context.Background()
	require.NoError(t, posStore.Upsert(ctx, domain.Position{
		ID:          "pos-2",
		MarketID:    "0xmarket1",
		TokenID:     "tok-yes",
		OutcomeName: "Yes",
		EntryPrice:  0.96,
		Quantity:    50,
		Cost:        48,
		State:       domain.StateHolding,
		OpenedAt:    time.Now().Add(-time.Minute),
	}))

	feed := newStaticFeed(testMarket())
	trader := NewTrader(traderTestConfig(), feed, exec, rm, posStore, nil, testLogger())
	require.NoError(t, trader.Restore(ctx))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gw.PlacedCount() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, gw.PlacedCount())
	assert.Equal(t, domain.StateExitPending, trader.EngineStates()["0xmarket1"])
}

func TestScanOncePlacesNoOrders(t *testing.T) {
	gw := executor.NewSimGateway()
	exec := executor.New(gw, memory.NewOrderStore(), executor.Config{
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: time.Second,
	}, testLogger())
	defer exec.Close()

	feed := newStaticFeed(testMarket())
	trader := NewTrader(traderTestConfig(), feed, exec, testRisk(), memory.NewPositionStore(), nil, testLogger())

	markets, err := trader.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "0xmarket1", markets[0].ConditionID)
	assert.Zero(t, gw.PlacedCount())
}

// slowFeed delays every GetMarket, standing in for a wedged Gamma API
// during resolution checks.
type slowFeed struct {
	*staticFeed
	delay time.Duration
}

func (f *slowFeed) GetMarket(ctx context.Context, conditionID string) (domain.Market, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return domain.Market{}, ctx.Err()
	}
	return f.staticFeed.GetMarket(ctx, conditionID)
}

func TestSlowResolutionFeedDoesNotStallEntries(t *testing.T) {
	gw := executor.NewSimGateway()
	rm := testRisk()
	exec := executor.New(gw, memory.NewOrderStore(), executor.Config{
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: time.Second,
	}, testLogger())
	defer exec.Close()

	second := testMarket()
	second.ConditionID = "0xmarket2"
	second.Outcomes = [2]domain.Outcome{
		{TokenID: "tok2-yes", Name: "Yes"},
		{TokenID: "tok2-no", Name: "No"},
	}
	feed := &slowFeed{staticFeed: newStaticFeed(testMarket(), second), delay: 600 * time.Millisecond}

	cfg := traderTestConfig()
	cfg.ResolutionInterval = 10 * time.Millisecond
	trader := NewTrader(cfg, feed, exec, rm, memory.NewPositionStore(), nil, testLogger())

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = trader.Run(runCtx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		states := trader.EngineStates()
		if len(states) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, trader.EngineStates(), 2)

	// Let a resolution pass get stuck inside the slow feed, then push a
	// qualifying quote. Entry and exit must reach the gateway while the
	// lookups are still blocked.
	time.Sleep(30 * time.Millisecond)
	trader.Monitor().Push(domain.Quote{
		TokenID:   "tok2-yes",
		BestBid:   0.95,
		BestAsk:   0.96,
		FetchedAt: time.Now(),
	})

	require.Eventually(t, func() bool {
		return gw.PlacedCount() >= 2
	}, 400*time.Millisecond, 5*time.Millisecond)

	cancel()
	<-done
}

func TestTraderAdoptsScannedMarketAndTrades(t *testing.T) {
	gw := executor.NewSimGateway()
	posStore := memory.NewPositionStore()
	rm := testRisk()
	exec := executor.New(gw, memory.NewOrderStore(), executor.Config{
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: time.Second,
	}, testLogger())
	defer exec.Close()

	feed := newStaticFeed(testMarket())
	trader := NewTrader(traderTestConfig(), feed, exec, rm, posStore, nil, testLogger())

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = trader.Run(runCtx)
	}()

	// Wait for the scanner to hand the market to an engine.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := trader.EngineStates()["0xmarket1"]; ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Contains(t, trader.EngineStates(), "0xmarket1")

	// Feed a qualifying quote through the monitor's push path; the buy fills
	// instantly and the exit gets posted.
	trader.Monitor().Push(domain.Quote{
		TokenID:   "tok-yes",
		BestBid:   0.95,
		BestAsk:   0.96,
		FetchedAt: time.Now(),
	})

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gw.PlacedCount() == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	assert.Equal(t, 2, gw.PlacedCount())
	positions := trader.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, domain.StateExitPending, positions[0].State)
}
