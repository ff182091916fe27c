package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/SimpleJTS/PolyTail/internal/executor"
	"github.com/SimpleJTS/PolyTail/internal/risk"
	"github.com/SimpleJTS/PolyTail/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMarket() domain.Market {
	return domain.Market{
		ConditionID: "0xmarket1",
		Question:    "Will it resolve Yes?",
		Outcomes: [2]domain.Outcome{
			{TokenID: "tok-yes", Name: "Yes"},
			{TokenID: "tok-no", Name: "No"},
		},
		EndDate: time.Now().Add(20 * time.Minute),
		Active:  true,
	}
}

func testStrategy() Config {
	return Config{EntryThreshold: 0.95, MaxEntryPrice: 0.99, ExitPrice: 0.99}
}

func testRisk() *risk.Manager {
	return risk.NewManager(risk.Config{
		MaxPositionSize:  100,
		MaxTotalExposure: 500,
		BlacklistTTL:     time.Hour,
	}, testLogger())
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// harness wires an engine to a simulated gateway and pumps fill events the
// way the trader dispatch loop would.
type harness struct {
	gw     *executor.SimGateway
	exec   *executor.Executor
	rm     *risk.Manager
	store  *memory.PositionStore
	rec    *eventRecorder
	eng    *Engine
	mu     sync.Mutex
	fills  []domain.Fill
	pumped chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		gw:     executor.NewSimGateway(),
		rm:     testRisk(),
		store:  memory.NewPositionStore(),
		rec:    &eventRecorder{},
		pumped: make(chan struct{}),
	}
	h.exec = executor.New(h.gw, memory.NewOrderStore(), executor.Config{
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: time.Second,
	}, testLogger())
	h.eng = NewEngine(testMarket(), testStrategy(), h.rm, h.exec, h.store, h.rec.record, testLogger())

	go func() {
		defer close(h.pumped)
		for fill := range h.exec.Fills() {
			h.mu.Lock()
			h.fills = append(h.fills, fill)
			h.mu.Unlock()
			h.eng.OnFill(context.Background(), fill)
		}
	}()
	t.Cleanup(func() {
		h.exec.Close()
		<-h.pumped
	})
	return h
}

func (h *harness) push(ask float64) {
	h.eng.OnPrice(context.Background(), domain.PriceUpdate{
		MarketID:    "0xmarket1",
		TokenID:     "tok-yes",
		OutcomeName: "Yes",
		BestAsk:     ask,
		FetchedAt:   time.Now(),
	})
}

// fillBySide returns the most recent pumped fill matching side and status.
func (h *harness) fillBySide(side domain.OrderSide, status domain.OrderStatus) (domain.Fill, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.fills) - 1; i >= 0; i-- {
		if h.fills[i].Side == side && h.fills[i].Status == status {
			return h.fills[i], true
		}
	}
	return domain.Fill{}, false
}

func waitForState(t *testing.T, e *Engine, want domain.EngineState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine never reached state %s, stuck in %s", want, e.State())
}

func TestEntryTriggersOnceAtThreshold(t *testing.T) {
	h := newHarness(t)

	h.push(0.90)
	h.push(0.93)
	assert.Equal(t, domain.StateWatching, h.eng.State())
	assert.Equal(t, 0, h.gw.PlacedCount())

	h.push(0.96)
	waitForState(t, h.eng, domain.StateExitPending)

	// Entry buy plus resting exit sell, nothing more.
	assert.Equal(t, 2, h.gw.PlacedCount())

	pos, ok := h.eng.Position()
	require.True(t, ok)
	assert.Equal(t, 0.96, pos.EntryPrice)
	assert.Equal(t, "Yes", pos.OutcomeName)
	assert.InDelta(t, 104.16, pos.Quantity, 0.01)

	// Further qualifying prices must not open a second position.
	h.push(0.97)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.gw.PlacedCount())

	_, total := h.rm.Snapshot()
	assert.InDelta(t, pos.Cost, total, 1e-9)
}

func TestEntrySkippedWhenBudgetDenied(t *testing.T) {
	h := newHarness(t)

	// Another market already holds the whole exposure budget.
	require.True(t, h.rm.TryReserve("0xother", 500))

	h.push(0.96)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, domain.StateWatching, h.eng.State())
	assert.Equal(t, 0, h.gw.PlacedCount())
	assert.Contains(t, h.rec.types(), EventEntrySkipped)
}

func TestExitFillClosesPositionAndReleasesBudget(t *testing.T) {
	h := newHarness(t)

	h.push(0.96)
	waitForState(t, h.eng, domain.StateExitPending)

	exit, ok := h.fillBySide(domain.OrderSideSell, domain.OrderStatusSubmitted)
	require.True(t, ok, "exit submission event not observed")
	require.True(t, h.gw.FillOrder(exit.ExchangeID, 0))

	waitForState(t, h.eng, domain.StateClosed)

	pos, ok := h.eng.Position()
	require.True(t, ok)
	assert.Equal(t, domain.StateClosed, pos.State)
	require.NotNil(t, pos.ClosedAt)
	assert.InDelta(t, (0.99-0.96)*pos.Quantity, pos.RealizedPnL, 1e-9)

	_, total := h.rm.Snapshot()
	assert.Zero(t, total)

	// The terminal snapshot must be persisted.
	stored, err := h.store.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, stored.State)
}

func TestResolutionSettlesRestingExit(t *testing.T) {
	h := newHarness(t)

	h.push(0.96)
	waitForState(t, h.eng, domain.StateExitPending)
	pos, ok := h.eng.Position()
	require.True(t, ok)

	res := domain.Resolution{
		MarketID:   "0xmarket1",
		WinnerName: "Yes",
		ResolvedAt: time.Now(),
	}
	h.eng.OnResolution(context.Background(), res)

	assert.Equal(t, domain.StateClosed, h.eng.State())
	closed, _ := h.eng.Position()
	assert.InDelta(t, (1.0-0.96)*pos.Quantity, closed.RealizedPnL, 1e-9)

	_, total := h.rm.Snapshot()
	assert.Zero(t, total)

	// The resting exit must have been cancelled at the exchange. The cancel
	// runs on its own goroutine, so poll for it.
	exit, ok := h.fillBySide(domain.OrderSideSell, domain.OrderStatusSubmitted)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		state, err := h.gw.GetOrderStatus(context.Background(), exit.ExchangeID)
		return err == nil && state.Status == domain.OrderStatusCanceled
	}, time.Second, 5*time.Millisecond)

	// A duplicate resolution notice changes nothing.
	h.eng.OnResolution(context.Background(), res)
	_, total = h.rm.Snapshot()
	assert.Zero(t, total)
}

func TestLosingResolutionRecordsNegativePnL(t *testing.T) {
	h := newHarness(t)

	h.push(0.96)
	waitForState(t, h.eng, domain.StateExitPending)
	pos, _ := h.eng.Position()

	h.eng.OnResolution(context.Background(), domain.Resolution{
		MarketID:   "0xmarket1",
		WinnerName: "No",
		ResolvedAt: time.Now(),
	})

	assert.Equal(t, domain.StateClosed, h.eng.State())
	closed, _ := h.eng.Position()
	assert.InDelta(t, -0.96*pos.Quantity, closed.RealizedPnL, 1e-9)
}

func TestEntryFailureAbandonsAndBlacklists(t *testing.T) {
	h := newHarness(t)

	// Exhaust the retry budget.
	h.gw.FailNext(10)
	h.push(0.96)

	waitForState(t, h.eng, domain.StateAbandoned)

	assert.True(t, h.rm.Blacklisted("0xmarket1"))
	_, total := h.rm.Snapshot()
	assert.Zero(t, total)
	assert.Contains(t, h.rec.types(), EventAbandoned)
}

// gatedGateway holds PlaceOrder calls until the gate opens, pinning the
// engine in entry_pending.
type gatedGateway struct {
	domain.OrderGateway
	gate chan struct{}
}

func (g *gatedGateway) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.GatewayOrder, error) {
	<-g.gate
	return g.OrderGateway.PlaceOrder(ctx, req)
}

func TestResolutionBeforeEntryFillAbandons(t *testing.T) {
	gw := &gatedGateway{OrderGateway: executor.NewSimGateway(), gate: make(chan struct{})}
	exec := executor.New(gw, memory.NewOrderStore(), executor.Config{
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: time.Second,
	}, testLogger())
	rm := testRisk()
	eng := NewEngine(testMarket(), testStrategy(), rm, exec, memory.NewPositionStore(), nil, testLogger())

	eng.OnPrice(context.Background(), domain.PriceUpdate{
		MarketID:    "0xmarket1",
		TokenID:     "tok-yes",
		OutcomeName: "Yes",
		BestAsk:     0.96,
		FetchedAt:   time.Now(),
	})
	require.Equal(t, domain.StateEntryPending, eng.State())

	eng.OnResolution(context.Background(), domain.Resolution{
		MarketID:   "0xmarket1",
		ResolvedAt: time.Now(),
	})

	assert.Equal(t, domain.StateAbandoned, eng.State())
	_, total := rm.Snapshot()
	assert.Zero(t, total)

	// Unblock the in-flight submission; its late fill must not revive the
	// engine.
	close(gw.gate)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.StateAbandoned, eng.State())
	exec.Close()
}
