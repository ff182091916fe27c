package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/SimpleJTS/PolyTail/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: time.Second,
	}
}

func buyOrder(key string) domain.Order {
	return domain.Order{
		Key:      key,
		MarketID: "mkt-1",
		TokenID:  "tok-1",
		Side:     domain.OrderSideBuy,
		Price:    0.96,
		Quantity: 100,
	}
}

func waitFor(t *testing.T, timeout time.Duration, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, pred(), "condition not met within %v", timeout)
}

func TestSubmitBuyFillsImmediately(t *testing.T) {
	gw := NewSimGateway()
	exec := New(gw, memory.NewOrderStore(), testConfig(), testLogger())
	defer exec.Close()

	order, err := exec.Submit(context.Background(), buyOrder("k1"))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, 100.0, order.FilledQty)
	assert.NotEmpty(t, order.ExchangeID)
	assert.Equal(t, 1, gw.PlacedCount())

	fill := <-exec.Fills()
	assert.Equal(t, "k1", fill.OrderKey)
	assert.Equal(t, domain.OrderStatusFilled, fill.Status)
}

func TestSubmitRetriedWithSameKeyPlacesOneOrder(t *testing.T) {
	gw := NewSimGateway()
	exec := New(gw, memory.NewOrderStore(), testConfig(), testLogger())
	defer exec.Close()

	first, err := exec.Submit(context.Background(), buyOrder("k1"))
	require.NoError(t, err)

	// A caller retrying after a lost response reuses the key.
	second, err := exec.Submit(context.Background(), buyOrder("k1"))
	require.NoError(t, err)

	assert.Equal(t, first.ExchangeID, second.ExchangeID)
	assert.Equal(t, 1, gw.PlacedCount(), "same idempotency key must not create a second order")
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	gw := NewSimGateway()
	gw.FailNext(2)
	exec := New(gw, memory.NewOrderStore(), testConfig(), testLogger())
	defer exec.Close()

	order, err := exec.Submit(context.Background(), buyOrder("k1"))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, 2, order.Retries)
	assert.Equal(t, 1, gw.PlacedCount())
}

func TestSubmitExhaustedRetriesMarksFailed(t *testing.T) {
	gw := NewSimGateway()
	gw.FailNext(10)
	store := memory.NewOrderStore()
	exec := New(gw, store, testConfig(), testLogger())
	defer exec.Close()

	order, err := exec.Submit(context.Background(), buyOrder("k1"))
	require.ErrorIs(t, err, domain.ErrOrderFailed)
	assert.Equal(t, domain.OrderStatusFailed, order.Status)
	assert.Equal(t, 0, gw.PlacedCount())

	// The failure is persisted and surfaced as a fill event.
	stored, err := store.GetByKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, stored.Status)

	fill := <-exec.Fills()
	assert.Equal(t, domain.OrderStatusFailed, fill.Status)
}

func TestSellOrderWatcherReportsFill(t *testing.T) {
	gw := NewSimGateway()
	exec := New(gw, memory.NewOrderStore(), testConfig(), testLogger())
	defer exec.Close()

	sell := buyOrder("k1")
	sell.Side = domain.OrderSideSell
	sell.Price = 0.99

	order, err := exec.Submit(context.Background(), sell)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusSubmitted, order.Status)

	require.True(t, gw.FillOrder(order.ExchangeID, 0))

	fill := <-exec.Fills()
	assert.Equal(t, domain.OrderStatusFilled, fill.Status)
	assert.Equal(t, 100.0, fill.FilledQty)
	assert.Equal(t, 0.99, fill.FilledPrice)
}

func TestCancelRestingOrder(t *testing.T) {
	gw := NewSimGateway()
	exec := New(gw, memory.NewOrderStore(), testConfig(), testLogger())
	defer exec.Close()

	sell := buyOrder("k1")
	sell.Side = domain.OrderSideSell

	order, err := exec.Submit(context.Background(), sell)
	require.NoError(t, err)

	require.NoError(t, exec.Cancel(context.Background(), "k1"))

	fill := <-exec.Fills()
	assert.Equal(t, domain.OrderStatusCanceled, fill.Status)

	// Cancelling an already-terminal order is a no-op.
	waitFor(t, time.Second, func() bool {
		o, err := exec.Status(context.Background(), "k1")
		return err == nil && o.Status == domain.OrderStatusCanceled
	})
	assert.NoError(t, exec.Cancel(context.Background(), "k1"))
	_ = order
}

func TestReconcileAdoptsGatewayState(t *testing.T) {
	gw := NewSimGateway()
	store := memory.NewOrderStore()

	// Simulate a crash: the snapshot says submitted, the exchange says the
	// order filled while we were down.
	crashed := buyOrder("k1")
	crashed.ExchangeID = "ex-1"
	crashed.Status = domain.OrderStatusSubmitted
	crashed.CreatedAt = time.Now().UTC()
	crashed.UpdatedAt = crashed.CreatedAt
	require.NoError(t, store.Upsert(context.Background(), crashed))
	gw.Seed("k1", domain.GatewayOrder{
		ExchangeID:  "ex-1",
		Status:      domain.OrderStatusFilled,
		FilledQty:   100,
		FilledPrice: 0.96,
	}, domain.PlaceOrderRequest{IdempotencyKey: "k1", TokenID: "tok-1", Side: domain.OrderSideBuy, Price: 0.96, Quantity: 100})

	exec := New(gw, store, testConfig(), testLogger())
	defer exec.Close()

	reconciled, err := exec.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, reconciled, 1)

	assert.Equal(t, domain.OrderStatusFilled, reconciled[0].Status)
	assert.Equal(t, 100.0, reconciled[0].FilledQty)
	assert.Equal(t, 1, gw.PlacedCount(), "reconciliation must not resubmit")

	// A later Submit with the same key does not double-place either.
	again, err := exec.Submit(context.Background(), buyOrder("k1"))
	require.NoError(t, err)
	assert.Equal(t, "ex-1", again.ExchangeID)
	assert.Equal(t, 1, gw.PlacedCount())
}

func TestReconcileUnknownOrderMarkedFailed(t *testing.T) {
	gw := NewSimGateway()
	store := memory.NewOrderStore()

	lost := buyOrder("k1")
	lost.ExchangeID = "ex-unknown"
	lost.Status = domain.OrderStatusSubmitted
	lost.CreatedAt = time.Now().UTC()
	lost.UpdatedAt = lost.CreatedAt
	require.NoError(t, store.Upsert(context.Background(), lost))

	exec := New(gw, store, testConfig(), testLogger())
	defer exec.Close()

	reconciled, err := exec.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, reconciled, 1)
	assert.Equal(t, domain.OrderStatusFailed, reconciled[0].Status)
}

func TestAutoFillSellsAfterDelay(t *testing.T) {
	gw := NewSimGateway()
	gw.AutoFillSellsAfter(20 * time.Millisecond)

	sell := domain.PlaceOrderRequest{
		IdempotencyKey: "k-sell",
		TokenID:        "tok-1",
		Side:           domain.OrderSideSell,
		Price:          0.99,
		Quantity:       100,
	}
	order, err := gw.PlaceOrder(context.Background(), sell)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusSubmitted, order.Status)

	waitFor(t, time.Second, func() bool {
		state, err := gw.GetOrderStatus(context.Background(), order.ExchangeID)
		return err == nil && state.Status == domain.OrderStatusFilled
	})

	// A cancel that lands before the delay wins the race for good.
	early := sell
	early.IdempotencyKey = "k-sell-2"
	order2, err := gw.PlaceOrder(context.Background(), early)
	require.NoError(t, err)
	require.NoError(t, gw.CancelOrder(context.Background(), order2.ExchangeID))

	time.Sleep(40 * time.Millisecond)
	state, err := gw.GetOrderStatus(context.Background(), order2.ExchangeID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, state.Status)
}

func TestStragglerEmitAfterCloseIsDropped(t *testing.T) {
	gw := NewSimGateway()
	exec := New(gw, memory.NewOrderStore(), testConfig(), testLogger())

	exec.Close()

	// A submission goroutine that loses the shutdown race lands in
	// markFailed after the fill channel is gone. It must drop the event,
	// not panic with a send on a closed channel.
	order := buyOrder("k-late")
	order.Status = domain.OrderStatusSubmitted
	failed := exec.markFailed(order, context.DeadlineExceeded)
	assert.Equal(t, domain.OrderStatusFailed, failed.Status)

	_, open := <-exec.Fills()
	assert.False(t, open)
}

func TestReconcileCancelsUnknownOpenOrder(t *testing.T) {
	gw := NewSimGateway()
	store := memory.NewOrderStore()

	// An order resting at the exchange with no snapshot behind it: placed
	// by a previous run whose write never landed.
	orphan, err := gw.PlaceOrder(context.Background(), domain.PlaceOrderRequest{
		IdempotencyKey: "k-orphan",
		TokenID:        "tok-1",
		Side:           domain.OrderSideSell,
		Price:          0.99,
		Quantity:       100,
	})
	require.NoError(t, err)

	exec := New(gw, store, testConfig(), testLogger())
	defer exec.Close()

	reconciled, err := exec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reconciled)

	state, err := gw.GetOrderStatus(context.Background(), orphan.ExchangeID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, state.Status)
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	base := 500 * time.Millisecond
	max := 3 * time.Second

	assert.Equal(t, 500*time.Millisecond, backoffDelay(base, max, 0))
	assert.Equal(t, time.Second, backoffDelay(base, max, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(base, max, 2))
	assert.Equal(t, 3*time.Second, backoffDelay(base, max, 3))
	assert.Equal(t, 3*time.Second, backoffDelay(base, max, 10))
}
