package executor

import (
	"context"
	"sync"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/google/uuid"
)

// SimGateway is an in-process order gateway used in dry-run mode and tests.
// It honors idempotency keys the way a well-behaved exchange would: a
// replayed key returns the original order instead of creating a new one.
//
// Buy orders fill immediately at their limit price. Sell orders rest until
// FillOrder or CancelOrder is called, mirroring how an endgame exit sits on
// the book until resolution. AutoFillSellsAfter adds a clock-driven sell
// fill for dry-run sessions with nobody at the keyboard.
type SimGateway struct {
	mu            sync.Mutex
	byKey         map[string]string
	orders        map[string]domain.GatewayOrder
	reqs          map[string]domain.PlaceOrderRequest
	placed        int
	failNext      int
	sellFillDelay time.Duration
}

// NewSimGateway creates an empty simulated gateway.
func NewSimGateway() *SimGateway {
	return &SimGateway{
		byKey:  make(map[string]string),
		orders: make(map[string]domain.GatewayOrder),
		reqs:   make(map[string]domain.PlaceOrderRequest),
	}
}

var _ domain.OrderGateway = (*SimGateway)(nil)

// AutoFillSellsAfter makes every subsequently placed sell order fill in
// full after the given delay, unless cancelled first. Zero disables it.
func (g *SimGateway) AutoFillSellsAfter(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sellFillDelay = d
}

// FailNext makes the next n PlaceOrder calls return a transient error.
func (g *SimGateway) FailNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

// PlaceOrder records the order. A repeated idempotency key returns the
// existing order unchanged.
func (g *SimGateway) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.GatewayOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failNext > 0 {
		g.failNext--
		return domain.GatewayOrder{}, context.DeadlineExceeded
	}

	if id, ok := g.byKey[req.IdempotencyKey]; ok {
		return g.orders[id], nil
	}

	order := domain.GatewayOrder{
		ExchangeID: uuid.New().String(),
		Status:     domain.OrderStatusSubmitted,
	}
	if req.Side == domain.OrderSideBuy {
		order.Status = domain.OrderStatusFilled
		order.FilledQty = req.Quantity
		order.FilledPrice = req.Price
	}

	g.byKey[req.IdempotencyKey] = order.ExchangeID
	g.orders[order.ExchangeID] = order
	g.reqs[order.ExchangeID] = req
	g.placed++

	if req.Side == domain.OrderSideSell && g.sellFillDelay > 0 {
		exchangeID := order.ExchangeID
		time.AfterFunc(g.sellFillDelay, func() {
			g.FillOrder(exchangeID, 0)
		})
	}
	return order, nil
}

// CancelOrder cancels a resting order. Terminal orders are left untouched,
// matching exchange behavior where a late cancel is a no-op.
func (g *SimGateway) CancelOrder(ctx context.Context, exchangeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[exchangeID]
	if !ok {
		return domain.ErrNotFound
	}
	if order.Status.Terminal() {
		return nil
	}
	order.Status = domain.OrderStatusCanceled
	g.orders[exchangeID] = order
	return nil
}

// GetOrderStatus returns the simulated exchange's view of the order.
func (g *SimGateway) GetOrderStatus(ctx context.Context, exchangeID string) (domain.GatewayOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[exchangeID]
	if !ok {
		return domain.GatewayOrder{}, domain.ErrNotFound
	}
	return order, nil
}

// ListOpenOrders returns every order not yet in a terminal status.
func (g *SimGateway) ListOpenOrders(ctx context.Context) ([]domain.GatewayOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var open []domain.GatewayOrder
	for _, order := range g.orders {
		if !order.Status.Terminal() {
			open = append(open, order)
		}
	}
	return open, nil
}

// FillOrder marks a resting order (partially) filled. qty of zero fills the
// full requested quantity at the limit price.
func (g *SimGateway) FillOrder(exchangeID string, qty float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[exchangeID]
	if !ok || order.Status.Terminal() {
		return false
	}

	req := g.reqs[exchangeID]
	if qty <= 0 || qty >= req.Quantity {
		order.FilledQty = req.Quantity
		order.Status = domain.OrderStatusFilled
	} else {
		order.FilledQty = qty
		order.Status = domain.OrderStatusPartiallyFilled
	}
	order.FilledPrice = req.Price
	g.orders[exchangeID] = order
	return true
}

// PlacedCount returns how many distinct orders were created.
func (g *SimGateway) PlacedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placed
}

// Seed installs an order directly, bypassing PlaceOrder. Used to model
// exchange state that survived a crash of the trader.
func (g *SimGateway) Seed(key string, order domain.GatewayOrder, req domain.PlaceOrderRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byKey[key] = order.ExchangeID
	g.orders[order.ExchangeID] = order
	g.reqs[order.ExchangeID] = req
	g.placed++
}
