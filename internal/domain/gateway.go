package domain

import "context"

// MarketFilter narrows a market listing request.
type MarketFilter struct {
	Active bool
	Closed bool
	Limit  int
	Offset int
}

// MarketFeed is the read-only exchange boundary for market discovery and
// quotes. It is assumed eventually consistent and may return stale quotes;
// consumers order updates by fetch timestamp.
type MarketFeed interface {
	ListMarkets(ctx context.Context, filter MarketFilter) ([]Market, error)
	GetMarket(ctx context.Context, conditionID string) (Market, error)
	// GetMarketBySlug looks a market up by its URL slug. Periodic markets
	// (crypto Up/Down) have derivable slugs, so discovery can look them
	// up directly instead of paging through listings.
	GetMarketBySlug(ctx context.Context, slug string) (Market, error)
	GetQuote(ctx context.Context, tokenID string) (Quote, error)
}

// PlaceOrderRequest carries everything the gateway needs to post a limit
// order. IdempotencyKey makes retried submissions safe: the gateway (or the
// executor in front of it) must not create a second order for the same key.
type PlaceOrderRequest struct {
	IdempotencyKey string
	TokenID        string
	Side           OrderSide
	Price          float64
	Quantity       float64
}

// GatewayOrder is the exchange's view of an order.
type GatewayOrder struct {
	ExchangeID  string
	Status      OrderStatus
	FilledQty   float64
	FilledPrice float64
}

// OrderGateway is the write boundary to the exchange. Authentication and
// request signing live behind the implementation.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (GatewayOrder, error)
	CancelOrder(ctx context.Context, exchangeID string) error
	GetOrderStatus(ctx context.Context, exchangeID string) (GatewayOrder, error)
	// ListOpenOrders returns every live order on the account, so restart
	// reconciliation can spot orders the local snapshots never recorded.
	ListOpenOrders(ctx context.Context) ([]GatewayOrder, error)
}
