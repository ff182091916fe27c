package domain

import "time"

// PriceUpdate is delivered by the price monitor for a tracked outcome token.
// Delivery is monotonic in FetchedAt per token; stale fetches are dropped.
type PriceUpdate struct {
	MarketID    string
	TokenID     string
	OutcomeName string
	BestBid     float64
	BestAsk     float64
	FetchedAt   time.Time
}

// Fill reports an order status change observed by the executor.
type Fill struct {
	OrderKey    string
	ExchangeID  string
	MarketID    string
	TokenID     string
	Side        OrderSide
	Status      OrderStatus
	FilledQty   float64
	FilledPrice float64
	Timestamp   time.Time
}

// Resolution tells an engine that its market has resolved (or passed its end
// date without an observable fill on the resting exit order).
type Resolution struct {
	MarketID   string
	WinnerName string // empty when the winner is not yet reported
	ResolvedAt time.Time
}
