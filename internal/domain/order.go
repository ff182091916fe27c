package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusFailed          OrderStatus = "failed"
)

// Terminal reports whether no further status transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusFailed:
		return true
	}
	return false
}

// InFlight reports whether the order may still be live at the exchange and
// therefore must be reconciled after a restart.
func (s OrderStatus) InFlight() bool {
	return !s.Terminal()
}

// Order is a limit order tracked through its full lifecycle. Orders are owned
// exclusively by the executor; other components hold the idempotency key and
// read status snapshots.
type Order struct {
	Key         string // client-generated idempotency key
	ExchangeID  string // assigned by the gateway once submitted
	MarketID    string
	TokenID     string
	OutcomeName string
	Side        OrderSide
	Price       float64
	Quantity    float64
	FilledQty   float64
	FilledPrice float64
	Status      OrderStatus
	Retries     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Notional returns the order's limit notional in USDC.
func (o Order) Notional() float64 {
	return o.Price * o.Quantity
}
