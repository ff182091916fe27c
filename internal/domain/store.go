package domain

import "context"

// OrderStore persists the executor's order state so that a restart can
// reconcile in-flight orders against the exchange instead of abandoning them.
type OrderStore interface {
	Upsert(ctx context.Context, order Order) error
	GetByKey(ctx context.Context, key string) (Order, error)
	ListInFlight(ctx context.Context) ([]Order, error)
}

// PositionStore persists position snapshots on every engine state transition.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
}
