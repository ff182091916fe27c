// Package memory provides in-memory store implementations used in dry-run
// and scan-once modes, where nothing should outlive the process.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/SimpleJTS/PolyTail/internal/domain"
)

// OrderStore implements domain.OrderStore with a mutex-guarded map.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

// NewOrderStore creates an empty in-memory order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]domain.Order)}
}

func (s *OrderStore) Upsert(ctx context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.Key] = o
	return nil
}

func (s *OrderStore) GetByKey(ctx context.Context, key string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[key]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *OrderStore) ListInFlight(ctx context.Context) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []domain.Order
	for _, o := range s.orders {
		if o.Status.InFlight() {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)

// PositionStore implements domain.PositionStore with a mutex-guarded map.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewPositionStore creates an empty in-memory position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
	return nil
}

func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []domain.Position
	for _, p := range s.positions {
		if p.Open() {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})
	return positions, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
