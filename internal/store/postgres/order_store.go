package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SimpleJTS/PolyTail/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Upsert writes the order keyed by its idempotency key, replacing any prior
// snapshot.
func (s *OrderStore) Upsert(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			key, exchange_id, market_id, token_id, outcome_name, side,
			price, quantity, filled_qty, filled_price, status, retries,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14
		)
		ON CONFLICT (key) DO UPDATE SET
			exchange_id  = EXCLUDED.exchange_id,
			filled_qty   = EXCLUDED.filled_qty,
			filled_price = EXCLUDED.filled_price,
			status       = EXCLUDED.status,
			retries      = EXCLUDED.retries,
			updated_at   = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		o.Key, o.ExchangeID, o.MarketID, o.TokenID, o.OutcomeName, string(o.Side),
		o.Price, o.Quantity, o.FilledQty, o.FilledPrice, string(o.Status), o.Retries,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert order %s: %w", o.Key, err)
	}
	return nil
}

const orderSelectCols = `key, exchange_id, market_id, token_id, outcome_name, side,
	price, quantity, filled_qty, filled_price, status, retries,
	created_at, updated_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var side, status string

	err := scanner.Scan(
		&o.Key, &o.ExchangeID, &o.MarketID, &o.TokenID, &o.OutcomeName, &side,
		&o.Price, &o.Quantity, &o.FilledQty, &o.FilledPrice, &status, &o.Retries,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// GetByKey returns the order with the given idempotency key.
func (s *OrderStore) GetByKey(ctx context.Context, key string) (domain.Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE key = $1`, orderSelectCols)

	o, err := scanOrder(s.pool.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", key, err)
	}
	return o, nil
}

// ListInFlight returns all orders whose status is not terminal, ordered by
// creation time. These are the orders that need reconciliation on restart.
func (s *OrderStore) ListInFlight(ctx context.Context) ([]domain.Order, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM orders
		 WHERE status NOT IN ('filled', 'canceled', 'failed')
		 ORDER BY created_at`, orderSelectCols)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list in-flight orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate orders: %w", err)
	}

	return orders, nil
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
