package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SimpleJTS/PolyTail/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Upsert writes the position snapshot, replacing any prior state for the
// same ID. Called on every engine state transition.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, market_id, token_id, outcome_name, entry_price, quantity,
			cost, exit_order_key, state, realized_pnl, opened_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (id) DO UPDATE SET
			quantity       = EXCLUDED.quantity,
			cost           = EXCLUDED.cost,
			exit_order_key = EXCLUDED.exit_order_key,
			state          = EXCLUDED.state,
			realized_pnl   = EXCLUDED.realized_pnl,
			closed_at      = EXCLUDED.closed_at`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.MarketID, p.TokenID, p.OutcomeName, p.EntryPrice, p.Quantity,
		p.Cost, p.ExitOrderKey, string(p.State), p.RealizedPnL, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

const positionSelectCols = `id, market_id, token_id, outcome_name, entry_price, quantity,
	cost, exit_order_key, state, realized_pnl, opened_at, closed_at`

func scanPosition(scanner interface{ Scan(dest ...any) error }) (domain.Position, error) {
	var p domain.Position
	var state string

	err := scanner.Scan(
		&p.ID, &p.MarketID, &p.TokenID, &p.OutcomeName, &p.EntryPrice, &p.Quantity,
		&p.Cost, &p.ExitOrderKey, &state, &p.RealizedPnL, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.State = domain.EngineState(state)
	return p, nil
}

// GetByID returns a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE id = $1`, positionSelectCols)

	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns all positions still carrying exposure, ordered by open
// time. Used for startup reconciliation and the ops endpoint.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM positions
		 WHERE state NOT IN ('closed', 'abandoned')
		 ORDER BY opened_at`, positionSelectCols)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate positions: %w", err)
	}

	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
