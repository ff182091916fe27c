// Package executor owns the order lifecycle: submission with idempotent
// retry, fill polling, cancellation, and restart reconciliation. No other
// component mutates order state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/domain"
)

// Config tunes retry and polling behavior.
type Config struct {
	MaxRetries   int           // retry budget per submission
	BackoffBase  time.Duration // first retry delay, doubles per attempt
	BackoffMax   time.Duration // backoff cap
	PollInterval time.Duration // fill polling cadence
	DrainTimeout time.Duration // how long Close waits for watchers
}

// DefaultConfig matches the strategy defaults: three retries from 500ms.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		BackoffBase:  500 * time.Millisecond,
		BackoffMax:   10 * time.Second,
		PollInterval: 2 * time.Second,
		DrainTimeout: 10 * time.Second,
	}
}

// Executor submits orders to the gateway and tracks them to a terminal
// status. Every submission is keyed by a caller-supplied idempotency key;
// resubmitting a key that already has a live or completed order is a no-op
// returning the existing order.
type Executor struct {
	gateway domain.OrderGateway
	store   domain.OrderStore
	cfg     Config
	logger  *slog.Logger

	mu     sync.Mutex
	orders map[string]domain.Order

	fills       chan domain.Fill
	fillsClosed bool // guarded by mu; set before fills is closed

	watchers  sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an Executor persisting through store and trading through
// gateway.
func New(gateway domain.OrderGateway, store domain.OrderStore, cfg Config, logger *slog.Logger) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	return &Executor{
		gateway: gateway,
		store:   store,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "executor")),
		orders:  make(map[string]domain.Order),
		fills:   make(chan domain.Fill, 256),
		done:    make(chan struct{}),
	}
}

// Fills returns the channel on which order status changes are delivered.
func (e *Executor) Fills() <-chan domain.Fill {
	return e.fills
}

// Submit sends the order to the gateway, retrying transient failures with
// exponential backoff up to the configured budget. It is idempotent per
// order key: a key that was already submitted returns the existing order
// without touching the gateway.
//
// On retry exhaustion the order is marked failed, a failed fill is emitted,
// and domain.ErrOrderFailed is returned.
func (e *Executor) Submit(ctx context.Context, order domain.Order) (domain.Order, error) {
	if order.Key == "" {
		return domain.Order{}, fmt.Errorf("executor: submit: empty order key")
	}

	e.mu.Lock()
	if existing, ok := e.orders[order.Key]; ok {
		e.mu.Unlock()
		e.logger.Debug("duplicate submission, returning existing order",
			slog.String("key", order.Key),
			slog.String("status", string(existing.Status)))
		return existing, nil
	}
	now := time.Now().UTC()
	order.Status = domain.OrderStatusPending
	order.CreatedAt = now
	order.UpdatedAt = now
	e.orders[order.Key] = order
	e.mu.Unlock()

	if err := e.store.Upsert(ctx, order); err != nil {
		e.logger.Warn("order snapshot write failed",
			slog.String("key", order.Key),
			slog.String("error", err.Error()))
	}

	log := e.logger.With(
		slog.String("key", order.Key),
		slog.String("market_id", order.MarketID),
		slog.String("side", string(order.Side)),
	)

	req := domain.PlaceOrderRequest{
		IdempotencyKey: order.Key,
		TokenID:        order.TokenID,
		Side:           order.Side,
		Price:          order.Price,
		Quantity:       order.Quantity,
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(e.cfg.BackoffBase, e.cfg.BackoffMax, attempt-1)
			log.Warn("retrying order submission",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			if err := sleepCtx(ctx, delay); err != nil {
				return e.markFailed(order, lastErr), lastErr
			}
			order = e.bumpRetries(ctx, order)
		}

		result, err := e.gateway.PlaceOrder(ctx, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return e.markFailed(order, err), err
			}
			continue
		}

		order = e.applyGatewayState(ctx, order, result)
		log.Info("order submitted",
			slog.String("exchange_id", order.ExchangeID),
			slog.String("status", string(order.Status)))

		if !order.Status.Terminal() {
			e.watchers.Add(1)
			go e.watch(order.Key, order.ExchangeID)
		}
		return order, nil
	}

	failed := e.markFailed(order, lastErr)
	log.Error("order submission exhausted retries",
		slog.Int("retries", e.cfg.MaxRetries),
		slog.String("error", lastErr.Error()))
	return failed, fmt.Errorf("executor: %w: %w", domain.ErrOrderFailed, lastErr)
}

// Cancel requests cancellation of the order with the given key. The
// resulting status change arrives through the fill channel once the watcher
// observes it; an order the gateway reports as already terminal is not an
// error.
func (e *Executor) Cancel(ctx context.Context, key string) error {
	order, err := e.Status(ctx, key)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return nil
	}
	if order.ExchangeID == "" {
		return fmt.Errorf("executor: cancel %s: order never reached the exchange", key)
	}

	if err := e.gateway.CancelOrder(ctx, order.ExchangeID); err != nil {
		return fmt.Errorf("executor: cancel %s: %w", key, err)
	}
	return nil
}

// Status returns the executor's current view of an order.
func (e *Executor) Status(ctx context.Context, key string) (domain.Order, error) {
	e.mu.Lock()
	order, ok := e.orders[key]
	e.mu.Unlock()
	if ok {
		return order, nil
	}

	order, err := e.store.GetByKey(ctx, key)
	if err != nil {
		return domain.Order{}, fmt.Errorf("executor: status %s: %w", key, err)
	}
	return order, nil
}

// Reconcile loads all in-flight orders from the snapshot store, queries the
// gateway for each, and adopts the gateway's answer as the source of truth.
// Disagreements are logged as warnings. It returns the reconciled orders so
// the trader can rebuild engine and budget state. Orders still live at the
// exchange get a watcher again.
func (e *Executor) Reconcile(ctx context.Context) ([]domain.Order, error) {
	inflight, err := e.store.ListInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: reconcile: %w", err)
	}

	reconciled := make([]domain.Order, 0, len(inflight))
	for _, order := range inflight {
		log := e.logger.With(slog.String("key", order.Key))

		if order.ExchangeID == "" {
			// Submission was cut off before the gateway assigned an ID.
			// Without an exchange-side handle there is nothing to adopt.
			log.Warn("reconciliation: order has no exchange id, marking failed")
			order = e.markFailed(order, errors.New("unconfirmed submission at restart"))
			reconciled = append(reconciled, order)
			continue
		}

		state, err := e.gateway.GetOrderStatus(ctx, order.ExchangeID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				log.Warn("reconciliation: exchange does not know the order, marking failed")
				order = e.markFailed(order, err)
				reconciled = append(reconciled, order)
				continue
			}
			return nil, fmt.Errorf("executor: reconcile %s: %w", order.Key, err)
		}

		if state.Status != order.Status {
			log.Warn("reconciliation: adopting exchange-reported status",
				slog.String("local", string(order.Status)),
				slog.String("exchange", string(state.Status)))
		}
		order = e.applyGatewayState(ctx, order, state)
		reconciled = append(reconciled, order)

		if !order.Status.Terminal() {
			e.watchers.Add(1)
			go e.watch(order.Key, order.ExchangeID)
		}
	}

	e.cancelUnknownOpen(ctx, reconciled)

	return reconciled, nil
}

// cancelUnknownOpen cross-checks the account's open orders against the
// reconciled snapshots. An open order no snapshot knows about cannot be
// managed, so it is cancelled rather than left tying up capital unobserved.
// The wallet lock guarantees no sibling instance owns it.
func (e *Executor) cancelUnknownOpen(ctx context.Context, reconciled []domain.Order) {
	open, err := e.gateway.ListOpenOrders(ctx)
	if err != nil {
		e.logger.Warn("open order cross-check skipped",
			slog.String("error", err.Error()))
		return
	}

	known := make(map[string]struct{}, len(reconciled))
	for _, order := range reconciled {
		known[order.ExchangeID] = struct{}{}
	}

	for _, order := range open {
		if _, ok := known[order.ExchangeID]; ok {
			continue
		}
		e.logger.Warn("cancelling open order with no local snapshot",
			slog.String("exchange_id", order.ExchangeID),
			slog.String("status", string(order.Status)))
		if err := e.gateway.CancelOrder(ctx, order.ExchangeID); err != nil {
			e.logger.Warn("orphan cancel failed",
				slog.String("exchange_id", order.ExchangeID),
				slog.String("error", err.Error()))
		}
	}
}

// Close stops fill watchers and closes the fill channel. It waits up to the
// drain timeout for watchers to observe the stop signal.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		close(e.done)

		finished := make(chan struct{})
		go func() {
			e.watchers.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(e.cfg.DrainTimeout):
			e.logger.Warn("drain timeout waiting for order watchers")
		}

		// Submission goroutines are not tracked by the watcher group, and
		// watchers may outlive the drain timeout. Taking mu here orders
		// this close against every in-flight emit.
		e.mu.Lock()
		e.fillsClosed = true
		close(e.fills)
		e.mu.Unlock()
	})
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// watch polls the gateway until the order reaches a terminal status or the
// executor shuts down, emitting a fill event on every observed change.
func (e *Executor) watch(key, exchangeID string) {
	defer e.watchers.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PollInterval)
		state, err := e.gateway.GetOrderStatus(ctx, exchangeID)
		cancel()
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				e.logger.Warn("watched order vanished at the exchange",
					slog.String("key", key))
				e.mu.Lock()
				order := e.orders[key]
				e.mu.Unlock()
				e.markFailed(order, err)
				return
			}
			e.logger.Debug("order status poll failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
			continue
		}

		e.mu.Lock()
		order, ok := e.orders[key]
		changed := ok && (order.Status != state.Status || order.FilledQty != state.FilledQty)
		e.mu.Unlock()
		if !ok {
			return
		}
		if !changed {
			continue
		}

		order = e.applyGatewayState(context.Background(), order, state)
		if order.Status.Terminal() {
			return
		}
	}
}

// applyGatewayState merges the gateway's view into the local order, persists
// the snapshot, and emits a fill event.
func (e *Executor) applyGatewayState(ctx context.Context, order domain.Order, state domain.GatewayOrder) domain.Order {
	e.mu.Lock()
	if state.ExchangeID != "" {
		order.ExchangeID = state.ExchangeID
	}
	order.Status = state.Status
	order.FilledQty = state.FilledQty
	if state.FilledPrice > 0 {
		order.FilledPrice = state.FilledPrice
	}
	order.UpdatedAt = time.Now().UTC()
	e.orders[order.Key] = order
	e.mu.Unlock()

	if err := e.store.Upsert(ctx, order); err != nil {
		e.logger.Warn("order snapshot write failed",
			slog.String("key", order.Key),
			slog.String("error", err.Error()))
	}

	e.emit(order)
	return order
}

// markFailed transitions an order to failed, persists, and emits the event.
func (e *Executor) markFailed(order domain.Order, cause error) domain.Order {
	e.mu.Lock()
	order.Status = domain.OrderStatusFailed
	order.UpdatedAt = time.Now().UTC()
	e.orders[order.Key] = order
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Upsert(ctx, order); err != nil {
		e.logger.Warn("order snapshot write failed",
			slog.String("key", order.Key),
			slog.String("error", err.Error()))
	}

	e.emit(order)
	return order
}

func (e *Executor) bumpRetries(ctx context.Context, order domain.Order) domain.Order {
	e.mu.Lock()
	order.Retries++
	order.UpdatedAt = time.Now().UTC()
	e.orders[order.Key] = order
	e.mu.Unlock()

	if err := e.store.Upsert(ctx, order); err != nil {
		e.logger.Warn("order snapshot write failed",
			slog.String("key", order.Key),
			slog.String("error", err.Error()))
	}
	return order
}

// emit delivers a fill event without blocking the caller; if the consumer
// has fallen far enough behind to fill the buffer the event is dropped with
// a warning.
func (e *Executor) emit(order domain.Order) {
	fill := domain.Fill{
		OrderKey:    order.Key,
		ExchangeID:  order.ExchangeID,
		MarketID:    order.MarketID,
		TokenID:     order.TokenID,
		Side:        order.Side,
		Status:      order.Status,
		FilledQty:   order.FilledQty,
		FilledPrice: order.FilledPrice,
		Timestamp:   order.UpdatedAt,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fillsClosed {
		return
	}

	select {
	case e.fills <- fill:
	default:
		e.logger.Warn("fill channel full, dropping event",
			slog.String("key", order.Key),
			slog.String("status", string(order.Status)))
	}
}
