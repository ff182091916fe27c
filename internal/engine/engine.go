// Package engine holds the per-market strategy state machines and the
// trader that coordinates them.
//
// Each engine walks one market through
// watching -> entry_pending -> holding -> exit_pending -> closed, with
// abandoned reachable from any non-terminal state on irrecoverable failure
// or resolution without a fill.
package engine

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/SimpleJTS/PolyTail/internal/executor"
	"github.com/SimpleJTS/PolyTail/internal/risk"
)

// Config sets the strategy prices.
type Config struct {
	EntryThreshold float64 // minimum ask to open a position
	MaxEntryPrice  float64 // highest ask still worth buying
	ExitPrice      float64 // limit price of the resting exit sell
}

// EventType classifies operator-visible engine events.
type EventType string

const (
	EventEntrySkipped   EventType = "entry_skipped"
	EventEntryPlaced    EventType = "entry_placed"
	EventEntryFilled    EventType = "entry_filled"
	EventExitPlaced     EventType = "exit_placed"
	EventPositionClosed EventType = "position_closed"
	EventAbandoned      EventType = "abandoned"
)

// Event is emitted on every notable transition for notification channels and
// the signal bus.
type Event struct {
	Type        EventType
	MarketID    string
	Question    string
	OutcomeName string
	Price       float64
	Quantity    float64
	PnL         float64
	Reason      string
	At          time.Time
}

// EventFunc receives engine events. Implementations must not block.
type EventFunc func(Event)

// Engine is the state machine for a single market. One entry per market: the
// first qualifying outcome wins, enforced by the engine's own lock, so a
// stale quote on the other outcome can never open a second position.
type Engine struct {
	market domain.Market
	cfg    Config

	risk   *risk.Manager
	exec   *executor.Executor
	store  domain.PositionStore
	events EventFunc
	logger *slog.Logger

	mu       sync.Mutex
	state    domain.EngineState
	pos      domain.Position
	entryKey string
	exitKey  string
	reserved float64
	released bool
}

// NewEngine creates an engine in the watching state.
func NewEngine(market domain.Market, cfg Config, rm *risk.Manager, exec *executor.Executor, store domain.PositionStore, events EventFunc, logger *slog.Logger) *Engine {
	return &Engine{
		market: market,
		cfg:    cfg,
		risk:   rm,
		exec:   exec,
		store:  store,
		events: events,
		logger: logger.With(
			slog.String("component", "engine"),
			slog.String("market_id", market.ConditionID),
		),
		state: domain.StateWatching,
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() domain.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Terminal reports whether the engine has finished with its market.
func (e *Engine) Terminal() bool {
	return e.State().Terminal()
}

// Position returns the current position snapshot and whether one exists.
func (e *Engine) Position() (domain.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, e.pos.ID != ""
}

// Market returns the market this engine owns.
func (e *Engine) Market() domain.Market {
	return e.market
}

// OnPrice evaluates a price update. In the watching state a qualifying ask
// triggers the entry attempt; in any other state price updates are ignored.
func (e *Engine) OnPrice(ctx context.Context, update domain.PriceUpdate) {
	e.mu.Lock()
	if e.state != domain.StateWatching {
		e.mu.Unlock()
		return
	}

	ask := update.BestAsk
	if ask < e.cfg.EntryThreshold || ask > e.cfg.MaxEntryPrice {
		e.mu.Unlock()
		return
	}

	avail := e.risk.AvailableFor(e.market.ConditionID)
	qty := math.Floor(avail/ask*100) / 100
	cost := qty * ask
	if qty <= 0 || !e.risk.TryReserve(e.market.ConditionID, cost) {
		// Budget denial is normal control flow: no retry storm, the engine
		// re-evaluates on the next qualifying update.
		e.mu.Unlock()
		e.logger.Info("entry skipped, risk budget rejected",
			slog.String("outcome", update.OutcomeName),
			slog.Float64("ask", ask))
		e.emit(Event{
			Type:        EventEntrySkipped,
			MarketID:    e.market.ConditionID,
			Question:    e.market.Question,
			OutcomeName: update.OutcomeName,
			Price:       ask,
			Reason:      "risk budget rejected",
		})
		return
	}

	key := uuid.New().String()
	e.entryKey = key
	e.reserved = cost
	e.released = false
	e.state = domain.StateEntryPending

	order := domain.Order{
		Key:         key,
		MarketID:    e.market.ConditionID,
		TokenID:     update.TokenID,
		OutcomeName: update.OutcomeName,
		Side:        domain.OrderSideBuy,
		Price:       ask,
		Quantity:    qty,
	}
	e.mu.Unlock()

	e.logger.Info("entry triggered",
		slog.String("outcome", update.OutcomeName),
		slog.Float64("ask", ask),
		slog.Float64("quantity", qty))
	e.emit(Event{
		Type:        EventEntryPlaced,
		MarketID:    e.market.ConditionID,
		Question:    e.market.Question,
		OutcomeName: update.OutcomeName,
		Price:       ask,
		Quantity:    qty,
	})

	// Submission blocks through its retry budget, so it runs off the
	// dispatch goroutine. The outcome arrives as a fill event.
	go func() {
		if _, err := e.exec.Submit(ctx, order); err != nil {
			e.logger.Warn("entry submission failed",
				slog.String("error", err.Error()))
		}
	}()
}

// OnFill applies an order status change from the executor.
func (e *Engine) OnFill(ctx context.Context, fill domain.Fill) {
	e.mu.Lock()
	switch fill.OrderKey {
	case e.entryKey:
		e.onEntryFill(ctx, fill)
	case e.exitKey:
		e.onExitFill(ctx, fill)
	default:
		e.mu.Unlock()
	}
}

// onEntryFill handles the buy order lifecycle. Called with e.mu held;
// releases it.
func (e *Engine) onEntryFill(ctx context.Context, fill domain.Fill) {
	if e.state != domain.StateEntryPending {
		e.mu.Unlock()
		return
	}

	switch fill.Status {
	case domain.OrderStatusFilled, domain.OrderStatusPartiallyFilled:
		// A partial entry fill becomes a full position sized to the filled
		// quantity; the remainder is cancelled, never topped up.
		partial := fill.Status == domain.OrderStatusPartiallyFilled

		qty := fill.FilledQty
		price := fill.FilledPrice
		if price <= 0 {
			price = e.cfg.EntryThreshold
		}
		cost := qty * price

		// Return the slice of the reservation the fill did not consume.
		if excess := e.reserved - cost; excess > 0 {
			e.risk.Release(e.market.ConditionID, excess)
		}
		e.reserved = cost

		now := time.Now().UTC()
		e.pos = domain.Position{
			ID:          uuid.New().String(),
			MarketID:    e.market.ConditionID,
			TokenID:     fill.TokenID,
			OutcomeName: e.outcomeName(fill.TokenID),
			EntryPrice:  price,
			Quantity:    qty,
			Cost:        cost,
			State:       domain.StateHolding,
			OpenedAt:    now,
		}
		e.state = domain.StateHolding
		entryKey := e.entryKey
		outcome := e.pos.OutcomeName
		e.mu.Unlock()

		if partial {
			go func() {
				if err := e.exec.Cancel(ctx, entryKey); err != nil {
					e.logger.Debug("cancel of partial entry remainder failed",
						slog.String("error", err.Error()))
				}
			}()
		}

		e.persist(ctx)
		e.logger.Info("entry filled",
			slog.Float64("price", price),
			slog.Float64("quantity", qty),
			slog.Bool("partial", partial))
		e.emit(Event{
			Type:        EventEntryFilled,
			MarketID:    e.market.ConditionID,
			Question:    e.market.Question,
			OutcomeName: outcome,
			Price:       price,
			Quantity:    qty,
		})

		e.placeExit(ctx)

	case domain.OrderStatusCanceled:
		// Price moved before the fill. Release and go back to watching.
		e.releaseOnce()
		e.entryKey = ""
		e.state = domain.StateWatching
		e.mu.Unlock()

		e.logger.Info("entry canceled before fill, watching again")

	case domain.OrderStatusFailed:
		e.releaseOnce()
		e.state = domain.StateAbandoned
		e.mu.Unlock()

		e.risk.Blacklist(e.market.ConditionID)
		e.persist(ctx)
		e.logger.Warn("entry failed after retries, abandoning market")
		e.emit(Event{
			Type:     EventAbandoned,
			MarketID: e.market.ConditionID,
			Question: e.market.Question,
			Reason:   "entry submission failed",
		})

	default:
		e.mu.Unlock()
	}
}

// placeExit posts the resting sell for the full position quantity and moves
// to exit_pending.
func (e *Engine) placeExit(ctx context.Context) {
	e.mu.Lock()
	if e.state != domain.StateHolding {
		e.mu.Unlock()
		return
	}

	key := uuid.New().String()
	e.exitKey = key
	e.pos.ExitOrderKey = key
	e.pos.State = domain.StateExitPending
	e.state = domain.StateExitPending

	order := domain.Order{
		Key:         key,
		MarketID:    e.market.ConditionID,
		TokenID:     e.pos.TokenID,
		OutcomeName: e.pos.OutcomeName,
		Side:        domain.OrderSideSell,
		Price:       e.cfg.ExitPrice,
		Quantity:    e.pos.Quantity,
	}
	qty := e.pos.Quantity
	outcome := e.pos.OutcomeName
	e.mu.Unlock()

	e.persist(ctx)
	e.logger.Info("exit placed",
		slog.Float64("price", order.Price),
		slog.Float64("quantity", qty))
	e.emit(Event{
		Type:        EventExitPlaced,
		MarketID:    e.market.ConditionID,
		Question:    e.market.Question,
		OutcomeName: outcome,
		Price:       order.Price,
		Quantity:    qty,
	})

	go func() {
		if _, err := e.exec.Submit(ctx, order); err != nil {
			e.logger.Warn("exit submission failed",
				slog.String("error", err.Error()))
		}
	}()
}

// onExitFill handles the sell order lifecycle. Called with e.mu held;
// releases it.
func (e *Engine) onExitFill(ctx context.Context, fill domain.Fill) {
	if e.state != domain.StateExitPending {
		e.mu.Unlock()
		return
	}

	switch fill.Status {
	case domain.OrderStatusFilled:
		pnl := (fill.FilledPrice - e.pos.EntryPrice) * e.pos.Quantity
		e.closeLocked(domain.StateClosed, pnl)
		pos := e.pos
		e.mu.Unlock()

		e.risk.RecordPnL(pnl)
		e.persist(ctx)
		e.logger.Info("exit filled, position closed",
			slog.Float64("exit_price", fill.FilledPrice),
			slog.Float64("pnl", pnl))
		e.emit(Event{
			Type:        EventPositionClosed,
			MarketID:    e.market.ConditionID,
			Question:    e.market.Question,
			OutcomeName: pos.OutcomeName,
			Price:       fill.FilledPrice,
			Quantity:    pos.Quantity,
			PnL:         pnl,
		})

	case domain.OrderStatusPartiallyFilled:
		// Remainder keeps resting at the exit limit; nothing to do until the
		// next status change or resolution.
		e.mu.Unlock()

	case domain.OrderStatusFailed:
		e.releaseOnce()
		e.state = domain.StateAbandoned
		e.pos.State = domain.StateAbandoned
		e.mu.Unlock()

		e.risk.Blacklist(e.market.ConditionID)
		e.persist(ctx)
		e.logger.Warn("exit failed after retries, abandoning market")
		e.emit(Event{
			Type:     EventAbandoned,
			MarketID: e.market.ConditionID,
			Question: e.market.Question,
			Reason:   "exit submission failed",
		})

	default:
		e.mu.Unlock()
	}
}

// OnResolution tells the engine its market has resolved. If an exit order is
// still resting it is cancelled best-effort; the position settles at the
// exchange (1.0 for the winning outcome, 0.0 otherwise), and the budget is
// released exactly once.
func (e *Engine) OnResolution(ctx context.Context, res domain.Resolution) {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}

	switch e.state {
	case domain.StateWatching:
		e.state = domain.StateAbandoned
		e.mu.Unlock()
		e.logger.Info("market resolved before entry")
		return

	case domain.StateEntryPending:
		entryKey := e.entryKey
		e.releaseOnce()
		e.state = domain.StateAbandoned
		e.mu.Unlock()

		// Cancel hits the exchange, so it runs off the dispatch goroutine.
		go func() {
			if err := e.exec.Cancel(ctx, entryKey); err != nil {
				e.logger.Debug("cancel on resolution failed",
					slog.String("error", err.Error()))
			}
		}()
		e.persist(ctx)
		e.logger.Info("market resolved during entry, abandoned without fill")
		e.emit(Event{
			Type:     EventAbandoned,
			MarketID: e.market.ConditionID,
			Question: e.market.Question,
			Reason:   "resolved before entry fill",
		})
		return
	}

	// Holding or exit pending: the exchange settles the position.
	settlement := 0.0
	if res.WinnerName != "" && strings.EqualFold(res.WinnerName, e.pos.OutcomeName) {
		settlement = 1.0
	}
	pnl := (settlement - e.pos.EntryPrice) * e.pos.Quantity
	exitKey := e.exitKey
	e.closeLocked(domain.StateClosed, pnl)
	pos := e.pos
	e.mu.Unlock()

	if exitKey != "" {
		go func() {
			if err := e.exec.Cancel(ctx, exitKey); err != nil {
				e.logger.Debug("cancel of resting exit on resolution failed",
					slog.String("error", err.Error()))
			}
		}()
	}

	e.risk.RecordPnL(pnl)
	e.persist(ctx)
	e.logger.Info("market resolved, position settled",
		slog.String("winner", res.WinnerName),
		slog.Float64("settlement", settlement),
		slog.Float64("pnl", pnl))
	e.emit(Event{
		Type:        EventPositionClosed,
		MarketID:    e.market.ConditionID,
		Question:    e.market.Question,
		OutcomeName: pos.OutcomeName,
		Price:       settlement,
		Quantity:    pos.Quantity,
		PnL:         pnl,
		Reason:      "resolved",
	})
}

// Restore rebuilds engine state from a persisted position after a restart.
// The risk reservation is re-established from the recorded cost.
func (e *Engine) Restore(pos domain.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pos = pos
	e.state = pos.State
	e.exitKey = pos.ExitOrderKey
	e.reserved = pos.Cost
	e.released = pos.State.Terminal()
}

// restoreFilledEntry adopts a buy order the exchange reports filled but for
// which no position snapshot survived the restart.
func (e *Engine) restoreFilledEntry(order domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cost := order.FilledQty * order.FilledPrice
	e.pos = domain.Position{
		ID:          uuid.New().String(),
		MarketID:    order.MarketID,
		TokenID:     order.TokenID,
		OutcomeName: order.OutcomeName,
		EntryPrice:  order.FilledPrice,
		Quantity:    order.FilledQty,
		Cost:        cost,
		State:       domain.StateHolding,
		OpenedAt:    time.Now().UTC(),
	}
	e.reserved = cost
	e.released = false
	e.state = domain.StateHolding
}

// restoreRestingEntry resumes waiting on a buy order still live at the
// exchange after a restart.
func (e *Engine) restoreRestingEntry(order domain.Order, reserved float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.entryKey = order.Key
	e.reserved = reserved
	e.released = false
	e.state = domain.StateEntryPending
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// closeLocked finalizes the position. Caller holds e.mu.
func (e *Engine) closeLocked(state domain.EngineState, pnl float64) {
	e.releaseOnce()
	now := time.Now().UTC()
	e.state = state
	e.pos.State = state
	e.pos.RealizedPnL = pnl
	e.pos.ClosedAt = &now
}

// releaseOnce returns the reservation to the risk manager at most once.
// Caller holds e.mu.
func (e *Engine) releaseOnce() {
	if e.released || e.reserved <= 0 {
		e.released = true
		return
	}
	e.released = true
	e.risk.Release(e.market.ConditionID, e.reserved)
}

// persist snapshots the position if one exists.
func (e *Engine) persist(ctx context.Context) {
	e.mu.Lock()
	pos := e.pos
	e.mu.Unlock()
	if pos.ID == "" {
		return
	}

	if err := e.store.Upsert(ctx, pos); err != nil {
		e.logger.Warn("position snapshot write failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) emit(ev Event) {
	if e.events == nil {
		return
	}
	ev.At = time.Now().UTC()
	e.events(ev)
}

func (e *Engine) outcomeName(tokenID string) string {
	if o, ok := e.market.OutcomeByToken(tokenID); ok {
		return o.Name
	}
	return ""
}
