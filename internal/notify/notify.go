// Package notify fans engine events out to operator notification channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SimpleJTS/PolyTail/internal/engine"
)

// Sink delivers a rendered message to one notification channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Dispatcher filters engine events against the configured event list and
// forwards the survivors to every sink. Delivery runs on its own goroutine so
// a slow webhook never stalls the trading loop.
type Dispatcher struct {
	sinks   []Sink
	allowed map[string]bool
	queue   chan engine.Event
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher forwarding the given event types. An
// empty events list forwards nothing.
func NewDispatcher(sinks []Sink, events []string, logger *slog.Logger) *Dispatcher {
	allowed := make(map[string]bool, len(events))
	for _, ev := range events {
		allowed[strings.ToLower(ev)] = true
	}
	return &Dispatcher{
		sinks:   sinks,
		allowed: allowed,
		queue:   make(chan engine.Event, 64),
		logger:  logger.With(slog.String("component", "notify")),
	}
}

// Handle is the engine event callback. It never blocks; when the queue is
// full the event is dropped with a warning.
func (d *Dispatcher) Handle(ev engine.Event) {
	if !d.allowed[string(ev.Type)] {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("notification queue full, dropping event",
			slog.String("type", string(ev.Type)),
			slog.String("market_id", ev.MarketID))
	}
}

// Run delivers queued events until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.queue:
			text := Format(ev)
			for _, sink := range d.sinks {
				if err := sink.Send(ctx, text); err != nil {
					d.logger.Warn("notification delivery failed",
						slog.String("sink", sink.Name()),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

// Format renders an event as a short operator message.
func Format(ev engine.Event) string {
	var b strings.Builder

	switch ev.Type {
	case engine.EventEntryPlaced:
		fmt.Fprintf(&b, "🎯 Entry placed: %s", ev.OutcomeName)
	case engine.EventEntryFilled:
		fmt.Fprintf(&b, "✅ Entry filled: %s", ev.OutcomeName)
	case engine.EventExitPlaced:
		fmt.Fprintf(&b, "📤 Exit placed: %s", ev.OutcomeName)
	case engine.EventPositionClosed:
		if ev.PnL >= 0 {
			fmt.Fprintf(&b, "💰 Position closed: %s, PnL +%.2f", ev.OutcomeName, ev.PnL)
		} else {
			fmt.Fprintf(&b, "🔻 Position closed: %s, PnL %.2f", ev.OutcomeName, ev.PnL)
		}
	case engine.EventAbandoned:
		fmt.Fprintf(&b, "⚠️ Market abandoned")
	case engine.EventEntrySkipped:
		fmt.Fprintf(&b, "⏭ Entry skipped: %s", ev.OutcomeName)
	default:
		fmt.Fprintf(&b, "%s", ev.Type)
	}

	if ev.Question != "" {
		fmt.Fprintf(&b, "\n%s", ev.Question)
	}
	if ev.Price > 0 {
		fmt.Fprintf(&b, "\nprice %.3f", ev.Price)
	}
	if ev.Quantity > 0 {
		fmt.Fprintf(&b, ", qty %.2f", ev.Quantity)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", ev.Reason)
	}
	return b.String()
}
