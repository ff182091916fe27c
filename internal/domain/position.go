package domain

import "time"

// EngineState is the lifecycle state of a per-market strategy engine.
type EngineState string

const (
	StateWatching     EngineState = "watching"
	StateEntryPending EngineState = "entry_pending"
	StateHolding      EngineState = "holding"
	StateExitPending  EngineState = "exit_pending"
	StateClosed       EngineState = "closed"
	StateAbandoned    EngineState = "abandoned"
)

// Terminal reports whether the state machine has finished.
func (s EngineState) Terminal() bool {
	return s == StateClosed || s == StateAbandoned
}

// Position is an open or historical holding in a single outcome token.
// Cost is the capital reserved against the risk budget at entry; it is
// released exactly once when the position reaches a terminal state.
type Position struct {
	ID           string
	MarketID     string
	TokenID      string
	OutcomeName  string
	EntryPrice   float64
	Quantity     float64
	Cost         float64
	ExitOrderKey string
	State        EngineState
	RealizedPnL  float64
	OpenedAt     time.Time
	ClosedAt     *time.Time
}

// Open reports whether the position still carries exposure.
func (p Position) Open() bool {
	return !p.State.Terminal()
}
