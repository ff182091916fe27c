// Package risk enforces the capital budget. The Manager is the single
// gatekeeper for committing capital: every entry reserves against it and
// every terminal position releases back exactly once.
package risk

import (
	"log/slog"
	"sync"
	"time"
)

// Config sets the budget limits.
type Config struct {
	MaxPositionSize  float64       // USDC cap per market
	MaxTotalExposure float64       // USDC cap across all open positions
	DailyLossLimit   float64       // realized-loss kill switch; 0 disables
	BlacklistTTL     time.Duration // how long a failed market stays barred
}

// Manager tracks committed capital per market and in aggregate. All state is
// guarded by a single mutex so reservation and release are linearizable: no
// interleaving of concurrent TryReserve calls can push the total past the
// cap, even momentarily.
type Manager struct {
	mu sync.Mutex

	cfg Config

	perMarket map[string]float64
	total     float64

	blacklist map[string]time.Time

	lossDay   time.Time
	dailyLoss float64

	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a risk manager with empty counters.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		perMarket: make(map[string]float64),
		blacklist: make(map[string]time.Time),
		logger:    logger.With(slog.String("component", "risk")),
		now:       time.Now,
	}
}

// TryReserve attempts to commit amount USDC against the given market. It
// returns false with no side effect when the per-market cap, the total cap,
// a blacklist entry, or the daily-loss kill switch forbids the entry.
// A denial is a normal control-flow outcome, not an error.
func (m *Manager) TryReserve(marketID string, amount float64) bool {
	if amount <= 0 {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.haltedLocked() {
		return false
	}
	if m.blacklistedLocked(marketID) {
		return false
	}
	if m.perMarket[marketID]+amount > m.cfg.MaxPositionSize {
		return false
	}
	if m.total+amount > m.cfg.MaxTotalExposure {
		return false
	}

	m.perMarket[marketID] += amount
	m.total += amount
	return true
}

// Release returns previously reserved capital. Callers must pass the exact
// amount they reserved; the manager clamps at zero so an accounting bug
// cannot drive counters negative, but it does not otherwise defend against
// caller misuse.
func (m *Manager) Release(marketID string, amount float64) {
	if amount <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	committed := m.perMarket[marketID]
	if amount > committed {
		m.logger.Warn("release exceeds committed amount, clamping",
			slog.String("market_id", marketID),
			slog.Float64("amount", amount),
			slog.Float64("committed", committed))
		amount = committed
	}

	m.perMarket[marketID] -= amount
	if m.perMarket[marketID] <= 0 {
		delete(m.perMarket, marketID)
	}
	m.total -= amount
	if m.total < 0 {
		m.total = 0
	}
}

// AvailableFor returns how much capital an entry in the given market could
// reserve right now. The answer is advisory: a concurrent reservation may
// shrink it, and TryReserve re-checks under the lock.
func (m *Manager) AvailableFor(marketID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.haltedLocked() || m.blacklistedLocked(marketID) {
		return 0
	}

	marketRoom := m.cfg.MaxPositionSize - m.perMarket[marketID]
	totalRoom := m.cfg.MaxTotalExposure - m.total
	if totalRoom < marketRoom {
		marketRoom = totalRoom
	}
	if marketRoom < 0 {
		return 0
	}
	return marketRoom
}

// Blacklist bars a market from new entries for the configured TTL. Used
// after an abandoned entry so the same market is not immediately retried.
func (m *Manager) Blacklist(marketID string) {
	if m.cfg.BlacklistTTL <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.blacklist[marketID] = m.now().Add(m.cfg.BlacklistTTL)
	m.logger.Info("market blacklisted",
		slog.String("market_id", marketID),
		slog.Duration("ttl", m.cfg.BlacklistTTL))
}

// Blacklisted reports whether the market is currently barred.
func (m *Manager) Blacklisted(marketID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blacklistedLocked(marketID)
}

// RecordPnL feeds realized profit or loss into the daily-loss tracker.
// Losses are negative. When cumulative losses for the UTC day exceed the
// configured limit, all new reservations are denied until the day rolls over.
func (m *Manager) RecordPnL(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := m.now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(m.lossDay) {
		m.lossDay = day
		m.dailyLoss = 0
	}
	if pnl < 0 {
		m.dailyLoss += -pnl
	}

	if m.cfg.DailyLossLimit > 0 && m.dailyLoss >= m.cfg.DailyLossLimit {
		m.logger.Warn("daily loss limit reached, halting new entries",
			slog.Float64("daily_loss", m.dailyLoss),
			slog.Float64("limit", m.cfg.DailyLossLimit))
	}
}

// Halted reports whether the daily-loss kill switch is engaged.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haltedLocked()
}

// Snapshot returns the current committed totals for the ops endpoint.
func (m *Manager) Snapshot() (perMarket map[string]float64, total float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	perMarket = make(map[string]float64, len(m.perMarket))
	for k, v := range m.perMarket {
		perMarket[k] = v
	}
	return perMarket, m.total
}

func (m *Manager) haltedLocked() bool {
	if m.cfg.DailyLossLimit <= 0 {
		return false
	}
	day := m.now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(m.lossDay) {
		return false
	}
	return m.dailyLoss >= m.cfg.DailyLossLimit
}

func (m *Manager) blacklistedLocked(marketID string) bool {
	until, ok := m.blacklist[marketID]
	if !ok {
		return false
	}
	if m.now().After(until) {
		delete(m.blacklist, marketID)
		return false
	}
	return true
}
