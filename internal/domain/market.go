package domain

import (
	"strings"
	"time"
)

// Outcome is one side of a binary market.
type Outcome struct {
	TokenID string
	Name    string // "Yes" or "No" (some markets use "Up"/"Down")
	Price   float64
	Winner  bool
}

// Market represents a Polymarket prediction market with two outcomes.
// Identity fields are immutable; prices are refreshed by the price monitor.
type Market struct {
	ConditionID string
	Question    string
	Slug        string
	Outcomes    [2]Outcome
	EndDate     time.Time
	Active      bool
	Closed      bool
	Resolved    bool
	Volume      float64
	Liquidity   float64
}

// MinutesToEnd returns the minutes remaining until the market's scheduled
// resolution, relative to now. Negative when the end date has passed.
func (m Market) MinutesToEnd(now time.Time) float64 {
	return m.EndDate.Sub(now).Minutes()
}

// Outcome returns the outcome with the given name, case-insensitively.
func (m Market) Outcome(name string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if strings.EqualFold(o.Name, name) {
			return o, true
		}
	}
	return Outcome{}, false
}

// OutcomeByToken returns the outcome holding the given token ID.
func (m Market) OutcomeByToken(tokenID string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.TokenID == tokenID {
			return o, true
		}
	}
	return Outcome{}, false
}

// Quote is the best bid/ask for a single outcome token at fetch time.
type Quote struct {
	TokenID   string
	BestBid   float64
	BestAsk   float64
	FetchedAt time.Time
}

// Mid returns the mid price, or zero when either side is missing.
func (q Quote) Mid() float64 {
	if q.BestBid <= 0 || q.BestAsk <= 0 {
		return 0
	}
	return (q.BestBid + q.BestAsk) / 2
}

