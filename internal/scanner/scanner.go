// Package scanner discovers markets entering the endgame window.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/domain"
)

// Config tunes the scan loop.
type Config struct {
	Interval     time.Duration // cadence between scan passes
	MinTimeToEnd time.Duration // lower bound of the eligibility window
	MaxTimeToEnd time.Duration // upper bound of the eligibility window
	ListLimit    int           // page size requested from the feed

	// SportsOnly restricts the listing pass to markets whose question or
	// slug mentions a sports competition.
	SportsOnly bool

	// UpDownAssets enables the periodic crypto Up/Down pass: for each
	// asset and period, slugs of the current and upcoming windows are
	// derived and looked up directly, since these markets rotate too fast
	// for listing pages to catch them reliably.
	UpDownAssets  []string // e.g. "btc", "eth", "sol"
	UpDownPeriods []string // e.g. "5m", "15m"
}

// upDownLookahead is how many period windows are probed per asset per pass,
// starting from the current one.
const upDownLookahead = 5

// sportsKeywords classify a market as a sports event when any of them
// appears in the question or slug.
var sportsKeywords = []string{
	"nba", "nfl", "nhl", "mlb", "mls", "ncaa",
	"soccer", "football", "basketball", "baseball", "hockey",
	"tennis", "golf", "ufc", "boxing", "f1", "mma",
	"premier league", "champions league", "world cup", "super bowl",
	"playoffs", "championship", "finals", "world series", "stanley cup",
	" vs ", "spread", "grand slam",
}

// IsSportsMarket reports whether the question or slug reads like a sports
// event market.
func IsSportsMarket(question, slug string) bool {
	text := strings.ToLower(question + " " + slug)
	for _, kw := range sportsKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// TrackedFunc reports whether a market already has an active engine, so the
// scanner does not hand out duplicates.
type TrackedFunc func(marketID string) bool

// Scanner periodically lists active markets and emits those whose scheduled
// resolution falls inside [now+min, now+max]. A failed fetch is logged and
// retried on the next tick; it never terminates the loop.
type Scanner struct {
	feed      domain.MarketFeed
	cfg       Config
	isTracked TrackedFunc
	logger    *slog.Logger

	out chan domain.Market
	now func() time.Time
}

// New creates a Scanner.
func New(feed domain.MarketFeed, cfg Config, isTracked TrackedFunc, logger *slog.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 200
	}
	if len(cfg.UpDownAssets) > 0 && len(cfg.UpDownPeriods) == 0 {
		cfg.UpDownPeriods = []string{"5m", "15m"}
	}
	return &Scanner{
		feed:      feed,
		cfg:       cfg,
		isTracked: isTracked,
		logger:    logger.With(slog.String("component", "scanner")),
		out:       make(chan domain.Market, 64),
		now:       time.Now,
	}
}

// Markets returns the channel of newly discovered eligible markets.
func (s *Scanner) Markets() <-chan domain.Market {
	return s.out
}

// Run scans on the configured interval until ctx is cancelled. The first
// pass runs immediately rather than waiting a full interval.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("scanner started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("min_time_to_end", s.cfg.MinTimeToEnd),
		slog.Duration("max_time_to_end", s.cfg.MaxTimeToEnd))
	defer s.logger.Info("scanner stopped")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.scanPass(ctx)

		select {
		case <-ctx.Done():
			close(s.out)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scanPass performs one scan and emits eligible markets.
func (s *Scanner) scanPass(ctx context.Context) {
	markets, err := s.ScanOnce(ctx)
	if err != nil {
		s.logger.Warn("scan pass failed, retrying next tick",
			slog.String("error", err.Error()))
		return
	}

	for _, m := range markets {
		select {
		case s.out <- m:
		case <-ctx.Done():
			return
		}
	}
}

// ScanOnce lists markets and returns those eligible for entry, skipping
// markets already tracked by an engine. The Up/Down pass runs in addition
// to the listing pass and is exempt from the sports restriction.
func (s *Scanner) ScanOnce(ctx context.Context) ([]domain.Market, error) {
	listed, err := s.feed.ListMarkets(ctx, domain.MarketFilter{
		Active: true,
		Closed: false,
		Limit:  s.cfg.ListLimit,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()

	var candidates []domain.Market
	for _, m := range listed {
		if s.cfg.SportsOnly && !IsSportsMarket(m.Question, m.Slug) {
			continue
		}
		candidates = append(candidates, m)
	}
	candidates = append(candidates, s.upDownPass(ctx, now)...)

	seen := make(map[string]struct{}, len(candidates))
	var eligible []domain.Market
	for _, m := range candidates {
		if _, dup := seen[m.ConditionID]; dup {
			continue
		}
		seen[m.ConditionID] = struct{}{}
		if !s.eligible(m, now) {
			continue
		}
		if s.isTracked != nil && s.isTracked(m.ConditionID) {
			continue
		}
		eligible = append(eligible, m)
	}

	s.logger.Debug("scan pass complete",
		slog.Int("listed", len(listed)),
		slog.Int("eligible", len(eligible)))
	return eligible, nil
}

// upDownPass probes the derivable slugs of periodic Up/Down markets. Slugs
// whose window has not been created yet come back not-found; that is the
// normal case, not an error.
func (s *Scanner) upDownPass(ctx context.Context, now time.Time) []domain.Market {
	if len(s.cfg.UpDownAssets) == 0 {
		return nil
	}

	var found []domain.Market
	for _, slug := range s.upDownSlugs(now) {
		m, err := s.feed.GetMarketBySlug(ctx, slug)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				s.logger.Debug("updown lookup failed",
					slog.String("slug", slug),
					slog.String("error", err.Error()))
			}
			continue
		}
		found = append(found, m)
	}
	return found
}

// upDownSlugs derives the slugs of the current and next few period windows
// for every configured asset. Window start timestamps are aligned down to
// the period, matching how the exchange names these markets.
func (s *Scanner) upDownSlugs(now time.Time) []string {
	var slugs []string
	for _, asset := range s.cfg.UpDownAssets {
		for _, period := range s.cfg.UpDownPeriods {
			d, err := time.ParseDuration(period)
			if err != nil || d <= 0 {
				s.logger.Warn("unparseable updown period, skipping",
					slog.String("period", period))
				continue
			}
			sec := int64(d.Seconds())
			aligned := now.Unix() / sec * sec
			for i := int64(0); i < upDownLookahead; i++ {
				slugs = append(slugs, fmt.Sprintf("%s-updown-%s-%d", asset, period, aligned+i*sec))
			}
		}
	}
	return slugs
}

// eligible applies the endgame window and basic tradability checks.
func (s *Scanner) eligible(m domain.Market, now time.Time) bool {
	if !m.Active || m.Closed || m.Resolved {
		return false
	}
	if m.Outcomes[0].TokenID == "" || m.Outcomes[1].TokenID == "" {
		return false
	}
	if m.EndDate.IsZero() {
		return false
	}

	remaining := m.EndDate.Sub(now)
	return remaining >= s.cfg.MinTimeToEnd && remaining <= s.cfg.MaxTimeToEnd
}
