package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimpleJTS/PolyTail/internal/domain"
)

type fakeFeed struct {
	mu      sync.Mutex
	markets []domain.Market
	bySlug  map[string]domain.Market
	err     error
	calls   int
}

func (f *fakeFeed) ListMarkets(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		err := f.err
		f.err = nil
		return nil, err
	}
	return f.markets, nil
}

func (f *fakeFeed) GetMarket(ctx context.Context, conditionID string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

func (f *fakeFeed) GetMarketBySlug(ctx context.Context, slug string) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.bySlug[slug]; ok {
		return m, nil
	}
	return domain.Market{}, domain.ErrNotFound
}

func (f *fakeFeed) GetQuote(ctx context.Context, tokenID string) (domain.Quote, error) {
	return domain.Quote{}, domain.ErrNotFound
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkMarket(id string, endsIn time.Duration, now time.Time) domain.Market {
	return domain.Market{
		ConditionID: id,
		Active:      true,
		EndDate:     now.Add(endsIn),
		Outcomes: [2]domain.Outcome{
			{TokenID: id + "-yes", Name: "Yes"},
			{TokenID: id + "-no", Name: "No"},
		},
	}
}

func testConfig() Config {
	return Config{
		Interval:     5 * time.Millisecond,
		MinTimeToEnd: 5 * time.Minute,
		MaxTimeToEnd: 15 * time.Minute,
		ListLimit:    100,
	}
}

func TestScanOnceFiltersWindow(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	feed := &fakeFeed{markets: []domain.Market{
		mkMarket("too-soon", 2*time.Minute, now),
		mkMarket("in-window", 10*time.Minute, now),
		mkMarket("edge-min", 5*time.Minute, now),
		mkMarket("edge-max", 15*time.Minute, now),
		mkMarket("too-late", 30*time.Minute, now),
		mkMarket("ended", -1*time.Minute, now),
	}}

	s := New(feed, testConfig(), nil, testLogger())
	s.now = func() time.Time { return now }

	got, err := s.ScanOnce(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, m := range got {
		ids = append(ids, m.ConditionID)
	}
	assert.ElementsMatch(t, []string{"in-window", "edge-min", "edge-max"}, ids)
}

func TestScanOnceSkipsUntradableMarkets(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	closed := mkMarket("closed", 10*time.Minute, now)
	closed.Closed = true
	resolved := mkMarket("resolved", 10*time.Minute, now)
	resolved.Resolved = true
	noTokens := mkMarket("no-tokens", 10*time.Minute, now)
	noTokens.Outcomes[1].TokenID = ""

	feed := &fakeFeed{markets: []domain.Market{
		closed, resolved, noTokens, mkMarket("good", 10*time.Minute, now),
	}}

	s := New(feed, testConfig(), nil, testLogger())
	s.now = func() time.Time { return now }

	got, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].ConditionID)
}

func TestScanOnceSkipsTrackedMarkets(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	feed := &fakeFeed{markets: []domain.Market{
		mkMarket("tracked", 10*time.Minute, now),
		mkMarket("fresh", 10*time.Minute, now),
	}}

	s := New(feed, testConfig(), func(id string) bool { return id == "tracked" }, testLogger())
	s.now = func() time.Time { return now }

	got, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].ConditionID)
}

func TestSportsOnlyKeepsKeywordMarkets(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	game := mkMarket("game", 10*time.Minute, now)
	game.Question = "Will the Celtics beat the Lakers?"
	game.Slug = "nba-celtics-lakers"
	politics := mkMarket("politics", 10*time.Minute, now)
	politics.Question = "Will the bill pass this week?"
	politics.Slug = "senate-bill-vote"

	feed := &fakeFeed{markets: []domain.Market{game, politics}}

	cfg := testConfig()
	cfg.SportsOnly = true
	s := New(feed, cfg, nil, testLogger())
	s.now = func() time.Time { return now }

	got, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "game", got[0].ConditionID)
}

func TestIsSportsMarketMatchesQuestionOrSlug(t *testing.T) {
	assert.True(t, IsSportsMarket("Super Bowl winner?", ""))
	assert.True(t, IsSportsMarket("", "ufc-main-event"))
	assert.True(t, IsSportsMarket("Chiefs vs Eagles", "some-slug"))
	assert.False(t, IsSportsMarket("Will it rain tomorrow?", "weather-nyc"))
}

func TestUpDownPassProbesAlignedSlugs(t *testing.T) {
	// 12:03:20 UTC: the current 5m window started at 12:00:00.
	now := time.Date(2026, 8, 30, 12, 3, 20, 0, time.UTC)
	windowStart := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC).Unix()

	current := mkMarket("btc-current", 2*time.Minute+40*time.Second, now)
	current.Slug = fmt.Sprintf("btc-updown-5m-%d", windowStart)
	next := mkMarket("btc-next", 7*time.Minute+40*time.Second, now)
	next.Slug = fmt.Sprintf("btc-updown-5m-%d", windowStart+300)

	feed := &fakeFeed{bySlug: map[string]domain.Market{
		current.Slug: current,
		next.Slug:    next,
	}}

	cfg := testConfig()
	cfg.MinTimeToEnd = time.Minute
	cfg.UpDownAssets = []string{"btc"}
	cfg.UpDownPeriods = []string{"5m"}
	s := New(feed, cfg, nil, testLogger())
	s.now = func() time.Time { return now }

	got, err := s.ScanOnce(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, m := range got {
		ids = append(ids, m.ConditionID)
	}
	assert.ElementsMatch(t, []string{"btc-current", "btc-next"}, ids)
}

func TestUpDownPassDeduplicatesAgainstListing(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	m := mkMarket("eth-window", 10*time.Minute, now)
	m.Slug = fmt.Sprintf("eth-updown-15m-%d", now.Unix())

	feed := &fakeFeed{
		markets: []domain.Market{m},
		bySlug:  map[string]domain.Market{m.Slug: m},
	}

	cfg := testConfig()
	cfg.UpDownAssets = []string{"eth"}
	cfg.UpDownPeriods = []string{"15m"}
	s := New(feed, cfg, nil, testLogger())
	s.now = func() time.Time { return now }

	got, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "eth-window", got[0].ConditionID)
}

func TestRunSurvivesTransientFetchError(t *testing.T) {
	now := time.Now().UTC()
	feed := &fakeFeed{
		markets: []domain.Market{mkMarket("m1", 10*time.Minute, now)},
		err:     errors.New("gateway timeout"),
	}

	s := New(feed, testConfig(), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// First pass errors; a later pass delivers the market anyway.
	select {
	case m := <-s.Markets():
		assert.Equal(t, "m1", m.ConditionID)
	case <-time.After(2 * time.Second):
		t.Fatal("scanner never recovered from transient error")
	}

	feed.mu.Lock()
	assert.GreaterOrEqual(t, feed.calls, 2)
	feed.mu.Unlock()
}
