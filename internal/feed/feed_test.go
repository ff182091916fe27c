package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/SimpleJTS/PolyTail/internal/platform/polymarket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingLimiter counts waits and admits everything.
type recordingLimiter struct {
	mu    sync.Mutex
	waits map[string]int
}

func newRecordingLimiter() *recordingLimiter {
	return &recordingLimiter{waits: make(map[string]int)}
}

func (l *recordingLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return true, nil
}

func (l *recordingLimiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits[key]++
	return nil
}

func (l *recordingLimiter) waitCount(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waits[key]
}

var _ domain.RateLimiter = (*recordingLimiter)(nil)

const gammaMarketJSON = `[{
	"conditionId": "0xabc",
	"question": "Will BTC go up this window?",
	"slug": "btc-updown-5m-1700000000",
	"active": true,
	"closed": false,
	"outcomes": "[\"Up\",\"Down\"]",
	"outcomePrices": "[\"0.95\",\"0.05\"]",
	"clobTokenIds": "[\"tok-up\",\"tok-down\"]",
	"endDate": "2026-08-30T12:05:00Z"
}]`

func TestDiscoveryReadsWaitForRateBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(gammaMarketJSON))
	}))
	defer srv.Close()

	gamma := polymarket.NewGammaClient(srv.URL)
	limiter := newRecordingLimiter()
	feed := NewPolymarketFeed(gamma, nil, nil, limiter, testLogger())

	markets, err := feed.ListMarkets(context.Background(), domain.MarketFilter{Active: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "0xabc", markets[0].ConditionID)
	assert.Equal(t, 1, limiter.waitCount("gamma:markets"))

	m, err := feed.GetMarketBySlug(context.Background(), "btc-updown-5m-1700000000")
	require.NoError(t, err)
	assert.Equal(t, "tok-up", m.Outcomes[0].TokenID)
	assert.Equal(t, "Up", m.Outcomes[0].Name)
	assert.Equal(t, 2, limiter.waitCount("gamma:markets"))
}
