package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/SimpleJTS/PolyTail/internal/risk"
)

type fakeSource struct {
	positions []domain.Position
	states    map[string]domain.EngineState
}

func (f *fakeSource) Positions() []domain.Position                { return f.positions }
func (f *fakeSource) EngineStates() map[string]domain.EngineState { return f.states }

func testServer() (*Server, *risk.Manager) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rm := risk.NewManager(risk.Config{
		MaxPositionSize:  100,
		MaxTotalExposure: 500,
	}, logger)
	src := &fakeSource{
		positions: []domain.Position{{
			ID:         "pos-1",
			MarketID:   "0xm1",
			EntryPrice: 0.96,
			Quantity:   100,
			Cost:       96,
			State:      domain.StateExitPending,
			OpenedAt:   time.Now(),
		}},
		states: map[string]domain.EngineState{"0xm1": domain.StateExitPending},
	}
	return New(0, src, rm, logger), rm
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusReportsExposure(t *testing.T) {
	srv, rm := testServer()
	require.True(t, rm.TryReserve("0xm1", 96))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Engines       map[string]string `json:"engines"`
		ExposureTotal float64           `json:"exposure_total"`
		Halted        bool              `json:"halted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 96.0, body.ExposureTotal)
	assert.Equal(t, "exit_pending", body.Engines["0xm1"])
	assert.False(t, body.Halted)
}

func TestPositionsListing(t *testing.T) {
	srv, _ := testServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/positions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Positions []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Positions, 1)
	assert.Equal(t, "pos-1", body.Positions[0].ID)
	assert.Equal(t, "exit_pending", body.Positions[0].State)
}
