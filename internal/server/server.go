// Package server exposes the operations HTTP endpoints: liveness, engine
// status and open positions.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/SimpleJTS/PolyTail/internal/risk"
)

// StatusSource is the trader-side view the server reads from.
type StatusSource interface {
	Positions() []domain.Position
	EngineStates() map[string]domain.EngineState
}

// Server is the operations HTTP server.
type Server struct {
	src     StatusSource
	risk    *risk.Manager
	logger  *slog.Logger
	httpSrv *http.Server
	started time.Time
}

// New creates a server listening on the given port.
func New(port int, src StatusSource, rm *risk.Manager, logger *slog.Logger) *Server {
	s := &Server{
		src:     src,
		risk:    rm,
		logger:  logger.With(slog.String("component", "server")),
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /positions", s.handlePositions)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.logging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", slog.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return ctx.Err()
}

// Handler returns the HTTP handler, used directly in tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	perMarket, total := s.risk.Snapshot()

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"engines":         s.src.EngineStates(),
		"exposure_total":  total,
		"exposure_counts": len(perMarket),
		"halted":          s.risk.Halted(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.src.Positions()

	type positionView struct {
		ID          string     `json:"id"`
		MarketID    string     `json:"market_id"`
		OutcomeName string     `json:"outcome_name"`
		EntryPrice  float64    `json:"entry_price"`
		Quantity    float64    `json:"quantity"`
		Cost        float64    `json:"cost"`
		State       string     `json:"state"`
		RealizedPnL float64    `json:"realized_pnl"`
		OpenedAt    time.Time  `json:"opened_at"`
		ClosedAt    *time.Time `json:"closed_at,omitempty"`
	}

	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView{
			ID:          p.ID,
			MarketID:    p.MarketID,
			OutcomeName: p.OutcomeName,
			EntryPrice:  p.EntryPrice,
			Quantity:    p.Quantity,
			Cost:        p.Cost,
			State:       string(p.State),
			RealizedPnL: p.RealizedPnL,
			OpenedAt:    p.OpenedAt,
			ClosedAt:    p.ClosedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// logging wraps the mux with request logging.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
