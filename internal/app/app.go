// Package app assembles the trading process: configuration in, wired
// components out, one Run call per process lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SimpleJTS/PolyTail/internal/config"
	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/SimpleJTS/PolyTail/internal/engine"
	"github.com/SimpleJTS/PolyTail/internal/executor"
	"github.com/SimpleJTS/PolyTail/internal/feed"
	"github.com/SimpleJTS/PolyTail/internal/notify"
	"github.com/SimpleJTS/PolyTail/internal/risk"
	"github.com/SimpleJTS/PolyTail/internal/server"
)

// App owns the wired component graph and its shutdown order.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	trader     *engine.Trader
	exec       *executor.Executor
	risk       *risk.Manager
	dispatcher *notify.Dispatcher
	srv        *server.Server
	wsFeed     *feed.WSFeed
	bus        domain.SignalBus

	closers []func()
}

// New validates the config and wires the application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return wire(ctx, cfg, logger)
}

// Run executes the configured mode and blocks until the context is cancelled
// or the mode completes. Scan-once lists candidate markets and returns
// without placing any order.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if a.cfg.TailEvents {
		return tailEvents(ctx, a.bus, os.Stdout)
	}
	if a.cfg.ScanOnce {
		return a.runScanOnce(ctx)
	}
	return a.runTrading(ctx)
}

// tailEvents streams trading events published by a running live instance to
// w, one JSON payload per line, until the context ends.
func tailEvents(ctx context.Context, bus domain.SignalBus, w io.Writer) error {
	ch, err := bus.Subscribe(ctx, eventsChannel)
	if err != nil {
		return fmt.Errorf("app: tail events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			fmt.Fprintln(w, string(payload))
		}
	}
}

func (a *App) runScanOnce(ctx context.Context) error {
	markets, err := a.trader.ScanOnce(ctx)
	if err != nil {
		return fmt.Errorf("app: scan: %w", err)
	}

	fmt.Printf("%d candidate market(s)\n", len(markets))
	now := time.Now()
	for _, m := range markets {
		fmt.Printf("  %-14s  %5.1f min to end  %s\n",
			m.ConditionID, m.MinutesToEnd(now), m.Question)
	}
	return nil
}

func (a *App) runTrading(ctx context.Context) error {
	if a.cfg.DryRun {
		a.logger.Info("dry-run mode, orders go to the simulated gateway")
	}

	if err := a.trader.Restore(ctx); err != nil {
		return fmt.Errorf("app: restore: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.trader.Run(ctx) })
	if a.srv != nil {
		g.Go(func() error { return a.srv.Run(ctx) })
	}
	if a.dispatcher != nil {
		g.Go(func() error { return a.dispatcher.Run(ctx) })
	}
	if a.wsFeed != nil {
		g.Go(func() error { return a.wsFeed.Run(ctx) })
	}

	err := g.Wait()

	a.exec.Close()
	if a.wsFeed != nil {
		a.wsFeed.Close()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// close releases external resources in reverse acquisition order.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
