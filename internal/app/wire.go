package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/cache/redis"
	"github.com/SimpleJTS/PolyTail/internal/config"
	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/SimpleJTS/PolyTail/internal/engine"
	"github.com/SimpleJTS/PolyTail/internal/executor"
	"github.com/SimpleJTS/PolyTail/internal/feed"
	"github.com/SimpleJTS/PolyTail/internal/monitor"
	"github.com/SimpleJTS/PolyTail/internal/notify"
	"github.com/SimpleJTS/PolyTail/internal/platform/polymarket"
	"github.com/SimpleJTS/PolyTail/internal/risk"
	"github.com/SimpleJTS/PolyTail/internal/scanner"
	"github.com/SimpleJTS/PolyTail/internal/server"
	"github.com/SimpleJTS/PolyTail/internal/store/memory"
	"github.com/SimpleJTS/PolyTail/internal/store/postgres"
)

// eventsChannel is the signal bus channel engine events are published on.
const eventsChannel = "polytail:events"

// walletLockTTL bounds how long a crashed instance keeps the wallet locked.
const walletLockTTL = 5 * time.Minute

// simSellFillDelay is how long a dry-run exit rests before the simulated
// gateway fills it.
const simSellFillDelay = 30 * time.Second

// wire builds the full dependency graph from config. Live mode connects
// PostgreSQL and Redis and trades against the real CLOB; dry-run and
// scan-once run entirely in memory against a simulated gateway.
func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	// Tail mode only needs the signal bus.
	if cfg.TailEvents {
		rdb, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.bus = redis.NewSignalBus(rdb)
		return a, nil
	}

	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost)

	var creds *polymarket.APICreds
	if cfg.Live() {
		creds = &polymarket.APICreds{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		}
	}
	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost, creds)

	var (
		priceCache domain.PriceCache
		limiter    domain.RateLimiter
		orderStore domain.OrderStore
		posStore   domain.PositionStore
		gateway    domain.OrderGateway
	)

	if cfg.Live() {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				a.close()
				return nil, err
			}
		}
		orderStore = postgres.NewOrderStore(pg.Pool())
		posStore = postgres.NewPositionStore(pg.Pool())

		rdb, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })

		priceCache = redis.NewPriceCache(rdb)
		limiter = redis.NewRateLimiter(rdb)
		a.bus = redis.NewSignalBus(rdb)

		// One live instance per API key.
		locks := redis.NewLockManager(rdb)
		unlock, err := locks.Acquire(ctx, "wallet:"+cfg.Polymarket.ApiKey, walletLockTTL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("app: wallet lock: %w", err)
		}
		a.closers = append(a.closers, unlock)

		gateway = clob
	} else {
		orderStore = memory.NewOrderStore()
		posStore = memory.NewPositionStore()
		sim := executor.NewSimGateway()
		sim.AutoFillSellsAfter(simSellFillDelay)
		gateway = sim
	}

	marketFeed := feed.NewPolymarketFeed(gamma, clob, priceCache, limiter, logger)

	execCfg := executor.DefaultConfig()
	execCfg.MaxRetries = cfg.Strategy.MaxRetries
	a.exec = executor.New(gateway, orderStore, execCfg, logger)

	rm := risk.NewManager(risk.Config{
		MaxPositionSize:  cfg.Risk.MaxPositionSize,
		MaxTotalExposure: cfg.Risk.MaxTotalExposure,
		DailyLossLimit:   cfg.Risk.DailyLossLimit,
		BlacklistTTL:     time.Duration(cfg.Risk.BlacklistMinutes) * time.Minute,
	}, logger)
	a.risk = rm

	a.dispatcher = buildDispatcher(cfg, logger)
	events := a.eventFunc()

	a.trader = engine.NewTrader(engine.TraderConfig{
		Strategy: engine.Config{
			EntryThreshold: cfg.Strategy.EntryThreshold,
			MaxEntryPrice:  cfg.Strategy.MaxEntryPrice,
			ExitPrice:      cfg.Strategy.ExitPrice,
		},
		Scan: scanner.Config{
			Interval:      cfg.Strategy.ScanInterval.Duration,
			MinTimeToEnd:  time.Duration(cfg.Strategy.MinTimeToEnd) * time.Minute,
			MaxTimeToEnd:  time.Duration(cfg.Strategy.MaxTimeToEnd) * time.Minute,
			ListLimit:     cfg.Strategy.MarketListLimit,
			SportsOnly:    cfg.Strategy.SportsOnly,
			UpDownAssets:  cfg.Strategy.UpDownAssets,
			UpDownPeriods: cfg.Strategy.UpDownPeriods,
		},
		Monitor: monitor.Config{
			Interval: cfg.Strategy.MonitorInterval.Duration,
		},
	}, marketFeed, a.exec, rm, posStore, events, logger)

	if cfg.Live() && cfg.Polymarket.WsHost != "" {
		a.wsFeed = feed.NewWSFeed(cfg.Polymarket.WsHost, func(q domain.Quote) {
			a.trader.Monitor().Push(q)
		}, logger)
		a.trader.SetTokenTracker(a.wsFeed)
	}

	if cfg.Server.Enabled {
		a.srv = server.New(cfg.Server.Port, a.trader, rm, logger)
	}

	return a, nil
}

// buildDispatcher wires the configured notification sinks, or returns nil
// when none are configured.
func buildDispatcher(cfg *config.Config, logger *slog.Logger) *notify.Dispatcher {
	var sinks []notify.Sink
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		sinks = append(sinks, notify.NewTelegramSink(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		sinks = append(sinks, notify.NewDiscordSink(cfg.Notify.DiscordWebhookURL))
	}
	if len(sinks) == 0 {
		return nil
	}
	return notify.NewDispatcher(sinks, cfg.Notify.Events, logger)
}

// eventFunc fans engine events out to the notification dispatcher and the
// signal bus.
func (a *App) eventFunc() engine.EventFunc {
	return func(ev engine.Event) {
		if a.dispatcher != nil {
			a.dispatcher.Handle(ev)
		}
		if a.bus != nil {
			payload, err := json.Marshal(ev)
			if err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := a.bus.Publish(ctx, eventsChannel, payload); err != nil {
				a.logger.Debug("signal bus publish failed",
					slog.String("error", err.Error()))
			}
		}
	}
}
