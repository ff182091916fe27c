// Command polytail is the entry point for the endgame trading bot. It loads
// configuration, applies command-line overrides, wires dependencies, sets up
// signal handling, and starts the application in the configured mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/app"
	"github.com/SimpleJTS/PolyTail/internal/config"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	dryRun := flag.Bool("dry-run", false, "trade against the simulated gateway")
	scanOnce := flag.Bool("scan-once", false, "run one discovery pass and exit")
	tailEvents := flag.Bool("tail-events", false, "stream trading events from a running live instance")
	entry := flag.Float64("entry", 0, "entry threshold override")
	exit := flag.Float64("exit", 0, "exit price override")
	minTime := flag.Int("min-time", 0, "minimum minutes to market end")
	maxTime := flag.Int("max-time", 0, "maximum minutes to market end")
	maxPosition := flag.Float64("max-position", 0, "per-market position cap in USDC")
	maxExposure := flag.Float64("max-exposure", 0, "total exposure cap in USDC")
	interval := flag.Duration("interval", 0, "scan interval override")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Flags beat file and environment, but only when actually passed.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dry-run":
			cfg.DryRun = *dryRun
		case "scan-once":
			cfg.ScanOnce = *scanOnce
		case "tail-events":
			cfg.TailEvents = *tailEvents
		case "entry":
			cfg.Strategy.EntryThreshold = *entry
		case "exit":
			cfg.Strategy.ExitPrice = *exit
		case "min-time":
			cfg.Strategy.MinTimeToEnd = *minTime
		case "max-time":
			cfg.Strategy.MaxTimeToEnd = *maxTime
		case "max-position":
			cfg.Risk.MaxPositionSize = *maxPosition
		case "max-exposure":
			cfg.Risk.MaxTotalExposure = *maxExposure
		case "interval":
			cfg.Strategy.ScanInterval = config.Duration{Duration: *interval}
		}
	})

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	mode := "live"
	switch {
	case cfg.TailEvents:
		mode = "tail"
	case cfg.ScanOnce:
		mode = "scan-once"
	case cfg.DryRun:
		mode = "dry-run"
	}
	logger.Info("polytail starting",
		slog.String("mode", mode),
		slog.String("config", *configPath),
	)

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create the application. Validation runs inside New; a broken config is
	// fatal before anything touches the exchange.
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	if err := application.Run(ctx); err != nil {
		logger.Error("application exited with error",
			slog.String("error", err.Error()),
		)
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger.Info("polytail stopped",
		slog.Duration("uptime", time.Since(start)),
	)
}
