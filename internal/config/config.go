// Package config defines the top-level configuration for polytail and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYTAIL_* environment variables and
// command-line flags.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Risk       RiskConfig       `toml:"risk"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Notify     NotifyConfig     `toml:"notify"`
	Server     ServerConfig     `toml:"server"`
	DryRun     bool             `toml:"dry_run"`
	ScanOnce   bool             `toml:"scan_once"`
	TailEvents bool             `toml:"tail_events"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds API endpoints and the pre-derived CLOB API
// credentials used for authenticated requests.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	WsHost        string `toml:"ws_host"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// StrategyConfig holds the endgame strategy parameters.
type StrategyConfig struct {
	// EntryThreshold is the minimum ask price that triggers an entry.
	EntryThreshold float64 `toml:"entry_threshold"`
	// MaxEntryPrice caps the entry: at or above it the remaining margin to
	// the exit limit is too thin to be worth taking.
	MaxEntryPrice float64 `toml:"max_entry_price"`
	// ExitPrice is the limit price of the resting sell posted after entry.
	ExitPrice       float64  `toml:"exit_price"`
	MinTimeToEnd    int      `toml:"min_time_to_end"` // minutes
	MaxTimeToEnd    int      `toml:"max_time_to_end"` // minutes
	ScanInterval    Duration `toml:"scan_interval"`
	MonitorInterval Duration `toml:"monitor_interval"`
	MaxRetries      int      `toml:"max_retries"`
	MarketListLimit int      `toml:"market_list_limit"`
	// SportsOnly restricts discovery to sports-event markets.
	SportsOnly bool `toml:"sports_only"`
	// UpDownAssets turns on the periodic crypto Up/Down discovery pass.
	UpDownAssets  []string `toml:"updown_assets"`  // e.g. ["btc", "eth", "sol"]
	UpDownPeriods []string `toml:"updown_periods"` // e.g. ["5m", "15m"]
}

// RiskConfig holds the risk budget limits.
type RiskConfig struct {
	MaxPositionSize  float64 `toml:"max_position_size"`  // USDC per market
	MaxTotalExposure float64 `toml:"max_total_exposure"` // USDC across markets
	DailyLossLimit   float64 `toml:"daily_loss_limit"`   // USDC, 0 disables
	BlacklistMinutes int     `toml:"blacklist_minutes"`
}

// PostgresConfig holds connection parameters for the snapshot store.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds parameters for the operations HTTP server.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// Duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "10s", "2s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "10s" or "500ms".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:  "https://clob.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com/ws/market",
		},
		Strategy: StrategyConfig{
			EntryThreshold:  0.95,
			MaxEntryPrice:   0.96,
			ExitPrice:       0.99,
			MinTimeToEnd:    5,
			MaxTimeToEnd:    15,
			ScanInterval:    Duration{10 * time.Second},
			MonitorInterval: Duration{2 * time.Second},
			MaxRetries:      3,
			MarketListLimit: 500,
		},
		Risk: RiskConfig{
			MaxPositionSize:  100.0,
			MaxTotalExposure: 500.0,
			DailyLossLimit:   50.0,
			BlacklistMinutes: 60,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polytail",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		Notify: NotifyConfig{
			Events: []string{"entry_filled", "exit_placed", "position_closed", "abandoned", "error"},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		DryRun:   false,
		ScanOnce: false,
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Live reports whether the process will place real orders: none of the
// dry-run, scan-once, or tail-events modes is set.
func (c *Config) Live() bool {
	return !c.DryRun && !c.ScanOnce && !c.TailEvents
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found. A non-nil result is fatal at startup.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Polymarket endpoints.
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}

	// API credentials are required only when real orders will be placed.
	if c.Live() {
		ak := c.Polymarket.ApiKey != ""
		as := c.Polymarket.ApiSecret != ""
		ap := c.Polymarket.ApiPassphrase != ""
		if !(ak && as && ap) {
			errs = append(errs, "polymarket: api_key, api_secret, and api_passphrase are required in live mode")
		}
	}

	// Strategy thresholds.
	s := c.Strategy
	if s.EntryThreshold <= 0 || s.EntryThreshold >= 1 {
		errs = append(errs, fmt.Sprintf("strategy: entry_threshold must be in (0,1), got %v", s.EntryThreshold))
	}
	if s.ExitPrice <= 0 || s.ExitPrice > 1 {
		errs = append(errs, fmt.Sprintf("strategy: exit_price must be in (0,1], got %v", s.ExitPrice))
	}
	if s.EntryThreshold >= s.ExitPrice {
		errs = append(errs, fmt.Sprintf("strategy: entry_threshold %v must be below exit_price %v", s.EntryThreshold, s.ExitPrice))
	}
	if s.MaxEntryPrice < s.EntryThreshold || s.MaxEntryPrice > s.ExitPrice {
		errs = append(errs, fmt.Sprintf("strategy: max_entry_price %v must be within [entry_threshold, exit_price]", s.MaxEntryPrice))
	}
	if s.MinTimeToEnd < 1 {
		errs = append(errs, "strategy: min_time_to_end must be >= 1 minute")
	}
	if s.MaxTimeToEnd < s.MinTimeToEnd {
		errs = append(errs, fmt.Sprintf("strategy: max_time_to_end %d must be >= min_time_to_end %d", s.MaxTimeToEnd, s.MinTimeToEnd))
	}
	if s.ScanInterval.Duration < time.Second {
		errs = append(errs, "strategy: scan_interval must be >= 1s")
	}
	if s.MonitorInterval.Duration <= 0 {
		errs = append(errs, "strategy: monitor_interval must be > 0")
	}
	if s.MaxRetries < 0 {
		errs = append(errs, "strategy: max_retries must be >= 0")
	}
	for _, p := range s.UpDownPeriods {
		if d, err := time.ParseDuration(p); err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("strategy: updown_periods entry %q is not a positive duration", p))
		}
	}

	// Risk budget.
	if c.Risk.MaxPositionSize <= 0 {
		errs = append(errs, "risk: max_position_size must be > 0")
	}
	if c.Risk.MaxTotalExposure <= 0 {
		errs = append(errs, "risk: max_total_exposure must be > 0")
	}
	if c.Risk.MaxPositionSize > c.Risk.MaxTotalExposure {
		errs = append(errs, "risk: max_position_size must not exceed max_total_exposure")
	}

	// Postgres and Redis are only reached in live mode; dry-run and
	// scan-once run entirely in memory.
	if c.Live() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Server.
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
