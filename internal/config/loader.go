package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYTAIL_* environment variable overrides, and
// returns the final Config. A missing file is not an error: the defaults plus
// environment are enough to run in dry-run mode. The returned Config has NOT
// been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYTAIL_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYTAIL_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYTAIL_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYTAIL_POLYMARKET_WS_HOST")
	setStr(&cfg.Polymarket.ApiKey, "POLYTAIL_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "POLYTAIL_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "POLYTAIL_POLYMARKET_API_PASSPHRASE")

	// ── Strategy ──
	setFloat64(&cfg.Strategy.EntryThreshold, "POLYTAIL_STRATEGY_ENTRY_THRESHOLD")
	setFloat64(&cfg.Strategy.MaxEntryPrice, "POLYTAIL_STRATEGY_MAX_ENTRY_PRICE")
	setFloat64(&cfg.Strategy.ExitPrice, "POLYTAIL_STRATEGY_EXIT_PRICE")
	setInt(&cfg.Strategy.MinTimeToEnd, "POLYTAIL_STRATEGY_MIN_TIME_TO_END")
	setInt(&cfg.Strategy.MaxTimeToEnd, "POLYTAIL_STRATEGY_MAX_TIME_TO_END")
	setDuration(&cfg.Strategy.ScanInterval, "POLYTAIL_STRATEGY_SCAN_INTERVAL")
	setDuration(&cfg.Strategy.MonitorInterval, "POLYTAIL_STRATEGY_MONITOR_INTERVAL")
	setInt(&cfg.Strategy.MaxRetries, "POLYTAIL_STRATEGY_MAX_RETRIES")
	setInt(&cfg.Strategy.MarketListLimit, "POLYTAIL_STRATEGY_MARKET_LIST_LIMIT")
	setBool(&cfg.Strategy.SportsOnly, "POLYTAIL_STRATEGY_SPORTS_ONLY")
	setStringSlice(&cfg.Strategy.UpDownAssets, "POLYTAIL_STRATEGY_UPDOWN_ASSETS")
	setStringSlice(&cfg.Strategy.UpDownPeriods, "POLYTAIL_STRATEGY_UPDOWN_PERIODS")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxPositionSize, "POLYTAIL_RISK_MAX_POSITION_SIZE")
	setFloat64(&cfg.Risk.MaxTotalExposure, "POLYTAIL_RISK_MAX_TOTAL_EXPOSURE")
	setFloat64(&cfg.Risk.DailyLossLimit, "POLYTAIL_RISK_DAILY_LOSS_LIMIT")
	setInt(&cfg.Risk.BlacklistMinutes, "POLYTAIL_RISK_BLACKLIST_MINUTES")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POLYTAIL_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POLYTAIL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYTAIL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYTAIL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYTAIL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYTAIL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYTAIL_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYTAIL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYTAIL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYTAIL_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYTAIL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYTAIL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYTAIL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYTAIL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYTAIL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYTAIL_REDIS_TLS_ENABLED")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYTAIL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYTAIL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYTAIL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYTAIL_NOTIFY_EVENTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYTAIL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYTAIL_SERVER_PORT")

	// ── Top-level ──
	setBool(&cfg.DryRun, "POLYTAIL_DRY_RUN")
	setBool(&cfg.ScanOnce, "POLYTAIL_SCAN_ONCE")
	setBool(&cfg.TailEvents, "POLYTAIL_TAIL_EVENTS")
	setStr(&cfg.LogLevel, "POLYTAIL_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
