// Package config loads server settings from the environment. A .env file in
// the working directory is read first when present.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the server configuration.
type Config struct {
	Addr            string
	DatabaseURL     string
	RedisURL        string
	NATSURL         string
	JWTSecret       string
	RoundInterval   time.Duration
	ActionLimit     int
	StartingBalance decimal.Decimal
	TradeRate       float64
	TradeBurst      int
	CacheTTL        time.Duration
	LogLevel        slog.Level
}

// Load reads the configuration. Values in the process environment win over
// the .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	addr := envDefault("PORT", "8080")
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}

	cfg := Config{
		Addr:          addr,
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
		NATSURL:       strings.TrimSpace(os.Getenv("NATS_URL")),
		JWTSecret:     strings.TrimSpace(os.Getenv("JWT_SECRET")),
		RoundInterval: envDurationDefault("ROUND_INTERVAL", 180*time.Second),
		ActionLimit:   envIntDefault("ROUND_ACTION_LIMIT", 2),
		TradeRate:     envFloatDefault("TRADE_RATE_PER_SEC", 5),
		TradeBurst:    envIntDefault("TRADE_BURST", 10),
		CacheTTL:      envDurationDefault("CACHE_TTL", 30*time.Second),
		LogLevel:      envLevelDefault("LOG_LEVEL", slog.LevelInfo),
	}

	balance, err := decimal.NewFromString(envDefault("STARTING_BALANCE", "10000"))
	if err != nil || !balance.IsPositive() {
		return cfg, fmt.Errorf("STARTING_BALANCE must be a positive decimal")
	}
	cfg.StartingBalance = balance

	if cfg.RoundInterval <= 0 {
		return cfg, fmt.Errorf("ROUND_INTERVAL must be positive")
	}
	if cfg.ActionLimit < 1 {
		return cfg, fmt.Errorf("ROUND_ACTION_LIMIT must be at least 1")
	}
	if cfg.RedisURL != "" && cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("REDIS_URL requires DATABASE_URL")
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envLevelDefault(key string, fallback slog.Level) slog.Level {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return fallback
	}
	return lvl
}
