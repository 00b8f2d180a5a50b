// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the funneltrack binary
type Config struct {
	// Ingest server
	Addr            string        // listen address, e.g. ":8080"
	DatabaseURL     string        // Postgres sink; takes precedence over SQLitePath
	SQLitePath      string        // CGO-free SQLite sink used when DatabaseURL is empty
	JWTSecret       string        // signs and verifies ingest tokens
	ForwardRPS      float64       // per-address rate on POST /api/track (0 = unlimited)
	ForwardBurst    int           // burst allowed on top of ForwardRPS
	ShutdownTimeout time.Duration // graceful shutdown deadline

	// Client side (simulate)
	ServerURL   string        // ingest server base URL
	LocalStore  string        // tracker SQLite file (":memory:" for throwaway runs)
	TokenExpiry time.Duration // lifetime of minted ingest tokens

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // text or json
}

// DefaultSecret is used when JWT_SECRET is not set
const DefaultSecret = "your-secret-key-change-in-production"

// Default returns a configuration with sensible defaults for local development
func Default() *Config {
	return &Config{
		Addr:            ":8080",
		SQLitePath:      "funnel_events.db",
		JWTSecret:       DefaultSecret,
		ForwardRPS:      20,
		ForwardBurst:    40,
		ShutdownTimeout: 30 * time.Second,

		ServerURL:   "http://localhost:8080",
		LocalStore:  ":memory:",
		TokenExpiry: 24 * time.Hour,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// FromEnv returns Default() overridden by FUNNEL_* and the conventional
// DATABASE_URL / JWT_SECRET variables
func FromEnv() (*Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("FUNNEL_ADDR", &cfg.Addr)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("FUNNEL_SQLITE_PATH", &cfg.SQLitePath)
	str("JWT_SECRET", &cfg.JWTSecret)
	str("FUNNEL_SERVER_URL", &cfg.ServerURL)
	str("FUNNEL_LOCAL_STORE", &cfg.LocalStore)
	str("FUNNEL_LOG_LEVEL", &cfg.LogLevel)
	str("FUNNEL_LOG_FORMAT", &cfg.LogFormat)

	if v, ok := lookup("FUNNEL_FORWARD_RPS"); ok && v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps < 0 {
			return nil, fmt.Errorf("invalid FUNNEL_FORWARD_RPS %q", v)
		}
		cfg.ForwardRPS = rps
	}
	if v, ok := lookup("FUNNEL_FORWARD_BURST"); ok && v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil || burst < 1 {
			return nil, fmt.Errorf("invalid FUNNEL_FORWARD_BURST %q", v)
		}
		cfg.ForwardBurst = burst
	}
	if v, ok := lookup("FUNNEL_SHUTDOWN_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FUNNEL_SHUTDOWN_TIMEOUT %q: %w", v, err)
		}
		cfg.ShutdownTimeout = d
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseLevel maps a level name onto slog.Level
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}
