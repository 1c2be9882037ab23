package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	whiz "github.com/goyalg325/whiz/sdk/golang"
)

// newLogger builds the CLI logger. Development gets human-readable output on
// stderr, everything else JSON lines.
func newLogger(cfg *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(valueOrDefault(cfg.Default.LogLevel, "warn"))
	if err != nil {
		level = zerolog.WarnLevel
	}

	var logger zerolog.Logger
	if cfg.Default.Env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}
	return logger.Level(level)
}

// newClient creates a backend client from the configuration.
func newClient(cfg *Config, logger zerolog.Logger) *whiz.Client {
	opts := []whiz.ClientOption{whiz.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, whiz.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.WSURL != "" {
		opts = append(opts, whiz.WithWebSocketURL(cfg.Default.WSURL))
	}
	return whiz.NewClient(opts...)
}

// openCache opens the configured room cache. The returned close func is never
// nil.
func openCache(ctx context.Context, cfg *Config) (whiz.RoomCache, func() error, error) {
	noop := func() error { return nil }

	switch valueOrDefault(cfg.Cache.Driver, "memory") {
	case "memory":
		return whiz.NewMemoryCache(), noop, nil
	case "sqlite":
		path := cfg.Cache.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, noop, err
			}
			path = filepath.Join(dir, "cache.db")
		}
		c, err := whiz.NewSQLiteCache(ctx, path)
		if err != nil {
			return nil, noop, err
		}
		return c, c.Close, nil
	case "redis":
		if cfg.Cache.RedisURL == "" {
			return nil, noop, fmt.Errorf("cache.redis_url is required for the redis driver")
		}
		var ttl time.Duration
		if cfg.Cache.TTL != "" {
			d, err := time.ParseDuration(cfg.Cache.TTL)
			if err != nil {
				return nil, noop, fmt.Errorf("invalid cache.ttl %q: %w", cfg.Cache.TTL, err)
			}
			ttl = d
		}
		c, err := whiz.NewRedisCache(ctx, cfg.Cache.RedisURL, ttl)
		if err != nil {
			return nil, noop, err
		}
		return c, c.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
}

// requireUsername fails with a hint when no identity is configured.
func requireUsername(cfg *Config) (string, error) {
	if cfg.Auth.Username == "" {
		return "", fmt.Errorf("no username configured; run 'whiz init <username>' or set WHIZ_USERNAME")
	}
	return cfg.Auth.Username, nil
}

func formatMessage(m whiz.Message) string {
	ts := m.CreatedAt.Local().Format("15:04:05")
	switch {
	case m.IsSystem:
		return fmt.Sprintf("[%s] * %s", ts, m.Content)
	case m.Pending:
		return fmt.Sprintf("[%s] %s: %s (sending)", ts, m.Username, m.Content)
	case m.ParentID != nil:
		return fmt.Sprintf("[%s] %s (re #%d): %s", ts, m.Username, *m.ParentID, m.Content)
	default:
		return fmt.Sprintf("[%s] %s: %s", ts, m.Username, m.Content)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
