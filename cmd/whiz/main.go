package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// userAgent identifies the CLI on the live connection.
const userAgent = "whiz-cli"

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.whiz/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Cache   ConfigCache   `toml:"cache"`
}

// ConfigDefault holds connection and logging settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	WSURL    string `toml:"ws_url"`
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
}

// ConfigAuth holds the local identity.
type ConfigAuth struct {
	Username string `toml:"username"`
}

// ConfigCache selects where room histories are cached between runs.
type ConfigCache struct {
	Driver   string `toml:"driver"`
	Path     string `toml:"path"`
	RedisURL string `toml:"redis_url"`
	TTL      string `toml:"ttl"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.whiz (or $WHIZ_CONFIG_DIR), creating it if
// needed.
func configDir() (string, error) {
	dir := os.Getenv("WHIZ_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".whiz")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies environment
// overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// applyEnv loads .env from the working directory if present and lets WHIZ_*
// variables override file values.
func applyEnv(cfg *Config) {
	_ = godotenv.Load()

	cfg.Default.BaseURL = getEnv("WHIZ_BASE_URL", cfg.Default.BaseURL)
	cfg.Default.WSURL = getEnv("WHIZ_WS_URL", cfg.Default.WSURL)
	cfg.Default.Env = getEnv("WHIZ_ENV", cfg.Default.Env)
	cfg.Default.LogLevel = getEnv("WHIZ_LOG_LEVEL", cfg.Default.LogLevel)
	cfg.Auth.Username = getEnv("WHIZ_USERNAME", cfg.Auth.Username)
	cfg.Cache.Driver = getEnv("WHIZ_CACHE_DRIVER", cfg.Cache.Driver)
	cfg.Cache.Path = getEnv("WHIZ_CACHE_PATH", cfg.Cache.Path)
	cfg.Cache.RedisURL = getEnv("WHIZ_REDIS_URL", cfg.Cache.RedisURL)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.username").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.username)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "env":
			cfg.Default.Env = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "cache":
		switch field {
		case "driver":
			switch value {
			case "memory", "sqlite", "redis":
			default:
				return fmt.Errorf("unknown cache driver %q (valid: memory, sqlite, redis)", value)
			}
			cfg.Cache.Driver = value
		case "path":
			cfg.Cache.Path = value
		case "redis_url":
			cfg.Cache.RedisURL = value
		case "ttl":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid cache ttl %q: %w", value, err)
			}
			cfg.Cache.TTL = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, cache)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "whiz",
	Short:        "whiz chat CLI",
	Long:         "Command-line client for the whiz chat backend.\nList and create rooms, read history, chat live and ask for AI summaries.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
