// Package config holds process-level configuration sourced from the
// environment. Trading parameters live in the versioned settings document,
// not here.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment values. Live trading is out of scope; the engine refuses to
// start in live mode.
const (
	EnvPaper = "paper"
	EnvLive  = "live"
)

// Config is the immutable process configuration.
type Config struct {
	DatabaseURL      string
	MarketDataAPIKey string
	MarketDataWSURL  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel  string
	LogFormat string

	ConfigPath  string
	ModelDir    string
	Environment string
	ListenAddr  string
}

// Load reads the environment, picking up a .env file when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:      os.Getenv("DB_URL"),
		MarketDataAPIKey: os.Getenv("MARKET_DATA_API_KEY"),
		MarketDataWSURL:  os.Getenv("MARKET_DATA_WS_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:        getEnvOrDefault("LOG_FORMAT", "json"),
		ConfigPath:       os.Getenv("CONFIG_PATH"),
		ModelDir:         os.Getenv("MODEL_DIR"),
		Environment:      getEnvOrDefault("ENVIRONMENT", EnvPaper),
		ListenAddr:       getEnvOrDefault("LISTEN_ADDR", ":8090"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DB_URL is required")
	}
	switch cfg.Environment {
	case EnvPaper, EnvLive:
	default:
		return nil, fmt.Errorf("ENVIRONMENT must be %q or %q, got %q", EnvPaper, EnvLive, cfg.Environment)
	}
	return cfg, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
