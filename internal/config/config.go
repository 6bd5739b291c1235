// Package config loads server settings from an optional YAML file with
// environment variable overrides. Env always wins so containers can tweak a
// baked-in file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"logLevel"`
	Port        int    `yaml:"port"`

	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`

	OracleBaseURL string `yaml:"oracleBaseUrl"`

	PushGatewayURL string `yaml:"pushGatewayUrl"`
	PushSecret     string `yaml:"pushSecret"`

	AdminToken string `yaml:"adminToken"`

	ProximityThresholdM float64 `yaml:"proximityThresholdM"`
	ETARefreshSeconds   int     `yaml:"etaRefreshSeconds"`
	ChatHistoryLimit    int     `yaml:"chatHistoryLimit"`

	// Location ingest rate limit, per route.
	LocationRatePerSec float64 `yaml:"locationRatePerSec"`
	LocationBurst      int     `yaml:"locationBurst"`
}

func defaults() Config {
	return Config{
		Environment:         "development",
		LogLevel:            "info",
		Port:                8080,
		ProximityThresholdM: 500,
		ETARefreshSeconds:   30,
		ChatHistoryLimit:    100,
		LocationRatePerSec:  2,
		LocationBurst:       5,
	}
}

// Load reads the YAML file at path (missing file is fine), then applies env
// overrides on top.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Environment = envOr("APP_ENV", cfg.Environment)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Port = n
		}
	}
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.OracleBaseURL = envOr("ORACLE_BASE_URL", cfg.OracleBaseURL)
	cfg.PushGatewayURL = envOr("PUSH_GATEWAY_URL", cfg.PushGatewayURL)
	cfg.PushSecret = envOr("PUSH_SECRET", cfg.PushSecret)
	cfg.AdminToken = envOr("ADMIN_TOKEN", cfg.AdminToken)
	if v := os.Getenv("PROXIMITY_THRESHOLD_M"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.ProximityThresholdM = f
		}
	}
	if v := os.Getenv("ETA_REFRESH_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ETARefreshSeconds = n
		}
	}
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
