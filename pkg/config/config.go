// Package config loads meridian configuration from MERIDIAN_* environment
// variables with sensible development defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/meridianhq/meridian/pkg/storage"
)

// Config is the full configuration for a meridian process.
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Search        SearchConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// SearchConfig holds search index settings.
type SearchConfig struct {
	// Enabled toggles index maintenance entirely.
	Enabled bool

	// RemoteDispatch toggles publishing index commands on the bus. Single
	// node setups turn it off and skip redis.
	RemoteDispatch bool

	// ReindexSchedule is a cron expression for the indexer's periodic full
	// rebuild. Empty disables it.
	ReindexSchedule string
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel        string
	MetricsEnabled  bool
	OTelEnabled     bool
	OTelEndpoint    string
	ServiceName     string
	DefaultIconPath string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("MERIDIAN_SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("MERIDIAN_SERVER_PORT", 8083),
			ReadTimeout:     getEnvDuration("MERIDIAN_SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("MERIDIAN_SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("MERIDIAN_SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Storage: loadStorage(),
		Search: SearchConfig{
			Enabled:         getEnvBool("MERIDIAN_SEARCH_ENABLED", true),
			RemoteDispatch:  getEnvBool("MERIDIAN_SEARCH_REMOTE_DISPATCH", false),
			ReindexSchedule: getEnv("MERIDIAN_SEARCH_REINDEX_SCHEDULE", "@hourly"),
		},
		Observability: ObservabilityConfig{
			LogLevel:        getEnv("MERIDIAN_LOG_LEVEL", "info"),
			MetricsEnabled:  getEnvBool("MERIDIAN_METRICS_ENABLED", true),
			OTelEnabled:     getEnvBool("MERIDIAN_OTEL_ENABLED", false),
			OTelEndpoint:    getEnv("MERIDIAN_OTEL_ENDPOINT", "localhost:4317"),
			ServiceName:     getEnv("MERIDIAN_SERVICE_NAME", "meridian"),
			DefaultIconPath: getEnv("MERIDIAN_DEFAULT_ICON_PATH", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadStorage() storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Type = getEnv("MERIDIAN_STORAGE_TYPE", cfg.Type)
	cfg.PostgresURL = getEnv("MERIDIAN_POSTGRES_URL", "")
	cfg.PostgresMaxConns = getEnvInt("MERIDIAN_POSTGRES_MAX_CONNS", cfg.PostgresMaxConns)
	cfg.PostgresTimeout = getEnvDuration("MERIDIAN_POSTGRES_TIMEOUT", cfg.PostgresTimeout)
	cfg.RedisURL = getEnv("MERIDIAN_REDIS_URL", "")
	cfg.RedisPassword = getEnv("MERIDIAN_REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("MERIDIAN_REDIS_DB", cfg.RedisDB)
	cfg.RedisPoolSize = getEnvInt("MERIDIAN_REDIS_POOL_SIZE", cfg.RedisPoolSize)
	cfg.RedisMaxRetries = getEnvInt("MERIDIAN_REDIS_MAX_RETRIES", cfg.RedisMaxRetries)
	cfg.CacheEnabled = getEnvBool("MERIDIAN_CACHE_ENABLED", cfg.CacheEnabled)
	cfg.L1CacheSize = getEnvInt("MERIDIAN_CACHE_L1_SIZE", cfg.L1CacheSize)
	return cfg
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("MERIDIAN_POSTGRES_URL is required when storage type is postgres")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Search.RemoteDispatch && c.Storage.RedisURL == "" {
		return fmt.Errorf("MERIDIAN_REDIS_URL is required when remote index dispatch is enabled")
	}
	if c.Storage.CacheEnabled && c.Storage.Type == "postgres" && c.Storage.RedisURL == "" && c.Storage.L1CacheSize <= 0 {
		return fmt.Errorf("caching is enabled but neither redis nor an L1 size is configured")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
