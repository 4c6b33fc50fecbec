// Package config contains everything related to configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/j-veylop/repcache/internal/models"
)

// Config holds the application configuration.
type Config struct {
	CacheTTLs             map[models.QueryType]time.Duration
	DatabasePath          string
	WatchlistPath         string
	APIKey                string
	BaseURL               string
	QuotaBackend          string
	RedisAddr             string
	RedisPassword         string
	SweepSchedule         string
	RefreshSchedule       string
	HTTPAddr              string
	AdminToken            string
	LogLevel              string
	LogFormat             string
	QuotaWindow           time.Duration
	UpstreamTimeout       time.Duration
	CacheTTL              time.Duration
	UpstreamMaxRPS        float64
	DailyLimit            int
	QuotaWarningThreshold int
	QuotaDriftThreshold   int
	RedisDB               int
	UpstreamBurst         int
	MaxAgeDays            int
	DesktopNotify         bool
}

// Default values
const (
	defaultBaseURL               = "https://api.abuseipdb.com/api/v2"
	defaultDailyLimit            = 1000
	defaultQuotaWarningThreshold = 100
	defaultQuotaDriftThreshold   = 50
	defaultQuotaWindow           = 24 * time.Hour
	defaultUpstreamTimeout       = 10 * time.Second
	defaultCacheTTL              = 24 * time.Hour
	defaultMaxAgeDays            = 30
	defaultSweepSchedule         = "0 * * * *"
	defaultHTTPAddr              = ":8080"
	defaultRedisAddr             = "localhost:6379"
)

// Quota backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Load reads configuration from .env files and environment variables.
func Load() (*Config, error) {
	// Try loading .env from multiple locations
	envPaths := getEnvPaths()
	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			break
		}
	}

	cfg := &Config{
		DatabasePath:    getEnvString("DATABASE_PATH", getDefaultDatabasePath()),
		WatchlistPath:   getEnvString("WATCHLIST_PATH", getDefaultWatchlistPath()),
		APIKey:          getEnvString("ABUSEIPDB_API_KEY", ""),
		BaseURL:         strings.TrimRight(getEnvString("ABUSEIPDB_BASE_URL", defaultBaseURL), "/"),
		QuotaBackend:    strings.ToLower(getEnvString("QUOTA_BACKEND", BackendSQLite)),
		RedisAddr:       getEnvString("REDIS_ADDR", defaultRedisAddr),
		RedisPassword:   getEnvString("REDIS_PASSWORD", ""),
		SweepSchedule:   getEnvString("SWEEP_SCHEDULE", defaultSweepSchedule),
		RefreshSchedule: getEnvString("REFRESH_SCHEDULE", ""),
		HTTPAddr:        getEnvString("HTTP_ADDR", defaultHTTPAddr),
		AdminToken:      getEnvString("ADMIN_TOKEN", ""),
		LogLevel:        getEnvString("LOG_LEVEL", "info"),
		LogFormat:       getEnvString("LOG_FORMAT", "text"),
		QuotaWindow:     getEnvDuration("QUOTA_WINDOW", defaultQuotaWindow),
		UpstreamTimeout: getEnvDuration("UPSTREAM_TIMEOUT", defaultUpstreamTimeout),
		CacheTTL:        getEnvDuration("CACHE_TTL", defaultCacheTTL),
		DesktopNotify:   getEnvBool("DESKTOP_NOTIFY", false),
	}

	if cfg.APIKey == "" {
		key, err := readSecretFile(os.Getenv("ABUSEIPDB_API_KEY_FILE"))
		if err != nil {
			return nil, err
		}
		cfg.APIKey = key
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ABUSEIPDB_API_KEY is required (set via env, .env or ABUSEIPDB_API_KEY_FILE)")
	}

	var err error
	ints := []struct {
		dst *int
		key string
		def int
	}{
		{&cfg.DailyLimit, "ABUSEIPDB_DAILY_LIMIT", defaultDailyLimit},
		{&cfg.QuotaWarningThreshold, "ABUSEIPDB_QUOTA_WARNING", defaultQuotaWarningThreshold},
		{&cfg.QuotaDriftThreshold, "QUOTA_DRIFT_THRESHOLD", defaultQuotaDriftThreshold},
		{&cfg.RedisDB, "REDIS_DB", 0},
		{&cfg.UpstreamBurst, "UPSTREAM_BURST", 1},
		{&cfg.MaxAgeDays, "MAX_AGE_DAYS", defaultMaxAgeDays},
	}
	for _, v := range ints {
		if *v.dst, err = getEnvInt(v.key, v.def); err != nil {
			return nil, err
		}
	}
	if cfg.UpstreamMaxRPS, err = getEnvFloat("UPSTREAM_MAX_RPS", 0); err != nil {
		return nil, err
	}

	cfg.CacheTTLs = map[models.QueryType]time.Duration{
		models.QueryIP:      getEnvDuration("CACHE_TTL_IP", cfg.CacheTTL),
		models.QueryDomain:  getEnvDuration("CACHE_TTL_DOMAIN", cfg.CacheTTL),
		models.QueryBlock:   getEnvDuration("CACHE_TTL_BLOCK", cfg.CacheTTL),
		models.QueryReports: getEnvDuration("CACHE_TTL_REPORTS", cfg.CacheTTL),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure database directory exists
	if err := ensureDir(filepath.Dir(cfg.DatabasePath)); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges that the environment parsers cannot.
func (c *Config) Validate() error {
	switch c.QuotaBackend {
	case BackendSQLite, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("QUOTA_BACKEND must be one of sqlite, redis, memory: got %q", c.QuotaBackend)
	}
	if c.DailyLimit < 0 {
		return fmt.Errorf("ABUSEIPDB_DAILY_LIMIT must not be negative")
	}
	if c.QuotaWindow <= 0 {
		return fmt.Errorf("QUOTA_WINDOW must be positive")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}
	if c.UpstreamMaxRPS < 0 {
		return fmt.Errorf("UPSTREAM_MAX_RPS must not be negative")
	}
	if c.MaxAgeDays < 1 || c.MaxAgeDays > 365 {
		return fmt.Errorf("MAX_AGE_DAYS must be between 1 and 365")
	}
	for qt, ttl := range c.CacheTTLs {
		if ttl <= 0 {
			return fmt.Errorf("cache TTL for %s must be positive", qt)
		}
	}
	return nil
}

// TTL returns the cache lifetime for a query type.
func (c *Config) TTL(qt models.QueryType) time.Duration {
	if ttl, ok := c.CacheTTLs[qt]; ok {
		return ttl
	}
	return c.CacheTTL
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string

	// Current directory
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}

	// Home directory locations
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "repcache", ".env"),
			filepath.Join(home, ".repcache", ".env"),
		)
	}

	// Parent directories (useful for development)
	if cwd, err := os.Getwd(); err == nil {
		parent := filepath.Dir(cwd)
		paths = append(paths, filepath.Join(parent, ".env"))
		grandparent := filepath.Dir(parent)
		paths = append(paths, filepath.Join(grandparent, ".env"))
	}

	return paths
}

// getDefaultDatabasePath returns the default path for the SQLite database.
func getDefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cache.db"
	}
	return filepath.Join(home, ".config", "repcache", "cache.db")
}

// getDefaultWatchlistPath returns the default path for the watchlist file.
func getDefaultWatchlistPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "watchlist.yaml"
	}
	return filepath.Join(home, ".config", "repcache", "watchlist.yaml")
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "500ms".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Try parsing as seconds if no unit specified
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns the default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, value)
	}
	return n, nil
}

// getEnvFloat retrieves a float environment variable or returns the default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return f, nil
}

// getEnvBool retrieves a boolean environment variable or returns the default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// ensureDir creates a directory and all parent directories if they don't exist.
func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0o750)
}
