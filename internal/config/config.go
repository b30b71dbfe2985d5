// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all sandfile server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Sandbox
	ProjectID         string
	RootPath          string
	TempDir           string
	TrashDir          string
	MaxFileSize       int64
	AllowedExtensions []string // empty means all

	// Features
	EnableAudit     bool
	EnableCache     bool
	EnableVirusScan bool
	AutoWatch       bool

	// Encryption (empty disables at-rest encryption)
	EncryptionSecret string

	// Cache
	CacheMaxBytes      int64
	CacheDefaultTTL    time.Duration
	CacheSweepInterval time.Duration

	// Watchers
	MaxWatchers       int
	WatcherQueueWait  time.Duration
	WatcherMinAge     time.Duration
	WatcherInactivity time.Duration
	DebounceInterval  time.Duration
	MaxBatchSize      int

	// Locks
	LockSweepInterval time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),

		ProjectID:   envOr("PROJECT_ID", "default"),
		RootPath:    envOr("ROOT_PATH", ""),
		TempDir:     envOr("TEMP_DIR", ""),
		TrashDir:    envOr("TRASH_DIR", ".trash"),
		MaxFileSize: envInt64("MAX_FILE_SIZE", 100*1024*1024), // 100MB default

		EnableAudit:     envBool("ENABLE_AUDIT", true),
		EnableCache:     envBool("ENABLE_CACHE", true),
		EnableVirusScan: envBool("ENABLE_VIRUS_SCAN", false),
		AutoWatch:       envBool("AUTO_WATCH", false),

		EncryptionSecret: envOr("ENCRYPTION_SECRET", ""),

		CacheMaxBytes:      envInt64("CACHE_MAX_BYTES", 64*1024*1024),
		CacheDefaultTTL:    envDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
		CacheSweepInterval: envDuration("CACHE_SWEEP_INTERVAL", time.Minute),

		MaxWatchers:       envInt("MAX_WATCHERS", 20),
		WatcherQueueWait:  envDuration("WATCHER_QUEUE_WAIT", 5*time.Second),
		WatcherMinAge:     envDuration("WATCHER_MIN_AGE", 5*time.Minute),
		WatcherInactivity: envDuration("WATCHER_INACTIVITY", 30*time.Minute),
		DebounceInterval:  envDuration("DEBOUNCE_INTERVAL", 100*time.Millisecond),
		MaxBatchSize:      envInt("MAX_BATCH_SIZE", 64),

		LockSweepInterval: envDuration("LOCK_SWEEP_INTERVAL", 30*time.Second),
	}

	if exts := os.Getenv("ALLOWED_EXTENSIONS"); exts != "" && exts != "all" {
		for _, e := range strings.Split(exts, ",") {
			e = strings.TrimSpace(strings.ToLower(e))
			if e == "" {
				continue
			}
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			cfg.AllowedExtensions = append(cfg.AllowedExtensions, e)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and bounds.
func (c *Config) Validate() error {
	if c.RootPath == "" {
		return fmt.Errorf("ROOT_PATH is required")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.MaxWatchers <= 0 {
		return fmt.Errorf("MAX_WATCHERS must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	if c.CacheMaxBytes <= 0 {
		return fmt.Errorf("CACHE_MAX_BYTES must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
