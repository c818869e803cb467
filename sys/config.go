package sys

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds the full runtime configuration, loaded from the
// environment (with .env support) and an optional backends.toml file.
type Config struct {
	// Core
	Silent    bool
	Debug     bool
	LogToFile bool

	// Queue
	MaxQueueSize     int
	MaxHistorySize   int
	MaxRetries       int
	RecoveryCooldown time.Duration
	RecoveryBackoff  bool

	// Cache
	CacheMemoryMB   uint64
	StreamTTL       time.Duration
	MetadataTTL     time.Duration
	SearchTTL       time.Duration
	CleanupInterval time.Duration

	// Sources
	YouTubeAPIKey string
	YouTubeProxy  string
	BackendsFile  string

	// Data layer
	DatabasePath string
}

// BackendEntry is a single backend override in backends.toml.
type BackendEntry struct {
	Name       string        `toml:"name"`
	Enabled    *bool         `toml:"enabled"`
	Priority   *int          `toml:"priority"`
	Timeout    time.Duration `toml:"-"`
	TimeoutRaw string        `toml:"timeout"`
	MaxRetries *int          `toml:"max_retries"`
}

// BackendsFile is the top-level backends.toml structure.
type BackendsFile struct {
	Backend []BackendEntry `toml:"backend"`
}

// LoadConfig reads .env (if present), then the process environment,
// applies defaults and validates the result.
func LoadConfig() (*Config, error) {
	// .env is optional; a missing file is not an error
	_ = godotenv.Load()

	cfg := &Config{
		Silent:    envBool("SILENT", false),
		Debug:     envBool("DEBUG", false),
		LogToFile: envBool("LOG_TO_FILE", false),

		MaxQueueSize:     envInt("ARIA_MAX_QUEUE_SIZE", 500),
		MaxHistorySize:   envInt("ARIA_MAX_HISTORY", 50),
		MaxRetries:       envInt("ARIA_MAX_RETRIES", 3),
		RecoveryCooldown: envDuration("ARIA_RECOVERY_COOLDOWN", 5*time.Minute),
		RecoveryBackoff:  envBool("ARIA_RECOVERY_BACKOFF", false),

		CacheMemoryMB:   uint64(envInt("ARIA_CACHE_MEMORY_MB", 256)),
		StreamTTL:       envDuration("ARIA_STREAM_TTL", time.Hour),
		MetadataTTL:     envDuration("ARIA_METADATA_TTL", 2*time.Hour),
		SearchTTL:       envDuration("ARIA_SEARCH_TTL", 30*time.Minute),
		CleanupInterval: envDuration("ARIA_CLEANUP_INTERVAL", 5*time.Minute),

		YouTubeAPIKey: os.Getenv("YOUTUBE_API_KEY"),
		YouTubeProxy:  os.Getenv("YOUTUBE_PROXY"),
		BackendsFile:  os.Getenv("ARIA_BACKENDS_FILE"),

		DatabasePath: envString("DATABASE_PATH", "aria.db"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("ARIA_MAX_QUEUE_SIZE must be positive, got %d", c.MaxQueueSize)
	}
	if c.MaxHistorySize < 0 {
		return fmt.Errorf("ARIA_MAX_HISTORY must not be negative, got %d", c.MaxHistorySize)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("ARIA_MAX_RETRIES must be positive, got %d", c.MaxRetries)
	}
	if c.RecoveryCooldown <= 0 {
		return fmt.Errorf("ARIA_RECOVERY_COOLDOWN must be positive, got %v", c.RecoveryCooldown)
	}
	if c.CacheMemoryMB == 0 {
		return fmt.Errorf("ARIA_CACHE_MEMORY_MB must be positive")
	}
	for _, ttl := range []struct {
		name string
		val  time.Duration
	}{
		{"ARIA_STREAM_TTL", c.StreamTTL},
		{"ARIA_METADATA_TTL", c.MetadataTTL},
		{"ARIA_SEARCH_TTL", c.SearchTTL},
		{"ARIA_CLEANUP_INTERVAL", c.CleanupInterval},
	} {
		if ttl.val <= 0 {
			return fmt.Errorf("%s must be positive, got %v", ttl.name, ttl.val)
		}
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}
	return nil
}

// LoadBackendOverrides parses backends.toml. Returns nil (no overrides)
// when the config names no file; a named file that cannot be read or
// parsed is an error.
func (c *Config) LoadBackendOverrides() ([]BackendEntry, error) {
	if c.BackendsFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.BackendsFile)
	if err != nil {
		return nil, fmt.Errorf("read backends file: %w", err)
	}
	var f BackendsFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse backends file: %w", err)
	}
	for i := range f.Backend {
		if f.Backend[i].Name == "" {
			return nil, fmt.Errorf("backend entry %d is missing a name", i)
		}
		if raw := f.Backend[i].TimeoutRaw; raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("backend %q has bad timeout %q: %w", f.Backend[i].Name, raw, err)
			}
			f.Backend[i].Timeout = d
		}
	}
	return f.Backend, nil
}

// --- Env helpers ---

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes"
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		LogWarn("Invalid value for %s: %q, using default %d", key, v, def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		LogWarn("Invalid duration for %s: %q, using default %v", key, v, def)
		return def
	}
	return d
}
