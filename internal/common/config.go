// Package common provides shared utilities for Tidemark
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for Tidemark
type Config struct {
	Environment string           `toml:"environment"`
	Storage     StorageConfig    `toml:"storage"`
	Feed        FeedConfig       `toml:"feed"`
	Sync        SyncConfig       `toml:"sync"`
	Workers     WorkerConfig     `toml:"workers"`
	Supervisor  SupervisorConfig `toml:"supervisor"`
	Logging     LoggingConfig    `toml:"logging"`
}

// StorageConfig holds SurrealDB connection configuration.
type StorageConfig struct {
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// FeedConfig holds upstream market-data API configuration.
type FeedConfig struct {
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	RateLimit  int    `toml:"rate_limit"` // requests per second
	Timeout    string `toml:"timeout"`
	MaxRetries int    `toml:"max_retries"` // bounded retries for 5xx/transport errors
	PageSize   int    `toml:"page_size"`
	RetryAfter string `toml:"retry_after"` // fallback delay when a 429 carries no hint
}

// GetTimeout parses and returns the HTTP timeout duration
func (c *FeedConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetRetryAfter parses and returns the fallback 429 delay.
func (c *FeedConfig) GetRetryAfter() time.Duration {
	d, err := time.ParseDuration(c.RetryAfter)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// SyncConfig holds the tunables for one sync run. It is validated once and
// passed explicitly into the planner and dispatcher rather than read from
// global state.
type SyncConfig struct {
	BatchSize       int    `toml:"batch_size"`       // work units per dispatch batch
	SleepSeconds    int    `toml:"sleep_seconds"`    // pacing delay between batch submissions
	WindowDays      int    `toml:"window_days"`      // maximum span of one fetch window
	RedundancyDays  int    `toml:"redundancy_days"`  // re-fetch overlap behind the watermark
	HistoricalFloor string `toml:"historical_floor"` // earliest supported date, "2006-01-02"
	MaxUnitAttempts int    `toml:"max_unit_attempts"`
	MaxWindowSlices int    `toml:"max_window_slices"` // sanity bound on planned windows per series
}

// GetHistoricalFloor parses the configured floor date. Falls back to
// 2000-01-01 when unset or malformed.
func (c *SyncConfig) GetHistoricalFloor() time.Time {
	t, err := time.Parse("2006-01-02", c.HistoricalFloor)
	if err != nil {
		return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// GetSleep returns the inter-batch pacing delay.
func (c *SyncConfig) GetSleep() time.Duration {
	if c.SleepSeconds <= 0 {
		return 0
	}
	return time.Duration(c.SleepSeconds) * time.Second
}

// Validate checks the sync tunables and returns a descriptive error for the
// first invalid value found.
func (c *SyncConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.BatchSize)
	}
	if c.WindowDays <= 0 {
		return fmt.Errorf("sync.window_days must be positive, got %d", c.WindowDays)
	}
	if c.RedundancyDays < 0 {
		return fmt.Errorf("sync.redundancy_days must not be negative, got %d", c.RedundancyDays)
	}
	if c.SleepSeconds < 0 {
		return fmt.Errorf("sync.sleep_seconds must not be negative, got %d", c.SleepSeconds)
	}
	if c.HistoricalFloor != "" {
		if _, err := time.Parse("2006-01-02", c.HistoricalFloor); err != nil {
			return fmt.Errorf("sync.historical_floor is not a valid date: %w", err)
		}
	}
	if c.MaxUnitAttempts <= 0 {
		return fmt.Errorf("sync.max_unit_attempts must be positive, got %d", c.MaxUnitAttempts)
	}
	if c.MaxWindowSlices <= 0 {
		return fmt.Errorf("sync.max_window_slices must be positive, got %d", c.MaxWindowSlices)
	}
	return nil
}

// WorkerConfig holds the processor pool configuration.
type WorkerConfig struct {
	MaxConcurrent int    `toml:"max_concurrent"`
	PurgeAfter    string `toml:"purge_after"`    // retention for finished units/batches
	EventsAddress string `toml:"events_address"` // batch-event WebSocket listen address, empty disables
}

// GetPurgeAfter parses the retention duration, defaulting to 7 days.
func (c *WorkerConfig) GetPurgeAfter() time.Duration {
	d, err := time.ParseDuration(c.PurgeAfter)
	if err != nil {
		return 7 * 24 * time.Hour
	}
	return d
}

// SupervisorConfig holds the queue supervisor configuration.
type SupervisorConfig struct {
	Enabled         bool   `toml:"enabled"`
	Interval        string `toml:"interval"`
	HardBacklog     int    `toml:"hard_backlog"`     // backlog size forcing a restart
	SoftBacklog     int    `toml:"soft_backlog"`     // backlog size allowing a restart after cooldown
	RestartCooldown string `toml:"restart_cooldown"` // minimum time between restarts
	DryRun          bool   `toml:"dry_run"`          // report-only mode, never signals workers
}

// GetInterval parses the sampling interval, defaulting to 30 seconds.
func (c *SupervisorConfig) GetInterval() time.Duration {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetRestartCooldown parses the restart cooldown, defaulting to 10 minutes.
func (c *SupervisorConfig) GetRestartCooldown() time.Duration {
	d, err := time.ParseDuration(c.RestartCooldown)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Address:   "ws://localhost:8000",
			Namespace: "tidemark",
			Database:  "market",
			Username:  "root",
			Password:  "root",
		},
		Feed: FeedConfig{
			BaseURL:    "https://feed.example.com/api",
			RateLimit:  10,
			Timeout:    "30s",
			MaxRetries: 3,
			PageSize:   1000,
			RetryAfter: "5s",
		},
		Sync: SyncConfig{
			BatchSize:       50,
			SleepSeconds:    0,
			WindowDays:      120,
			RedundancyDays:  7,
			HistoricalFloor: "2000-01-01",
			MaxUnitAttempts: 3,
			MaxWindowSlices: 500,
		},
		Workers: WorkerConfig{
			MaxConcurrent: 5,
			PurgeAfter:    "168h",
			EventsAddress: ":8088",
		},
		Supervisor: SupervisorConfig{
			Enabled:         true,
			Interval:        "30s",
			HardBacklog:     10000,
			SoftBacklog:     2000,
			RestartCooldown: "10m",
			DryRun:          false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Sync.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync configuration: %w", err)
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("TIDEMARK_ENV"); env != "" {
		config.Environment = env
	}

	if level := os.Getenv("TIDEMARK_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if addr := os.Getenv("TIDEMARK_STORAGE_ADDRESS"); addr != "" {
		config.Storage.Address = addr
	}
	if ns := os.Getenv("TIDEMARK_STORAGE_NAMESPACE"); ns != "" {
		config.Storage.Namespace = ns
	}
	if db := os.Getenv("TIDEMARK_STORAGE_DATABASE"); db != "" {
		config.Storage.Database = db
	}
	if user := os.Getenv("TIDEMARK_STORAGE_USERNAME"); user != "" {
		config.Storage.Username = user
	}
	if pass := os.Getenv("TIDEMARK_STORAGE_PASSWORD"); pass != "" {
		config.Storage.Password = pass
	}

	if key := os.Getenv("TIDEMARK_FEED_API_KEY"); key != "" {
		config.Feed.APIKey = key
	}
	if url := os.Getenv("TIDEMARK_FEED_BASE_URL"); url != "" {
		config.Feed.BaseURL = url
	}
	if rl := os.Getenv("TIDEMARK_FEED_RATE_LIMIT"); rl != "" {
		if n, err := strconv.Atoi(rl); err == nil {
			config.Feed.RateLimit = n
		}
	}

	if mc := os.Getenv("TIDEMARK_WORKERS"); mc != "" {
		if n, err := strconv.Atoi(mc); err == nil {
			config.Workers.MaxConcurrent = n
		}
	}
	if addr := os.Getenv("TIDEMARK_EVENTS_ADDRESS"); addr != "" {
		config.Workers.EventsAddress = addr
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
