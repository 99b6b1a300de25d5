package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Shop        ShopConfig        `yaml:"shop"`
	Storage     StorageConfig     `yaml:"storage"`
	Performance PerformanceConfig `yaml:"performance"`
	Etsy        EtsyConfig        `yaml:"etsy"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Experiments ExperimentsConfig `yaml:"experiments"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Search      SearchConfig      `yaml:"search"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         string   `yaml:"port"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// ShopConfig identifies the shop this process manages
type ShopConfig struct {
	ID      int64  `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// StorageConfig selects the experiment repository: "json" or "mysql"
type StorageConfig struct {
	Type  string      `yaml:"type"`
	MySQL MySQLConfig `yaml:"mysql"`
}

// PerformanceConfig selects where view history is kept: "store" or "postgres"
type PerformanceConfig struct {
	Source   string         `yaml:"source"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// MySQLConfig contains MySQL connection settings
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// PostgresConfig contains PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// EtsyConfig contains marketplace API client settings
type EtsyConfig struct {
	BaseURL             string  `yaml:"base_url"`
	KeysPath            string  `yaml:"keys_path"`
	TimeoutSeconds      int     `yaml:"timeout_seconds"`
	MaxRetries          int     `yaml:"max_retries"`
	RetryDelayMillis    int     `yaml:"retry_delay_millis"`
	RequestsPerDay      int     `yaml:"requests_per_day"`
	RequestsPerSecond   float64 `yaml:"requests_per_second"`
	BreakerThreshold    int     `yaml:"breaker_threshold"`
	BreakerResetSeconds int     `yaml:"breaker_reset_seconds"`
	DownloadConcurrency int     `yaml:"download_concurrency"`
}

// RateLimitConfig limits mutating calls on the HTTP API
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	RequestsPerDay    int  `yaml:"requests_per_day"`
}

// ExperimentsConfig contains lifecycle defaults
type ExperimentsConfig struct {
	RunDurationDays            int     `yaml:"run_duration_days"`
	Tolerance                  float64 `yaml:"tolerance"`
	ConvergenceAttempts        int     `yaml:"convergence_attempts"`
	ConvergenceIntervalSeconds int     `yaml:"convergence_interval_seconds"`
}

// SchedulerConfig contains periodic job settings
type SchedulerConfig struct {
	SweepEnabled bool   `yaml:"sweep_enabled"`
	SweepTime    string `yaml:"sweep_time"`
	SyncEnabled  bool   `yaml:"sync_enabled"`
	SyncTime     string `yaml:"sync_time"`
}

// SearchConfig contains search engine settings
type SearchConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Meilisearch MeilisearchConfig `yaml:"meilisearch"`
}

// MeilisearchConfig contains Meilisearch connection settings
type MeilisearchConfig struct {
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`
	Index  string `yaml:"index"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8084",
			AllowOrigins: []string{"http://localhost:3000"},
		},
		Shop: ShopConfig{
			DataDir: "data",
		},
		Storage: StorageConfig{
			Type: "json",
			MySQL: MySQLConfig{
				Host:     "localhost",
				Port:     3306,
				User:     "experiments",
				Database: "listing_experiments",
			},
		},
		Performance: PerformanceConfig{
			Source: "store",
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "experiments",
				Database: "listing_experiments",
			},
		},
		Etsy: EtsyConfig{
			KeysPath:            "keys.json",
			TimeoutSeconds:      30,
			MaxRetries:          3,
			RetryDelayMillis:    500,
			RequestsPerDay:      10000,
			RequestsPerSecond:   5,
			BreakerThreshold:    5,
			BreakerResetSeconds: 300,
			DownloadConcurrency: 4,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 30,
			RequestsPerDay:    2000,
		},
		Experiments: ExperimentsConfig{
			RunDurationDays:            14,
			Tolerance:                  0,
			ConvergenceAttempts:        2,
			ConvergenceIntervalSeconds: 5,
		},
		Scheduler: SchedulerConfig{
			SweepEnabled: true,
			SweepTime:    "03:00",
			SyncEnabled:  true,
			SyncTime:     "02:00",
		},
		Search: SearchConfig{
			Meilisearch: MeilisearchConfig{
				Host:  "http://localhost:7700",
				Index: "experiments",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	config := DefaultConfig()

	// If file doesn't exist, return default config
	if _, err := os.Stat(filepath); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the engines cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "json", "mysql":
	default:
		return fmt.Errorf("invalid storage.type %q (want json or mysql)", c.Storage.Type)
	}
	switch c.Performance.Source {
	case "store", "postgres":
	default:
		return fmt.Errorf("invalid performance.source %q (want store or postgres)", c.Performance.Source)
	}
	if c.Experiments.Tolerance < 0 {
		return fmt.Errorf("experiments.tolerance must be >= 0")
	}
	if c.Experiments.RunDurationDays <= 0 {
		return fmt.Errorf("experiments.run_duration_days must be positive")
	}
	return nil
}

// GetTimeout returns the API timeout as a duration
func (c *EtsyConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GetRetryDelay returns the base retry delay as a duration
func (c *EtsyConfig) GetRetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMillis) * time.Millisecond
}

// GetBreakerReset returns the circuit breaker reset window as a duration
func (c *EtsyConfig) GetBreakerReset() time.Duration {
	return time.Duration(c.BreakerResetSeconds) * time.Second
}

// GetConvergenceInterval returns the wait between convergence syncs
func (c *ExperimentsConfig) GetConvergenceInterval() time.Duration {
	return time.Duration(c.ConvergenceIntervalSeconds) * time.Second
}
