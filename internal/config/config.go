// Package config provides configuration management for the ingestion worker.
// Values come from a yaml config file, environment variables (dots replaced
// with underscores), or defaults, in ascending precedence order handled by viper.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultBaseURL         = "https://www.carsensor.net"
	DefaultRobotsURL       = DefaultBaseURL + "/robots.txt"
	DefaultSitemapIndexURL = DefaultBaseURL + "/sitemap/usedcar-detail-index.xml"

	defaultMaxSitemaps     = 40
	defaultURLsPerSitemap  = 2000
	defaultPoolSize        = 6000
	defaultMaxListings     = 300
	defaultPerMakeLimit    = 15
	defaultConcurrency     = 8
	defaultMaxRetries      = 3
	defaultBatchPause      = 2 * time.Second
	defaultConnectTimeout  = 10 * time.Second
	defaultReadTimeout     = 30 * time.Second
	defaultRequestDelay    = 0 * time.Second
	defaultBackoff         = 2 * time.Second
	defaultBackoffJitter   = time.Second
	defaultJPYToRUBRate    = 0.62
	defaultUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
	defaultInterval        = 6 * time.Hour
	defaultCycleTimeout    = 2 * time.Hour
	defaultPollInterval    = 30 * time.Second
	defaultInactiveAfter   = 3
	defaultDeleteAfter     = 14
	defaultUpsertBatchSize = 500
	defaultServerAddress   = ":8070"
)

// Config is the root configuration for the worker.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Database DatabaseConfig `mapstructure:"database"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Server   ServerConfig   `mapstructure:"server"`
}

// AppConfig holds application identity settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ScraperConfig holds discovery, selection, fetch and normalization settings.
type ScraperConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	RobotsURL       string `mapstructure:"robots_url"`
	SitemapIndexURL string `mapstructure:"sitemap_index_url"`

	MaxSitemaps    int `mapstructure:"max_sitemaps"`
	URLsPerSitemap int `mapstructure:"urls_per_sitemap"`
	PoolSize       int `mapstructure:"pool_size"`
	MaxListings    int `mapstructure:"max_listings"`
	PerMakeLimit   int `mapstructure:"per_make_limit"`

	Concurrency    int           `mapstructure:"concurrency"`
	BatchPause     time.Duration `mapstructure:"batch_pause"`
	ConnectTimeout time.Duration `mapstructure:"request_connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"request_read_timeout"`
	RequestDelay   time.Duration `mapstructure:"request_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Backoff        time.Duration `mapstructure:"backoff"`
	BackoffJitter  time.Duration `mapstructure:"backoff_jitter"`
	UserAgent      string        `mapstructure:"user_agent"`

	JPYToRUBRate float64 `mapstructure:"jpy_to_rub_rate"`
}

// WorkerConfig holds cycle scheduling and staleness settings.
type WorkerConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	RunOnce             bool          `mapstructure:"run_once"`
	CycleTimeout        time.Duration `mapstructure:"cycle_timeout"`
	RequestPollInterval time.Duration `mapstructure:"request_poll_interval"`
	InactiveAfterDays   int           `mapstructure:"inactive_after_days"`
	DeleteAfterDays     int           `mapstructure:"delete_after_days"`
	UpsertBatchSize     int           `mapstructure:"upsert_batch_size"`
}

// ServerConfig holds the observability HTTP server settings.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// Load builds a Config from the current viper state.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for values the worker cannot run with.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.New("database host must be specified")
	}
	if c.Database.DBName == "" {
		return errors.New("database name must be specified")
	}
	if c.Scraper.BaseURL == "" {
		return errors.New("scraper base URL must be specified")
	}
	if c.Scraper.SitemapIndexURL == "" {
		return errors.New("scraper sitemap index URL must be specified")
	}
	if c.Scraper.MaxListings < 0 {
		return fmt.Errorf("max_listings must not be negative, got %d", c.Scraper.MaxListings)
	}
	if c.Scraper.PerMakeLimit <= 0 {
		return fmt.Errorf("per_make_limit must be positive, got %d", c.Scraper.PerMakeLimit)
	}
	if c.Scraper.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Scraper.Concurrency)
	}
	if c.Scraper.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", c.Scraper.MaxRetries)
	}
	if c.Scraper.JPYToRUBRate <= 0 {
		return fmt.Errorf("jpy_to_rub_rate must be positive, got %f", c.Scraper.JPYToRUBRate)
	}
	if c.Worker.Interval <= 0 {
		return errors.New("worker interval must be positive")
	}
	if c.Worker.InactiveAfterDays <= 0 || c.Worker.DeleteAfterDays <= 0 {
		return errors.New("staleness windows must be positive")
	}
	if c.Worker.DeleteAfterDays < c.Worker.InactiveAfterDays {
		return fmt.Errorf(
			"delete_after_days (%d) must not be shorter than inactive_after_days (%d)",
			c.Worker.DeleteAfterDays, c.Worker.InactiveAfterDays,
		)
	}
	return nil
}

// SetDefaults registers default values on viper. Called once from the CLI
// before config is read.
func SetDefaults() {
	viper.SetDefault("app", map[string]any{
		"name":        "carsight-worker",
		"environment": "development",
		"debug":       false,
	})

	viper.SetDefault("logger", map[string]any{
		"level":       "info",
		"development": false,
	})

	viper.SetDefault("database", map[string]any{
		"host":     "localhost",
		"port":     "5432",
		"user":     "postgres",
		"password": "",
		"dbname":   "carsight",
		"sslmode":  "disable",
	})

	viper.SetDefault("scraper", map[string]any{
		"base_url":                DefaultBaseURL,
		"robots_url":              DefaultRobotsURL,
		"sitemap_index_url":       DefaultSitemapIndexURL,
		"max_sitemaps":            defaultMaxSitemaps,
		"urls_per_sitemap":        defaultURLsPerSitemap,
		"pool_size":               defaultPoolSize,
		"max_listings":            defaultMaxListings,
		"per_make_limit":          defaultPerMakeLimit,
		"concurrency":             defaultConcurrency,
		"batch_pause":             defaultBatchPause,
		"request_connect_timeout": defaultConnectTimeout,
		"request_read_timeout":    defaultReadTimeout,
		"request_delay":           defaultRequestDelay,
		"max_retries":             defaultMaxRetries,
		"backoff":                 defaultBackoff,
		"backoff_jitter":          defaultBackoffJitter,
		"jpy_to_rub_rate":         defaultJPYToRUBRate,
		"user_agent":              defaultUserAgent,
	})

	viper.SetDefault("worker", map[string]any{
		"interval":              defaultInterval,
		"run_once":              false,
		"cycle_timeout":         defaultCycleTimeout,
		"request_poll_interval": defaultPollInterval,
		"inactive_after_days":   defaultInactiveAfter,
		"delete_after_days":     defaultDeleteAfter,
		"upsert_batch_size":     defaultUpsertBatchSize,
	})

	viper.SetDefault("server", map[string]any{
		"enabled": true,
		"address": defaultServerAddress,
	})
}
