// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Persist   PersistConfig   `mapstructure:"persist"`
	State     StateConfig     `mapstructure:"state"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ScrapeConfig governs the page range and pipeline behavior of a run.
type ScrapeConfig struct {
	StartPage          int     `mapstructure:"start_page"`
	EndPage            int     `mapstructure:"end_page"`
	Workers            int     `mapstructure:"workers"`
	Incremental        bool    `mapstructure:"incremental"`
	BufferSize         int     `mapstructure:"buffer_size"`
	FlushTimeoutSec    int     `mapstructure:"flush_timeout_seconds"`
	PageTimeoutSec     int     `mapstructure:"page_timeout_seconds"`
	FetchRetries       int     `mapstructure:"fetch_retries"`
	RateLimitPerSecond float64 `mapstructure:"rate_limit_rps"`
	ListingURL         string  `mapstructure:"listing_url"`
}

// HTTPConfig configures the plain HTTP fetch path.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// DatabaseConfig controls access to the destination store.
type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// PersistConfig controls flush retry behavior.
type PersistConfig struct {
	MaxRetries  int `mapstructure:"max_retries"`
	RetryBaseMs int `mapstructure:"retry_base_ms"`
	RetryMaxMs  int `mapstructure:"retry_max_ms"`
}

// StateConfig locates the progress-state file.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// BackupConfig selects where fallback artifacts are written.
type BackupConfig struct {
	Provider string `mapstructure:"provider"`
	Dir      string `mapstructure:"dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PublisherConfig selects the run-summary publisher.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scrape.start_page", 1)
	v.SetDefault("scrape.end_page", 10)
	v.SetDefault("scrape.workers", 3)
	v.SetDefault("scrape.incremental", true)
	v.SetDefault("scrape.buffer_size", 50)
	v.SetDefault("scrape.flush_timeout_seconds", 30)
	v.SetDefault("scrape.page_timeout_seconds", 45)
	v.SetDefault("scrape.fetch_retries", 2)
	v.SetDefault("scrape.rate_limit_rps", 1.0)
	v.SetDefault("scrape.listing_url", "https://www.lacentrale.fr/listing?options=&page=%d&sortBy=firstOnlineDateDesc")
	v.SetDefault("http.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 40)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.conn_lifetime_minutes", 30)
	v.SetDefault("persist.max_retries", 3)
	v.SetDefault("persist.retry_base_ms", 250)
	v.SetDefault("persist.retry_max_ms", 5000)
	v.SetDefault("state.path", "data/scraping_state.json")
	v.SetDefault("backup.provider", "local")
	v.SetDefault("backup.dir", "data/backup")
	v.SetDefault("backup.prefix", "backups")
	v.SetDefault("publisher.provider", "none")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Scrape.StartPage <= 0 {
		return fmt.Errorf("scrape.start_page must be > 0")
	}
	if c.Scrape.EndPage < c.Scrape.StartPage {
		return fmt.Errorf("scrape.end_page must be >= scrape.start_page")
	}
	if c.Scrape.Workers <= 0 {
		return fmt.Errorf("scrape.workers must be > 0")
	}
	if c.Scrape.BufferSize <= 0 {
		return fmt.Errorf("scrape.buffer_size must be > 0")
	}
	if c.Scrape.PageTimeoutSec <= 0 {
		return fmt.Errorf("scrape.page_timeout_seconds must be > 0")
	}
	if c.Scrape.RateLimitPerSecond <= 0 {
		return fmt.Errorf("scrape.rate_limit_rps must be > 0")
	}
	if !strings.Contains(c.Scrape.ListingURL, "%d") {
		return fmt.Errorf("scrape.listing_url must contain a %%d page placeholder")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url must be set")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path must be set")
	}
	switch c.Backup.Provider {
	case "local":
		if c.Backup.Dir == "" {
			return fmt.Errorf("backup.dir must be set for the local provider")
		}
	case "gcs":
		if c.Backup.Bucket == "" {
			return fmt.Errorf("backup.bucket must be set for the gcs provider")
		}
	case "memory":
	default:
		return fmt.Errorf("backup.provider must be one of local, gcs, memory")
	}
	switch c.Publisher.Provider {
	case "none":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set for the pubsub provider")
		}
	default:
		return fmt.Errorf("publisher.provider must be one of none, pubsub")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

// PageTimeout bounds one fetch attempt.
func (c Config) PageTimeout() time.Duration {
	return time.Duration(c.Scrape.PageTimeoutSec) * time.Second
}

// FlushTimeout bounds one buffer flush.
func (c Config) FlushTimeout() time.Duration {
	return time.Duration(c.Scrape.FlushTimeoutSec) * time.Second
}

// HTTPTimeout bounds one plain HTTP request.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout bounds one headless navigation.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// RetryBase is the initial flush retry delay.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Persist.RetryBaseMs) * time.Millisecond
}

// RetryMax caps the flush retry delay.
func (c Config) RetryMax() time.Duration {
	return time.Duration(c.Persist.RetryMaxMs) * time.Millisecond
}

// ConnLifetime caps the age of pooled database connections.
func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.Database.ConnLifetimeMin) * time.Minute
}
