// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SCRAPER_SERVER_PORT.
const EnvPrefix = "SCRAPER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// ScrapeConfig governs each job's crawl and worker pool.
type ScrapeConfig struct {
	MaxListings        int `mapstructure:"max_listings"`
	Concurrency        int `mapstructure:"concurrency"`
	NavTimeoutSeconds  int `mapstructure:"nav_timeout_seconds"`
	ItemTimeoutSeconds int `mapstructure:"item_timeout_seconds"`
	SettleMs           int `mapstructure:"settle_ms"`
	PageSettleMs       int `mapstructure:"page_settle_ms"`
	MaxPages           int `mapstructure:"max_pages"`
}

// BrowserConfig selects and sizes the browser session provider.
type BrowserConfig struct {
	Mode                  string         `mapstructure:"mode"`
	RemoteURL             string         `mapstructure:"remote_url"`
	APIKey                string         `mapstructure:"api_key"`
	Headless              bool           `mapstructure:"headless"`
	UserAgent             string         `mapstructure:"user_agent"`
	MaxSessions           int            `mapstructure:"max_sessions"`
	AcquireTimeoutSeconds int            `mapstructure:"acquire_timeout_seconds"`
	AcquireQPS            float64        `mapstructure:"acquire_qps"`
	ActionTimeoutSeconds  int            `mapstructure:"action_timeout_seconds"`
	Viewport              ViewportConfig `mapstructure:"viewport"`
}

// ViewportConfig is the emulated window size.
type ViewportConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// RateLimitConfig paces navigations per host.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// ProgressConfig tunes the operator event hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects where completed datasets are written.
type ArchiveConfig struct {
	// Backend is none, memory, local or gcs.
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// TracingConfig names the service in trace resources.
type TracingConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from an optional .env file, an optional config file
// at path and SCRAPER_ environment variables, in increasing precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

// Every key needs a default, even an empty one, for AutomaticEnv to reach it
// through Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("scrape.max_listings", 100)
	v.SetDefault("scrape.concurrency", 5)
	v.SetDefault("scrape.nav_timeout_seconds", 60)
	v.SetDefault("scrape.item_timeout_seconds", 180)
	v.SetDefault("scrape.settle_ms", 3000)
	v.SetDefault("scrape.page_settle_ms", 2000)
	v.SetDefault("scrape.max_pages", 0)
	v.SetDefault("browser.mode", "local")
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.api_key", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.max_sessions", 6)
	v.SetDefault("browser.acquire_timeout_seconds", 60)
	v.SetDefault("browser.acquire_qps", 0)
	v.SetDefault("browser.action_timeout_seconds", 20)
	v.SetDefault("browser.viewport.width", 1440)
	v.SetDefault("browser.viewport.height", 900)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 3)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "listings")
	v.SetDefault("tracing.service_name", "listing-scraper")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scrape.MaxListings <= 0 {
		return fmt.Errorf("scrape.max_listings must be > 0")
	}
	if c.Scrape.Concurrency <= 0 {
		return fmt.Errorf("scrape.concurrency must be > 0")
	}
	if c.Scrape.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("scrape.nav_timeout_seconds must be > 0")
	}
	switch c.Browser.Mode {
	case "local":
	case "remote":
		if c.Browser.RemoteURL == "" {
			return fmt.Errorf("browser.remote_url must be set when browser.mode is remote")
		}
	default:
		return fmt.Errorf("browser.mode must be local or remote, got %q", c.Browser.Mode)
	}
	// One session crawls while the pool holds the rest.
	if c.Browser.MaxSessions < c.Scrape.Concurrency+1 {
		return fmt.Errorf("browser.max_sessions must be >= scrape.concurrency + 1")
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS <= 0 {
		return fmt.Errorf("ratelimit.default_rps must be > 0 when rate limiting is enabled")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	switch c.Archive.Backend {
	case "", "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set when archive.backend is local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("archive.backend must be none, memory, local or gcs, got %q", c.Archive.Backend)
	}
	return nil
}

// NavTimeout is the per-navigation bound.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Scrape.NavTimeoutSeconds) * time.Second
}

// ItemTimeout bounds one listing end to end.
func (c Config) ItemTimeout() time.Duration {
	return time.Duration(c.Scrape.ItemTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Settle is the delay after a listing navigation.
func (c Config) Settle() time.Duration { return millis(c.Scrape.SettleMs) }

// PageSettle is the delay after a results page navigation.
func (c Config) PageSettle() time.Duration { return millis(c.Scrape.PageSettleMs) }
