// Package config loads service settings from defaults, an optional YAML
// file and LEDGERSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pysugar/ledgersync/internal/retry"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Security   SecurityConfig   `mapstructure:"security"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Categorize CategorizeConfig `mapstructure:"categorize"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type DatabaseConfig struct {
	Path    string `mapstructure:"path"`
	Verbose bool   `mapstructure:"verbose"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr is host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig holds the secret used to seal provider tokens at rest.
type SecurityConfig struct {
	TokenKey string `mapstructure:"token_key"`
}

type SyncConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	MaxPages         int           `mapstructure:"max_pages"`
	StaleGrace       time.Duration `mapstructure:"stale_grace"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"` // used when the provider sends no Retry-After
}

type RetryConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	MaxRateLimitWait time.Duration `mapstructure:"max_rate_limit_wait"`
}

// Policy converts the settings into a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = r.MaxRetries
	p.BaseDelay = r.BaseDelay
	p.MaxDelay = r.MaxDelay
	p.MaxRateLimitWait = r.MaxRateLimitWait
	return p
}

type ConnectionConfig struct {
	RefreshMargin    time.Duration `mapstructure:"refresh_margin"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

type ReconcileConfig struct {
	// Strategy is "checkpoint" or "genesis".
	Strategy      string `mapstructure:"strategy"`
	Tolerance     int64  `mapstructure:"tolerance"`
	HardThreshold int64  `mapstructure:"hard_threshold"`
}

type IngestConfig struct {
	DefaultTimezone string `mapstructure:"default_timezone"`
}

type CategorizeConfig struct {
	RulesFile           string  `mapstructure:"rules_file"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

type ProvidersConfig struct {
	File string `mapstructure:"file"`
}

type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "ledgersync.db")
	v.SetDefault("database.verbose", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("security.token_key", "")
	v.SetDefault("sync.timeout", 5*time.Minute)
	v.SetDefault("sync.poll_interval", 15*time.Minute)
	v.SetDefault("sync.max_concurrent", 4)
	v.SetDefault("sync.max_pages", 500)
	v.SetDefault("sync.stale_grace", time.Minute)
	v.SetDefault("sync.rate_limit_backoff", time.Minute)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.max_rate_limit_wait", 30*time.Second)
	v.SetDefault("connection.refresh_margin", 5*time.Minute)
	v.SetDefault("connection.failure_threshold", 5)
	v.SetDefault("reconcile.strategy", "checkpoint")
	v.SetDefault("reconcile.tolerance", 0)
	v.SetDefault("reconcile.hard_threshold", 0)
	v.SetDefault("ingest.default_timezone", "UTC")
	v.SetDefault("categorize.rules_file", "")
	v.SetDefault("categorize.similarity_threshold", 0.2)
	v.SetDefault("providers.file", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", 5*time.Second)
}

// Load reads configuration from file and env. Env var overrides use prefix
// LEDGERSYNC_, e.g. LEDGERSYNC_SYNC_TIMEOUT=2m.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if cfgPath := os.Getenv("LEDGERSYNC_CONFIG"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("ledgersync")
	}

	v.SetEnvPrefix("LEDGERSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch c.Reconcile.Strategy {
	case "checkpoint", "genesis":
	default:
		return fmt.Errorf("reconcile.strategy must be checkpoint or genesis, got %q", c.Reconcile.Strategy)
	}
	if c.Reconcile.Tolerance < 0 || c.Reconcile.HardThreshold < 0 {
		return errors.New("reconcile tolerance and hard_threshold must not be negative")
	}
	if c.Sync.Timeout <= 0 {
		return errors.New("sync.timeout must be positive")
	}
	if c.Sync.MaxConcurrent < 1 {
		return errors.New("sync.max_concurrent must be at least 1")
	}
	if c.Sync.MaxPages < 1 {
		return errors.New("sync.max_pages must be at least 1")
	}
	if c.Sync.RateLimitBackoff <= 0 {
		return errors.New("sync.rate_limit_backoff must be positive")
	}
	if c.Connection.FailureThreshold < 1 {
		return errors.New("connection.failure_threshold must be at least 1")
	}
	if _, err := time.LoadLocation(c.Ingest.DefaultTimezone); err != nil {
		return fmt.Errorf("ingest.default_timezone: %w", err)
	}
	return nil
}
