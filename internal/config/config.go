// Package config loads and validates the coordinator's configuration from
// environment variables (prefixed CANVASS_) and an optional config.yaml /
// config.json file in the working directory, via github.com/spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MQTTConfig configures the live-ingest MQTT broker connection.
type MQTTConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	ConnectionTimeout time.Duration
	KeepAlive         time.Duration
	TLSEnabled        bool
	QoS               int
	RetryInterval     time.Duration
}

// BackingStoreConfig configures the Postgres-backed tabular store adapter.
type BackingStoreConfig struct {
	DSN            string
	Credentials    string
	MaxConnections int
	ConnectTimeout time.Duration
}

// GeocodeConfig configures the primary geocoder and the queue pacing it sits behind.
type GeocodeConfig struct {
	APIKey       string
	BaseURL      string
	MinSpacing   time.Duration
	HTTPTimeout  time.Duration
	BatchWorkers int
}

// TrackerConfig configures the external GPS tracking provider (FollowMee-shaped).
type TrackerConfig struct {
	APIKey      string
	Username    string
	BaseURL     string
	PullEvery   time.Duration
	LookbackFor time.Duration
	HTTPTimeout time.Duration
}

// RateLimitConfig configures the batched writer's backoff envelope.
type RateLimitConfig struct {
	InitialBackoff time.Duration
	MaxBackoffMs   time.Duration
}

// ServiceConfig carries the cross-cutting intervals and windows: flush
// cadences, retention, the edit window, and local file locations.
type ServiceConfig struct {
	HTTPPort          int
	Development       bool
	DataRoot          string
	RetentionDays     int
	FlushIntervalMs   time.Duration
	CacheFlushMs      time.Duration
	LockTimeoutMs     time.Duration
	EditWindowDays    int
	FallbackFilePath  string
	CustomerCacheTTL  time.Duration
	OldDateHandleTTL  time.Duration
}

// Config is the coordinator's fully populated, validated configuration.
type Config struct {
	MQTT         MQTTConfig
	BackingStore BackingStoreConfig
	Geocode      GeocodeConfig
	Tracker      TrackerConfig
	RateLimit    RateLimitConfig
	Service      ServiceConfig
}

// Load reads environment variables (CANVASS_ prefix) and an optional
// config.yaml/config.json from the working directory, applies defaults for
// every field the service reads, and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CANVASS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := &Config{
		MQTT: MQTTConfig{
			Host:              v.GetString("mqtt.host"),
			Port:              v.GetInt("mqtt.port"),
			Username:          v.GetString("mqtt.username"),
			Password:          v.GetString("mqtt.password"),
			ConnectionTimeout: v.GetDuration("mqtt.connection_timeout"),
			KeepAlive:         v.GetDuration("mqtt.keep_alive"),
			TLSEnabled:        v.GetBool("mqtt.tls_enabled"),
			QoS:               v.GetInt("mqtt.qos"),
			RetryInterval:     v.GetDuration("mqtt.retry_interval"),
		},
		BackingStore: BackingStoreConfig{
			DSN:            v.GetString("backing_store.dsn"),
			Credentials:    v.GetString("backing_store.credentials"),
			MaxConnections: v.GetInt("backing_store.max_connections"),
			ConnectTimeout: v.GetDuration("backing_store.connect_timeout"),
		},
		Geocode: GeocodeConfig{
			APIKey:       v.GetString("geocode.api_key"),
			BaseURL:      v.GetString("geocode.base_url"),
			MinSpacing:   v.GetDuration("geocode.min_spacing"),
			HTTPTimeout:  v.GetDuration("geocode.http_timeout"),
			BatchWorkers: v.GetInt("geocode.batch_workers"),
		},
		Tracker: TrackerConfig{
			APIKey:      v.GetString("tracker.api_key"),
			Username:    v.GetString("tracker.username"),
			BaseURL:     v.GetString("tracker.base_url"),
			PullEvery:   v.GetDuration("tracker.pull_every"),
			LookbackFor: v.GetDuration("tracker.lookback_for"),
			HTTPTimeout: v.GetDuration("tracker.http_timeout"),
		},
		RateLimit: RateLimitConfig{
			InitialBackoff: v.GetDuration("rate_limit.initial_backoff"),
			MaxBackoffMs:   v.GetDuration("rate_limit.max_backoff_ms"),
		},
		Service: ServiceConfig{
			HTTPPort:         v.GetInt("service.http_port"),
			Development:      v.GetBool("service.development"),
			DataRoot:         v.GetString("service.data_root"),
			RetentionDays:    v.GetInt("service.retention_days"),
			FlushIntervalMs:  v.GetDuration("service.flush_interval_ms"),
			CacheFlushMs:     v.GetDuration("service.cache_flush_ms"),
			LockTimeoutMs:    v.GetDuration("service.lock_timeout_ms"),
			EditWindowDays:   v.GetInt("service.edit_window_days"),
			FallbackFilePath: v.GetString("service.fallback_file_path"),
			CustomerCacheTTL: v.GetDuration("service.customer_cache_ttl"),
			OldDateHandleTTL: v.GetDuration("service.old_date_handle_ttl"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.connection_timeout", 10*time.Second)
	v.SetDefault("mqtt.keep_alive", 60*time.Second)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retry_interval", 5*time.Second)

	v.SetDefault("backing_store.max_connections", 10)
	v.SetDefault("backing_store.connect_timeout", 10*time.Second)

	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.min_spacing", 1000*time.Millisecond)
	v.SetDefault("geocode.http_timeout", 15*time.Second)
	v.SetDefault("geocode.batch_workers", 4)

	v.SetDefault("tracker.base_url", "https://www.followmee.com")
	v.SetDefault("tracker.pull_every", 5*time.Minute)
	v.SetDefault("tracker.lookback_for", 1*time.Hour)
	v.SetDefault("tracker.http_timeout", 15*time.Second)

	v.SetDefault("rate_limit.initial_backoff", 30*time.Second)
	v.SetDefault("rate_limit.max_backoff_ms", 240*time.Second)

	v.SetDefault("service.http_port", 8080)
	v.SetDefault("service.development", false)
	v.SetDefault("service.data_root", "")
	v.SetDefault("service.retention_days", 7)
	v.SetDefault("service.flush_interval_ms", 30*time.Second)
	v.SetDefault("service.cache_flush_ms", 60*time.Second)
	v.SetDefault("service.lock_timeout_ms", 30*time.Second)
	v.SetDefault("service.edit_window_days", 30)
	v.SetDefault("service.fallback_file_path", "data/fallback.jsonl")
	v.SetDefault("service.customer_cache_ttl", 5*time.Minute)
	v.SetDefault("service.old_date_handle_ttl", 1*time.Hour)
}

// Validate checks port/QoS ranges, minimum counts, and positive durations.
// It does not check that any credential or DSN is set.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.MQTT.Host) == "" {
		errs = append(errs, "mqtt host is empty")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Sprintf("mqtt port %d is out of valid range", c.MQTT.Port))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Sprintf("mqtt QoS %d is invalid; must be 0, 1, or 2", c.MQTT.QoS))
	}

	if c.BackingStore.MaxConnections < 1 {
		errs = append(errs, "backing store max connections must be at least 1")
	}
	if c.Geocode.MinSpacing <= 0 {
		errs = append(errs, "geocode min spacing must be positive")
	}
	if c.Geocode.BatchWorkers < 1 {
		errs = append(errs, "geocode batch workers must be at least 1")
	}

	if c.Tracker.PullEvery <= 0 {
		errs = append(errs, "tracker pull interval must be positive")
	}

	if c.RateLimit.InitialBackoff <= 0 {
		errs = append(errs, "rate limit initial backoff must be positive")
	}
	if c.RateLimit.MaxBackoffMs < c.RateLimit.InitialBackoff {
		errs = append(errs, "rate limit max backoff must be >= initial backoff")
	}

	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("http port %d is out of valid range", c.Service.HTTPPort))
	}
	if c.Service.RetentionDays < 1 {
		errs = append(errs, "retention days must be at least 1")
	}
	if c.Service.EditWindowDays < 1 {
		errs = append(errs, "edit window days must be at least 1")
	}
	if c.Service.FlushIntervalMs <= 0 {
		errs = append(errs, "flush interval must be positive")
	}
	if c.Service.CacheFlushMs <= 0 {
		errs = append(errs, "cache flush interval must be positive")
	}
	if c.Service.LockTimeoutMs <= 0 {
		errs = append(errs, "lock timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}

// DataRootOrDefault resolves the configured data root, falling back to
// <cwd>/data/user-logs.
func (c *Config) DataRootOrDefault() string {
	if strings.TrimSpace(c.Service.DataRoot) != "" {
		return c.Service.DataRoot
	}
	return "data/user-logs"
}
