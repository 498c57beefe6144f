// Package config loads and validates gateway configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/JakeFAU/prerender-gateway/internal/selector"
)

// EnvPrefix namespaces environment overrides, e.g. PRERENDER_CACHE_TTL.
const EnvPrefix = "PRERENDER"

// Supported cache backends.
const (
	BackendFilesystem = "filesystem"
	BackendMemory     = "memory"
	BackendGCS        = "gcs"
	BackendRedis      = "redis"
	BackendPostgres   = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Cache     CacheConfig     `mapstructure:"cache"`
	Server    ServerConfig    `mapstructure:"server"`
	Render    RenderConfig    `mapstructure:"render"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	Events    EventsConfig    `mapstructure:"events"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Pages     []selector.Rule `mapstructure:"pages"`
}

// CacheConfig controls where rendered pages are kept and for how long.
type CacheConfig struct {
	// TTL accepts m/h/d/w units and combinations such as "1d12h".
	TTL            string         `mapstructure:"ttl"`
	Directory      string         `mapstructure:"directory"`
	MinContentSize int            `mapstructure:"minContentSize"`
	Backend        string         `mapstructure:"backend"`
	GCS            GCSConfig      `mapstructure:"gcs"`
	Redis          RedisConfig    `mapstructure:"redis"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
}

// GCSConfig selects the bucket used by the gcs backend.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// RedisConfig holds connection details for the redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// PostgresConfig controls access to the relational cache table.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"maxConns"`
}

// ServerConfig controls the public HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// MaxListeners caps concurrently running browsers.
	MaxListeners int `mapstructure:"maxListeners"`
}

// RenderConfig configures the headless renderer.
type RenderConfig struct {
	Timeout    string  `mapstructure:"timeout"`
	UserAgent  string  `mapstructure:"userAgent"`
	DomainQPS  float64 `mapstructure:"domainQps"`
	ChromePath string  `mapstructure:"chromePath"`
}

// FallbackConfig toggles the plain HTTP fetch used when a render fails.
type FallbackConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Timeout   string `mapstructure:"timeout"`
	UserAgent string `mapstructure:"userAgent"`
}

// EventsConfig enables Pub/Sub render notifications when both fields are set.
type EventsConfig struct {
	ProjectID string `mapstructure:"projectId"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether events go to Pub/Sub rather than the in-memory buffer.
func (e EventsConfig) Enabled() bool {
	return e.ProjectID != "" && e.Topic != ""
}

// MetricsConfig controls the ops listener. Port 0 disables it.
type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service in exported traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"serviceName"`
}

// Load builds a Config from disk/environment. With an empty path it looks for
// config.{json,yaml,...} in the working directory and falls back to defaults
// when none exists.
func Load(path string) (Config, error) {
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
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("cache.ttl", "2d")
	v.SetDefault("cache.directory", "./cache")
	v.SetDefault("cache.minContentSize", 1000)
	v.SetDefault("cache.backend", BackendFilesystem)
	v.SetDefault("cache.gcs.bucket", "")
	v.SetDefault("cache.gcs.prefix", "")
	v.SetDefault("cache.redis.addr", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "prerender:")
	v.SetDefault("cache.postgres.dsn", "")
	v.SetDefault("cache.postgres.table", "prerender_cache")
	v.SetDefault("cache.postgres.maxConns", 0)
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.maxListeners", 50)
	v.SetDefault("render.timeout", "30s")
	v.SetDefault("render.userAgent", "")
	v.SetDefault("render.domainQps", 0)
	v.SetDefault("render.chromePath", "")
	v.SetDefault("fallback.enabled", false)
	v.SetDefault("fallback.timeout", "15s")
	v.SetDefault("fallback.userAgent", "")
	v.SetDefault("events.projectId", "")
	v.SetDefault("events.topic", "")
	v.SetDefault("metrics.port", 9091)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.serviceName", "prerender-gateway")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	ttl, err := c.Cache.TTLDuration()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if c.Cache.MinContentSize < 0 {
		return fmt.Errorf("cache.minContentSize must be >= 0")
	}
	if err := c.Cache.validateBackend(); err != nil {
		return err
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MaxListeners <= 0 {
		return fmt.Errorf("server.maxListeners must be > 0")
	}
	if _, err := c.Render.TimeoutDuration(); err != nil {
		return err
	}
	if c.Render.DomainQPS < 0 {
		return fmt.Errorf("render.domainQps must be >= 0")
	}
	if c.Fallback.Enabled {
		if _, err := c.Fallback.TimeoutDuration(); err != nil {
			return err
		}
	}
	if (c.Events.ProjectID == "") != (c.Events.Topic == "") {
		return fmt.Errorf("events.projectId and events.topic must be set together")
	}
	if c.Metrics.Port < 0 {
		return fmt.Errorf("metrics.port must be >= 0")
	}
	if c.Metrics.Port != 0 && c.Metrics.Port == c.Server.Port {
		return fmt.Errorf("metrics.port must differ from server.port")
	}
	if _, err := selector.New(c.Pages); err != nil {
		return fmt.Errorf("pages: %w", err)
	}
	return nil
}

func (c CacheConfig) validateBackend() error {
	switch c.Backend {
	case BackendFilesystem:
		if c.Directory == "" {
			return fmt.Errorf("cache.directory is required for the filesystem backend")
		}
	case BackendMemory:
	case BackendGCS:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("cache.gcs.bucket is required for the gcs backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("cache.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Backend)
	}
	return nil
}

// TTLDuration parses cache.ttl.
func (c CacheConfig) TTLDuration() (time.Duration, error) {
	return parseDuration("cache.ttl", c.TTL)
}

// TimeoutDuration parses render.timeout.
func (r RenderConfig) TimeoutDuration() (time.Duration, error) {
	d, err := parseDuration("render.timeout", r.Timeout)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("render.timeout must be > 0")
	}
	return d, nil
}

// TimeoutDuration parses fallback.timeout.
func (f FallbackConfig) TimeoutDuration() (time.Duration, error) {
	d, err := parseDuration("fallback.timeout", f.Timeout)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("fallback.timeout must be > 0")
	}
	return d, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	d, err := str2duration.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, value, err)
	}
	return d, nil
}
