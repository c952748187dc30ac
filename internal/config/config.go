package config

import (
	"time"
)

// Config represents the complete application configuration. Values are
// layered: built-in defaults, the user config file, LMSLINK_* environment
// variables, then runtime overrides.
type Config struct {
	Canvas      CanvasConfig      `mapstructure:"canvas"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Health      HealthConfig      `mapstructure:"health"`
}

// CanvasConfig identifies the LMS instance and the OAuth client used for it.
type CanvasConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"omitempty,url"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	UserID         string        `mapstructure:"user_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	PerPage        int           `mapstructure:"per_page" validate:"gte=1,lte=100"`
	MaxPages       int           `mapstructure:"max_pages" validate:"gte=1,lte=10"`
}

// RateLimitConfig sizes the token bucket, retry policy, and circuit breaker.
type RateLimitConfig struct {
	Capacity         int           `mapstructure:"capacity" validate:"gt=0"`
	Window           time.Duration `mapstructure:"window" validate:"gt=0"`
	MaxRetries       int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff" validate:"gt=0"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff" validate:"gtefield=BaseBackoff"`
	Jitter           float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gt=0"`
	Cooldown         time.Duration `mapstructure:"cooldown" validate:"gt=0"`
	// Persist stores the bucket between runs, keyed by instance host.
	Persist bool `mapstructure:"persist"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled    bool                     `mapstructure:"enabled"`
	MaxEntries int                      `mapstructure:"max_entries" validate:"gt=0"`
	DefaultTTL time.Duration            `mapstructure:"default_ttl" validate:"gt=0"`
	Backend    string                   `mapstructure:"backend" validate:"oneof=none store redis"`
	TTLs       map[string]time.Duration `mapstructure:"ttls"`
	Redis      RedisConfig              `mapstructure:"redis"`
}

// RedisConfig points the redis cache backend at a server.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix"`
}

// CredentialsConfig holds the key sealing stored OAuth credentials. When
// EncryptionKey is empty the key is read from (or generated into) KeyFile.
type CredentialsConfig struct {
	EncryptionKey string `mapstructure:"encryption_key" validate:"omitempty,hexadecimal,len=64"`
	KeyFile       string `mapstructure:"key_file"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
