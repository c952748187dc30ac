// Package config provides centralized configuration management for lmslink.
// Layers, lowest precedence first: built-in defaults, the user config file,
// LMSLINK_* environment variables, and runtime overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names config, data, and cache directories.
	AppName = "lmslink"
	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "LMSLINK_"
)

var (
	// appConfig holds the current application configuration
	appConfig    *Config
	fileSettings map[string]any
	configMu     sync.RWMutex

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetFileSettings installs the settings read from the user config file.
func SetFileSettings(settings map[string]any) {
	configMu.Lock()
	defer configMu.Unlock()
	fileSettings = settings
}

// Load builds the configuration from all layers and validates it.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	configMu.RLock()
	fromFile := fileSettings
	configMu.RUnlock()

	layers := []map[string]any{Defaults(), fromFile, envOverrides}
	layers = append(layers, runtimeOverrides...)

	merged, err := mergeLayers(layers...)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(merged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	// Store the loaded config
	setConfig(cfg)

	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Cache.Backend == "redis" && strings.TrimSpace(cfg.Cache.Redis.Addr) == "" {
		return errors.New("invalid config: cache.redis.addr is required when cache.backend is redis")
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// mergeLayers deep-merges maps so later layers win key by key.
func mergeLayers(layers ...map[string]any) (map[string]any, error) {
	v := viper.New()
	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		if err := v.MergeConfigMap(layer); err != nil {
			return nil, fmt.Errorf("failed to merge config layer: %w", err)
		}
	}
	return v.AllSettings(), nil
}

func normalize(cfg *Config) {
	cfg.Canvas.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Canvas.BaseURL), "/")
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "none"
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Credentials.EncryptionKey = strings.TrimSpace(cfg.Credentials.EncryptionKey)

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	if strings.TrimSpace(cfg.Credentials.KeyFile) == "" {
		cfg.Credentials.KeyFile = DefaultKeyFilePath()
	}
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps {PREFIX}{NAME} environment variables to config paths
func getEnvSpecs() []EnvVarSpec {
	prefix := EnvPrefix

	return []EnvVarSpec{
		// Canvas instance and OAuth client
		{Name: prefix + "CANVAS_BASE_URL", Path: []string{"canvas", "base_url"}, Type: EnvString},
		{Name: prefix + "CANVAS_CLIENT_ID", Path: []string{"canvas", "client_id"}, Type: EnvString},
		{Name: prefix + "CANVAS_CLIENT_SECRET", Path: []string{"canvas", "client_secret"}, Type: EnvString},
		{Name: prefix + "CANVAS_USER_ID", Path: []string{"canvas", "user_id"}, Type: EnvString},
		{Name: prefix + "CANVAS_REQUEST_TIMEOUT", Path: []string{"canvas", "request_timeout"}, Type: EnvString},
		{Name: prefix + "CANVAS_PER_PAGE", Path: []string{"canvas", "per_page"}, Type: EnvInt},

		// Rate limiting; durations are converted by the decode hook
		{Name: prefix + "RATE_LIMIT_CAPACITY", Path: []string{"rate_limit", "capacity"}, Type: EnvInt},
		{Name: prefix + "RATE_LIMIT_WINDOW", Path: []string{"rate_limit", "window"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_MAX_RETRIES", Path: []string{"rate_limit", "max_retries"}, Type: EnvInt},
		{Name: prefix + "RATE_LIMIT_JITTER", Path: []string{"rate_limit", "jitter"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_COOLDOWN", Path: []string{"rate_limit", "cooldown"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_PERSIST", Path: []string{"rate_limit", "persist"}, Type: EnvBool},

		// Cache
		{Name: prefix + "CACHE_ENABLED", Path: []string{"cache", "enabled"}, Type: EnvBool},
		{Name: prefix + "CACHE_BACKEND", Path: []string{"cache", "backend"}, Type: EnvString},
		{Name: prefix + "CACHE_MAX_ENTRIES", Path: []string{"cache", "max_entries"}, Type: EnvInt},
		{Name: prefix + "REDIS_ADDR", Path: []string{"cache", "redis", "addr"}, Type: EnvString},
		{Name: prefix + "REDIS_PASSWORD", Path: []string{"cache", "redis", "password"}, Type: EnvString},
		{Name: prefix + "REDIS_DB", Path: []string{"cache", "redis", "db"}, Type: EnvInt},

		// Credential sealing
		{Name: prefix + "ENCRYPTION_KEY", Path: []string{"credentials", "encryption_key"}, Type: EnvString},
		{Name: prefix + "KEY_FILE", Path: []string{"credentials", "key_file"}, Type: EnvString},

		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},
	}
}

// DefaultConfigDir returns the XDG-compliant config directory.
func DefaultConfigDir() string {
	return gfconfig.GetAppConfigDir(AppName)
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := DefaultConfigDir()
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := DefaultDataDir()
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}

// DefaultKeyFilePath returns where a generated credential key is kept.
func DefaultKeyFilePath() string {
	dataDir := DefaultDataDir()
	if strings.TrimSpace(dataDir) == "" {
		return "./credential.key"
	}
	return filepath.Join(dataDir, "credential.key")
}
