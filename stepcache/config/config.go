package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	internal "github.com/ZanzyTHEbar/visual-stepcache/stepcache"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Cache       CacheConfig       `mapstructure:"cache"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint"`
	Harness     HarnessConfig     `mapstructure:"harness"`
	Log         LogConfig         `mapstructure:"log"`
}

// CacheConfig controls the two-tier step cache.
type CacheConfig struct {
	Enabled        bool   `mapstructure:"enabled"`         // use the cache at all
	Override       bool   `mapstructure:"override"`        // bypass reads, still record fresh entries
	Path           string `mapstructure:"path"`            // explicit cache file, skips scope detection
	DirName        string `mapstructure:"dir_name"`        // cache directory under the scope root
	Watch          bool   `mapstructure:"watch"`           // reload when the file changes on disk
	ValidateSchema bool   `mapstructure:"validate_schema"` // reject files that do not match the entry schema
}

// FingerprintConfig selects and tunes the hashing algorithms.
type FingerprintConfig struct {
	Algorithms []string `mapstructure:"algorithms"` // registration order matters for comparison
	GridSize   int      `mapstructure:"grid_size"`  // perceptual hash grid edge
	Tolerance  float64  `mapstructure:"tolerance"`  // max fraction of differing perceptual bits
}

// HarnessConfig stores generate-or-reuse protocol settings.
type HarnessConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`     // generator attempts per step
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`    // delay between failed attempts
	EnableTracing  bool          `mapstructure:"enable_tracing"`   // structured span logging
	FlushOnFailure bool          `mapstructure:"flush_on_failure"` // persist entries of failed flows

	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`  // pace generator calls
	RateLimitCapacity int           `mapstructure:"rate_limit_capacity"` // burst size
	RateLimitRefill   time.Duration `mapstructure:"rate_limit_refill"`   // time per refilled token
}

// LogConfig controls the zerolog logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	SetDefaults(v)

	v.SetEnvPrefix("STEPCACHE")
	v.AutomaticEnv()
	// cache.enabled becomes STEPCACHE_CACHE_ENABLED
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

// SetDefaults installs every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.override", false)
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.dir_name", internal.DefaultCacheDirName)
	v.SetDefault("cache.watch", false)
	v.SetDefault("cache.validate_schema", true)

	v.SetDefault("fingerprint.algorithms", []string{"perceptual", "structural"})
	v.SetDefault("fingerprint.grid_size", internal.DefaultGridSize)
	v.SetDefault("fingerprint.tolerance", internal.DefaultTolerance)

	v.SetDefault("harness.max_attempts", internal.DefaultMaxAttempts)
	v.SetDefault("harness.retry_backoff", "0s")
	v.SetDefault("harness.enable_tracing", true)
	v.SetDefault("harness.flush_on_failure", false)
	v.SetDefault("harness.rate_limit_enabled", false)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill", "1s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Cache.DirName == "" {
		result = multierror.Append(result, errors.New("cache.dir_name must not be empty"))
	}
	if c.Fingerprint.GridSize < 2 {
		result = multierror.Append(result, fmt.Errorf("fingerprint.grid_size must be at least 2, got %d", c.Fingerprint.GridSize))
	}
	// phash.New treats a zero tolerance as unset.
	if c.Fingerprint.Tolerance <= 0 || c.Fingerprint.Tolerance > 1 {
		result = multierror.Append(result, fmt.Errorf("fingerprint.tolerance must be within (0,1], got %v", c.Fingerprint.Tolerance))
	}
	seen := make(map[string]bool, len(c.Fingerprint.Algorithms))
	for _, name := range c.Fingerprint.Algorithms {
		if seen[name] {
			result = multierror.Append(result, fmt.Errorf("fingerprint.algorithms lists %q twice", name))
		}
		seen[name] = true
	}
	if c.Harness.MaxAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("harness.max_attempts must be at least 1, got %d", c.Harness.MaxAttempts))
	}
	if c.Harness.RetryBackoff < 0 {
		result = multierror.Append(result, fmt.Errorf("harness.retry_backoff must not be negative"))
	}
	if c.Harness.RateLimitEnabled {
		if c.Harness.RateLimitCapacity < 1 {
			result = multierror.Append(result, fmt.Errorf("harness.rate_limit_capacity must be at least 1, got %d", c.Harness.RateLimitCapacity))
		}
		if c.Harness.RateLimitRefill <= 0 {
			result = multierror.Append(result, fmt.Errorf("harness.rate_limit_refill must be positive"))
		}
	}

	return result.ErrorOrNil()
}
