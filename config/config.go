// Package config loads Beacon settings from an optional YAML/TOML/JSON file,
// an optional .env file and BEACON_* environment variables, using Viper.
//
// Precedence, highest first: environment, config file, defaults. Nested
// keys map to variables by joining with underscores, so
// collector.api_key is BEACON_COLLECTOR_API_KEY.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/store/memory"
	beaconredis "github.com/xraph/beacon/store/redis"
	"github.com/xraph/beacon/store/sqlite"
)

// EnvPrefix prefixes every environment variable Load reads.
const EnvPrefix = "BEACON"

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config is the full application configuration.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Submission SubmissionConfig `mapstructure:"submission"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Log        LogConfig        `mapstructure:"log"`
	Admin      AdminConfig      `mapstructure:"admin"`

	// DeadLetterPath is the JSON-lines file dropped entries are appended
	// to. Empty disables the log.
	DeadLetterPath string `mapstructure:"dead_letter_path"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects and locates the persistence backend.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	RedisURL string `mapstructure:"redis_url"`
}

// CollectorConfig describes the remote endpoint.
type CollectorConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	APIKey        string        `mapstructure:"api_key"`
	SigningSecret string        `mapstructure:"signing_secret"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// SubmissionConfig controls the background loop.
type SubmissionConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	RateLimit int           `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
}

// RetryConfig controls backoff.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// QueueConfig bounds the queue.
type QueueConfig struct {
	MaxSize         int           `mapstructure:"max_size"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AdminConfig configures the admin HTTP listener. An empty Addr disables
// it.
type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	d := beacon.DefaultConfig()

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "beacon.db")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")

	v.SetDefault("collector.endpoint", "")
	v.SetDefault("collector.api_key", "")
	v.SetDefault("collector.signing_secret", "")
	v.SetDefault("collector.user_agent", d.UserAgent)
	v.SetDefault("collector.timeout", d.Timeout)

	v.SetDefault("submission.enabled", d.Enabled)
	v.SetDefault("submission.interval", d.Interval)
	v.SetDefault("submission.batch_size", d.BatchSize)
	v.SetDefault("submission.rate_limit", d.RateLimit)
	v.SetDefault("submission.burst", d.Burst)

	v.SetDefault("retry.max_retries", d.MaxRetries)
	v.SetDefault("retry.base_delay", d.BaseDelay)
	v.SetDefault("retry.max_delay", d.MaxDelay)

	v.SetDefault("queue.max_size", d.MaxQueueSize)
	v.SetDefault("queue.retention", d.Retention)
	v.SetDefault("queue.cleanup_interval", d.CleanupInterval)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("admin.addr", "")
	v.SetDefault("dead_letter_path", "")
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
}

// Load reads the given .env files (missing ones are ignored), then the
// config file at path (skipped when empty), then the environment.
//
// Every key has a default registered with Viper, so an explicit zero such
// as retry.max_retries: 0 is kept rather than replaced by the default.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks settings Load cannot default. Collector settings are
// validated when the pipeline is built.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("config: store.path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Store.RedisURL == "" {
			return errors.New("config: store.redis_url is required for the redis driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Beacon converts the configuration into a beacon.Config.
func (c *Config) Beacon() beacon.Config {
	return beacon.Config{
		Endpoint:        c.Collector.Endpoint,
		APIKey:          c.Collector.APIKey,
		SigningSecret:   c.Collector.SigningSecret,
		UserAgent:       c.Collector.UserAgent,
		Timeout:         c.Collector.Timeout,
		MaxRetries:      c.Retry.MaxRetries,
		BaseDelay:       c.Retry.BaseDelay,
		MaxDelay:        c.Retry.MaxDelay,
		Interval:        c.Submission.Interval,
		BatchSize:       c.Submission.BatchSize,
		RateLimit:       c.Submission.RateLimit,
		Burst:           c.Submission.Burst,
		MaxQueueSize:    c.Queue.MaxSize,
		Retention:       c.Queue.Retention,
		CleanupInterval: c.Queue.CleanupInterval,
		ShutdownTimeout: c.ShutdownTimeout,
		Enabled:         c.Submission.Enabled,
	}
}

// Options returns the beacon options this configuration implies. Callers
// add the store and any observability options.
func (c *Config) Options() []beacon.Option {
	return []beacon.Option{beacon.WithConfig(c.Beacon())}
}

// OpenStore opens and migrates the configured backend.
func (c *Config) OpenStore(ctx context.Context) (store.Store, error) {
	var s store.Store
	switch c.Store.Driver {
	case DriverSQLite:
		ss, err := sqlite.Open(c.Store.Path)
		if err != nil {
			return nil, err
		}
		s = ss
	case DriverRedis:
		opts, err := goredis.ParseURL(c.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("config: store.redis_url: %w", err)
		}
		s = beaconredis.New(goredis.NewClient(opts))
	case DriverMemory:
		s = memory.New()
	default:
		return nil, fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Logger builds a slog.Logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log.level: %w", err)
	}
	return l, nil
}
