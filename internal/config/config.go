package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/devghori1264/aerophoenix/continuity/internal/derive"
	"github.com/devghori1264/aerophoenix/continuity/internal/logging"
	"github.com/devghori1264/aerophoenix/continuity/internal/models"
	"github.com/devghori1264/aerophoenix/continuity/internal/storage"
	"github.com/devghori1264/aerophoenix/continuity/internal/tracing"
)

// EnvPrefix prefixes every environment override, e.g. CONTINUITY_HTTP_ADDR.
const EnvPrefix = "CONTINUITY"

// FileName is the config file base name looked up in the search path.
const FileName = "continuity"

type ListenConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type NATSConfig struct {
	// URL of the NATS server. Empty disables lifecycle events.
	URL string `mapstructure:"url" yaml:"url"`
}

type RegistryConfig struct {
	// MaxInstances caps live instances. Zero means unlimited.
	MaxInstances int `mapstructure:"max_instances" yaml:"max_instances"`
	// MaxEvents caps each instance's event log. Zero means unlimited.
	MaxEvents int `mapstructure:"max_events" yaml:"max_events"`
}

type RecomputeConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
}

type SchedulerConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	Derivation string        `mapstructure:"derivation" yaml:"derivation"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type MetricsConfig struct {
	// Addr serves /metrics on its own listener.
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Scores are the numeric state attributes averaged into snapshots.
	Scores []string `mapstructure:"scores" yaml:"scores"`
}

type APIConfig struct {
	// RateLimit is the sustained requests per second on /v1. Zero disables
	// limiting.
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Config is the full service configuration.
type Config struct {
	HTTP      ListenConfig    `mapstructure:"http" yaml:"http"`
	GRPC      ListenConfig    `mapstructure:"grpc" yaml:"grpc"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Storage   storage.Config  `mapstructure:"storage" yaml:"storage"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Recompute RecomputeConfig `mapstructure:"recompute" yaml:"recompute"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Tracing   tracing.Config  `mapstructure:"tracing" yaml:"tracing"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown" yaml:"shutdown"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTP:    ListenConfig{Addr: ":8080"},
		GRPC:    ListenConfig{Addr: ":50051"},
		Metrics: MetricsConfig{
			Addr:   ":9090",
			Scores: []string{"integrated_information", "self_awareness"},
		},
		Storage:   storage.Config{Driver: storage.DriverBadger, Path: "./data/badger"},
		Registry:  RegistryConfig{MaxInstances: 100_000, MaxEvents: 10_000},
		Recompute: RecomputeConfig{DefaultTimeout: 5 * time.Second},
		Scheduler: SchedulerConfig{
			Enabled:    false,
			Interval:   time.Minute,
			Derivation: "optimize",
			Timeout:    5 * time.Second,
		},
		API: APIConfig{
			RateLimit:      200,
			RateBurst:      400,
			IdempotencyTTL: 10 * time.Minute,
		},
		Log:      LogConfig{Level: "info", Format: logging.FormatJSON},
		Tracing:  tracing.Config{Exporter: tracing.ExporterNone, Endpoint: "localhost:4317", SampleRate: 1},
		Shutdown: ShutdownConfig{Timeout: 5 * time.Second},
	}
}

// SetDefaults registers every key with v so env overrides apply to all of
// them.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("grpc.addr", d.GRPC.Addr)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.scores", d.Metrics.Scores)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("registry.max_instances", d.Registry.MaxInstances)
	v.SetDefault("registry.max_events", d.Registry.MaxEvents)
	v.SetDefault("recompute.default_timeout", d.Recompute.DefaultTimeout)
	v.SetDefault("scheduler.enabled", d.Scheduler.Enabled)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.derivation", d.Scheduler.Derivation)
	v.SetDefault("scheduler.timeout", d.Scheduler.Timeout)
	v.SetDefault("api.rate_limit", d.API.RateLimit)
	v.SetDefault("api.rate_burst", d.API.RateBurst)
	v.SetDefault("api.idempotency_ttl", d.API.IdempotencyTTL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("shutdown.timeout", d.Shutdown.Timeout)
}

// Load reads configuration into a Config. Precedence, lowest first:
// defaults, config file, CONTINUITY_* environment, flags bound to v.
// An explicit file must exist; otherwise ./continuity.yaml and
// ~/.config/continuity/continuity.yaml are tried.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", FileName))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	add := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf(format, args...))
	}

	if c.HTTP.Addr == "" {
		add("http.addr must not be empty")
	}
	if c.GRPC.Addr == "" {
		add("grpc.addr must not be empty")
	}
	if c.Metrics.Addr == "" {
		add("metrics.addr must not be empty")
	}

	switch c.Storage.Driver {
	case storage.DriverBadger, storage.DriverSQLite, storage.DriverMemory:
	case storage.DriverBolt:
		if c.Storage.Path == "" {
			add("storage.path is required for the bolt driver")
		}
	default:
		add("storage.driver %q is not one of badger, bolt, sqlite, memory", c.Storage.Driver)
	}

	if c.Registry.MaxInstances < 0 {
		add("registry.max_instances must not be negative")
	}
	if c.Registry.MaxEvents < 0 {
		add("registry.max_events must not be negative")
	}
	if c.Recompute.DefaultTimeout <= 0 {
		add("recompute.default_timeout must be positive")
	}

	if c.Scheduler.Enabled {
		if c.Scheduler.Interval <= 0 {
			add("scheduler.interval must be positive")
		}
		if c.Scheduler.Timeout <= 0 {
			add("scheduler.timeout must be positive")
		}
		if !slices.Contains(derive.Names(), c.Scheduler.Derivation) {
			add("scheduler.derivation %q is not one of %s", c.Scheduler.Derivation, strings.Join(derive.Names(), ", "))
		}
	}

	for _, s := range c.Metrics.Scores {
		if !models.ValidKey(s) {
			add("metrics.scores: %q is not a valid attribute key", s)
		}
	}

	if c.API.RateLimit < 0 {
		add("api.rate_limit must not be negative")
	}
	if c.API.RateLimit > 0 && c.API.RateBurst < 1 {
		add("api.rate_burst must be at least 1 when rate limiting is on")
	}
	if c.API.IdempotencyTTL < 0 {
		add("api.idempotency_ttl must not be negative")
	}

	if _, perr := zapcore.ParseLevel(c.Log.Level); perr != nil {
		add("log.level: %w", perr)
	}
	switch c.Log.Format {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		add("log.format %q is not one of json, console", c.Log.Format)
	}

	switch c.Tracing.Exporter {
	case tracing.ExporterNone, tracing.ExporterStdout, tracing.ExporterOTLP:
	default:
		add("tracing.exporter %q is not one of none, stdout, otlp", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		add("tracing.sample_rate must be within [0,1]")
	}

	if c.Shutdown.Timeout <= 0 {
		add("shutdown.timeout must be positive")
	}
	return err
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
