// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Worker        WorkerConfig        `yaml:"worker"`
	Store         StoreConfig         `yaml:"store"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// EngineConfig describes the remote process engine connection.
type EngineConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Name           string               `yaml:"name"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings for engine calls.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// WorkerConfig describes the external task processor.
type WorkerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ID              string        `yaml:"id"`
	MaxTasksPerPoll int           `yaml:"max_tasks_per_poll"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	LockDuration    time.Duration `yaml:"lock_duration"`
	Retries         int           `yaml:"retries"`
	RetryTimeout    time.Duration `yaml:"retry_timeout"`
}

// StoreConfig describes workflow persistence settings. ReconcileInterval
// sets how often the background reconciler syncs mirrored instance status
// against the engine.
type StoreConfig struct {
	Driver            string        `yaml:"driver"`
	DSNEnv            string        `yaml:"dsn_env"`
	MaxOpenConns      int           `yaml:"max_open_conns"`
	MaxIdleConns      int           `yaml:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Engine: EngineConfig{
			Name:    "default",
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Worker: WorkerConfig{
			Enabled:         true,
			ID:              "flowgate-worker",
			MaxTasksPerPoll: 10,
			PollInterval:    5 * time.Second,
			LockDuration:    10 * time.Second,
			Retries:         3,
			RetryTimeout:    5 * time.Second,
		},
		Store: StoreConfig{
			MaxOpenConns:      25,
			MaxIdleConns:      5,
			ConnMaxLifetime:   5 * time.Minute,
			ReconcileInterval: time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Engine.BaseURL == "" {
		errs = append(errs, "engine.base_url is required")
	}
	if c.Worker.Enabled {
		if c.Worker.ID == "" {
			errs = append(errs, "worker.id is required when the worker is enabled")
		}
		if c.Worker.MaxTasksPerPoll < 1 {
			errs = append(errs, "worker.max_tasks_per_poll must be at least 1")
		}
		if c.Worker.PollInterval <= 0 {
			errs = append(errs, "worker.poll_interval must be positive")
		}
		if c.Worker.LockDuration <= 0 {
			errs = append(errs, "worker.lock_duration must be positive")
		}
		if c.Worker.Retries < 0 {
			errs = append(errs, "worker.retries must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ApplyEnvOverrides reads FLOWGATE_* environment variables and overrides
// config values. The engine and worker settings are the operationally
// relevant ones and are all overridable.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FLOWGATE_ENGINE_BASE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("FLOWGATE_ENGINE_NAME"); v != "" {
		cfg.Engine.Name = v
	}
	if v := os.Getenv("FLOWGATE_WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}
	if v := os.Getenv("FLOWGATE_WORKER_MAX_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxTasksPerPoll = n
		}
	}
	if v := os.Getenv("FLOWGATE_WORKER_POLL_INTERVAL"); v != "" {
		if d, err := parseDurationOrMillis(v); err == nil {
			cfg.Worker.PollInterval = d
		}
	}
	if v := os.Getenv("FLOWGATE_WORKER_LOCK_DURATION"); v != "" {
		if d, err := parseDurationOrMillis(v); err == nil {
			cfg.Worker.LockDuration = d
		}
	}
	if v := os.Getenv("FLOWGATE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}

// parseDurationOrMillis accepts either a Go duration string ("5s") or a bare
// integer interpreted as milliseconds ("5000"), matching the convention the
// engine protocol uses for intervals.
func parseDurationOrMillis(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}
