// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Backend       BackendConfig       `yaml:"backend"`
	Engine        EngineConfig        `yaml:"engine"`
	Policy        PolicyConfig        `yaml:"policy"`
	CatalogCache  CacheConfig         `yaml:"catalog_cache"`
	Emission      EmissionConfig      `yaml:"emission"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
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

// BackendConfig describes the catalog and booking service.
type BackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	CatalogPath    string               `yaml:"catalog_path"`
	BookingPath    string               `yaml:"booking_path"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings for idempotent backend reads.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// EngineConfig holds the timing discipline of a selection engine.
type EngineConfig struct {
	ProtectionWindow        time.Duration `yaml:"protection_window"`
	QuietPeriod             time.Duration `yaml:"quiet_period"`
	EmitDebounce            time.Duration `yaml:"emit_debounce"`
	ValidateDebounce        time.Duration `yaml:"validate_debounce"`
	ValidateInteractionHold time.Duration `yaml:"validate_interaction_hold"`
	IdleSessionTTL          time.Duration `yaml:"idle_session_ttl"`
	ReapInterval            time.Duration `yaml:"reap_interval"`
	FetchTimeout            time.Duration `yaml:"fetch_timeout"`
}

// PolicyConfig locates the category policy table. An empty path selects the
// built-in table.
type PolicyConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// EmissionConfig describes where settled emissions are delivered.
type EmissionConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	AddrEnv         string        `yaml:"addr_env"`
	DB              int           `yaml:"db"`
	TTL             time.Duration `yaml:"ttl"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RateLimitConfig limits user events per session.
type RateLimitConfig struct {
	Enabled            bool    `yaml:"enabled"`
	EventsPerSecond    float64 `yaml:"events_per_second"`
	Burst              int     `yaml:"burst"`
	MaxTrackedSessions int     `yaml:"max_tracked_sessions"`
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
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Booking-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Backend: BackendConfig{
			CatalogPath: "/equipment",
			BookingPath: "/bookings/{bookingId}/equipment",
			Timeout:     10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       2,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
			},
		},
		Engine: EngineConfig{
			ProtectionWindow:        5 * time.Second,
			QuietPeriod:             2 * time.Second,
			EmitDebounce:            100 * time.Millisecond,
			ValidateDebounce:        300 * time.Millisecond,
			ValidateInteractionHold: time.Second,
			IdleSessionTTL:          30 * time.Minute,
			ReapInterval:            time.Minute,
			FetchTimeout:            15 * time.Second,
		},
		CatalogCache: CacheConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 100,
		},
		Emission: EmissionConfig{
			Driver:          "memory",
			TTL:             24 * time.Hour,
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 10 * time.Minute,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			EventsPerSecond:    20,
			Burst:              40,
			MaxTrackedSessions: 10000,
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
// and validates required fields. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

var (
	emissionDrivers    = []string{"memory", "redis", "postgres", "sqlite"}
	idempotencyDrivers = []string{"memory", "redis"}
)

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	}
	if c.Backend.Retry.MaxAttempts < 1 {
		errs = append(errs, "backend.retry.max_attempts must be at least 1")
	}
	if c.Engine.ProtectionWindow <= 0 {
		errs = append(errs, "engine.protection_window must be positive")
	}
	if c.Engine.QuietPeriod <= 0 {
		errs = append(errs, "engine.quiet_period must be positive")
	}
	if c.Engine.EmitDebounce <= 0 || c.Engine.ValidateDebounce <= 0 {
		errs = append(errs, "engine debounce intervals must be positive")
	}
	if !contains(emissionDrivers, c.Emission.Driver) {
		errs = append(errs, fmt.Sprintf("emission.driver must be one of %s", strings.Join(emissionDrivers, ", ")))
	} else if c.Emission.Driver != "memory" && c.Emission.DSNEnv == "" && c.Emission.AddrEnv == "" {
		errs = append(errs, fmt.Sprintf("emission.%s requires dsn_env or addr_env", c.Emission.Driver))
	}
	if c.Idempotency.Enabled && !contains(idempotencyDrivers, c.Idempotency.Store.Driver) {
		errs = append(errs, fmt.Sprintf("idempotency.store.driver must be one of %s", strings.Join(idempotencyDrivers, ", ")))
	}
	if c.RateLimit.Enabled && c.RateLimit.EventsPerSecond <= 0 {
		errs = append(errs, "rate_limit.events_per_second must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads INTAKE_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INTAKE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("INTAKE_BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("INTAKE_POLICY_PATH"); v != "" {
		cfg.Policy.Path = v
	}
	if v := os.Getenv("INTAKE_EMISSION_DRIVER"); v != "" {
		cfg.Emission.Driver = v
	}
	if v := os.Getenv("INTAKE_ENGINE_PROTECTION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.ProtectionWindow = d
		}
	}
	if v := os.Getenv("INTAKE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
