// Package config loads the control-plane runtime configuration from a
// YAML file with environment-variable overrides, validates it, and can
// watch the file for live updates.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mergeflow/mergeflow/pkg/fault"
	"github.com/mergeflow/mergeflow/pkg/idempotency"
	"github.com/mergeflow/mergeflow/pkg/reliability"
)

// Backend values accepted for the pluggable stores.
const (
	BackendMemory        = "memory"
	BackendDocumentStore = "document-store"
)

// Trace carrier formats for propagating run/span identifiers across
// adapter boundaries.
const (
	CarrierHTTPHeaders = "http-headers"
	CarrierJSON        = "json"
)

// Config is the full runtime configuration.
type Config struct {
	Backends       BackendConfig              `yaml:"backends"`
	Idempotency    IdempotencyConfig          `yaml:"idempotency"`
	RateLimits     map[string]RateLimitConfig `yaml:"rateLimits"`
	RetryPresets   map[string]RetryConfig     `yaml:"retryPresets"`
	CircuitBreaker BreakerConfig              `yaml:"circuitBreaker"`
	Logging        LoggingConfig              `yaml:"logging"`
	Tracing        TracingConfig              `yaml:"tracing"`
}

// BackendConfig selects the persistence backend per subsystem.
type BackendConfig struct {
	Idempotency string `yaml:"idempotency"`
	Metering    string `yaml:"metering"`
}

// IdempotencyConfig bounds record TTLs, in seconds.
type IdempotencyConfig struct {
	DefaultTTLSeconds int `yaml:"defaultTTLSeconds"`
	MinTTLSeconds     int `yaml:"minTTLSeconds"`
	MaxTTLSeconds     int `yaml:"maxTTLSeconds"`
}

// Bounds converts the TTL section into the clamp range the idempotency
// stores apply.
func (i IdempotencyConfig) Bounds() idempotency.TTLBounds {
	return idempotency.TTLBounds{
		Default: i.DefaultTTLSeconds,
		Min:     i.MinTTLSeconds,
		Max:     i.MaxTTLSeconds,
	}
}

// RateLimitConfig is a sliding-window limit for one resource.
type RateLimitConfig struct {
	MaxRequests int `yaml:"maxRequests"`
	WindowMS    int `yaml:"windowMs"`
}

// Policy converts the limit into the runtime limiter shape.
func (r RateLimitConfig) Policy() reliability.LimitPolicy {
	return reliability.LimitPolicy{
		MaxRequests: r.MaxRequests,
		Window:      time.Duration(r.WindowMS) * time.Millisecond,
	}
}

// LimitPolicies converts every configured rate limit into limiter
// policies keyed by resource.
func (c *Config) LimitPolicies() map[string]reliability.LimitPolicy {
	policies := make(map[string]reliability.LimitPolicy, len(c.RateLimits))
	for resource, rl := range c.RateLimits {
		policies[resource] = rl.Policy()
	}
	return policies
}

// RetryConfig is a named retry preset.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"maxAttempts"`
	InitialDelayMS    int     `yaml:"initialDelayMs"`
	MaxDelayMS        int     `yaml:"maxDelayMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
}

// Reliability converts the preset into the runtime retry shape.
func (r RetryConfig) Reliability() reliability.RetryConfig {
	return reliability.RetryConfig{
		MaxAttempts:       r.MaxAttempts,
		InitialDelay:      time.Duration(r.InitialDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(r.MaxDelayMS) * time.Millisecond,
		BackoffMultiplier: r.BackoffMultiplier,
	}
}

// BreakerConfig is the default circuit-breaker tuning.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
	SuccessThreshold int `yaml:"successThreshold"`
	FailureWindowMS  int `yaml:"failureWindowMs"`
	ResetTimeoutMS   int `yaml:"resetTimeoutMs"`
}

// Reliability converts the tuning into the runtime breaker shape.
func (b BreakerConfig) Reliability() reliability.BreakerConfig {
	return reliability.BreakerConfig{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		FailureWindow:    time.Duration(b.FailureWindowMS) * time.Millisecond,
		ResetTimeout:     time.Duration(b.ResetTimeoutMS) * time.Millisecond,
	}
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// TracingConfig selects the trace-context carrier format.
type TracingConfig struct {
	Carrier string `yaml:"carrier"`
}

// Default returns the configuration used when no file and no overrides
// are present.
func Default() Config {
	return Config{
		Backends: BackendConfig{
			Idempotency: BackendMemory,
			Metering:    BackendMemory,
		},
		Idempotency: IdempotencyConfig{
			DefaultTTLSeconds: 86400,
			MinTTLSeconds:     60,
			MaxTTLSeconds:     604800,
		},
		RateLimits: map[string]RateLimitConfig{
			"runs":    {MaxRequests: 60, WindowMS: 60000},
			"signals": {MaxRequests: 600, WindowMS: 60000},
		},
		RetryPresets: map[string]RetryConfig{
			"fast":     {MaxAttempts: 3, InitialDelayMS: 100, MaxDelayMS: 1000, BackoffMultiplier: 2},
			"standard": {MaxAttempts: 5, InitialDelayMS: 500, MaxDelayMS: 10000, BackoffMultiplier: 2},
			"patient":  {MaxAttempts: 8, InitialDelayMS: 1000, MaxDelayMS: 60000, BackoffMultiplier: 2.5},
		},
		CircuitBreaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			FailureWindowMS:  60000,
			ResetTimeoutMS:   30000,
		},
		Tracing: TracingConfig{Carrier: CarrierHTTPHeaders},
	}
}

// Environment overrides. MERGEFLOW_CONFIG names the file itself and is
// read by LoadFromEnv.
const (
	EnvConfigPath         = "MERGEFLOW_CONFIG"
	EnvIdempotencyBackend = "MERGEFLOW_IDEMPOTENCY_BACKEND"
	EnvMeteringBackend    = "MERGEFLOW_METERING_BACKEND"
	EnvDebug              = "MERGEFLOW_DEBUG"
	EnvTraceCarrier       = "MERGEFLOW_TRACE_CARRIER"
)

// Load reads the YAML file at path (skipped when path is empty),
// applies environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fault.Wrap(fault.CodeMisconfigured, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fault.Wrap(fault.CodeMisconfigured, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by MERGEFLOW_CONFIG, or defaults
// when unset.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv(EnvConfigPath))
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvIdempotencyBackend); v != "" {
		cfg.Backends.Idempotency = v
	}
	if v := os.Getenv(EnvMeteringBackend); v != "" {
		cfg.Backends.Metering = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.Debug = b
		}
	}
	if v := os.Getenv(EnvTraceCarrier); v != "" {
		cfg.Tracing.Carrier = v
	}
}

// Validate checks every bound the configuration promises.
func (c Config) Validate() error {
	if !validBackend(c.Backends.Idempotency) {
		return fault.Newf(fault.CodeMisconfigured,
			"idempotency backend %q is not one of %s", c.Backends.Idempotency, backendList())
	}
	if !validBackend(c.Backends.Metering) {
		return fault.Newf(fault.CodeMisconfigured,
			"metering backend %q is not one of %s", c.Backends.Metering, backendList())
	}

	ttl := c.Idempotency
	if ttl.MinTTLSeconds <= 0 || ttl.MaxTTLSeconds < ttl.MinTTLSeconds {
		return fault.New(fault.CodeMisconfigured, "idempotency TTL bounds are inverted")
	}
	if ttl.DefaultTTLSeconds < ttl.MinTTLSeconds || ttl.DefaultTTLSeconds > ttl.MaxTTLSeconds {
		return fault.Newf(fault.CodeMisconfigured,
			"idempotency default TTL %d outside [%d, %d]",
			ttl.DefaultTTLSeconds, ttl.MinTTLSeconds, ttl.MaxTTLSeconds)
	}

	for resource, rl := range c.RateLimits {
		if rl.MaxRequests <= 0 || rl.WindowMS <= 0 {
			return fault.Newf(fault.CodeMisconfigured,
				"rate limit for %q must have positive maxRequests and windowMs", resource)
		}
	}

	for name, r := range c.RetryPresets {
		if r.MaxAttempts < 1 || r.MaxAttempts > 10 {
			return fault.Newf(fault.CodeMisconfigured,
				"retry preset %q: maxAttempts %d outside [1, 10]", name, r.MaxAttempts)
		}
		if r.BackoffMultiplier <= 1 {
			return fault.Newf(fault.CodeMisconfigured,
				"retry preset %q: backoffMultiplier must exceed 1", name)
		}
		if r.InitialDelayMS < 0 || r.MaxDelayMS < r.InitialDelayMS {
			return fault.Newf(fault.CodeMisconfigured,
				"retry preset %q: delay bounds are inverted", name)
		}
	}

	cb := c.CircuitBreaker
	if cb.FailureThreshold <= 0 || cb.SuccessThreshold <= 0 || cb.ResetTimeoutMS <= 0 {
		return fault.New(fault.CodeMisconfigured, "circuit breaker thresholds must be positive")
	}

	switch c.Tracing.Carrier {
	case CarrierHTTPHeaders, CarrierJSON:
	default:
		return fault.Newf(fault.CodeMisconfigured,
			"trace carrier %q is not one of %s, %s", c.Tracing.Carrier, CarrierHTTPHeaders, CarrierJSON)
	}

	return nil
}

func validBackend(b string) bool {
	return b == BackendMemory || b == BackendDocumentStore
}

func backendList() string {
	return strings.Join([]string{BackendMemory, BackendDocumentStore}, ", ")
}
