package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/pkg/config"
	"github.com/mergeflow/mergeflow/pkg/fault"
	"github.com/mergeflow/mergeflow/pkg/idempotency"
	"github.com/mergeflow/mergeflow/pkg/reliability"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mergeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.BackendMemory, cfg.Backends.Idempotency)
	assert.Equal(t, 86400, cfg.Idempotency.DefaultTTLSeconds)
	assert.Equal(t, 60, cfg.Idempotency.MinTTLSeconds)
	assert.Equal(t, 604800, cfg.Idempotency.MaxTTLSeconds)
	assert.Equal(t, config.CarrierHTTPHeaders, cfg.Tracing.Carrier)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
backends:
  idempotency: document-store
  metering: document-store
idempotency:
  defaultTTLSeconds: 3600
  minTTLSeconds: 60
  maxTTLSeconds: 86400
rateLimits:
  runs:
    maxRequests: 10
    windowMs: 1000
logging:
  debug: true
tracing:
  carrier: json
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.BackendDocumentStore, cfg.Backends.Idempotency)
	assert.Equal(t, 3600, cfg.Idempotency.DefaultTTLSeconds)
	assert.Equal(t, config.RateLimitConfig{MaxRequests: 10, WindowMS: 1000}, cfg.RateLimits["runs"])
	assert.True(t, cfg.Logging.Debug)
	assert.Equal(t, config.CarrierJSON, cfg.Tracing.Carrier)

	// Keys absent from the file keep their defaults.
	assert.Len(t, cfg.RetryPresets, 3)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(config.EnvIdempotencyBackend, config.BackendDocumentStore)
	t.Setenv(config.EnvDebug, "true")
	t.Setenv(config.EnvTraceCarrier, config.CarrierJSON)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.BackendDocumentStore, cfg.Backends.Idempotency)
	assert.Equal(t, config.BackendMemory, cfg.Backends.Metering)
	assert.True(t, cfg.Logging.Debug)
	assert.Equal(t, config.CarrierJSON, cfg.Tracing.Carrier)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown backend": `
backends:
  idempotency: redis
`,
		"inverted ttl bounds": `
idempotency:
  defaultTTLSeconds: 100
  minTTLSeconds: 600
  maxTTLSeconds: 60
`,
		"retry attempts over cap": `
retryPresets:
  wild:
    maxAttempts: 50
    initialDelayMs: 10
    maxDelayMs: 100
    backoffMultiplier: 2
`,
		"flat backoff": `
retryPresets:
  flat:
    maxAttempts: 3
    initialDelayMs: 10
    maxDelayMs: 100
    backoffMultiplier: 1
`,
		"zero-window rate limit": `
rateLimits:
  runs:
    maxRequests: 10
    windowMs: 0
`,
		"unknown carrier": `
tracing:
  carrier: grpc-metadata
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, content))
			assert.Equal(t, fault.CodeMisconfigured, fault.CodeOf(err))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, fault.CodeMisconfigured, fault.CodeOf(err))
}

func TestReliabilityConversions(t *testing.T) {
	r := config.RetryConfig{MaxAttempts: 4, InitialDelayMS: 250, MaxDelayMS: 5000, BackoffMultiplier: 2}
	rc := r.Reliability()
	assert.Equal(t, 4, rc.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, rc.InitialDelay)
	assert.Equal(t, 5*time.Second, rc.MaxDelay)

	b := config.BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, FailureWindowMS: 60000, ResetTimeoutMS: 30000}
	bc := b.Reliability()
	assert.Equal(t, 3, bc.FailureThreshold)
	assert.Equal(t, 30*time.Second, bc.ResetTimeout)
}

func TestStoreConversions(t *testing.T) {
	i := config.IdempotencyConfig{DefaultTTLSeconds: 120, MinTTLSeconds: 30, MaxTTLSeconds: 300}
	bounds := i.Bounds()
	assert.Equal(t, idempotency.TTLBounds{Default: 120, Min: 30, Max: 300}, bounds)
	assert.Equal(t, 30, bounds.Clamp(5))

	rl := config.RateLimitConfig{MaxRequests: 10, WindowMS: 60000}
	assert.Equal(t, reliability.LimitPolicy{MaxRequests: 10, Window: time.Minute}, rl.Policy())

	cfg := config.Default()
	policies := cfg.LimitPolicies()
	require.Len(t, policies, len(cfg.RateLimits))
	assert.Equal(t, cfg.RateLimits["runs"].MaxRequests, policies["runs"].MaxRequests)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "logging:\n  debug: false\n")

	reloaded := make(chan config.Config, 1)
	w := config.NewWatcher(path, func(cfg config.Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  debug: true\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.True(t, cfg.Logging.Debug)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload after write")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatcherReportsInvalidFile(t *testing.T) {
	path := writeConfig(t, "logging:\n  debug: false\n")

	errs := make(chan error, 1)
	w := config.NewWatcher(path, func(config.Config) {}, func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("backends:\n  idempotency: redis\n"), 0o600))

	select {
	case err := <-errs:
		assert.Equal(t, fault.CodeMisconfigured, fault.CodeOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the invalid file")
	}
}
