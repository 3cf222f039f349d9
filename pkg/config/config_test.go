package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/orchestra/pkg/config"
	"github.com/Mindburn-Labs/orchestra/pkg/saga"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ORCHESTRA_LOG_LEVEL", "ORCHESTRA_LOG_FORMAT", "ORCHESTRA_REDIS_ADDR", "ORCHESTRA_OTLP_ENDPOINT",
		"ORCHESTRA_QUEUE_MAX_SIZE", "ORCHESTRA_BREAKER_FAILURE_THRESHOLD", "ORCHESTRA_BREAKER_SUCCESS_THRESHOLD",
		"ORCHESTRA_SAGA_POOL_SIZE", "ORCHESTRA_SAGA_RETRY_COUNT", "ORCHESTRA_DISPATCH_RPM", "ORCHESTRA_DISPATCH_BURST",
		"ORCHESTRA_BREAKER_TIMEOUT", "ORCHESTRA_SAGA_RETRY_DELAY", "ORCHESTRA_SAGA_STEP_TIMEOUT", "ORCHESTRA_TELEMETRY_ENABLED",
	} {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies the process boots with no environment set.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Saga.StepTimeout)
	assert.Empty(t, cfg.Dispatch.RedisAddr)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORCHESTRA_LOG_LEVEL", "DEBUG")
	t.Setenv("ORCHESTRA_QUEUE_MAX_SIZE", "100")
	t.Setenv("ORCHESTRA_BREAKER_TIMEOUT", "90s")
	t.Setenv("ORCHESTRA_REDIS_ADDR", "redis:6379")
	t.Setenv("ORCHESTRA_TELEMETRY_ENABLED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 100, cfg.Queue.MaxSize)
	assert.Equal(t, 90*time.Second, cfg.BreakerDefaults().Timeout)
	assert.Equal(t, "redis:6379", cfg.Dispatch.RedisAddr)
	assert.True(t, cfg.Observability().Enabled)
}

func TestStepDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORCHESTRA_SAGA_RETRY_COUNT", "1")
	t.Setenv("ORCHESTRA_SAGA_RETRY_DELAY", "250ms")

	cfg, err := config.Load()
	require.NoError(t, err)

	step := saga.NewStep("noop", saga.ActionFunc(func(ctx context.Context, v *saga.Values) (any, error) {
		return nil, nil
	}), cfg.StepDefaults()...)
	assert.Equal(t, 1, step.RetryCount)
	assert.Equal(t, 250*time.Millisecond, step.RetryDelay)
	assert.Equal(t, 30*time.Second, step.Timeout)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORCHESTRA_DISPATCH_RPM", "fast")
	_, err := config.Load()
	assert.ErrorIs(t, err, config.ErrInvalid)

	clearEnv(t)
	t.Setenv("ORCHESTRA_BREAKER_FAILURE_THRESHOLD", "0")
	_, err = config.Load()
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "orchestra.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1.2.0
log_format: json
queue:
  max_size: 500
breaker:
  failure_threshold: 3
  timeout: 2m
saga:
  pool_size: 8
dispatch:
  rpm: 120
  burst: 20
`), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 500, cfg.Queue.MaxSize)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold, "unset keys keep defaults")
	assert.Equal(t, 2*time.Minute, cfg.Breaker.Timeout)
	assert.Equal(t, 8, cfg.Saga.PoolSize)
	assert.Equal(t, 120, cfg.DispatchPolicy().RPM)

	t.Setenv("ORCHESTRA_SAGA_POOL_SIZE", "2")
	cfg, err = config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Saga.PoolSize, "environment wins over the file")
}

func TestParse_Version(t *testing.T) {
	clearEnv(t)

	for _, v := range []string{"1.0.0", "1.9.3"} {
		_, err := config.Parse([]byte("version: " + v))
		assert.NoError(t, err, v)
	}
	for _, doc := range []string{"version: 2.0.0", "version: 0.9.0", "version: banana", "log_level: INFO"} {
		_, err := config.Parse([]byte(doc))
		assert.ErrorIs(t, err, config.ErrUnsupportedVersion, doc)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestYAMLRoundTrip(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)

	var back config.Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, *cfg, back)
}
