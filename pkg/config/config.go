// Package config loads orchestra settings from the environment and an optional
// YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/orchestra/pkg/dispatch"
	"github.com/Mindburn-Labs/orchestra/pkg/observability"
	"github.com/Mindburn-Labs/orchestra/pkg/resiliency"
	"github.com/Mindburn-Labs/orchestra/pkg/saga"
)

// SupportedVersions is the range of config file versions this build reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

var (
	ErrUnsupportedVersion = errors.New("config: unsupported config version")
	ErrInvalid            = errors.New("config: invalid value")
)

// Config holds orchestra configuration.
type Config struct {
	Version   string          `yaml:"version"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	Queue     QueueConfig     `yaml:"queue"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Saga      SagaConfig      `yaml:"saga"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type QueueConfig struct {
	MaxSize int `yaml:"max_size"` // 0 = unbounded
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

type SagaConfig struct {
	PoolSize    int           `yaml:"pool_size"`
	RetryCount  int           `yaml:"retry_count"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	StepTimeout time.Duration `yaml:"step_timeout"`
}

type DispatchConfig struct {
	RPM         int    `yaml:"rpm"`
	Burst       int    `yaml:"burst"`
	MaxRequeues int    `yaml:"max_requeues"`
	RedisAddr   string `yaml:"redis_addr,omitempty"` // empty = in-memory limiter
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	Environment string  `yaml:"environment"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version:   "1.0.0",
		LogLevel:  "INFO",
		LogFormat: "text",
		Queue:     QueueConfig{MaxSize: 0},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
		},
		Saga: SagaConfig{
			PoolSize:    4,
			RetryCount:  3,
			RetryDelay:  time.Second,
			StepTimeout: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			RPM:         60,
			Burst:       10,
			MaxRequeues: 3,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRate:  1.0,
			Environment: "development",
		},
	}
}

// Load returns the defaults overridden by ORCHESTRA_* environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile overlays the YAML file at path on the defaults, then applies the
// environment. The file's version must be in SupportedVersions.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse is LoadFile for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Version = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := checkVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("%w: missing version", ErrUnsupportedVersion)
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: %s not in %s", ErrUnsupportedVersion, version, SupportedVersions)
	}
	return nil
}

// Validate checks ranges.
func (c *Config) Validate() error {
	if err := c.BreakerDefaults().Validate(); err != nil {
		return fmt.Errorf("%w: breaker: %v", ErrInvalid, err)
	}
	switch {
	case c.Queue.MaxSize < 0:
		return fmt.Errorf("%w: queue.max_size must be >= 0", ErrInvalid)
	case c.Saga.PoolSize < 0:
		return fmt.Errorf("%w: saga.pool_size must be >= 0", ErrInvalid)
	case c.Saga.RetryCount < 0:
		return fmt.Errorf("%w: saga.retry_count must be >= 0", ErrInvalid)
	case c.Dispatch.RPM <= 0 || c.Dispatch.Burst <= 0:
		return fmt.Errorf("%w: dispatch.rpm and dispatch.burst must be > 0", ErrInvalid)
	case c.Dispatch.MaxRequeues < 0:
		return fmt.Errorf("%w: dispatch.max_requeues must be >= 0", ErrInvalid)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format %q", ErrInvalid, c.LogFormat)
	}
	return nil
}

// BreakerDefaults is the template for breakers created on demand.
func (c *Config) BreakerDefaults() resiliency.Config {
	return resiliency.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		Timeout:          c.Breaker.Timeout,
	}
}

// DispatchPolicy is the per-agent rate limit.
func (c *Config) DispatchPolicy() dispatch.Policy {
	return dispatch.Policy{RPM: c.Dispatch.RPM, Burst: c.Dispatch.Burst}
}

// StepDefaults are the retry and timeout options for steps that do not set
// their own.
func (c *Config) StepDefaults() []saga.StepOption {
	return []saga.StepOption{
		saga.WithTimeout(c.Saga.StepTimeout),
		saga.WithRetries(c.Saga.RetryCount, c.Saga.RetryDelay),
	}
}

// Observability maps telemetry settings onto the exporter config.
func (c *Config) Observability() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.Telemetry.Enabled
	oc.OTLPEndpoint = c.Telemetry.Endpoint
	oc.Insecure = c.Telemetry.Insecure
	oc.SampleRate = c.Telemetry.SampleRate
	oc.Environment = c.Telemetry.Environment
	return oc
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) applyEnv() error {
	setString("ORCHESTRA_LOG_LEVEL", &c.LogLevel)
	setString("ORCHESTRA_LOG_FORMAT", &c.LogFormat)
	setString("ORCHESTRA_REDIS_ADDR", &c.Dispatch.RedisAddr)
	setString("ORCHESTRA_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	ints := []struct {
		key string
		dst *int
	}{
		{"ORCHESTRA_QUEUE_MAX_SIZE", &c.Queue.MaxSize},
		{"ORCHESTRA_BREAKER_FAILURE_THRESHOLD", &c.Breaker.FailureThreshold},
		{"ORCHESTRA_BREAKER_SUCCESS_THRESHOLD", &c.Breaker.SuccessThreshold},
		{"ORCHESTRA_SAGA_POOL_SIZE", &c.Saga.PoolSize},
		{"ORCHESTRA_SAGA_RETRY_COUNT", &c.Saga.RetryCount},
		{"ORCHESTRA_DISPATCH_RPM", &c.Dispatch.RPM},
		{"ORCHESTRA_DISPATCH_BURST", &c.Dispatch.Burst},
	}
	for _, e := range ints {
		if err := setInt(e.key, e.dst); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ORCHESTRA_BREAKER_TIMEOUT", &c.Breaker.Timeout},
		{"ORCHESTRA_SAGA_RETRY_DELAY", &c.Saga.RetryDelay},
		{"ORCHESTRA_SAGA_STEP_TIMEOUT", &c.Saga.StepTimeout},
	}
	for _, e := range durations {
		if err := setDuration(e.key, e.dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("ORCHESTRA_TELEMETRY_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: ORCHESTRA_TELEMETRY_ENABLED=%q", ErrInvalid, v)
		}
		c.Telemetry.Enabled = b
	}
	return nil
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	*dst = n
	return nil
}

func setDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	*dst = d
	return nil
}
