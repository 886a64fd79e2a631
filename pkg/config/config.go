// Package config provides the unified configuration for the Amplitude connector.
// It defines a single Config structure organized into logical sections:
//
//   - Performance: worker counts and concurrency for batch dispatch
//   - Timeouts: request and connection timeouts
//   - Reliability: retry behavior for 429/503 responses
//   - Export: bulk-export decoding behavior
//
// Example usage:
//
//	cfg := config.NewConfig()
//	cfg.Region = "eu"
//	cfg.Performance.MaxConcurrency = 8
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config is the configuration structure for the Amplitude connector.
type Config struct {
	// Region selects the Amplitude endpoint set: "us" or "eu"
	Region string `yaml:"region" json:"region"`

	// Credentials for the five Amplitude APIs. SecretKey is only required
	// for the Export and User Profile APIs.
	Credentials CredentialsConfig `yaml:"credentials" json:"credentials"`

	// Performance settings control concurrent batch dispatch
	Performance PerformanceConfig `yaml:"performance" json:"performance"`

	// Timeouts define request timeout durations
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Reliability settings for retry and backoff
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Export settings for bulk-export decoding
	Export ExportConfig `yaml:"export" json:"export"`

	// Observability settings
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// CredentialsConfig holds the Amplitude credential pair.
type CredentialsConfig struct {
	// APIKey is required for every operation
	APIKey string `yaml:"api_key" json:"api_key"`
	// SecretKey is required only for Export and User Profile operations
	SecretKey string `yaml:"secret_key" json:"secret_key"`
}

// PerformanceConfig contains performance-related settings.
type PerformanceConfig struct {
	// Workers defines the number of concurrent batch dispatch workers
	Workers int `yaml:"workers" json:"workers"`
	// MaxConcurrency limits total concurrent in-flight requests
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	// BufferSize sets the size of internal record channels
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

// TimeoutConfig contains timeout-related settings.
type TimeoutConfig struct {
	// Request timeout for individual API calls
	Request time.Duration `yaml:"request" json:"request"`
	// Connection timeout for establishing connections
	Connection time.Duration `yaml:"connection" json:"connection"`
	// Idle timeout before closing inactive connections
	Idle time.Duration `yaml:"idle" json:"idle"`
}

// ReliabilityConfig contains retry and backoff settings for transient
// server states (HTTP 429 and 503).
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts per call
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// RetryJitter randomizes delays by the given factor (0.0-1.0)
	RetryJitter float64 `yaml:"retry_jitter" json:"retry_jitter"`
}

// ExportConfig contains bulk-export decoding settings.
type ExportConfig struct {
	// SkipMalformedRecords continues past individual unparseable export
	// lines instead of aborting the whole export
	SkipMalformedRecords bool `yaml:"skip_malformed_records" json:"skip_malformed_records"`
}

// ObservabilityConfig contains monitoring settings.
type ObservabilityConfig struct {
	// EnableMetrics activates Prometheus metrics collection
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// Debug enables detailed debug output
	Debug bool `yaml:"debug" json:"debug"`
}

// NewConfig creates a Config with production-ready defaults.
func NewConfig() *Config {
	return &Config{
		Region: "us",
		Performance: PerformanceConfig{
			Workers:        runtime.NumCPU(),
			MaxConcurrency: 4,
			BufferSize:     1000,
		},
		Timeouts: TimeoutConfig{
			Request:    30 * time.Second,
			Connection: 10 * time.Second,
			Idle:       90 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   30 * time.Second,
			RetryJitter:     0.25,
		},
		Export: ExportConfig{
			SkipMalformedRecords: true,
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
			LogLevel:      "info",
		},
	}
}

// FromEnv creates a Config from environment variables.
//
// Environment variables:
//
//	AMPLITUDE_API_KEY     API key (required)
//	AMPLITUDE_SECRET_KEY  Secret key for Export and Profile APIs (optional)
//	AMPLITUDE_REGION      "us" or "eu" (default "us")
//	AMPLITUDE_TIMEOUT     request timeout in seconds (default 30)
//	AMPLITUDE_DEBUG       "true" enables debug logging
func FromEnv() (*Config, error) {
	cfg := NewConfig()

	cfg.Credentials.APIKey = os.Getenv("AMPLITUDE_API_KEY")
	cfg.Credentials.SecretKey = os.Getenv("AMPLITUDE_SECRET_KEY")

	if region := os.Getenv("AMPLITUDE_REGION"); region != "" {
		// "standard" is accepted as a legacy alias for "us"
		if region == "standard" {
			region = "us"
		}
		cfg.Region = region
	}

	if timeout := os.Getenv("AMPLITUDE_TIMEOUT"); timeout != "" {
		secs, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid AMPLITUDE_TIMEOUT %q: %w", timeout, err)
		}
		cfg.Timeouts.Request = time.Duration(secs) * time.Second
	}

	if debug := os.Getenv("AMPLITUDE_DEBUG"); debug == "true" {
		cfg.Observability.Debug = true
		cfg.Observability.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration for correctness.
func (c *Config) Validate() error {
	if c.Credentials.APIKey == "" {
		return fmt.Errorf("api_key is required (set AMPLITUDE_API_KEY)")
	}
	if c.Region != "us" && c.Region != "eu" {
		return fmt.Errorf("region must be \"us\" or \"eu\", got %q", c.Region)
	}
	if c.Performance.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	if c.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	if c.Reliability.RetryJitter < 0 || c.Reliability.RetryJitter > 1 {
		return fmt.Errorf("retry_jitter must be between 0 and 1")
	}
	return nil
}

// GetWorkers returns the number of workers, ensuring it's at least 1
func (p *PerformanceConfig) GetWorkers() int {
	if p.Workers <= 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}

// HasSecretKey returns true if the secret key is configured
func (c *CredentialsConfig) HasSecretKey() bool {
	return c.SecretKey != ""
}
