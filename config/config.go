// Package config holds the YAML configuration for the accesspipe services.
// Both binaries load the same file; each reads the sections it needs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/doclens/accesspipe/pipeline"
)

// Config holds all accesspipe configuration.
type Config struct {
	// DBPath is the pipeline database (documents + jobs).
	DBPath string `yaml:"db_path"`
	// ObsDBPath is the observability database (metrics, heartbeats, events).
	ObsDBPath string `yaml:"obs_db_path"`
	// ArtifactRoot is the artifact store directory.
	ArtifactRoot string `yaml:"artifact_root"`
	// Listen is the API bind address.
	Listen string `yaml:"listen"`
	// BaseURL prefixes signed download URLs.
	BaseURL string `yaml:"base_url"`
	// SignKey is the HMAC key for signed URLs. Random per process when empty.
	SignKey string `yaml:"sign_key"`

	Retry   RetryConfig   `yaml:"retry"`
	Review  ReviewConfig  `yaml:"review"`
	Worker  WorkerConfig  `yaml:"worker"`
	Engines EnginesConfig `yaml:"engines"`
}

// RetryConfig controls job retry and timeout behaviour.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	ExecTimeout       time.Duration `yaml:"exec_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ReviewConfig controls human-review routing.
type ReviewConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// WorkerConfig controls the worker process.
type WorkerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	// LivenessInterval is the observability heartbeat cadence.
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	Region           string        `yaml:"region"`
}

// EnginesConfig points at the external AI services. An empty URL disables the
// engine; the corresponding step falls back to its built-in behaviour.
type EnginesConfig struct {
	OCRURL     string `yaml:"ocr_url"`
	AltTextURL string `yaml:"alttext_url"`
	APIKey     string `yaml:"api_key"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "accesspipe.db"
	}
	if c.ObsDBPath == "" {
		c.ObsDBPath = "accesspipe_obs.db"
	}
	if c.ArtifactRoot == "" {
		c.ArtifactRoot = "artifacts"
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080"
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 2 * time.Second
	}
	if c.Retry.BackoffMultiplier <= 0 {
		c.Retry.BackoffMultiplier = 2
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.ExecTimeout <= 0 {
		c.Retry.ExecTimeout = 5 * time.Minute
	}
	if c.Retry.HeartbeatInterval <= 0 {
		c.Retry.HeartbeatInterval = 30 * time.Second
	}
	if c.Review.ConfidenceThreshold <= 0 {
		c.Review.ConfidenceThreshold = 0.8
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 500 * time.Millisecond
	}
	if c.Worker.MaxConcurrency <= 0 {
		c.Worker.MaxConcurrency = 4
	}
	if c.Worker.JanitorInterval <= 0 {
		c.Worker.JanitorInterval = 5 * time.Second
	}
	if c.Worker.LivenessInterval <= 0 {
		c.Worker.LivenessInterval = 15 * time.Second
	}
}

// Default returns the stock configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

// Load reads a YAML config file and fills defaults. An empty path returns the
// stock configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}

// RetryPolicy converts the retry section into the pipeline policy.
func (c *Config) RetryPolicy() pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxAttempts:       c.Retry.MaxAttempts,
		InitialDelay:      c.Retry.InitialDelay,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		MaxDelay:          c.Retry.MaxDelay,
		ExecTimeout:       c.Retry.ExecTimeout,
		HeartbeatInterval: c.Retry.HeartbeatInterval,
	}
}
