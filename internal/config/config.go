// Package config provides configuration management for inferwatch.
//
// Config file locations (priority order):
//  1. $INFERWATCH_CONFIG
//  2. ./inferwatch.yaml
//  3. ~/.config/inferwatch/config.yaml
//  4. /etc/inferwatch/config.yaml
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"inferwatch/internal/classify"
	"inferwatch/internal/probe"
	"inferwatch/internal/verify"
)

// Config is the top-level configuration
type Config struct {
	Version  int            `yaml:"version"`
	Database DatabaseConfig `yaml:"database"`
	Probe    ProbeConfig    `yaml:"probe"`
	Classify ClassifyConfig `yaml:"classify"`
	Scan     ScanConfig     `yaml:"scan"`
}

// DatabaseConfig locates the SQLite database
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProbeConfig controls how endpoints are probed
type ProbeConfig struct {
	BaseTimeout Duration `yaml:"base_timeout"`
	MinTimeout  Duration `yaml:"min_timeout"`
	MaxTimeout  Duration `yaml:"max_timeout"`
	Prompts     []string `yaml:"prompts"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// TimeoutPolicy converts the probe section into the effective policy
func (p ProbeConfig) TimeoutPolicy() probe.TimeoutPolicy {
	return probe.TimeoutPolicy{
		Base: p.BaseTimeout.Duration(),
		Min:  p.MinTimeout.Duration(),
		Max:  p.MaxTimeout.Duration(),
	}
}

// ClassifyConfig controls honeypot classification and drift detection
type ClassifyConfig struct {
	MajorityThreshold float64  `yaml:"majority_threshold"`
	DriftMinAge       Duration `yaml:"drift_min_age"`
}

// ScanConfig controls batch verification runs
type ScanConfig struct {
	Workers         int `yaml:"workers"`
	BatchLimit      int `yaml:"batch_limit"`
	MaxRetries      int `yaml:"max_retries"`
	SampleRetention int `yaml:"sample_retention"`
}

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, path, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns sensible defaults for a new installation
func DefaultConfig() *Config {
	cfg := &Config{Version: 1}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Database.Path == "" {
		c.Database.Path = "./inferwatch.db"
	}
	if c.Probe.BaseTimeout <= 0 {
		c.Probe.BaseTimeout = Duration(probe.DefaultBaseTimeout)
	}
	if c.Probe.MinTimeout <= 0 {
		c.Probe.MinTimeout = Duration(probe.DefaultMinTimeout)
	}
	if c.Probe.MaxTimeout <= 0 {
		c.Probe.MaxTimeout = Duration(probe.DefaultMaxTimeout)
	}
	if len(c.Probe.Prompts) == 0 {
		c.Probe.Prompts = append([]string(nil), probe.DefaultPrompts...)
	}
	if c.Probe.MaxTokens <= 0 {
		c.Probe.MaxTokens = probe.DefaultMaxTokens
	}
	if c.Classify.MajorityThreshold <= 0 {
		c.Classify.MajorityThreshold = classify.DefaultMajorityThreshold
	}
	if c.Classify.DriftMinAge <= 0 {
		c.Classify.DriftMinAge = Duration(classify.DefaultMinSampleAge)
	}
	if c.Scan.Workers <= 0 {
		c.Scan.Workers = verify.DefaultWorkers
	}
	if c.Scan.BatchLimit <= 0 {
		c.Scan.BatchLimit = 100
	}
	if c.Scan.MaxRetries <= 0 {
		c.Scan.MaxRetries = verify.DefaultMaxRetries
	}
	if c.Scan.SampleRetention <= 0 {
		c.Scan.SampleRetention = 10
	}
}

// Duration is a time.Duration that marshals as a string ("90s", "24h")
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
