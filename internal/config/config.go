// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/streamrelay/config.yaml"

// Config represents the complete streamrelay configuration.
type Config struct {
	// HTTP contains the control-plane HTTP mount's bind settings.
	HTTP HTTPConfig `yaml:"http" koanf:"http"`

	// Publisher contains retry-loop and sweep-timing settings.
	Publisher PublisherConfig `yaml:"publisher" koanf:"publisher"`

	// Registry contains the stream-record store's settings.
	Registry RegistryConfig `yaml:"registry" koanf:"registry"`

	// RTSP contains the pull-side demuxer's option defaults.
	RTSP RTSPConfig `yaml:"rtsp" koanf:"rtsp"`

	// Log contains logging settings.
	Log LogConfig `yaml:"log" koanf:"log"`

	// Metrics contains the Prometheus exposition settings.
	Metrics MetricsConfig `yaml:"metrics" koanf:"metrics"`
}

// HTTPConfig contains the control-plane HTTP mount's bind settings.
type HTTPConfig struct {
	Host string `yaml:"host" koanf:"host"` // bind address
	Port int    `yaml:"port" koanf:"port"` // bind port
}

// PublisherConfig contains retry-loop and sweep-timing settings (original spec §6).
type PublisherConfig struct {
	MaxRetryCount     int   `yaml:"max_retry_count" koanf:"max_retry_count"`         // max automatic retries per abnormal episode
	IntervalTime      int64 `yaml:"interval_time" koanf:"interval_time"`             // retry-sweep period (ms)
	TaskIntervalTime  int64 `yaml:"task_interval_time" koanf:"task_interval_time"`   // inter-task delay within a sweep (ms)
	StatusIntervalSec int   `yaml:"status_interval" koanf:"status_interval"`         // status-check sweep period (seconds)
	ResumeWarmupSec   int   `yaml:"resume_warmup_seconds" koanf:"resume_warmup_seconds"` // retry-abnormal warm-up delay (seconds)
}

// RegistryConfig contains the stream-record store's settings.
type RegistryConfig struct {
	DBPath string `yaml:"db_path" koanf:"db_path"` // sqlite file path
}

// RTSPConfig contains the pull-side demuxer's option defaults (original spec §4.2.2).
type RTSPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" koanf:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout" koanf:"read_timeout"`     // stimeout equivalent
	BufferSize     int           `yaml:"buffer_size" koanf:"buffer_size"`       // network receive buffer bytes
	RTBufSize      int           `yaml:"rtbufsize" koanf:"rtbufsize"`           // capture buffer
	MaxDelay       time.Duration `yaml:"max_delay" koanf:"max_delay"`           // max demuxer delay
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level" koanf:"level"` // debug, info, warn, error
}

// MetricsConfig contains the Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
	Path    string `yaml:"path" koanf:"path"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file using write-temp+rename for atomicity.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// Config may carry registry/db paths; restrict to owner+group.
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil { // #nosec G703 -- path is from CLI flag/config, not web request input
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 0 and 65535")
	}
	if err := c.Publisher.Validate(); err != nil {
		return fmt.Errorf("publisher config: %w", err)
	}
	if c.Registry.DBPath == "" {
		return fmt.Errorf("registry.db_path must not be empty")
	}
	return nil
}

// Validate checks publisher configuration for invalid values.
func (p *PublisherConfig) Validate() error {
	if p.MaxRetryCount < 0 {
		return fmt.Errorf("max_retry_count must not be negative")
	}
	if p.IntervalTime <= 0 {
		return fmt.Errorf("interval_time must be positive")
	}
	if p.TaskIntervalTime < 0 {
		return fmt.Errorf("task_interval_time must not be negative")
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Publisher: PublisherConfig{
			MaxRetryCount:     3,
			IntervalTime:      60000,
			TaskIntervalTime:  1000,
			StatusIntervalSec: 30,
			ResumeWarmupSec:   60,
		},
		Registry: RegistryConfig{
			DBPath: "./streamrelay.db",
		},
		RTSP: RTSPConfig{
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    3 * time.Second,
			BufferSize:     1024000,
			RTBufSize:      10000,
			MaxDelay:       5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
