package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Configuration holds the daemon's startup settings, loaded from a YAML
// file and overridable by flags or environment variables.
type Configuration struct {
	CacheDir       string `yaml:"cache_dir"`
	CacheSizeBytes int64  `yaml:"cache_size_bytes"` // 0 = bound by device free space
	BlockSizeBytes int64  `yaml:"block_size_bytes"` // 0 = persisted value or default

	BackingDir string `yaml:"backing_dir"`
	MountPoint string `yaml:"mount_point"`

	WriteThrough bool `yaml:"write_through"`
	AllowOther   bool `yaml:"allow_other"`
	ReadOnly     bool `yaml:"read_only"`

	Metrics MetricsConfig `yaml:"metrics"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

const defaultBlockSizeBytes = 128 * 1024

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		CacheDir:       "/var/cache/backfs",
		CacheSizeBytes: 0,
		BlockSizeBytes: defaultBlockSizeBytes,
		WriteThrough:   false,
		Metrics: MetricsConfig{
			Enabled:   true,
			Addr:      ":9405",
			Namespace: "backfs",
		},
		LogLevel: "INFO",
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overrides configuration from BACKFS_* environment
// variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("BACKFS_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("BACKFS_LOG_FILE"); val != "" {
		c.LogFile = val
	}
	if val := os.Getenv("BACKFS_CACHE_DIR"); val != "" {
		c.CacheDir = val
	}
	if val := os.Getenv("BACKFS_BACKING_DIR"); val != "" {
		c.BackingDir = val
	}
	if val := os.Getenv("BACKFS_MOUNT_POINT"); val != "" {
		c.MountPoint = val
	}
	if val := os.Getenv("BACKFS_CACHE_SIZE_BYTES"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.CacheSizeBytes = size
		}
	}
	if val := os.Getenv("BACKFS_BLOCK_SIZE_BYTES"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.BlockSizeBytes = size
		}
	}
	if val := os.Getenv("BACKFS_WRITE_THROUGH"); val != "" {
		c.WriteThrough = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("BACKFS_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("BACKFS_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that the configuration is usable.
func (c *Configuration) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir must be set")
	}
	if c.BackingDir == "" {
		return fmt.Errorf("backing_dir must be set")
	}
	if c.MountPoint == "" {
		return fmt.Errorf("mount_point must be set")
	}
	if c.CacheSizeBytes < 0 {
		return fmt.Errorf("cache_size_bytes must not be negative")
	}
	if c.BlockSizeBytes < 0 {
		return fmt.Errorf("block_size_bytes must not be negative")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
