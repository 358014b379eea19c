package trailhead

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines sync engine configuration.
type Config struct {
	// Store configures the durable local key-value store.
	Store LocalStoreConfig `yaml:"store"`

	// Cache configures the entity cache integrity guard.
	Cache CacheConfig `yaml:"cache"`

	// Remote configures the remote sync client.
	Remote RemoteConfig `yaml:"remote"`

	// Sync configures the scheduler.
	Sync SyncConfig `yaml:"sync"`

	// Versions configures local point-in-time versioning.
	Versions VersionStoreConfig `yaml:"versions"`

	// Telemetry configures the offline telemetry queue.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Archive configures S3 snapshot archival. If nil, exported snapshots
	// are archived through the remote API instead.
	Archive *S3ArchiveConfig `yaml:"archive"`
}

// SyncConfig groups scheduler settings.
type SyncConfig struct {
	// Enabled gates all flushing. Default: true.
	Enabled *bool `yaml:"enabled"`

	// DebounceInterval is how long the engine waits after the last enqueue
	// before flushing a burst of mutations as one batch. Default: 1s.
	DebounceInterval time.Duration `yaml:"debounce_interval"`

	// AutoVersion captures a debounced local version after each successful
	// flush. Default: true.
	AutoVersion *bool `yaml:"auto_version"`

	// SessionID scopes queue crash recovery to one browser-session
	// equivalent. Assigned a random value when empty.
	SessionID string `yaml:"-"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Store:     DefaultLocalStoreConfig(),
		Cache:     DefaultCacheConfig(),
		Remote:    DefaultRemoteConfig(),
		Sync:      SyncConfig{DebounceInterval: time.Second},
		Versions:  DefaultVersionStoreConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Sync.DebounceInterval < 0 {
		return fmt.Errorf("sync.debounce_interval must not be negative")
	}
	if c.Remote.RequestTimeout < 0 {
		return fmt.Errorf("remote.request_timeout must not be negative")
	}
	if c.Archive != nil && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is configured")
	}
	if c.Cache.MaxDuplicateRatio < 0 || c.Cache.MaxDuplicateRatio > 1 {
		return fmt.Errorf("cache.max_duplicate_ratio must be between 0 and 1")
	}
	return nil
}

func (c *SyncConfig) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c *SyncConfig) autoVersion() bool {
	return c.AutoVersion == nil || *c.AutoVersion
}
