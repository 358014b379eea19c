package trailhead

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
store:
  path: /tmp/custom.db
remote:
  endpoint: https://api.example.com
  request_timeout: 30s
sync:
  debounce_interval: 250ms
versions:
  retention_days: 7
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Path != "/tmp/custom.db" {
		t.Errorf("store.path not applied: %q", cfg.Store.Path)
	}
	if cfg.Remote.Endpoint != "https://api.example.com" {
		t.Errorf("remote.endpoint not applied: %q", cfg.Remote.Endpoint)
	}
	if cfg.Remote.RequestTimeout != 30*time.Second {
		t.Errorf("remote.request_timeout not applied: %v", cfg.Remote.RequestTimeout)
	}
	if cfg.Sync.DebounceInterval != 250*time.Millisecond {
		t.Errorf("sync.debounce_interval not applied: %v", cfg.Sync.DebounceInterval)
	}
	if cfg.Versions.RetentionDays != 7 {
		t.Errorf("versions.retention_days not applied: %d", cfg.Versions.RetentionDays)
	}

	// Untouched sections keep their defaults.
	if cfg.Cache.SanityLimit != 100 {
		t.Errorf("cache default lost: %d", cfg.Cache.SanityLimit)
	}
	if cfg.Telemetry.BatchSize != 25 {
		t.Errorf("telemetry default lost: %d", cfg.Telemetry.BatchSize)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "store: [not a mapping")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "negative debounce",
			mutate:  func(c *Config) { c.Sync.DebounceInterval = -time.Second },
			wantErr: "debounce_interval",
		},
		{
			name:    "negative request timeout",
			mutate:  func(c *Config) { c.Remote.RequestTimeout = -time.Second },
			wantErr: "request_timeout",
		},
		{
			name:    "archive without bucket",
			mutate:  func(c *Config) { c.Archive = &S3ArchiveConfig{Region: "us-east-1"} },
			wantErr: "archive.bucket",
		},
		{
			name:    "duplicate ratio out of range",
			mutate:  func(c *Config) { c.Cache.MaxDuplicateRatio = 1.5 },
			wantErr: "max_duplicate_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSyncConfigNilMeansEnabled(t *testing.T) {
	var sc SyncConfig
	if !sc.enabled() || !sc.autoVersion() {
		t.Error("nil flags should default to enabled")
	}

	off := false
	sc.Enabled = &off
	sc.AutoVersion = &off
	if sc.enabled() || sc.autoVersion() {
		t.Error("explicit false should disable")
	}
}
