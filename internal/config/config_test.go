package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blegate/internal/session"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Scan.Duration.D() != 5*time.Second {
		t.Errorf("Scan.Duration = %v, want 5s", cfg.Scan.Duration.D())
	}
	if !cfg.Session.RequireBond {
		t.Error("Session.RequireBond should default to true")
	}
	if cfg.Session.SubscribePolicy != "partial" {
		t.Errorf("Session.SubscribePolicy = %q, want %q", cfg.Session.SubscribePolicy, "partial")
	}
	if cfg.Session.DiscoveryRetries != 3 {
		t.Errorf("Session.DiscoveryRetries = %d, want 3", cfg.Session.DiscoveryRetries)
	}
	if cfg.Session.DiscoveryBackoff.D() != 300*time.Millisecond {
		t.Errorf("Session.DiscoveryBackoff = %v, want 300ms", cfg.Session.DiscoveryBackoff.D())
	}
	if !cfg.Reconnect.Enabled || cfg.Reconnect.MaxBackoff.D() != 30*time.Second {
		t.Errorf("Reconnect = %+v, want enabled with 30s max backoff", cfg.Reconnect)
	}
	if cfg.Bond.Method != "os" {
		t.Errorf("Bond.Method = %q, want %q", cfg.Bond.Method, "os")
	}
	if cfg.HTTP.Listen != "127.0.0.1:8088" {
		t.Errorf("HTTP.Listen = %q, want %q", cfg.HTTP.Listen, "127.0.0.1:8088")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	yamlContent := `
peripherals:
  - id: "AA:BB:CC:DD:EE:FF"
    name: thermo
scan:
  service_uuids: ["180d"]
  duration: 2s
session:
  require_bond: false
  subscribe_policy: strict
  subscriptions:
    - service: "0000180d-0000-1000-8000-00805f9b34fb"
      characteristic: "00002a37-0000-1000-8000-00805f9b34fb"
      core: true
  connect_timeout: 3s
  discovery_backoff: 150ms
reconnect:
  enabled: false
  max_backoff: 1m
bond:
  method: bluez
  adapter: hci1
http:
  listen: ":9000"
  advertise: true
log_level: debug
`
	cfg, err := Load(writeConfig(t, yamlContent))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Peripherals) != 1 || cfg.Peripherals[0].ID != "AA:BB:CC:DD:EE:FF" || cfg.Peripherals[0].Name != "thermo" {
		t.Errorf("Peripherals = %+v", cfg.Peripherals)
	}
	if cfg.Scan.Duration.D() != 2*time.Second {
		t.Errorf("Scan.Duration = %v, want 2s", cfg.Scan.Duration.D())
	}
	if cfg.Session.RequireBond {
		t.Error("Session.RequireBond = true, want false")
	}
	if cfg.Session.ConnectTimeout.D() != 3*time.Second {
		t.Errorf("Session.ConnectTimeout = %v, want 3s", cfg.Session.ConnectTimeout.D())
	}
	if cfg.Session.BondTimeout.D() != 30*time.Second {
		t.Errorf("Session.BondTimeout = %v, want default 30s", cfg.Session.BondTimeout.D())
	}
	if cfg.Session.DiscoveryBackoff.D() != 150*time.Millisecond {
		t.Errorf("Session.DiscoveryBackoff = %v, want 150ms", cfg.Session.DiscoveryBackoff.D())
	}
	if cfg.Reconnect.Enabled || cfg.Reconnect.MaxBackoff.D() != time.Minute {
		t.Errorf("Reconnect = %+v, want disabled with 1m max backoff", cfg.Reconnect)
	}
	if cfg.Bond.Method != "bluez" || cfg.Bond.Adapter != "hci1" {
		t.Errorf("Bond = %+v, want bluez/hci1", cfg.Bond)
	}
	if cfg.HTTP.Listen != ":9000" || !cfg.HTTP.Advertise || cfg.HTTP.Instance != "blegate" {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "session:\n  connect_timeout: soon\n"))
	if err == nil || !strings.Contains(err.Error(), "soon") {
		t.Errorf("Load() error = %v, want invalid duration error", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	cfg, err := Load(writeConfig(t, "journal_path: ~/blegate/journal.cbor\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "blegate/journal.cbor")
	if cfg.JournalPath != expected {
		t.Errorf("JournalPath = %q, want %q", cfg.JournalPath, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty peripheral id",
			modify:  func(c *Config) { c.Peripherals = []PeripheralConfig{{ID: " "}} },
			wantErr: true,
		},
		{
			name: "duplicate peripheral id",
			modify: func(c *Config) {
				c.Peripherals = []PeripheralConfig{{ID: "AA:BB:CC:DD:EE:FF"}, {ID: "AA:BB:CC:DD:EE:FF"}}
			},
			wantErr: true,
		},
		{
			name:    "bad scan uuid",
			modify:  func(c *Config) { c.Scan.ServiceUUIDs = []string{"heart-rate"} },
			wantErr: true,
		},
		{
			name:    "short scan uuid",
			modify:  func(c *Config) { c.Scan.ServiceUUIDs = []string{"180D"} },
			wantErr: false,
		},
		{
			name:    "undashed scan uuid",
			modify:  func(c *Config) { c.Scan.ServiceUUIDs = []string{"CB0F22C6100047379F861C33F4EE9EEA"} },
			wantErr: false,
		},
		{
			name: "braced characteristic uuid",
			modify: func(c *Config) {
				c.Session.Subscriptions = []SubscriptionConfig{{Service: "180d", Characteristic: "{cb0f22c6-1001-41a0-93d4-9025f8b5eafe}"}}
			},
			wantErr: false,
		},
		{
			name:    "short uuid with non-hex digits",
			modify:  func(c *Config) { c.Scan.ServiceUUIDs = []string{"18zz"} },
			wantErr: true,
		},
		{
			name:    "zero scan duration",
			modify:  func(c *Config) { c.Scan.Duration = 0 },
			wantErr: true,
		},
		{
			name:    "invalid subscribe policy",
			modify:  func(c *Config) { c.Session.SubscribePolicy = "lenient" },
			wantErr: true,
		},
		{
			name: "bad characteristic uuid",
			modify: func(c *Config) {
				c.Session.Subscriptions = []SubscriptionConfig{{Service: "180d", Characteristic: "xyz"}}
			},
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.Session.ConnectTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative discovery retries",
			modify:  func(c *Config) { c.Session.DiscoveryRetries = -1 },
			wantErr: true,
		},
		{
			name:    "sub-second reconnect backoff",
			modify:  func(c *Config) { c.Reconnect.MaxBackoff = Duration(500 * time.Millisecond) },
			wantErr: true,
		},
		{
			name:    "invalid bond method",
			modify:  func(c *Config) { c.Bond.Method = "manual" },
			wantErr: true,
		},
		{
			name: "bluez without adapter",
			modify: func(c *Config) {
				c.Bond.Method = "bluez"
				c.Bond.Adapter = ""
			},
			wantErr: true,
		},
		{
			name: "advertise without listen",
			modify: func(c *Config) {
				c.HTTP.Advertise = true
				c.HTTP.Listen = ""
			},
			wantErr: true,
		},
		{
			name:    "http disabled",
			modify:  func(c *Config) { c.HTTP.Listen = "" },
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSessionOptions(t *testing.T) {
	cfg := Default()
	cfg.Session.SubscribePolicy = "strict"
	cfg.Session.ConnectTimeout = Duration(4 * time.Second)
	cfg.Session.Subscriptions = []SubscriptionConfig{
		{Service: "180d", Characteristic: "2a37", Core: true},
	}

	opts := cfg.SessionOptions()
	if opts.SubscribePolicy != session.PolicyStrict {
		t.Errorf("SubscribePolicy = %s, want strict", opts.SubscribePolicy)
	}
	if opts.ConnectTimeout != 4*time.Second {
		t.Errorf("ConnectTimeout = %v, want 4s", opts.ConnectTimeout)
	}
	if !opts.RequireBond || !opts.ReadRSSI {
		t.Errorf("defaults lost: %+v", opts)
	}
	want := session.CharacteristicRef{ServiceID: "180d", CharacteristicID: "2a37", Core: true}
	if len(opts.Subscriptions) != 1 || opts.Subscriptions[0] != want {
		t.Errorf("Subscriptions = %+v, want [%+v]", opts.Subscriptions, want)
	}
}

func TestKeeperOptions(t *testing.T) {
	cfg := Default()
	cfg.Reconnect.Enabled = false
	cfg.Reconnect.MaxBackoff = Duration(time.Minute)

	opts := cfg.KeeperOptions()
	if opts.Reconnect {
		t.Error("Reconnect = true, want false")
	}
	if opts.MaxBackoff != time.Minute || opts.BaseBackoff != time.Second {
		t.Errorf("backoff = %v..%v, want 1s..1m", opts.BaseBackoff, opts.MaxBackoff)
	}
	if opts.DisconnectTimeout != 5*time.Second {
		t.Errorf("DisconnectTimeout = %v, want 5s", opts.DisconnectTimeout)
	}
}

func TestScanOptions(t *testing.T) {
	cfg := Default()
	cfg.Scan.ServiceUUIDs = []string{"180d"}
	cfg.Scan.AllowDuplicates = true

	opts := cfg.ScanOptions()
	if opts.Duration != 5*time.Second || !opts.AllowDuplicates {
		t.Errorf("ScanOptions() = %+v", opts)
	}
	opts.ServiceUUIDs[0] = "changed"
	if cfg.Scan.ServiceUUIDs[0] != "180d" {
		t.Error("ScanOptions() should copy the UUID list")
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "blegate", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# blegate") {
		t.Error("written config should start with header comment")
	}

	// Should round-trip through Load with the defaults intact
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Session.BondTimeout.D() != 30*time.Second {
		t.Errorf("written config BondTimeout = %v, want 30s", cfg.Session.BondTimeout.D())
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if _, ok := raw["session"]; !ok {
		t.Error("written config is missing the session section")
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "blegate")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}
