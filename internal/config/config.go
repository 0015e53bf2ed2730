package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blegate/internal/ble"
	"github.com/chaz8081/blegate/internal/keeper"
	"github.com/chaz8081/blegate/internal/session"
)

// Config holds all application configuration.
type Config struct {
	Peripherals []PeripheralConfig `yaml:"peripherals"`
	Scan        ScanConfig         `yaml:"scan"`
	Session     SessionConfig      `yaml:"session"`
	Reconnect   ReconnectConfig    `yaml:"reconnect"`
	Bond        BondConfig         `yaml:"bond"`
	HTTP        HTTPConfig         `yaml:"http"`
	JournalPath string             `yaml:"journal_path"`
	LogLevel    string             `yaml:"log_level"`
}

// PeripheralConfig names a peripheral to connect on startup.
type PeripheralConfig struct {
	ID   string `yaml:"id"` // MAC on Linux, platform UUID on macOS
	Name string `yaml:"name"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	ServiceUUIDs    []string `yaml:"service_uuids"`
	Duration        Duration `yaml:"duration"`
	AllowDuplicates bool     `yaml:"allow_duplicates"`
}

// SessionConfig holds connection lifecycle settings.
type SessionConfig struct {
	RequireBond       bool                 `yaml:"require_bond"`
	SubscribePolicy   string               `yaml:"subscribe_policy"` // "partial" or "strict"
	Subscriptions     []SubscriptionConfig `yaml:"subscriptions"`
	ConnectTimeout    Duration             `yaml:"connect_timeout"`
	BondTimeout       Duration             `yaml:"bond_timeout"`
	DiscoveryTimeout  Duration             `yaml:"discovery_timeout"`
	SubscribeTimeout  Duration             `yaml:"subscribe_timeout"`
	DisconnectTimeout Duration             `yaml:"disconnect_timeout"`
	DiscoveryRetries  int                  `yaml:"discovery_retries"`
	DiscoveryBackoff  Duration             `yaml:"discovery_backoff"`
	AutoConnect       bool                 `yaml:"auto_connect"`
	ReadRSSI          bool                 `yaml:"read_rssi"`
}

// SubscriptionConfig names a characteristic to enable notifications on.
type SubscriptionConfig struct {
	Service        string `yaml:"service"`
	Characteristic string `yaml:"characteristic"`
	Core           bool   `yaml:"core"`
}

// ReconnectConfig controls how configured peripherals are kept connected.
type ReconnectConfig struct {
	Enabled    bool     `yaml:"enabled"`
	MaxBackoff Duration `yaml:"max_backoff"`
}

// BondConfig selects how bonding is performed.
type BondConfig struct {
	Method  string `yaml:"method"` // "os" or "bluez"
	Adapter string `yaml:"adapter"`
}

// HTTPConfig holds the status API settings.
type HTTPConfig struct {
	Listen    string `yaml:"listen"` // empty disables the API
	Advertise bool   `yaml:"advertise"`
	Instance  string `yaml:"instance"`
}

// Duration is a time.Duration written as a string ("5s", "300ms") in YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blegate")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Duration: Duration(5 * time.Second),
		},
		Session: SessionConfig{
			RequireBond:       true,
			SubscribePolicy:   "partial",
			ConnectTimeout:    Duration(10 * time.Second),
			BondTimeout:       Duration(30 * time.Second),
			DiscoveryTimeout:  Duration(10 * time.Second),
			SubscribeTimeout:  Duration(5 * time.Second),
			DisconnectTimeout: Duration(5 * time.Second),
			DiscoveryRetries:  3,
			DiscoveryBackoff:  Duration(300 * time.Millisecond),
			AutoConnect:       true,
			ReadRSSI:          true,
		},
		Reconnect: ReconnectConfig{
			Enabled:    true,
			MaxBackoff: Duration(30 * time.Second),
		},
		Bond: BondConfig{
			Method:  "os",
			Adapter: "hci0",
		},
		HTTP: HTTPConfig{
			Listen:   "127.0.0.1:8088",
			Instance: "blegate",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in journal_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.JournalPath = expandTilde(cfg.JournalPath)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) when a config file already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	content := append([]byte("# blegate configuration\n"), data...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Peripherals))
	for i, p := range c.Peripherals {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("peripherals[%d].id must not be empty", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("peripherals[%d].id %q is listed twice", i, p.ID)
		}
		seen[p.ID] = true
	}

	for i, u := range c.Scan.ServiceUUIDs {
		if !validUUID(u) {
			return fmt.Errorf("scan.service_uuids[%d] is not a UUID: %q", i, u)
		}
	}
	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}

	s := c.Session
	switch s.SubscribePolicy {
	case "partial", "strict":
	default:
		return fmt.Errorf("session.subscribe_policy must be \"partial\" or \"strict\", got %q", s.SubscribePolicy)
	}
	for i, sub := range s.Subscriptions {
		if !validUUID(sub.Service) {
			return fmt.Errorf("session.subscriptions[%d].service is not a UUID: %q", i, sub.Service)
		}
		if !validUUID(sub.Characteristic) {
			return fmt.Errorf("session.subscriptions[%d].characteristic is not a UUID: %q", i, sub.Characteristic)
		}
	}
	timeouts := []struct {
		name string
		d    Duration
	}{
		{"connect_timeout", s.ConnectTimeout},
		{"bond_timeout", s.BondTimeout},
		{"discovery_timeout", s.DiscoveryTimeout},
		{"subscribe_timeout", s.SubscribeTimeout},
		{"disconnect_timeout", s.DisconnectTimeout},
		{"discovery_backoff", s.DiscoveryBackoff},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			return fmt.Errorf("session.%s must be > 0", t.name)
		}
	}
	if s.DiscoveryRetries < 0 {
		return fmt.Errorf("session.discovery_retries must be >= 0")
	}

	if c.Reconnect.MaxBackoff < Duration(time.Second) {
		return fmt.Errorf("reconnect.max_backoff must be >= 1s")
	}

	switch c.Bond.Method {
	case "os":
	case "bluez":
		if c.Bond.Adapter == "" {
			return fmt.Errorf("bond.adapter must not be empty for the bluez method")
		}
	default:
		return fmt.Errorf("bond.method must be \"os\" or \"bluez\", got %q", c.Bond.Method)
	}

	if c.HTTP.Advertise {
		if c.HTTP.Listen == "" {
			return fmt.Errorf("http.advertise requires http.listen")
		}
		if c.HTTP.Instance == "" {
			return fmt.Errorf("http.instance must not be empty when advertising")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SessionOptions converts the session section for session.New.
func (c *Config) SessionOptions() session.Options {
	s := c.Session
	opts := session.Options{
		RequireBond:       s.RequireBond,
		AutoConnect:       s.AutoConnect,
		ReadRSSI:          s.ReadRSSI,
		SubscribePolicy:   session.PolicyPartial,
		ConnectTimeout:    s.ConnectTimeout.D(),
		BondTimeout:       s.BondTimeout.D(),
		DiscoveryTimeout:  s.DiscoveryTimeout.D(),
		SubscribeTimeout:  s.SubscribeTimeout.D(),
		DisconnectTimeout: s.DisconnectTimeout.D(),
		DiscoveryRetries:  s.DiscoveryRetries,
		DiscoveryBackoff:  s.DiscoveryBackoff.D(),
	}
	if s.SubscribePolicy == "strict" {
		opts.SubscribePolicy = session.PolicyStrict
	}
	for _, sub := range s.Subscriptions {
		opts.Subscriptions = append(opts.Subscriptions, session.CharacteristicRef{
			ServiceID:        sub.Service,
			CharacteristicID: sub.Characteristic,
			Core:             sub.Core,
		})
	}
	return opts
}

// KeeperOptions converts the reconnect section for keeper.New.
func (c *Config) KeeperOptions() keeper.Options {
	return keeper.Options{
		Reconnect:         c.Reconnect.Enabled,
		BaseBackoff:       time.Second,
		MaxBackoff:        c.Reconnect.MaxBackoff.D(),
		DisconnectTimeout: c.Session.DisconnectTimeout.D(),
	}
}

// ScanOptions converts the scan section for a transport scan.
func (c *Config) ScanOptions() ble.ScanOptions {
	return ble.ScanOptions{
		ServiceUUIDs:    append([]string(nil), c.Scan.ServiceUUIDs...),
		Duration:        c.Scan.Duration.D(),
		AllowDuplicates: c.Scan.AllowDuplicates,
	}
}

// validUUID accepts 16-bit and 32-bit short forms and full 128-bit UUIDs
// in any form uuid.Parse understands.
func validUUID(s string) bool {
	_, err := uuid.Parse(ble.NormalizeUUID(s))
	return err == nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
