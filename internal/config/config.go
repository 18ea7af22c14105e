package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smarthelmet/helmet-link/internal/ble"
	"github.com/smarthelmet/helmet-link/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	BLE      BLEConfig    `yaml:"ble"`
	Alert    AlertConfig  `yaml:"alert"`
	Hotkey   HotkeyConfig `yaml:"hotkey"`
	Report   ReportConfig `yaml:"report"`
	LogLevel string       `yaml:"log_level"`
	LogFile  string       `yaml:"log_file"` // empty logs to stderr
}

// BLEConfig holds the helmet link settings.
type BLEConfig struct {
	ServiceUUID    string `yaml:"service_uuid"`
	NotifyCharUUID string `yaml:"notify_char_uuid"`
	WriteCharUUID  string `yaml:"write_char_uuid"`
	NamePattern    string `yaml:"name_pattern"`
	Encoding       string `yaml:"encoding"` // "raw" or "base64"

	ScanTimeout        time.Duration `yaml:"scan_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	DiscoverTimeout    time.Duration `yaml:"discover_timeout"`
	MTU                int           `yaml:"mtu"`
	MTUTimeout         time.Duration `yaml:"mtu_timeout"`
	DisconnectTimeout  time.Duration `yaml:"disconnect_timeout"`
	DisconnectWatchdog time.Duration `yaml:"disconnect_watchdog"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`

	// AdapterPath is the BlueZ object path watched for power changes.
	AdapterPath string `yaml:"adapter_path"`
	// RetryWithReset retries a failed connect once on a fresh adapter.
	RetryWithReset bool `yaml:"retry_with_reset"`
	AutoReconnect  bool `yaml:"auto_reconnect"`
	ReconnectMax   int  `yaml:"reconnect_max"` // max reconnect backoff in seconds
}

// AlertConfig holds the impact prompt settings.
type AlertConfig struct {
	SOSLock  time.Duration `yaml:"sos_lock"`
	Siren    bool          `yaml:"siren"`
	SirenWAV string        `yaml:"siren_wav"` // empty plays a generated tone
	Dialogs  bool          `yaml:"dialogs"`
}

// HotkeyConfig holds the global key combos answering an impact prompt.
type HotkeyConfig struct {
	Ack []string `yaml:"ack"`
	Sos []string `yaml:"sos"`
}

// ReportConfig holds the incident backend settings.
type ReportConfig struct {
	URL      string        `yaml:"url"` // empty disables reporting
	HelmetID string        `yaml:"helmet_id"`
	Lat      float64       `yaml:"lat"`
	Lon      float64       `yaml:"lon"`
	Speed    float64       `yaml:"speed"` // km/h
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "helmet-link")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := ble.DefaultOptions()
	return &Config{
		BLE: BLEConfig{
			ServiceUUID:        opts.ServiceUUID,
			NotifyCharUUID:     opts.NotifyCharUUID,
			WriteCharUUID:      opts.WriteCharUUID,
			NamePattern:        opts.NamePattern,
			Encoding:           "raw",
			ScanTimeout:        opts.ScanTimeout,
			ConnectTimeout:     opts.ConnectTimeout,
			DiscoverTimeout:    opts.DiscoverTimeout,
			MTU:                opts.MTU,
			MTUTimeout:         opts.MTUTimeout,
			DisconnectTimeout:  opts.DisconnectTimeout,
			DisconnectWatchdog: opts.DisconnectWatchdog,
			WriteTimeout:       opts.WriteTimeout,
			AdapterPath:        ble.DefaultBlueZAdapterPath,
			RetryWithReset:     true,
			AutoReconnect:      false,
			ReconnectMax:       30,
		},
		Alert: AlertConfig{
			SOSLock: 2 * time.Minute,
			Siren:   true,
			Dialogs: true,
		},
		Hotkey: HotkeyConfig{
			Ack: []string{"ctrl", "shift", "a"},
			Sos: []string{"ctrl", "shift", "s"},
		},
		Report: ReportConfig{
			URL:      "http://localhost:3000/api/telemetry",
			HelmetID: "H001",
			Timeout:  10 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in file paths is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)
	cfg.Alert.SirenWAV = expandTilde(cfg.Alert.SirenWAV)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.BLE.ServiceUUID == "" || c.BLE.NotifyCharUUID == "" || c.BLE.WriteCharUUID == "" {
		return fmt.Errorf("ble: service_uuid, notify_char_uuid and write_char_uuid must be set")
	}
	if c.BLE.NamePattern == "" {
		return fmt.Errorf("ble.name_pattern must not be empty")
	}

	switch c.BLE.Encoding {
	case "raw", "base64":
	default:
		return fmt.Errorf("ble.encoding must be \"raw\" or \"base64\", got %q", c.BLE.Encoding)
	}

	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"ble.scan_timeout", c.BLE.ScanTimeout},
		{"ble.connect_timeout", c.BLE.ConnectTimeout},
		{"ble.discover_timeout", c.BLE.DiscoverTimeout},
		{"ble.mtu_timeout", c.BLE.MTUTimeout},
		{"ble.disconnect_timeout", c.BLE.DisconnectTimeout},
		{"ble.disconnect_watchdog", c.BLE.DisconnectWatchdog},
		{"ble.write_timeout", c.BLE.WriteTimeout},
		{"report.timeout", c.Report.Timeout},
	}
	for _, to := range timeouts {
		if to.d <= 0 {
			return fmt.Errorf("%s must be > 0", to.name)
		}
	}
	if c.BLE.MTU < 0 || c.BLE.MTU > 517 {
		return fmt.Errorf("ble.mtu must be between 0 and 517, got %d", c.BLE.MTU)
	}
	if c.BLE.AutoReconnect && c.BLE.ReconnectMax <= 0 {
		return fmt.Errorf("ble.reconnect_max must be > 0 when auto_reconnect is on")
	}

	if c.Alert.SOSLock < 0 {
		return fmt.Errorf("alert.sos_lock must not be negative")
	}

	if len(c.Hotkey.Ack) == 0 || len(c.Hotkey.Sos) == 0 {
		return fmt.Errorf("hotkey.ack and hotkey.sos must not be empty")
	}
	if strings.Join(c.Hotkey.Ack, "+") == strings.Join(c.Hotkey.Sos, "+") {
		return fmt.Errorf("hotkey.ack and hotkey.sos must differ")
	}

	if c.Report.URL != "" {
		if !strings.HasPrefix(c.Report.URL, "http://") && !strings.HasPrefix(c.Report.URL, "https://") {
			return fmt.Errorf("report.url must be an http(s) URL, got %q", c.Report.URL)
		}
		if c.Report.HelmetID == "" {
			return fmt.Errorf("report.helmet_id must not be empty when report.url is set")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// BLEOptions converts the ble section into Manager options.
func (c *Config) BLEOptions() (ble.Options, error) {
	codec, err := protocol.CodecByName(c.BLE.Encoding)
	if err != nil {
		return ble.Options{}, err
	}
	return ble.Options{
		ServiceUUID:        c.BLE.ServiceUUID,
		NotifyCharUUID:     c.BLE.NotifyCharUUID,
		WriteCharUUID:      c.BLE.WriteCharUUID,
		NamePattern:        c.BLE.NamePattern,
		ScanTimeout:        c.BLE.ScanTimeout,
		ConnectTimeout:     c.BLE.ConnectTimeout,
		DiscoverTimeout:    c.BLE.DiscoverTimeout,
		MTU:                c.BLE.MTU,
		MTUTimeout:         c.BLE.MTUTimeout,
		DisconnectTimeout:  c.BLE.DisconnectTimeout,
		DisconnectWatchdog: c.BLE.DisconnectWatchdog,
		WriteTimeout:       c.BLE.WriteTimeout,
		Codec:              codec,
	}, nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# helmet-link configuration
# Durations use Go syntax (e.g. 10s, 2m). Delete a key to use its default.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
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
