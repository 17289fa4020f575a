package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig `yaml:"device"`
	BLE      BLEConfig    `yaml:"ble"`
	Alert    AlertConfig  `yaml:"alert"`
	MQTT     MQTTConfig   `yaml:"mqtt"`
	LogLevel string       `yaml:"log_level"`
}

// DeviceConfig identifies the single target peripheral.
type DeviceConfig struct {
	Address            string `yaml:"address"`
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
}

// BLEConfig holds link-layer tuning.
type BLEConfig struct {
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	BackoffMaxSeconds     int `yaml:"backoff_max_seconds"`
}

// AlertConfig holds alerting thresholds and rate limits.
type AlertConfig struct {
	WarningThresholdC float64 `yaml:"warning_threshold_c"`
	CooldownSeconds   int     `yaml:"cooldown_seconds"`
	MessageGapSeconds int     `yaml:"message_gap_seconds"`
	HeartbeatAt       string  `yaml:"heartbeat_at"` // "HH:MM" local time
	Destination       string  `yaml:"destination"`
}

// MQTTConfig holds the messaging gateway broker settings.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	AlertTopic  string `yaml:"alert_topic"`
	ResyncTopic string `yaml:"resync_topic"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "freezewatch")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. The device
// identifiers and the alert destination have no defaults and must come
// from the config file.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			ConnectTimeoutSeconds: 15,
			BackoffMaxSeconds:     60,
		},
		Alert: AlertConfig{
			WarningThresholdC: -15.0,
			CooldownSeconds:   600,
			MessageGapSeconds: 10,
			HeartbeatAt:       "12:00",
		},
		MQTT: MQTTConfig{
			Broker:      "localhost",
			Port:        1883,
			ClientID:    "freezewatch",
			AlertTopic:  "freezewatch/alerts",
			ResyncTopic: "freezewatch/resync",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return fmt.Errorf("device.address must not be empty")
	}
	if c.Device.ServiceUUID == "" {
		return fmt.Errorf("device.service_uuid must not be empty")
	}
	if c.Device.CharacteristicUUID == "" {
		return fmt.Errorf("device.characteristic_uuid must not be empty")
	}

	if c.BLE.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("ble.connect_timeout_seconds must be > 0")
	}
	if c.BLE.BackoffMaxSeconds <= 0 {
		return fmt.Errorf("ble.backoff_max_seconds must be > 0")
	}

	if c.Alert.CooldownSeconds <= 0 {
		return fmt.Errorf("alert.cooldown_seconds must be > 0")
	}
	if c.Alert.MessageGapSeconds <= 0 {
		return fmt.Errorf("alert.message_gap_seconds must be > 0")
	}
	if _, _, err := ParseTimeOfDay(c.Alert.HeartbeatAt); err != nil {
		return fmt.Errorf("alert.heartbeat_at: %w", err)
	}
	if c.Alert.Destination == "" {
		return fmt.Errorf("alert.destination must not be empty")
	}

	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker must not be empty")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port must be in 1..65535, got %d", c.MQTT.Port)
	}
	if c.MQTT.AlertTopic == "" {
		return fmt.Errorf("mqtt.alert_topic must not be empty")
	}
	if c.MQTT.ResyncTopic == "" {
		return fmt.Errorf("mqtt.resync_topic must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ConnectTimeout returns the per-attempt BLE connect timeout.
func (c *BLEConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// Cooldown returns the minimum spacing between warning messages.
func (a *AlertConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}

// MessageGap returns the minimum spacing between a heartbeat and any
// other outbound message.
func (a *AlertConfig) MessageGap() time.Duration {
	return time.Duration(a.MessageGapSeconds) * time.Second
}

// ParseTimeOfDay parses a "HH:MM" string into hour and minute.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("must be HH:MM (24h), got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}
