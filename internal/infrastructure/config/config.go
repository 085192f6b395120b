package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxTopicLen is the maximum length of a derived MQTT topic string.
//
// The device firmware this agent descends from stored topics in fixed 64-byte
// buffers and silently truncated anything longer. That limit is preserved
// here as an explicit, validated constraint: a topic base that would push any
// derived topic past this length is a configuration error, never a silent
// truncation. See Validate.
const MaxTopicLen = 128

// longestTopicSuffix is the longest suffix appended to "<base>/<mac>".
// Used by Validate to bound every derived topic at config-load time.
const longestTopicSuffix = "/responses/restart"

// deviceIDLen is the length of the MAC-derived identity segment.
const deviceIDLen = 12

// Config is the root configuration structure for the grid monitor agent.
// All configuration is loaded from YAML and can be overridden by environment
// variables.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	WiFi      WiFiConfig      `yaml:"wifi"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Update    UpdateConfig    `yaml:"update"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig contains device-wide settings.
type DeviceConfig struct {
	// Name is a human-readable device name used in telemetry envelopes.
	Name string `yaml:"name"`

	// TopicBase is the root segment of every MQTT topic.
	TopicBase string `yaml:"topic_base"`

	// DataDir is where the agent keeps slot images and the boot environment.
	DataDir string `yaml:"data_dir"`
}

// WiFiConfig contains wireless association settings.
type WiFiConfig struct {
	// Interface is the wireless interface name (also the MAC identity source).
	Interface string `yaml:"interface"`

	SSID string `yaml:"ssid"`
	PSK  string `yaml:"psk"`

	// MaxRetry is the reconnect ceiling before the link is declared failed.
	MaxRetry int `yaml:"max_retry"`

	// PollInterval is the supplicant status poll interval in seconds.
	PollInterval int `yaml:"poll_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`

	// ClientID overrides the MAC-derived client identifier when set.
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// UpdateConfig contains firmware update settings.
type UpdateConfig struct {
	// Host and Port are the listen address of the HTTP update endpoint.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ValidationTimeout is the number of seconds a freshly booted image has
	// to survive before it is marked valid and rollback is cancelled.
	ValidationTimeout int `yaml:"validation_timeout"`
}

// TelemetryConfig contains relay queue sizing and cadence settings.
type TelemetryConfig struct {
	MeasurementQueueSize int `yaml:"measurement_queue_size"`
	LogQueueSize         int `yaml:"log_queue_size"`

	// LogBufferSize is the capacity of the pre-connection log ring buffer.
	LogBufferSize int `yaml:"log_buffer_size"`

	// SystemInterval is the system-info publish interval in seconds.
	SystemInterval int `yaml:"system_interval"`
}

// InfluxDBConfig contains the optional direct measurement sink settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable
// overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRIDMON_SECTION_KEY
// For example: GRIDMON_MQTT_HOST, GRIDMON_WIFI_PSK
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults. Values mirror the
// shipped device defaults: retry ceiling 5, update endpoint on :8080,
// 10-second image validation window, 100-deep relay queues, 20-entry
// pre-connection log buffer.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:      "grid-monitor",
			TopicBase: "open_grid_monitor",
			DataDir:   "./data",
		},
		WiFi: WiFiConfig{
			Interface:    "wlan0",
			MaxRetry:     5,
			PollInterval: 2,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Update: UpdateConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ValidationTimeout: 10,
		},
		Telemetry: TelemetryConfig{
			MeasurementQueueSize: 100,
			LogQueueSize:         100,
			LogBufferSize:        20,
			SystemInterval:       30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables follow the pattern GRIDMON_SECTION_KEY.
func applyEnvOverrides(cfg *Config) {
	// Device
	if v := os.Getenv("GRIDMON_DATA_DIR"); v != "" {
		cfg.Device.DataDir = v
	}
	if v := os.Getenv("GRIDMON_TOPIC_BASE"); v != "" {
		cfg.Device.TopicBase = v
	}

	// WiFi credentials
	if v := os.Getenv("GRIDMON_WIFI_SSID"); v != "" {
		cfg.WiFi.SSID = v
	}
	if v := os.Getenv("GRIDMON_WIFI_PSK"); v != "" {
		cfg.WiFi.PSK = v
	}

	// MQTT
	if v := os.Getenv("GRIDMON_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRIDMON_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("GRIDMON_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRIDMON_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GRIDMON_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Device.TopicBase == "" {
		errs = append(errs, "device.topic_base is required")
	}
	if strings.ContainsAny(c.Device.TopicBase, "+#") {
		errs = append(errs, "device.topic_base must not contain MQTT wildcards")
	}
	if c.Device.DataDir == "" {
		errs = append(errs, "device.data_dir is required")
	}

	// Every derived topic is "<base>/<mac>" plus a fixed suffix; bound the
	// longest one here so over-long topics are rejected at load time instead
	// of truncated at publish time.
	derived := len(c.Device.TopicBase) + 1 + deviceIDLen + len(longestTopicSuffix)
	if derived > MaxTopicLen {
		errs = append(errs, fmt.Sprintf("device.topic_base too long: derived topics exceed %d bytes", MaxTopicLen))
	}

	if c.WiFi.Interface == "" {
		errs = append(errs, "wifi.interface is required")
	}
	if c.WiFi.MaxRetry < 0 {
		errs = append(errs, "wifi.max_retry must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	if c.Update.Port < 1 || c.Update.Port > 65535 {
		errs = append(errs, "update.port must be between 1 and 65535")
	}
	if c.Update.ValidationTimeout < 1 {
		errs = append(errs, "update.validation_timeout must be at least 1 second")
	}

	if c.Telemetry.MeasurementQueueSize < 1 || c.Telemetry.LogQueueSize < 1 {
		errs = append(errs, "telemetry queue sizes must be at least 1")
	}
	if c.Telemetry.LogBufferSize < 1 {
		errs = append(errs, "telemetry.log_buffer_size must be at least 1")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetValidationTimeout returns the image validation window as a Duration.
func (c *Config) GetValidationTimeout() time.Duration {
	return time.Duration(c.Update.ValidationTimeout) * time.Second
}

