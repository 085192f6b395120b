package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a temporary config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validYAML = `
device:
  name: bench-monitor
  topic_base: open_grid_monitor
  data_dir: /var/lib/gridmon
wifi:
  interface: wlan0
  ssid: labnet
  max_retry: 3
mqtt:
  broker:
    host: broker.local
    port: 1883
  qos: 1
update:
  port: 8080
  validation_timeout: 10
`

func TestLoad(t *testing.T) {
	path := writeConfig(t, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.Name != "bench-monitor" {
		t.Errorf("Device.Name = %q, want %q", cfg.Device.Name, "bench-monitor")
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	if cfg.WiFi.MaxRetry != 3 {
		t.Errorf("WiFi.MaxRetry = %d, want 3", cfg.WiFi.MaxRetry)
	}
}

func TestLoadDefaults(t *testing.T) {
	// A minimal file leaves the defaults intact.
	path := writeConfig(t, "wifi:\n  ssid: labnet\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.TopicBase != "open_grid_monitor" {
		t.Errorf("TopicBase default = %q", cfg.Device.TopicBase)
	}
	if cfg.WiFi.MaxRetry != 5 {
		t.Errorf("MaxRetry default = %d, want 5", cfg.WiFi.MaxRetry)
	}
	if cfg.Update.Port != 8080 {
		t.Errorf("Update.Port default = %d, want 8080", cfg.Update.Port)
	}
	if cfg.Telemetry.LogBufferSize != 20 {
		t.Errorf("LogBufferSize default = %d, want 20", cfg.Telemetry.LogBufferSize)
	}
	if got := cfg.GetValidationTimeout(); got != 10*time.Second {
		t.Errorf("GetValidationTimeout() = %v, want 10s", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GRIDMON_MQTT_HOST", "override.local")
	t.Setenv("GRIDMON_WIFI_PSK", "secret-psk")

	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker.Host != "override.local" {
		t.Errorf("MQTT.Broker.Host = %q, want env override", cfg.MQTT.Broker.Host)
	}
	if cfg.WiFi.PSK != "secret-psk" {
		t.Errorf("WiFi.PSK = %q, want env override", cfg.WiFi.PSK)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "empty topic base",
			mutate:  func(c *Config) { c.Device.TopicBase = "" },
			wantErr: "topic_base",
		},
		{
			name:    "wildcard in topic base",
			mutate:  func(c *Config) { c.Device.TopicBase = "grid/#" },
			wantErr: "wildcards",
		},
		{
			name:    "topic base too long",
			mutate:  func(c *Config) { c.Device.TopicBase = strings.Repeat("x", MaxTopicLen) },
			wantErr: "too long",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "qos",
		},
		{
			name:    "invalid update port",
			mutate:  func(c *Config) { c.Update.Port = 0 },
			wantErr: "update.port",
		},
		{
			name:    "zero validation timeout",
			mutate:  func(c *Config) { c.Update.ValidationTimeout = 0 },
			wantErr: "validation_timeout",
		},
		{
			name:    "influxdb enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
