package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
device:
  element_path: "/tmp/element.yaml"
  token_format: "jwt"
  token_ttl: 600
cloud:
  port: 8883
  qos: 1
bridge:
  contract: "com.example.bridge"
  socket_path: "/tmp/bridge.sock"
sensor:
  driver: "simulated"
  interval: 2
relay:
  forward_keys: ["ConfigTemperatureUnit"]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.ElementPath != "/tmp/element.yaml" {
		t.Errorf("Device.ElementPath = %q, want %q", cfg.Device.ElementPath, "/tmp/element.yaml")
	}
	if cfg.Device.TokenFormat != TokenFormatJWT {
		t.Errorf("Device.TokenFormat = %q, want %q", cfg.Device.TokenFormat, TokenFormatJWT)
	}
	if cfg.Bridge.Contract != "com.example.bridge" {
		t.Errorf("Bridge.Contract = %q, want %q", cfg.Bridge.Contract, "com.example.bridge")
	}
	if got := cfg.GetSensorInterval(); got != 2*time.Second {
		t.Errorf("GetSensorInterval() = %v, want 2s", got)
	}
	if len(cfg.Relay.ForwardKeys) != 1 || cfg.Relay.ForwardKeys[0] != "ConfigTemperatureUnit" {
		t.Errorf("Relay.ForwardKeys = %v, want [ConfigTemperatureUnit]", cfg.Relay.ForwardKeys)
	}

	// Unset sections keep their defaults
	if cfg.Bridge.QueueSize != 64 {
		t.Errorf("Bridge.QueueSize = %d, want default 64", cfg.Bridge.QueueSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
bridge:
  contract: ""
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error for empty bridge.contract, got nil")
	}
	if !strings.Contains(err.Error(), "bridge.contract") {
		t.Errorf("Load() error = %v, want mention of bridge.contract", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing element path",
			mutate:  func(c *Config) { c.Device.ElementPath = "" },
			wantErr: "device.element_path",
		},
		{
			name:    "unknown token format",
			mutate:  func(c *Config) { c.Device.TokenFormat = "x509" },
			wantErr: "device.token_format",
		},
		{
			name:    "zero token ttl",
			mutate:  func(c *Config) { c.Device.TokenTTL = 0 },
			wantErr: "device.token_ttl",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.Cloud.QoS = 3 },
			wantErr: "cloud.qos",
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Cloud.Port = 70000 },
			wantErr: "cloud.port",
		},
		{
			name:    "missing socket path",
			mutate:  func(c *Config) { c.Bridge.SocketPath = "" },
			wantErr: "bridge.socket_path",
		},
		{
			name: "websocket without listen address",
			mutate: func(c *Config) {
				c.Bridge.WebSocket.Enabled = true
				c.Bridge.WebSocket.Listen = ""
			},
			wantErr: "bridge.websocket.listen",
		},
		{
			name:    "iio without directory",
			mutate:  func(c *Config) { c.Sensor.Driver = SensorDriverIIO },
			wantErr: "sensor.iio_dir",
		},
		{
			name:    "unknown sensor driver",
			mutate:  func(c *Config) { c.Sensor.Driver = "spi" },
			wantErr: "sensor.driver",
		},
		{
			name:    "zero interval",
			mutate:  func(c *Config) { c.Sensor.Interval = 0 },
			wantErr: "sensor.interval",
		},
		{
			name: "persist without database",
			mutate: func(c *Config) {
				c.Store.Persist = true
				c.Store.Database.Path = ""
			},
			wantErr: "store.database.path",
		},
		{
			name:    "influxdb without url",
			mutate:  func(c *Config) { c.InfluxDB = InfluxDBConfig{Enabled: true, Bucket: "b"} },
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
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateReportsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Device.ElementPath = ""
	cfg.Bridge.Contract = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil, want error")
	}
	for _, want := range []string{"device.element_path", "bridge.contract"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %v, want mention of %q", err, want)
		}
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		Device: DeviceConfig{TokenTTL: 3600},
		Cloud:  MQTTConfig{PublishTimeout: 10},
		Bridge: BridgeConfig{WriteTimeout: 5},
	}

	if got := cfg.GetTokenTTL(); got != time.Hour {
		t.Errorf("GetTokenTTL() = %v, want 1h", got)
	}
	if got := cfg.GetPublishTimeout(); got != 10*time.Second {
		t.Errorf("GetPublishTimeout() = %v, want 10s", got)
	}
	if got := cfg.GetBridgeWriteTimeout(); got != 5*time.Second {
		t.Errorf("GetBridgeWriteTimeout() = %v, want 5s", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("WEATHERSTATION_DEVICE_ELEMENT_PATH", "/secure/slot0.yaml")
	t.Setenv("WEATHERSTATION_DEVICE_TOKEN_FORMAT", "jwt")
	t.Setenv("WEATHERSTATION_BRIDGE_SOCKET_PATH", "/tmp/custom.sock")
	t.Setenv("WEATHERSTATION_BRIDGE_CONTRACT", "com.example.other")
	t.Setenv("WEATHERSTATION_STORE_DATABASE_PATH", "/custom/values.db")
	t.Setenv("WEATHERSTATION_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("WEATHERSTATION_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	if cfg.Device.ElementPath != "/secure/slot0.yaml" {
		t.Errorf("Device.ElementPath = %q, want %q", cfg.Device.ElementPath, "/secure/slot0.yaml")
	}
	if cfg.Device.TokenFormat != "jwt" {
		t.Errorf("Device.TokenFormat = %q, want %q", cfg.Device.TokenFormat, "jwt")
	}
	if cfg.Bridge.SocketPath != "/tmp/custom.sock" {
		t.Errorf("Bridge.SocketPath = %q, want %q", cfg.Bridge.SocketPath, "/tmp/custom.sock")
	}
	if cfg.Bridge.Contract != "com.example.other" {
		t.Errorf("Bridge.Contract = %q, want %q", cfg.Bridge.Contract, "com.example.other")
	}
	if cfg.Store.Database.Path != "/custom/values.db" {
		t.Errorf("Store.Database.Path = %q, want %q", cfg.Store.Database.Path, "/custom/values.db")
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Bridge.Contract != "com.microsoft.showcase.appservice" {
		t.Errorf("defaultConfig Bridge.Contract = %q", cfg.Bridge.Contract)
	}
	if cfg.Sensor.Interval != 5 {
		t.Errorf("defaultConfig Sensor.Interval = %d, want 5", cfg.Sensor.Interval)
	}
	if cfg.Cloud.Port != 8883 {
		t.Errorf("defaultConfig Cloud.Port = %d, want 8883", cfg.Cloud.Port)
	}
	if cfg.Device.TokenFormat != TokenFormatSAS {
		t.Errorf("defaultConfig Device.TokenFormat = %q, want %q", cfg.Device.TokenFormat, TokenFormatSAS)
	}
}
