package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Token formats understood by the device identity.
const (
	TokenFormatSAS = "sas"
	TokenFormatJWT = "jwt"
)

// Sensor drivers understood by the sensor package.
const (
	SensorDriverSimulated = "simulated"
	SensorDriverIIO       = "iio"
)

// Config is the root configuration structure for the weather station host.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Cloud    MQTTConfig     `yaml:"cloud"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Sensor   SensorConfig   `yaml:"sensor"`
	Relay    RelayConfig    `yaml:"relay"`
	Store    StoreConfig    `yaml:"store"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	UI       UIConfig       `yaml:"ui"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DeviceConfig describes where the device identity lives and how tokens are minted.
type DeviceConfig struct {
	// ElementPath is the provisioning slot file of the secure element.
	ElementPath string `yaml:"element_path"`

	// TokenFormat is "sas" (shared access signature) or "jwt".
	TokenFormat string `yaml:"token_format"`

	// TokenTTL is the token lifetime in seconds.
	TokenTTL int `yaml:"token_ttl"`
}

// MQTTConfig contains the cloud MQTT session settings.
// The broker host and client id come from the device identity, not from here.
type MQTTConfig struct {
	Port           int                 `yaml:"port"`
	TLS            bool                `yaml:"tls"`
	QoS            int                 `yaml:"qos"`
	APIVersion     string              `yaml:"api_version"`
	KeepAlive      int                 `yaml:"keep_alive"`
	PublishTimeout int                 `yaml:"publish_timeout"`
	Reconnect      MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// BridgeConfig contains the local value bridge settings.
type BridgeConfig struct {
	// Contract is the well-known service name peers attach under.
	Contract string `yaml:"contract"`

	// SocketPath is the Unix socket the bridge listens on.
	SocketPath string `yaml:"socket_path"`

	// WriteTimeout bounds a single outbound message write (seconds).
	WriteTimeout int `yaml:"write_timeout"`

	// QueueSize is the number of outbound messages buffered per peer.
	QueueSize int `yaml:"queue_size"`

	WebSocket WebSocketConfig `yaml:"websocket"`
}

// WebSocketConfig contains the optional WebSocket transport for the bridge.
type WebSocketConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
}

// SensorConfig selects the sensor driver and polling period.
type SensorConfig struct {
	Driver   string `yaml:"driver"`
	Interval int    `yaml:"interval"`
	IIODir   string `yaml:"iio_dir"`
}

// RelayConfig controls which remote configuration keys reach the bridge.
type RelayConfig struct {
	// ForwardKeys limits forwarded config keys. Empty forwards everything.
	ForwardKeys []string `yaml:"forward_keys"`
}

// StoreConfig controls persistence of the value store.
type StoreConfig struct {
	Persist  bool           `yaml:"persist"`
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for local reading history.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// UIConfig describes an optional UI process supervised by the host.
type UIConfig struct {
	// Command is the UI executable. Empty disables supervision.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	RestartDelay       int `yaml:"restart_delay"`
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// AttachTimeout is how long the UI may run without attaching to the bridge
	// before its health check fails (seconds).
	AttachTimeout int `yaml:"attach_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: WEATHERSTATION_SECTION_KEY
// For example: WEATHERSTATION_DEVICE_ELEMENT_PATH, WEATHERSTATION_BRIDGE_SOCKET_PATH
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

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ElementPath: "/var/lib/weatherstation/element.yaml",
			TokenFormat: TokenFormatSAS,
			TokenTTL:    3600,
		},
		Cloud: MQTTConfig{
			Port:           8883,
			TLS:            true,
			QoS:            1,
			APIVersion:     "2021-04-12",
			KeepAlive:      60,
			PublishTimeout: 10,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Bridge: BridgeConfig{
			Contract:     "com.microsoft.showcase.appservice",
			SocketPath:   "/run/weatherstation/bridge.sock",
			WriteTimeout: 5,
			QueueSize:    64,
			WebSocket: WebSocketConfig{
				Listen:         "127.0.0.1:8642",
				Path:           "/bridge",
				MaxMessageSize: 65536,
			},
		},
		Sensor: SensorConfig{
			Driver:   SensorDriverSimulated,
			Interval: 5,
		},
		Store: StoreConfig{
			Database: DatabaseConfig{
				Path:        "/var/lib/weatherstation/values.db",
				WALMode:     true,
				BusyTimeout: 5,
			},
		},
		UI: UIConfig{
			RestartDelay:       5,
			MaxRestartAttempts: 10,
			AttachTimeout:      30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WEATHERSTATION_DEVICE_ELEMENT_PATH"); v != "" {
		cfg.Device.ElementPath = v
	}
	if v := os.Getenv("WEATHERSTATION_DEVICE_TOKEN_FORMAT"); v != "" {
		cfg.Device.TokenFormat = v
	}

	if v := os.Getenv("WEATHERSTATION_BRIDGE_SOCKET_PATH"); v != "" {
		cfg.Bridge.SocketPath = v
	}
	if v := os.Getenv("WEATHERSTATION_BRIDGE_CONTRACT"); v != "" {
		cfg.Bridge.Contract = v
	}

	if v := os.Getenv("WEATHERSTATION_STORE_DATABASE_PATH"); v != "" {
		cfg.Store.Database.Path = v
	}

	// InfluxDB token must never live in the config file in production
	if v := os.Getenv("WEATHERSTATION_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("WEATHERSTATION_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
// All problems are reported at once rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	// Device identity
	if c.Device.ElementPath == "" {
		errs = append(errs, "device.element_path is required")
	}
	switch c.Device.TokenFormat {
	case TokenFormatSAS, TokenFormatJWT:
	default:
		errs = append(errs, fmt.Sprintf("device.token_format must be %q or %q", TokenFormatSAS, TokenFormatJWT))
	}
	if c.Device.TokenTTL <= 0 {
		errs = append(errs, "device.token_ttl must be positive")
	}

	// Cloud MQTT
	if c.Cloud.QoS < 0 || c.Cloud.QoS > 2 {
		errs = append(errs, "cloud.qos must be 0, 1, or 2")
	}
	if c.Cloud.Port < 1 || c.Cloud.Port > 65535 {
		errs = append(errs, "cloud.port must be between 1 and 65535")
	}

	// Bridge
	if c.Bridge.Contract == "" {
		errs = append(errs, "bridge.contract is required")
	}
	if c.Bridge.SocketPath == "" {
		errs = append(errs, "bridge.socket_path is required")
	}
	if c.Bridge.WebSocket.Enabled && c.Bridge.WebSocket.Listen == "" {
		errs = append(errs, "bridge.websocket.listen is required when websocket is enabled")
	}

	// Sensor
	if c.Sensor.Interval <= 0 {
		errs = append(errs, "sensor.interval must be positive")
	}
	switch c.Sensor.Driver {
	case SensorDriverSimulated:
	case SensorDriverIIO:
		if c.Sensor.IIODir == "" {
			errs = append(errs, "sensor.iio_dir is required for the iio driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("sensor.driver %q is not supported", c.Sensor.Driver))
	}

	// Persistence
	if c.Store.Persist && c.Store.Database.Path == "" {
		errs = append(errs, "store.database.path is required when store.persist is enabled")
	}

	// InfluxDB
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetSensorInterval returns the sensor polling period as a Duration.
func (c *Config) GetSensorInterval() time.Duration {
	return time.Duration(c.Sensor.Interval) * time.Second
}

// GetTokenTTL returns the device token lifetime as a Duration.
func (c *Config) GetTokenTTL() time.Duration {
	return time.Duration(c.Device.TokenTTL) * time.Second
}

// GetPublishTimeout returns the per-attempt telemetry send timeout.
func (c *Config) GetPublishTimeout() time.Duration {
	return time.Duration(c.Cloud.PublishTimeout) * time.Second
}

// GetBridgeWriteTimeout returns the bridge per-message write timeout.
func (c *Config) GetBridgeWriteTimeout() time.Duration {
	return time.Duration(c.Bridge.WriteTimeout) * time.Second
}
