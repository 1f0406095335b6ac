package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for VRLink Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Broker      BrokerConfig      `yaml:"broker"`
	Host        HostConfig        `yaml:"host"`
	Autoconnect AutoconnectConfig `yaml:"autoconnect"`
	Database    DatabaseConfig    `yaml:"database"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AppConfig identifies the application namespace.
//
// Name is the prefix of every paircode this instance derives; both peers of a
// pairing must agree on it.
type AppConfig struct {
	Name string `yaml:"name"`
}

// BrokerConfig contains message broker connection settings.
type BrokerConfig struct {
	Scheme    string          `yaml:"scheme"`
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	Path      string          `yaml:"path"`
	ClientID  string          `yaml:"client_id"`
	QoS       int             `yaml:"qos"`
	Auth      BrokerAuth      `yaml:"auth"`
	Reconnect BrokerReconnect `yaml:"reconnect"`
}

// BrokerAuth contains broker authentication credentials.
type BrokerAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BrokerReconnect contains broker reconnection settings.
type BrokerReconnect struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// HostConfig contains the embedding-environment control surface settings
// (HTTP server with the WebSocket control channel).
//
// AllowedOrigins restricts which browser origins may call the surface.
// An empty list allows all origins, which suits the loopback-only default
// bind address.
type HostConfig struct {
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	AllowedOrigins []string          `yaml:"allowed_origins"`
	Timeouts       HostTimeoutConfig `yaml:"timeouts"`
	WebSocket      WebSocketConfig   `yaml:"websocket"`
}

// HostTimeoutConfig contains HTTP timeout settings.
type HostTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket control channel settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// AutoconnectConfig contains optional startup pairing settings.
//
// When enabled, the daemon issues a connect with the configured device name
// and initial event types as soon as it starts, mirroring an embedding
// environment that connects on attach.
type AutoconnectConfig struct {
	Enabled    bool     `yaml:"enabled"`
	DeviceName string   `yaml:"device_name"`
	Events     []string `yaml:"events"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB telemetry settings.
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: VRLINK_SECTION_KEY
// For example: VRLINK_DATABASE_PATH, VRLINK_BROKER_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name: "vrlink",
		},
		Broker: BrokerConfig{
			Scheme: "tcp",
			Host:   "localhost",
			Port:   1883,
			QoS:    1,
			Reconnect: BrokerReconnect{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Host: HostConfig{
			Host: "127.0.0.1",
			Port: 8188,
			Timeouts: HostTimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				Path:           "/ws",
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/vrlink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: VRLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// App
	if v := os.Getenv("VRLINK_APP_NAME"); v != "" {
		cfg.App.Name = v
	}

	// Broker
	if v := os.Getenv("VRLINK_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("VRLINK_BROKER_USERNAME"); v != "" {
		cfg.Broker.Auth.Username = v
	}
	if v := os.Getenv("VRLINK_BROKER_PASSWORD"); v != "" {
		cfg.Broker.Auth.Password = v
	}

	// Host surface
	if v := os.Getenv("VRLINK_HOST_HOST"); v != "" {
		cfg.Host.Host = v
	}

	// Database
	if v := os.Getenv("VRLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("VRLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// validSchemes lists the broker URL schemes the client accepts.
var validSchemes = map[string]bool{
	"tcp": true,
	"ssl": true,
	"ws":  true,
	"wss": true,
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// App validation. The name prefixes every topic this instance uses, so
	// broker wildcard characters and separators would corrupt the namespace.
	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	} else if strings.ContainsAny(c.App.Name, "/+# ") {
		errs = append(errs, "app.name must not contain '/', '+', '#', or spaces")
	}

	// Broker validation
	if !validSchemes[c.Broker.Scheme] {
		errs = append(errs, "broker.scheme must be one of tcp, ssl, ws, wss")
	}
	if c.Broker.Host == "" {
		errs = append(errs, "broker.host is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, "broker.port must be between 1 and 65535")
	}
	if c.Broker.Path != "" && !strings.HasPrefix(c.Broker.Path, "/") {
		errs = append(errs, "broker.path must start with '/'")
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		errs = append(errs, "broker.qos must be 0, 1, or 2")
	}

	// Host surface validation
	if c.Host.Port < 1 || c.Host.Port > 65535 {
		errs = append(errs, "host.port must be between 1 and 65535")
	}

	// Autoconnect validation
	if c.Autoconnect.Enabled && c.Autoconnect.DeviceName == "" {
		errs = append(errs, "autoconnect.device_name is required when autoconnect is enabled")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the host surface read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Host.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the host surface write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Host.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the host surface idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Host.Timeouts.Idle) * time.Second
}
