package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for an Odemis backend or client.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Transport TransportConfig `yaml:"transport"`
	Directory DatabaseConfig  `yaml:"directory"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Supervise []ProcessConfig `yaml:"supervise"`
}

// BackendConfig describes the container hosted by this process and the
// components it is populated with at start-up.
type BackendConfig struct {
	Container  string            `yaml:"container"`
	Components []ComponentConfig `yaml:"components"`
}

// ComponentConfig declares one component of the backend.
type ComponentConfig struct {
	Name     string   `yaml:"name"`
	Role     string   `yaml:"role"`
	Kind     string   `yaml:"kind"` // sensor, stage, lamp, microscope
	Children []string `yaml:"children"`
	Affects  []string `yaml:"affects"`

	// PeriodMS is the acquisition period of generating components.
	PeriodMS int `yaml:"period_ms"`
}

// TransportConfig contains the container endpoint settings.
type TransportConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"` // 0 picks an ephemeral port
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	SendBuffer     int    `yaml:"send_buffer"`
	SendTimeoutMS  int    `yaml:"send_timeout_ms"`
	CallTimeout    int    `yaml:"call_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
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

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains container access token settings.
//
// An empty secret disables token checks on container connections.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// ProcessConfig declares an additional backend process supervised by odemisd.
type ProcessConfig struct {
	Name       string   `yaml:"name"`
	Binary     string   `yaml:"binary"`
	Args       []string `yaml:"args"`
	MaxRestart int      `yaml:"max_restart"`

	// Container is the container the process hosts. When set, the process
	// is considered hung while the container cannot be resolved.
	Container string `yaml:"container"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ODEMIS_SECTION_KEY
// For example: ODEMIS_DIRECTORY_PATH, ODEMIS_TRANSPORT_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

// Default returns the default configuration with environment overrides applied.
// Used by tools that can run without a config file (odemis-cli).
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Container: "backend",
		},
		Transport: TransportConfig{
			Host:           "127.0.0.1",
			Port:           0,
			Path:           "/ws",
			MaxMessageSize: 16 << 20,
			PingInterval:   30,
			PongTimeout:    10,
			SendBuffer:     256,
			SendTimeoutMS:  2000,
			CallTimeout:    30,
		},
		Directory: DatabaseConfig{
			Path:        defaultDirectoryPath(),
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "odemisd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// defaultDirectoryPath places the container directory in the user runtime
// directory when there is one, so every process of a session shares it.
func defaultDirectoryPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/odemis-containers.db"
	}
	return os.TempDir() + "/odemis-containers.db"
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ODEMIS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ODEMIS_CONTAINER"); v != "" {
		cfg.Backend.Container = v
	}

	// Directory
	if v := os.Getenv("ODEMIS_DIRECTORY_PATH"); v != "" {
		cfg.Directory.Path = v
	}

	// Transport
	if v := os.Getenv("ODEMIS_TRANSPORT_HOST"); v != "" {
		cfg.Transport.Host = v
	}
	if v := os.Getenv("ODEMIS_TRANSPORT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Transport.Port = port
		}
	}

	// MQTT
	if v := os.Getenv("ODEMIS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ODEMIS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ODEMIS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("ODEMIS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("ODEMIS_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

var validKinds = map[string]bool{
	"sensor":     true,
	"stage":      true,
	"lamp":       true,
	"microscope": true,
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Backend.Container == "" {
		errs = append(errs, "backend.container is required")
	}

	names := make(map[string]bool, len(c.Backend.Components))
	for i, comp := range c.Backend.Components {
		if comp.Name == "" {
			errs = append(errs, fmt.Sprintf("backend.components[%d].name is required", i))
			continue
		}
		if names[comp.Name] {
			errs = append(errs, fmt.Sprintf("backend.components[%d]: duplicate name %q", i, comp.Name))
		}
		names[comp.Name] = true
		if !validKinds[comp.Kind] {
			errs = append(errs, fmt.Sprintf("backend.components[%d].kind %q is not one of sensor, stage, lamp, microscope", i, comp.Kind))
		}
		if comp.PeriodMS < 0 {
			errs = append(errs, fmt.Sprintf("backend.components[%d].period_ms must not be negative", i))
		}
	}
	for _, comp := range c.Backend.Components {
		for _, ref := range append(append([]string{}, comp.Children...), comp.Affects...) {
			if !names[ref] {
				errs = append(errs, fmt.Sprintf("backend.components %q refers to unknown component %q", comp.Name, ref))
			}
		}
	}

	if c.Directory.Path == "" {
		errs = append(errs, "directory.path is required")
	}

	if c.Transport.Port < 0 || c.Transport.Port > 65535 {
		errs = append(errs, "transport.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(c.Transport.Path, "/") {
		errs = append(errs, "transport.path must start with /")
	}
	if c.Transport.SendBuffer < 1 {
		errs = append(errs, "transport.send_buffer must be positive")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	for i, p := range c.Supervise {
		if p.Name == "" || p.Binary == "" {
			errs = append(errs, fmt.Sprintf("supervise[%d] requires name and binary", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetPingInterval returns the websocket ping interval as a Duration.
func (t TransportConfig) GetPingInterval() time.Duration {
	return time.Duration(t.PingInterval) * time.Second
}

// GetPongTimeout returns the websocket pong timeout as a Duration.
func (t TransportConfig) GetPongTimeout() time.Duration {
	return time.Duration(t.PongTimeout) * time.Second
}

// GetSendTimeout returns how long a notification may wait for room in a
// connection's send buffer before the subscriber is considered gone.
func (t TransportConfig) GetSendTimeout() time.Duration {
	return time.Duration(t.SendTimeoutMS) * time.Millisecond
}

// GetCallTimeout returns the default deadline applied to remote calls.
func (t TransportConfig) GetCallTimeout() time.Duration {
	return time.Duration(t.CallTimeout) * time.Second
}

// GetAccessTokenTTL returns the lifetime of issued container access tokens.
func (j JWTConfig) GetAccessTokenTTL() time.Duration {
	return time.Duration(j.AccessTokenTTL) * time.Minute
}
