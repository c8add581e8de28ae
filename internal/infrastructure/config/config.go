package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for thermostatd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Serial    SerialConfig    `yaml:"serial"`
	History   HistoryConfig   `yaml:"history"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig identifies the installation.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
// Write must exceed the set-point confirmation budget.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// SerialConfig contains thermostat link settings.
type SerialConfig struct {
	// IgnorePatterns hides matching port names from discovery.
	// Empty uses the platform default (macOS /dev/tty.* aliases).
	IgnorePatterns []string `yaml:"ignore_patterns"`

	// ReconcileInterval is the repair loop period in seconds. Default: 60.
	ReconcileInterval int `yaml:"reconcile_interval"`

	// StaleAfter is the state freshness threshold in seconds. Default: 60.
	StaleAfter int `yaml:"stale_after"`

	// ConfirmAttempts is the number of set-point confirmation checks. Default: 10.
	ConfirmAttempts int `yaml:"confirm_attempts"`

	// ConfirmIntervalMS is the wait before each check in milliseconds. Default: 500.
	ConfirmIntervalMS int `yaml:"confirm_interval_ms"`
}

// HistoryConfig contains temperature history settings.
type HistoryConfig struct {
	RetentionDays int `yaml:"retention_days"`
	BinMinutes    int `yaml:"bin_minutes"`
}

// SecurityConfig contains API authentication settings.
type SecurityConfig struct {
	AuthEnabled bool      `yaml:"auth_enabled"`
	JWT         JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// minJWTSecretLength is the shortest accepted HMAC secret.
const minJWTSecretLength = 32

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: THERMOSTAT_SECTION_KEY
// For example: THERMOSTAT_DATABASE_PATH, THERMOSTAT_API_PORT
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Thermostats",
		},
		Database: DatabaseConfig{
			Path:        "./data/thermostatd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "thermostatd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 4096,
			PingInterval:   30,
			PongTimeout:    10,
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
		Serial: SerialConfig{
			ReconcileInterval: 60,
			StaleAfter:        60,
			ConfirmAttempts:   10,
			ConfirmIntervalMS: 500,
		},
		History: HistoryConfig{
			RetentionDays: 365,
			BinMinutes:    15,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer: "thermostatd",
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: THERMOSTAT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	envString("THERMOSTAT_DATABASE_PATH", &cfg.Database.Path)

	envBool("THERMOSTAT_MQTT_ENABLED", &cfg.MQTT.Enabled)
	envString("THERMOSTAT_MQTT_HOST", &cfg.MQTT.Broker.Host)
	envInt("THERMOSTAT_MQTT_PORT", &cfg.MQTT.Broker.Port)
	envString("THERMOSTAT_MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	envString("THERMOSTAT_MQTT_PASSWORD", &cfg.MQTT.Auth.Password)

	envString("THERMOSTAT_API_HOST", &cfg.API.Host)
	envInt("THERMOSTAT_API_PORT", &cfg.API.Port)

	envBool("THERMOSTAT_INFLUXDB_ENABLED", &cfg.InfluxDB.Enabled)
	envString("THERMOSTAT_INFLUXDB_URL", &cfg.InfluxDB.URL)
	envString("THERMOSTAT_INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	envString("THERMOSTAT_LOG_LEVEL", &cfg.Logging.Level)

	envString("THERMOSTAT_JWT_SECRET", &cfg.Security.JWT.Secret)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envInt and envBool ignore unparseable values so Validate reports the
// file value instead of a confusing zero.
func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.Serial.ReconcileInterval < 1 {
		errs = append(errs, "serial.reconcile_interval must be at least 1 second")
	}
	if c.Serial.StaleAfter < 1 {
		errs = append(errs, "serial.stale_after must be at least 1 second")
	}
	if c.Serial.ConfirmAttempts < 1 {
		errs = append(errs, "serial.confirm_attempts must be at least 1")
	}
	if c.Serial.ConfirmIntervalMS < 1 {
		errs = append(errs, "serial.confirm_interval_ms must be at least 1")
	}
	for _, p := range c.Serial.IgnorePatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Sprintf("serial.ignore_patterns: %q is not a valid regular expression", p))
		}
	}

	if c.History.RetentionDays < 1 {
		errs = append(errs, "history.retention_days must be at least 1")
	}
	if c.History.BinMinutes < 1 {
		errs = append(errs, "history.bin_minutes must be at least 1")
	}

	// The confirmation loop runs inside the HTTP handler.
	if c.API.Timeouts.Write > 0 && c.GetWriteTimeout() <= c.GetConfirmBudget() {
		errs = append(errs, "api.timeouts.write must exceed serial.confirm_attempts × serial.confirm_interval_ms")
	}

	if c.Security.AuthEnabled {
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when auth is enabled (set THERMOSTAT_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration { return c.API.Timeouts.ReadTimeout() }

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration { return c.API.Timeouts.WriteTimeout() }

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration { return c.API.Timeouts.IdleTimeout() }

// ReadTimeout returns Read as a Duration.
func (t APITimeoutConfig) ReadTimeout() time.Duration { return time.Duration(t.Read) * time.Second }

// WriteTimeout returns Write as a Duration.
func (t APITimeoutConfig) WriteTimeout() time.Duration { return time.Duration(t.Write) * time.Second }

// IdleTimeout returns Idle as a Duration.
func (t APITimeoutConfig) IdleTimeout() time.Duration { return time.Duration(t.Idle) * time.Second }

// GetReconcileInterval returns the repair loop period.
func (c *Config) GetReconcileInterval() time.Duration {
	return time.Duration(c.Serial.ReconcileInterval) * time.Second
}

// GetStaleAfter returns the state freshness threshold.
func (c *Config) GetStaleAfter() time.Duration {
	return time.Duration(c.Serial.StaleAfter) * time.Second
}

// GetConfirmInterval returns the wait before each set-point check.
func (c *Config) GetConfirmInterval() time.Duration {
	return time.Duration(c.Serial.ConfirmIntervalMS) * time.Millisecond
}

// GetConfirmBudget returns the longest a set-point confirmation can take.
func (c *Config) GetConfirmBudget() time.Duration {
	return time.Duration(c.Serial.ConfirmAttempts) * c.GetConfirmInterval()
}

// GetHistoryRetention returns how long temperature samples are kept.
func (c *Config) GetHistoryRetention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
}

// GetHistoryBin returns the width of one history bucket.
func (c *Config) GetHistoryBin() time.Duration {
	return time.Duration(c.History.BinMinutes) * time.Minute
}
