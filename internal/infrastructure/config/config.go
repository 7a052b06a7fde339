package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for carrelay.
// Values come from defaults, then the YAML file, then CARRELAY_* environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServiceConfig identifies this relay instance.
type ServiceConfig struct {
	Name string `yaml:"name" envconfig:"CARRELAY_SERVICE_NAME"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path" envconfig:"CARRELAY_DATABASE_PATH"`
	WALMode     bool   `yaml:"wal_mode" envconfig:"CARRELAY_DATABASE_WAL_MODE"`
	BusyTimeout int    `yaml:"busy_timeout" envconfig:"CARRELAY_DATABASE_BUSY_TIMEOUT"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host         string           `yaml:"host" envconfig:"CARRELAY_API_HOST"`
	Port         int              `yaml:"port" envconfig:"CARRELAY_API_PORT"`
	MaxBodyBytes int64            `yaml:"max_body_bytes" envconfig:"CARRELAY_API_MAX_BODY_BYTES"`
	Timeouts     APITimeoutConfig `yaml:"timeouts"`
	CORS         CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"CARRELAY_CORS_ALLOWED_ORIGINS"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the persistent socket transport.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	SendBuffer     int    `yaml:"send_buffer"`
	// MessagesPerSecond limits inbound events per connection. Zero disables the limit.
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
}

// DispatchConfig tunes push delivery.
type DispatchConfig struct {
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" envconfig:"CARRELAY_DELIVERY_TIMEOUT"`
}

// MQTTConfig contains MQTT broker connection settings for the firmware bridge.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled" envconfig:"CARRELAY_MQTT_ENABLED"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix" envconfig:"CARRELAY_MQTT_TOPIC_PREFIX"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host" envconfig:"CARRELAY_MQTT_HOST"`
	Port     int    `yaml:"port" envconfig:"CARRELAY_MQTT_PORT"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id" envconfig:"CARRELAY_MQTT_CLIENT_ID"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username" envconfig:"CARRELAY_MQTT_USERNAME"`
	Password string `yaml:"password" envconfig:"CARRELAY_MQTT_PASSWORD"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" envconfig:"CARRELAY_INFLUXDB_ENABLED"`
	URL           string `yaml:"url" envconfig:"CARRELAY_INFLUXDB_URL"`
	Token         string `yaml:"token" envconfig:"CARRELAY_INFLUXDB_TOKEN"`
	Org           string `yaml:"org" envconfig:"CARRELAY_INFLUXDB_ORG"`
	Bucket        string `yaml:"bucket" envconfig:"CARRELAY_INFLUXDB_BUCKET"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
	// Tags are added to every point, e.g. {relay: lab-1}.
	Tags map[string]string `yaml:"tags"`
}

// RedisConfig contains settings for the last-status cache.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled" envconfig:"CARRELAY_REDIS_ENABLED"`
	URL       string        `yaml:"url" envconfig:"CARRELAY_REDIS_URL"`
	KeyPrefix string        `yaml:"key_prefix"`
	StatusTTL time.Duration `yaml:"status_ttl" envconfig:"CARRELAY_REDIS_STATUS_TTL"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"CARRELAY_LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"CARRELAY_LOG_FORMAT"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains per-client HTTP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" envconfig:"CARRELAY_RATE_LIMIT_ENABLED"`
	RequestsPerMinute int  `yaml:"requests_per_minute" envconfig:"CARRELAY_RATE_LIMIT_RPM"`
	Burst             int  `yaml:"burst"`
}

// RetentionConfig controls event log pruning while serving.
type RetentionConfig struct {
	// Days of device events to keep. Zero keeps everything.
	Days     int           `yaml:"days" envconfig:"CARRELAY_RETENTION_DAYS"`
	Interval time.Duration `yaml:"interval"`
}

// Load reads configuration and applies overrides.
//
// The loading order is:
//  1. Default values
//  2. A .env file in the working directory, if present
//  3. The YAML file at path, if path is non-empty
//  4. CARRELAY_* environment variables
//
// A path that does not exist is tolerated only when allowMissing is true,
// so a bare container can run from environment variables alone.
func Load(path string, allowMissing bool) (*Config, error) {
	cfg := defaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist) && allowMissing:
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name: "carrelay",
		},
		Database: DatabaseConfig{
			Path:        "./data/carrelay.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host:         "0.0.0.0",
			Port:         5500,
			MaxBodyBytes: 1 << 20,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
			},
		},
		WebSocket: WebSocketConfig{
			Path:              "/ws",
			MaxMessageSize:    8192,
			PingInterval:      25,
			PongTimeout:       60,
			SendBuffer:        256,
			MessagesPerSecond: 20,
			MessageBurst:      40,
		},
		Dispatch: DispatchConfig{
			DeliveryTimeout: 2 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "carrelay",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "carrelay",
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "carrelay",
			Bucket:        "vehicles",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379/0",
			KeyPrefix: "carrelay",
			StatusTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 300,
				Burst:             50,
			},
		},
		Retention: RetentionConfig{
			Interval: time.Hour,
		},
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.MaxBodyBytes <= 0 {
		errs = append(errs, "api.max_body_bytes must be positive")
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, "websocket.path must start with /")
	}
	if c.WebSocket.SendBuffer < 1 {
		errs = append(errs, "websocket.send_buffer must be at least 1")
	}
	if c.WebSocket.MessagesPerSecond < 0 {
		errs = append(errs, "websocket.messages_per_second must not be negative")
	}

	if c.Dispatch.DeliveryTimeout <= 0 {
		errs = append(errs, "dispatch.delivery_timeout must be positive")
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
		}
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		errs = append(errs, "redis.url is required when redis is enabled")
	}

	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RequestsPerMinute < 1 {
		errs = append(errs, "security.rate_limit.requests_per_minute must be at least 1")
	}

	if c.Retention.Days < 0 {
		errs = append(errs, "retention.days must not be negative")
	}
	if c.Retention.Days > 0 && c.Retention.Interval <= 0 {
		errs = append(errs, "retention.interval must be positive when retention is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Addr returns the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
