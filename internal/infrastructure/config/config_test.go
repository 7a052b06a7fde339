package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "carrelay.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/relay-test.db"
api:
  host: "127.0.0.1"
  port: 9090
websocket:
  path: "/socket"
dispatch:
  delivery_timeout: 500ms
mqtt:
  enabled: true
  broker:
    host: "broker.local"
  topic_prefix: "fleet"
`)

	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/relay-test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/relay-test.db")
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Errorf("Addr() = %q, want %q", cfg.Addr(), "127.0.0.1:9090")
	}
	if cfg.WebSocket.Path != "/socket" {
		t.Errorf("WebSocket.Path = %q, want %q", cfg.WebSocket.Path, "/socket")
	}
	if cfg.Dispatch.DeliveryTimeout != 500*time.Millisecond {
		t.Errorf("Dispatch.DeliveryTimeout = %v, want 500ms", cfg.Dispatch.DeliveryTimeout)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker.Host != "broker.local" || cfg.MQTT.TopicPrefix != "fleet" {
		t.Errorf("MQTT = %+v, want enabled broker.local/fleet", cfg.MQTT)
	}
	// Untouched sections keep their defaults.
	if cfg.WebSocket.SendBuffer != 256 {
		t.Errorf("WebSocket.SendBuffer = %d, want 256", cfg.WebSocket.SendBuffer)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/carrelay.yaml", false); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}

	cfg, err := Load("/nonexistent/path/carrelay.yaml", true)
	if err != nil {
		t.Fatalf("Load(allowMissing) error = %v", err)
	}
	if cfg.API.Port != 5500 {
		t.Errorf("API.Port = %d, want default 5500", cfg.API.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "api: [unclosed")
	if _, err := Load(path, false); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
api:
  port: 0
`)
	_, err := Load(path, false)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "api.port") {
		t.Errorf("error = %v, want mention of api.port", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CARRELAY_DATABASE_PATH", "/var/lib/carrelay/env.db")
	t.Setenv("CARRELAY_API_PORT", "7000")
	t.Setenv("CARRELAY_DELIVERY_TIMEOUT", "750ms")
	t.Setenv("CARRELAY_REDIS_ENABLED", "true")
	t.Setenv("CARRELAY_REDIS_URL", "redis://cache:6379/2")

	path := writeConfig(t, `
database:
  path: "/from/file.db"
`)

	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/var/lib/carrelay/env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.API.Port != 7000 {
		t.Errorf("API.Port = %d, want 7000", cfg.API.Port)
	}
	if cfg.Dispatch.DeliveryTimeout != 750*time.Millisecond {
		t.Errorf("DeliveryTimeout = %v, want 750ms", cfg.Dispatch.DeliveryTimeout)
	}
	if !cfg.Redis.Enabled || cfg.Redis.URL != "redis://cache:6379/2" {
		t.Errorf("Redis = %+v, want enabled with env URL", cfg.Redis)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			modify: func(*Config) {},
		},
		{
			name:    "empty database path",
			modify:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "port out of range",
			modify:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name:    "websocket path without slash",
			modify:  func(c *Config) { c.WebSocket.Path = "ws" },
			wantErr: "websocket.path",
		},
		{
			name:    "zero delivery timeout",
			modify:  func(c *Config) { c.Dispatch.DeliveryTimeout = 0 },
			wantErr: "dispatch.delivery_timeout",
		},
		{
			name: "mqtt qos invalid only when enabled",
			modify: func(c *Config) {
				c.MQTT.QoS = 3
			},
		},
		{
			name: "mqtt qos invalid",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.QoS = 3
			},
			wantErr: "mqtt.qos",
		},
		{
			name: "influxdb enabled without bucket",
			modify: func(c *Config) {
				c.InfluxDB.Enabled = true
				c.InfluxDB.Bucket = ""
			},
			wantErr: "influxdb.url",
		},
		{
			name: "redis enabled without url",
			modify: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.URL = ""
			},
			wantErr: "redis.url",
		},
		{
			name:    "negative retention",
			modify:  func(c *Config) { c.Retention.Days = -1 },
			wantErr: "retention.days",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetWriteTimeout(); got != 30*time.Second {
		t.Errorf("GetWriteTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 60*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 60s", got)
	}
}

func TestLoad_SampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "config.yaml"), false)
	if err != nil {
		t.Fatalf("Load(sample) error = %v", err)
	}
	if cfg.InfluxDB.Tags["site"] != "lab" {
		t.Errorf("influxdb.tags = %v, want site=lab", cfg.InfluxDB.Tags)
	}
	cfg.InfluxDB.Tags = nil

	if want := Default(); !reflect.DeepEqual(cfg, want) {
		t.Errorf("sample config drifted from defaults:\n got %+v\nwant %+v", cfg, want)
	}
}
