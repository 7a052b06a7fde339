package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/carrelay/internal/bridges/firmware"
	"github.com/nerrad567/carrelay/internal/infrastructure/influxdb"
	"github.com/nerrad567/carrelay/internal/infrastructure/mqtt"
	"github.com/nerrad567/carrelay/internal/registry"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Success       bool              `json:"success"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeMetrics    `json:"runtime"`
	Connections   registry.Stats    `json:"connections"`
	WebSocket     WSMetrics         `json:"websocket"`
	MQTT          MQTTMetrics       `json:"mqtt"`
	Firmware      *firmware.Metrics `json:"firmware,omitempty"`
	Telemetry     *influxdb.Stats   `json:"telemetry,omitempty"`
	Database      DatabaseMetrics   `json:"database"`
	Devices       int               `json:"devices"`
}

// telemetryStats is implemented by *influxdb.Client.
type telemetryStats interface {
	Stats() influxdb.Stats
}

// linkStats is implemented by *mqtt.Client.
type linkStats interface {
	Stats() mqtt.Stats
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains socket session statistics.
type WSMetrics struct {
	Sessions int `json:"sessions"`
}

// MQTTMetrics describes the firmware link.
type MQTTMetrics struct {
	Enabled   bool        `json:"enabled"`
	Connected bool        `json:"connected"`
	Link      *mqtt.Stats `json:"link,omitempty"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns runtime, registry and integration metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Success:       true,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Connections: s.registry.Stats(),
		WebSocket: WSMetrics{
			Sessions: s.sessions.count(),
		},
	}

	if s.mqtt != nil {
		metrics.MQTT = MQTTMetrics{
			Enabled:   true,
			Connected: s.mqtt.IsConnected(),
		}
		if ls, ok := s.mqtt.(linkStats); ok {
			st := ls.Stats()
			metrics.MQTT.Link = &st
		}
	}

	if s.firmware != nil {
		fm := s.firmware.GetMetrics()
		metrics.Firmware = &fm
	}

	if ts, ok := s.influx.(telemetryStats); ok {
		st := ts.Stats()
		metrics.Telemetry = &st
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	if n, err := s.devices.Count(r.Context()); err != nil {
		s.logger.Warn("failed to count devices", "error", err)
	} else {
		metrics.Devices = n
	}

	writeJSON(w, http.StatusOK, metrics)
}
