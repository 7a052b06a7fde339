package api

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the database probe in /api/health.
const healthCheckTimeout = 3 * time.Second

// handleHome describes the service.
func (s *Server) handleHome(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"service": s.service,
		"status":  "running",
		"version": s.version,
		"endpoints": map[string]string{
			"health":    "/api/health",
			"devices":   "/api/devices",
			"movements": "/api/movements/send",
			"sequence":  "/api/movements/sequence",
			"events":    "/api/events/{device_id}",
			"websocket": s.wsPath(),
		},
	})
}

// handleHealth reports 503 when the database probe fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"success":   true,
		"status":    "healthy",
		"version":   s.version,
		"database":  "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.HealthCheck(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			body["success"] = false
			body["status"] = "unhealthy"
			body["database"] = "disconnected"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}

	if s.mqtt != nil {
		body["mqtt"] = connectedString(s.mqtt.IsConnected())
	}
	if s.influx != nil {
		body["influxdb"] = connectedString(s.influx.IsConnected())
	}
	writeJSON(w, http.StatusOK, body)
}

func connectedString(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}
