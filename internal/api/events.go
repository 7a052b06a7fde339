package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nerrad567/carrelay/internal/catalog"
	"github.com/nerrad567/carrelay/internal/eventlog"
)

// eventTypeParam reads the optional type filter. fallback applies when absent.
func eventTypeParam(r *http.Request, fallback eventlog.EventType) (eventlog.EventType, error) {
	raw := r.URL.Query().Get("type")
	if raw == "" {
		return fallback, nil
	}
	t := eventlog.EventType(raw)
	if !t.Valid() {
		return "", errors.New("type must be movement, obstacle or demo")
	}
	return t, nil
}

// handleListEvents returns a device's events, newest first.
//
// Query parameters:
//   - limit: 1 to 200 (default 50)
//   - type: movement, obstacle or demo
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	deviceID, err := idParam(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", eventlog.DefaultLimit, 1, eventlog.MaxLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	eventType, err := eventTypeParam(r, "")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	events, err := s.events.Query(r.Context(), eventlog.Query{DeviceID: deviceID, Type: eventType, Limit: limit})
	if err != nil {
		s.logger.Error("failed to query events", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to query events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"device_id": deviceID,
		"events":    events,
		"count":     len(events),
	})
}

// handleLastEvent returns the newest event of one type (default movement).
func (s *Server) handleLastEvent(w http.ResponseWriter, r *http.Request) {
	deviceID, err := idParam(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	eventType, err := eventTypeParam(r, eventlog.TypeMovement)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ev, err := s.events.LastEvent(r.Context(), deviceID, eventType)
	if err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			writeNotFound(w, "no events found")
			return
		}
		s.logger.Error("failed to read last event", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to read last event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": ev})
}

// handleRecentEvents returns events from the last N minutes.
//
// Query parameters:
//   - minutes: 1 to 1440 (default 30)
//   - type: movement, obstacle or demo (default obstacle)
//   - limit: 1 to 200 (default 50)
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	deviceID, err := idParam(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	minutes, err := queryInt(r, "minutes", 30, 1, 1440)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", eventlog.DefaultLimit, 1, eventlog.MaxLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	eventType, err := eventTypeParam(r, eventlog.TypeObstacle)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	events, err := s.events.Query(r.Context(), eventlog.Query{
		DeviceID: deviceID,
		Type:     eventType,
		Since:    time.Now().UTC().Add(-time.Duration(minutes) * time.Minute),
		Limit:    limit,
	})
	if err != nil {
		s.logger.Error("failed to query recent events", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to query events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"device_id": deviceID,
		"minutes":   minutes,
		"events":    events,
		"count":     len(events),
	})
}

// handleEventStats aggregates movement events per status over N days.
func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	deviceID, err := idParam(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	days, err := queryInt(r, "days", 7, 1, 365)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	stats, err := s.events.MovementStats(r.Context(), deviceID, since)
	if err != nil {
		s.logger.Error("failed to compute movement stats", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to compute stats")
		return
	}
	total := 0
	for _, st := range stats {
		total += st.Count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"device_id": deviceID,
		"days":      days,
		"total":     total,
		"stats":     stats,
	})
}

// handleListDemos returns the newest demos for a device.
func (s *Server) handleListDemos(w http.ResponseWriter, r *http.Request) {
	deviceID, err := idParam(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	demos, err := s.events.ListDemos(r.Context(), deviceID)
	if err != nil {
		s.logger.Error("failed to list demos", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to list demos")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"device_id": deviceID,
		"demos":     demos,
		"count":     len(demos),
	})
}

// handleOperationalStatuses lists the movement status table.
func (s *Server) handleOperationalStatuses(w http.ResponseWriter, r *http.Request) {
	rows, err := s.events.OperationalStatuses(r.Context())
	if err != nil {
		s.logger.Error("failed to read operational statuses", "error", err)
		writeInternalError(w, "failed to read statuses")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "statuses": rows, "count": len(rows)})
}

// handleObstacleStatuses lists the obstacle status table.
func (s *Server) handleObstacleStatuses(w http.ResponseWriter, r *http.Request) {
	rows, err := s.events.ObstacleStatuses(r.Context())
	if err != nil {
		s.logger.Error("failed to read obstacle statuses", "error", err)
		writeInternalError(w, "failed to read statuses")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "statuses": rows, "count": len(rows)})
}

// handleListCommands lists the command catalog.
func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"commands": catalog.Movements(),
		"obstacle_thresholds_cm": map[string]int{
			"near": catalog.NearThresholdCm,
			"far":  catalog.FarThresholdCm,
		},
	})
}
