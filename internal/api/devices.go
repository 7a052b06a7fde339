package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nerrad567/carrelay/internal/device"
	"github.com/nerrad567/carrelay/internal/infrastructure/statuscache"
)

// registerDeviceRequest is the body of POST /api/devices/register.
type registerDeviceRequest struct {
	DeviceName string   `json:"device_name"`
	ClientIP   string   `json:"client_ip"`
	Country    *string  `json:"country"`
	City       *string  `json:"city"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
}

// handleListDevices returns every known device, newest first.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "devices": devices, "count": len(devices)})
}

// handleListOnlineDevices returns devices with events in the last N minutes.
//
// Query parameters:
//   - minutes: look-back window, 1 to 1440 (default 5)
func (s *Server) handleListOnlineDevices(w http.ResponseWriter, r *http.Request) {
	minutes, err := queryInt(r, "minutes", 5, 1, 1440)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	since := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	devices, err := s.devices.ListOnline(r.Context(), since)
	if err != nil {
		s.logger.Error("failed to list online devices", "error", err)
		writeInternalError(w, "failed to list online devices")
		return
	}
	resp := map[string]any{
		"success": true,
		"devices": devices,
		"count":   len(devices),
		"minutes": minutes,
	}
	// Devices reporting status without commands in the window only show up here.
	if s.status != nil {
		ids, err := s.status.Reporting(r.Context(), since)
		if err != nil {
			s.logger.Warn("failed to list reporting devices", "error", err)
		} else {
			resp["reporting"] = ids
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	dev, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("failed to get device", "device_id", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "device": dev})
}

// handleGetDeviceStatus returns the last status a device reported.
func (s *Server) handleGetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if s.status == nil {
		writeUnavailable(w, "status cache is disabled")
		return
	}

	entry, err := s.status.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, statuscache.ErrNotFound) {
			writeNotFound(w, "no status reported for device")
			return
		}
		s.logger.Error("failed to read cached status", "device_id", id, "error", err)
		writeInternalError(w, "failed to read device status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"device_id":   entry.DeviceID,
		"status":      entry.Status,
		"reported_at": entry.ReportedAt,
	})
}

// handleClearDeviceStatus drops the cached status of a device.
func (s *Server) handleClearDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if s.status == nil {
		writeUnavailable(w, "status cache is disabled")
		return
	}
	if err := s.status.Delete(r.Context(), id); err != nil {
		s.logger.Error("failed to clear cached status", "device_id", id, "error", err)
		writeInternalError(w, "failed to clear device status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "device_id": id})
}

// handleRegisterDevice creates or refreshes a directory entry.
// The caller's address is used when client_ip is omitted.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if !s.decodeBody(w, r, schemaDeviceRegister, &req, false) {
		return
	}
	if req.ClientIP == "" {
		req.ClientIP = clientIP(r)
	}

	dev, err := s.devices.Upsert(r.Context(), device.UpsertParams{
		Name:      req.DeviceName,
		ClientIP:  req.ClientIP,
		Country:   req.Country,
		City:      req.City,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if err != nil {
		if errors.Is(err, device.ErrInvalidName) || errors.Is(err, device.ErrInvalidCoordinates) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		s.logger.Error("failed to register device", "device_name", req.DeviceName, "error", err)
		writeInternalError(w, "failed to register device")
		return
	}

	s.logger.Info("device registered", "device_id", dev.ID, "device_name", dev.Name, "client_ip", dev.ClientIP)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "device": dev})
}
