package api

import (
	"net/http"

	"github.com/nerrad567/carrelay/internal/dispatch"
	"github.com/nerrad567/carrelay/internal/eventlog"
)

// Origins recorded in event meta by the HTTP surface.
const (
	OriginREST       = "web_rest"
	OriginSimulation = "simulation"
	OriginWebSocket  = "websocket"
)

// defaultSimulatedDistanceCm is used when a simulation omits distance_cm.
const defaultSimulatedDistanceCm = 10

type sendMovementRequest struct {
	DeviceID   int64         `json:"device_id"`
	Command    string        `json:"command"`
	DurationMs int           `json:"duration_ms"`
	Meta       eventlog.Meta `json:"meta"`
}

type sequenceStep struct {
	Command  string `json:"command"`
	Duration int    `json:"duration"`
}

type sendSequenceRequest struct {
	DeviceID int64          `json:"device_id"`
	Sequence []sequenceStep `json:"sequence"`
	Name     string         `json:"name"`
}

type simulateObstacleRequest struct {
	DeviceID   int64  `json:"device_id"`
	DistanceCm *int   `json:"distance_cm"`
	Timestamp  string `json:"timestamp"`
}

type repeatDemoRequest struct {
	Repeats int `json:"repeats"`
}

// handleSendMovement records one movement and pushes it to the device room.
func (s *Server) handleSendMovement(w http.ResponseWriter, r *http.Request) {
	var req sendMovementRequest
	if !s.decodeBody(w, r, schemaMovementSend, &req, false) {
		return
	}

	res := s.dispatcher.DispatchMovement(r.Context(), dispatch.MovementRequest{
		DeviceID:   req.DeviceID,
		Command:    req.Command,
		DurationMs: req.DurationMs,
		Meta:       req.Meta,
		Origin:     OriginREST,
	})
	writeResult(w, res)
}

// handleSendSequence stores a demo. One unknown command rejects all of it.
func (s *Server) handleSendSequence(w http.ResponseWriter, r *http.Request) {
	var req sendSequenceRequest
	if !s.decodeBody(w, r, schemaMovementSequence, &req, false) {
		return
	}

	items := make([]dispatch.SequenceItem, len(req.Sequence))
	for i, step := range req.Sequence {
		items[i] = dispatch.SequenceItem{Command: step.Command, DurationMs: step.Duration}
	}
	res := s.dispatcher.DispatchSequence(r.Context(), dispatch.SequenceRequest{
		DeviceID: req.DeviceID,
		Items:    items,
		Name:     req.Name,
	})
	writeResult(w, res)
}

// handleSimulateObstacle records an obstacle derived from a distance reading.
func (s *Server) handleSimulateObstacle(w http.ResponseWriter, r *http.Request) {
	var req simulateObstacleRequest
	if !s.decodeBody(w, r, schemaSimulateObstacle, &req, false) {
		return
	}
	if req.DistanceCm == nil {
		d := defaultSimulatedDistanceCm
		req.DistanceCm = &d
	}

	res := s.dispatcher.DispatchObstacle(r.Context(), dispatch.ObstacleRequest{
		DeviceID:   req.DeviceID,
		DistanceCm: req.DistanceCm,
		Timestamp:  req.Timestamp,
		Origin:     OriginSimulation,
	})
	writeResult(w, res)
}

// handleRepeatDemo replays a stored demo. The body is optional.
func (s *Server) handleRepeatDemo(w http.ResponseWriter, r *http.Request) {
	demoID, err := idParam(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req repeatDemoRequest
	if !s.decodeBody(w, r, schemaDemoRepeat, &req, true) {
		return
	}

	writeResult(w, s.dispatcher.RepeatDemo(r.Context(), demoID, req.Repeats))
}
