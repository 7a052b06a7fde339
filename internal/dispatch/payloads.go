package dispatch

import (
	"time"

	"github.com/nerrad567/carrelay/internal/eventlog"
)

// Pushed event names.
const (
	EventExecuteMovement = "execute_movement"
	EventExecuteSequence = "execute_sequence"
	EventObstacleAlert   = "obstacle_alert"
	EventStatusUpdate    = "status_update"
)

// MovementPayload is pushed to a device room as execute_movement.
type MovementPayload struct {
	DeviceID    int64         `json:"device_id"`
	Command     string        `json:"command"`
	StatusClave int           `json:"status_clave"`
	DurationMs  int           `json:"duration_ms"`
	Meta        eventlog.Meta `json:"meta"`
}

// SequenceMove is one step of an execute_sequence push.
type SequenceMove struct {
	Command     string `json:"command"`
	StatusClave int    `json:"status_clave"`
	DurationMs  int    `json:"duration_ms"`
}

// SequencePayload is pushed to a device room when a demo is replayed.
type SequencePayload struct {
	DeviceID int64          `json:"device_id"`
	DemoID   int64          `json:"demo_id"`
	Name     string         `json:"demo_name"`
	Moves    []SequenceMove `json:"moves"`
	Repeats  int            `json:"repeats"`
}

// DemoCreatedPayload is pushed to a device room as status_update after a
// sequence is stored.
type DemoCreatedPayload struct {
	Type   string `json:"type"`
	DemoID int64  `json:"demo_id"`
	Moves  int    `json:"moves"`
}

// ObstaclePayload is broadcast as obstacle_alert.
type ObstaclePayload struct {
	DeviceID    int64         `json:"device_id"`
	StatusClave int           `json:"status_clave"`
	Meta        eventlog.Meta `json:"meta"`
}

// StatusPayload is broadcast as status_update for a device status report.
type StatusPayload struct {
	DeviceID  int64         `json:"device_id"`
	Status    eventlog.Meta `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}
