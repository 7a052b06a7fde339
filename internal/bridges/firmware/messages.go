package firmware

import (
	"time"

	"github.com/nerrad567/carrelay/internal/eventlog"
)

// CommandMessage is published on {prefix}/devices/{id}/command.
type CommandMessage struct {
	DeviceID    int64         `json:"device_id"`
	Command     string        `json:"command"`
	StatusClave int           `json:"status_clave"`
	DurationMs  int           `json:"duration_ms"`
	Meta        eventlog.Meta `json:"meta"`
	SentAt      time.Time     `json:"sent_at"`
}

// SequenceStep is one move of a SequenceMessage.
type SequenceStep struct {
	Command     string `json:"command"`
	StatusClave int    `json:"status_clave"`
	DurationMs  int    `json:"duration_ms"`
}

// SequenceMessage is published on {prefix}/devices/{id}/sequence.
type SequenceMessage struct {
	DeviceID int64          `json:"device_id"`
	DemoID   int64          `json:"demo_id"`
	Name     string         `json:"demo_name"`
	Moves    []SequenceStep `json:"moves"`
	Repeats  int            `json:"repeats"`
	SentAt   time.Time      `json:"sent_at"`
}

// ObstacleMessage is received on {prefix}/devices/{id}/obstacle.
// Firmware sends either a measured distance or an obstacle status code.
type ObstacleMessage struct {
	StatusClave *int          `json:"status_clave"`
	DistanceCm  *int          `json:"distance_cm"`
	Timestamp   string        `json:"timestamp"`
	Meta        eventlog.Meta `json:"meta"`
}
