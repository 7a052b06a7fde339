package eventlog

import (
	"context"
	"time"
)

// EventType classifies a ledger entry.
type EventType string

// Event types.
const (
	TypeMovement EventType = "movement"
	TypeObstacle EventType = "obstacle"
	TypeDemo     EventType = "demo"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case TypeMovement, TypeObstacle, TypeDemo:
		return true
	}
	return false
}

// Event is one immutable ledger row.
type Event struct {
	ID          int64     `json:"id"`
	DeviceID    int64     `json:"device_id"`
	Type        EventType `json:"event_type"`
	StatusClave int       `json:"status_clave"`
	// StatusDescription is joined from the status tables on read.
	StatusDescription string    `json:"status_description,omitempty"`
	DemoID            *int64    `json:"demo_id"`
	Meta              Meta      `json:"meta"`
	CreatedAt         time.Time `json:"event_ts"`
}

// NewEvent is the input to InsertEvent. The timestamp is assigned by the store.
type NewEvent struct {
	DeviceID    int64
	Type        EventType
	StatusClave int
	Meta        Meta
	DemoID      *int64
}

// Move is one step of a demo.
type Move struct {
	StatusClave int `json:"status_clave"`
	DurationMs  int `json:"duration_ms"`
}

// Demo is a named, ordered list of moves stored as one record.
type Demo struct {
	ID        int64     `json:"demo_id"`
	DeviceID  int64     `json:"device_id"`
	Name      string    `json:"demo_name"`
	Moves     []Move    `json:"moves"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusStats aggregates one status code for a device.
type StatusStats struct {
	StatusClave     int       `json:"status_clave"`
	StatusText      string    `json:"status_texto"`
	Count           int       `json:"count"`
	FirstOccurrence time.Time `json:"first_occurrence"`
	LastOccurrence  time.Time `json:"last_occurrence"`
}

// StatusRow is one row of a status lookup table.
type StatusRow struct {
	StatusClave int    `json:"status_clave"`
	StatusText  string `json:"status_texto"`
	Description string `json:"description"`
}

// Query selects events for one device, newest first.
type Query struct {
	DeviceID int64
	// Type filters by event type when non-empty.
	Type EventType
	// Since drops events created before it when non-zero.
	Since time.Time
	// Limit is clamped to [1, MaxLimit]; zero means DefaultLimit.
	Limit int
}

// Query limits.
const (
	DefaultLimit = 50
	MaxLimit     = 200
	// DemoListLimit is how many demos ListDemos returns.
	DemoListLimit = 20
)

// Gateway is the write-through ledger the dispatcher depends on.
//
// Implementations must treat each call as atomic: it either fully
// succeeds or leaves no trace.
type Gateway interface {
	// InsertEvent records one event and returns its id.
	InsertEvent(ctx context.Context, e NewEvent) (int64, error)

	// InsertEvents records several events in one transaction.
	InsertEvents(ctx context.Context, events []NewEvent) ([]int64, error)

	// InsertDemo records a demo and returns its id.
	InsertDemo(ctx context.Context, deviceID int64, name string, moves []Move) (int64, error)

	// GetDemo returns one demo, or ErrNotFound.
	GetDemo(ctx context.Context, demoID int64) (*Demo, error)

	// QueryEvents returns up to limit events for a device, newest first.
	QueryEvents(ctx context.Context, deviceID int64, limit int) ([]Event, error)
}

// Store is the full read/write surface used by the HTTP layer and the CLI.
type Store interface {
	Gateway

	// Query returns events matching q, newest first.
	Query(ctx context.Context, q Query) ([]Event, error)

	// LastEvent returns the newest event of type t for a device, or ErrNotFound.
	LastEvent(ctx context.Context, deviceID int64, t EventType) (*Event, error)

	// ListDemos returns the DemoListLimit newest demos for a device.
	ListDemos(ctx context.Context, deviceID int64) ([]Demo, error)

	// MovementStats aggregates movement events per status since the given time.
	MovementStats(ctx context.Context, deviceID int64, since time.Time) ([]StatusStats, error)

	// OperationalStatuses lists the op_status table.
	OperationalStatuses(ctx context.Context) ([]StatusRow, error)

	// ObstacleStatuses lists the obstacle_status table.
	ObstacleStatuses(ctx context.Context) ([]StatusRow, error)

	// PruneEvents deletes events created before the cutoff and returns how many.
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
