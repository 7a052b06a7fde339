package eventlog

import "errors"

var (
	// ErrNotFound is returned when a requested event or demo does not exist.
	ErrNotFound = errors.New("eventlog: not found")

	// ErrInvalidDevice is returned for a non-positive device id.
	ErrInvalidDevice = errors.New("eventlog: device id must be positive")

	// ErrInvalidEventType is returned for an event type outside movement, obstacle and demo.
	ErrInvalidEventType = errors.New("eventlog: invalid event type")

	// ErrEmptyDemo is returned when a demo has no moves.
	ErrEmptyDemo = errors.New("eventlog: demo has no moves")

	// ErrMetaNotObject is returned when meta JSON is not an object.
	ErrMetaNotObject = errors.New("eventlog: meta must be a JSON object")
)
