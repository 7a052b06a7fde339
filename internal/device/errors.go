package device

import "errors"

var (
	// ErrDeviceNotFound is returned by GetByID for an unknown device.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidName wraps a blank name or one over MaxNameLength runes.
	ErrInvalidName = errors.New("invalid device name")

	// ErrInvalidCoordinates wraps a latitude or longitude out of range.
	ErrInvalidCoordinates = errors.New("invalid coordinates")
)
