package registry

import "errors"

var (
	// ErrUnknownConnection is returned when a connection id is not registered.
	ErrUnknownConnection = errors.New("registry: unknown connection")

	// ErrDuplicateConnection is returned when OnConnect sees an id twice.
	ErrDuplicateConnection = errors.New("registry: duplicate connection id")

	// ErrInvalidDevice is returned for a non-positive device id.
	ErrInvalidDevice = errors.New("registry: device id must be positive")

	// ErrClosed is returned once the registry has been shut down.
	ErrClosed = errors.New("registry: closed")

	// ErrConnClosed is returned by Conn.Send when the transport is gone.
	// The registry removes the connection when it sees it.
	ErrConnClosed = errors.New("registry: connection closed")
)
