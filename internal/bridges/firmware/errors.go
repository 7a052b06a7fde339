package firmware

import "errors"

var (
	// ErrUnexpectedTopic is returned for a message outside the device topics.
	ErrUnexpectedTopic = errors.New("firmware: unexpected topic")

	// ErrRejected is returned when the dispatcher refuses a firmware report.
	ErrRejected = errors.New("firmware: report rejected")
)
