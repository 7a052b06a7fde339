package mqtt

import (
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	// ErrDisabled is returned by Connect when mqtt.enabled is false.
	ErrDisabled = errors.New("mqtt: disabled in configuration")

	// ErrUnreachable wraps a failed first connect.
	ErrUnreachable = errors.New("mqtt: broker unreachable")

	// ErrNotConnected is returned while the firmware link is down.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrTimeout means the broker did not acknowledge in time.
	ErrTimeout = errors.New("mqtt: broker acknowledgement timed out")

	// ErrRejected wraps an error reported on a broker token.
	ErrRejected = errors.New("mqtt: rejected by broker")

	ErrInvalidTopic    = errors.New("mqtt: topic cannot be empty")
	ErrInvalidQoS      = errors.New("mqtt: QoS must be 0, 1 or 2")
	ErrNilHandler      = errors.New("mqtt: handler cannot be nil")
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")
)

// await waits for a paho token and maps the outcome onto the sentinels above.
// op names the operation in the returned error.
func await(op string, token pahomqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%s: %w after %v", op, ErrTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrRejected, err)
	}
	return nil
}
