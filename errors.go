package vcrypto

import (
	"errors"
	"fmt"

	"github.com/slackhq/vcrypto/header"
	"github.com/slackhq/vcrypto/virtqueue"
)

var (
	// ErrBackpressure matches every error that means "try again later": the
	// queue is out of descriptors or the cookie pool is empty.
	ErrBackpressure = errors.New("queue is full")

	// ErrCookiePoolEmpty is returned when every cookie of a data queue is in
	// flight.
	ErrCookiePoolEmpty = &backpressureError{msg: "cookie pool is empty"}

	// ErrInvalidOp is returned when an operation fails validation. Nothing
	// was enqueued.
	ErrInvalidOp = errors.New("invalid operation")

	// ErrSessionOp matches every control command the device refused.
	ErrSessionOp = errors.New("session operation failed")

	// ErrControlTimeout is returned when the device did not complete a
	// control command in time or the context was canceled.
	ErrControlTimeout = errors.New("control command timed out")

	// ErrControlQueueWedged is returned by every control command after one
	// timed out. The device still owns the scratch buffer of the control
	// queue, the device has to be stopped and set up again.
	ErrControlQueueWedged = errors.New("control queue is wedged")

	// ErrFeatureNegotiation is returned when the device does not offer a
	// required feature or refuses the negotiated ones.
	ErrFeatureNegotiation = errors.New("feature negotiation failed")

	// ErrDeviceNotReady is returned when the device does not report itself
	// ready in its configuration space.
	ErrDeviceNotReady = errors.New("device is not ready")

	// ErrQueueNotAvailable is returned when the device reports a size of 0
	// for a queue.
	ErrQueueNotAvailable = errors.New("queue does not exist")

	// ErrNotSetUp is returned when queues are used before [Device.Setup].
	ErrNotSetUp = errors.New("device queues are not set up")

	// ErrNotStarted is returned when sessions are managed before
	// [Device.Start].
	ErrNotStarted = errors.New("device is not started")
)

type backpressureError struct {
	msg string
}

func (e *backpressureError) Error() string {
	return e.msg
}

func (e *backpressureError) Is(target error) bool {
	return target == ErrBackpressure
}

// IsBackpressure reports whether err means the queue is temporarily full.
func IsBackpressure(err error) bool {
	return errors.Is(err, ErrBackpressure) || errors.Is(err, virtqueue.ErrNotEnoughFreeDescriptors)
}

// StatusError is a device status other than OK for a control command.
type StatusError struct {
	Opcode header.Opcode
	Status header.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: device returned status %s", e.Opcode, e.Status)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrSessionOp
}

func invalidOp(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOp, fmt.Sprintf(format, args...))
}
