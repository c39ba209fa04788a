package vcrypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// DefaultMaxIVSize is the largest IV accepted when nothing else is configured.
const DefaultMaxIVSize = 16

// DefaultMaxBufferSize is the buffer limit used when the device does not
// report one.
const DefaultMaxBufferSize = 1 << 20

type optionValues struct {
	packed           bool
	indirect         bool
	eventIndex       bool
	notificationData bool

	queueSize  int
	dataQueues int

	controlTimeout time.Duration
	pollInterval   time.Duration
	clock          Clock

	maxIVSize     int
	maxBufferSize int

	registry metrics.Registry
	l        *logrus.Logger
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.l == nil {
		return errors.New("logger is required")
	}
	if o.queueSize < 0 {
		return fmt.Errorf("queue size %d is negative", o.queueSize)
	}
	if o.dataQueues < 0 {
		return fmt.Errorf("data queue count %d is negative", o.dataQueues)
	}
	if o.controlTimeout < 0 || o.pollInterval < 0 {
		return errors.New("control timings must not be negative")
	}
	if o.maxIVSize <= 0 || o.maxIVSize > maxCookieIVSize {
		return fmt.Errorf("max iv size %d is outside of 1..%d", o.maxIVSize, maxCookieIVSize)
	}
	if o.maxBufferSize < 0 {
		return fmt.Errorf("max buffer size %d is negative", o.maxBufferSize)
	}
	if o.clock == nil {
		return errors.New("clock is required")
	}
	return nil
}

var optionDefaults = optionValues{
	packed:    true,
	indirect:  true,
	clock:     systemClock{},
	maxIVSize: DefaultMaxIVSize,
}

// Option can be passed to [New] to influence device setup.
type Option func(*optionValues)

// WithLogger returns an [Option] that sets the logger. This is required.
func WithLogger(l *logrus.Logger) Option {
	return func(o *optionValues) { o.l = l }
}

// WithPacked returns an [Option] that requests the packed ring layout. It is
// used when the device offers it. Defaults to true.
func WithPacked(packed bool) Option {
	return func(o *optionValues) { o.packed = packed }
}

// WithIndirect returns an [Option] that requests indirect descriptors. When
// negotiated, every data operation takes a single ring descriptor. Defaults
// to true.
func WithIndirect(indirect bool) Option {
	return func(o *optionValues) { o.indirect = indirect }
}

// WithEventIndex returns an [Option] that requests event index notification
// suppression. Defaults to false.
func WithEventIndex(eventIndex bool) Option {
	return func(o *optionValues) { o.eventIndex = eventIndex }
}

// WithNotificationData returns an [Option] that requests notification data.
// Defaults to false.
func WithNotificationData(notificationData bool) Option {
	return func(o *optionValues) { o.notificationData = notificationData }
}

// WithQueueSize returns an [Option] that limits the number of descriptors
// used per data queue. 0, the default, or a value above the device maximum
// uses the device maximum.
func WithQueueSize(queueSize int) Option {
	return func(o *optionValues) { o.queueSize = queueSize }
}

// WithDataQueues returns an [Option] that limits the number of data queues
// set up. 0, the default, sets up every data queue of the device.
func WithDataQueues(n int) Option {
	return func(o *optionValues) { o.dataQueues = n }
}

// WithControlTimeout returns an [Option] that bounds the wait for a control
// command. 0, the default, waits forever.
func WithControlTimeout(d time.Duration) Option {
	return func(o *optionValues) { o.controlTimeout = d }
}

// WithPollInterval returns an [Option] that sets the sleep between two
// completion checks of a control command. 0, the default, only yields the
// processor.
func WithPollInterval(d time.Duration) Option {
	return func(o *optionValues) { o.pollInterval = d }
}

// WithClock returns an [Option] that replaces the clock of the control
// command wait loop.
func WithClock(c Clock) Option {
	return func(o *optionValues) { o.clock = c }
}

// WithMaxIVSize returns an [Option] that sets the largest IV accepted by the
// data queues. Defaults to [DefaultMaxIVSize].
func WithMaxIVSize(n int) Option {
	return func(o *optionValues) { o.maxIVSize = n }
}

// WithMaxBufferSize returns an [Option] that sets the largest buffer accepted
// by the data queues. 0, the default, uses the limit reported by the device,
// or [DefaultMaxBufferSize] when it reports none.
func WithMaxBufferSize(n int) Option {
	return func(o *optionValues) { o.maxBufferSize = n }
}

// WithMetricsRegistry returns an [Option] that sets the registry queue
// counters are registered in. Defaults to a private registry.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}
