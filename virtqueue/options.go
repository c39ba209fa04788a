package virtqueue

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

type optionValues struct {
	packed           bool
	weakBarriers     bool
	indirect         bool
	eventIndex       bool
	notificationData bool
	alignment        int
	limit            int
	notify           NotifyFunc
	l                *logrus.Logger
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate(queueSize int) error {
	if err := checkAlignment(o.alignment); err != nil {
		return err
	}
	if o.limit < 0 || o.limit > queueSize {
		return fmt.Errorf("descriptor limit %d is outside of 1..%d", o.limit, queueSize)
	}
	if o.l == nil {
		return errors.New("logger is required")
	}
	return nil
}

var optionDefaults = optionValues{
	weakBarriers: true,
	alignment:    VringAlign,
}

// Option can be passed to [New] to influence queue creation.
type Option func(*optionValues)

// WithPacked returns an [Option] that selects the packed ring layout. It must
// only be used when [virtio.FeatureRingPacked] was negotiated.
func WithPacked(packed bool) Option {
	return func(o *optionValues) { o.packed = packed }
}

// WithWeakBarriers returns an [Option] that controls whether weak memory
// barriers are enough. Pass false when [virtio.FeatureOrderPlatform] was
// negotiated. Defaults to true.
func WithWeakBarriers(weak bool) Option {
	return func(o *optionValues) { o.weakBarriers = weak }
}

// WithIndirect returns an [Option] that allows [Virtqueue.EnqueueIndirect].
// It must only be used when [virtio.FeatureIndirectDescriptors] was
// negotiated.
func WithIndirect(indirect bool) Option {
	return func(o *optionValues) { o.indirect = indirect }
}

// WithEventIndex returns an [Option] that enables event index based
// notification suppression ([virtio.FeatureEventIndex]).
func WithEventIndex(eventIndex bool) Option {
	return func(o *optionValues) { o.eventIndex = eventIndex }
}

// WithNotificationData returns an [Option] that makes [Virtqueue.Kick] pass
// the notification data word instead of the bare queue index
// ([virtio.FeatureNotificationData]).
func WithNotificationData(notificationData bool) Option {
	return func(o *optionValues) { o.notificationData = notificationData }
}

// WithAlignment returns an [Option] that sets the alignment of the ring
// parts. Defaults to [VringAlign].
func WithAlignment(alignment int) Option {
	return func(o *optionValues) { o.alignment = alignment }
}

// WithDescriptorLimit returns an [Option] that only makes the first limit
// descriptors of the queue usable. 0, the default, uses the whole queue.
func WithDescriptorLimit(limit int) Option {
	return func(o *optionValues) { o.limit = limit }
}

// WithNotifier returns an [Option] that sets the function used to notify the
// device. It can also be set later with [Virtqueue.SetNotifier].
func WithNotifier(notify NotifyFunc) Option {
	return func(o *optionValues) { o.notify = notify }
}

// WithLogger returns an [Option] that sets the logger for device protocol
// violations and broken invariants.
func WithLogger(l *logrus.Logger) Option {
	return func(o *optionValues) { o.l = l }
}
