package virtqueue

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

var (
	// ErrIndirectUnsupported is returned by [Virtqueue.EnqueueIndirect] when
	// the queue was created without [WithIndirect].
	ErrIndirectUnsupported = errors.New("indirect descriptors were not negotiated")

	// ErrNoNotifier is returned when the device must be notified but the
	// queue has no [NotifyFunc].
	ErrNoNotifier = errors.New("virtqueue has no notifier")
)

// NotifyFunc notifies the device that new chains are available. data is the
// notification data word, see [Virtqueue.NotificationData].
type NotifyFunc func(data uint32) error

// Completion is a descriptor chain the device has finished with.
type Completion struct {
	// ID is the chain id returned by [Virtqueue.Enqueue].
	ID uint16
	// Length is the number of bytes the device reported as written.
	Length uint32
	// Request and Cookie are the values passed when the chain was enqueued.
	Request any
	Cookie  any
}

// Stats are counters of a [Virtqueue]. They are only updated by the goroutine
// owning the queue.
type Stats struct {
	Enqueued  uint64
	Completed uint64
	// Malformed counts completions with an id that is out of range or was not
	// in flight. They are dropped. A poll that finds the device used index
	// overran the ring also counts once and stops.
	Malformed uint64
	// Violations counts internal bookkeeping errors found while reclaiming
	// chains.
	Violations    uint64
	Notifications uint64
	Suppressed    uint64
}

// Virtqueue is the driver side of one virtqueue. It owns the ring memory and
// the descriptor bookkeeping. It is not safe for concurrent use.
type Virtqueue struct {
	index            uint16
	size             int
	limit            int
	packed           bool
	indirect         bool
	notificationData bool

	region *Region
	ring   ring
	extra  []descExtra

	inFlight int
	notify   NotifyFunc
	stats    Stats

	l *logrus.Logger
}

// New creates a virtqueue with the given index and size. The size must be a
// power of 2 no larger than [MaxQueueSize]. The ring memory is allocated
// outside of the Go heap and must be released with [Virtqueue.Close].
func New(index uint16, queueSize int, options ...Option) (_ *Virtqueue, err error) {
	if err = CheckQueueSize(queueSize); err != nil {
		return nil, err
	}

	opts := optionDefaults
	opts.apply(options)
	if opts.l == nil {
		opts.l = logrus.New()
		opts.l.Out = io.Discard
	}
	if err = opts.validate(queueSize); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if opts.limit == 0 {
		opts.limit = queueSize
	}

	region, err := NewRegion(RingSize(queueSize, opts.packed, opts.alignment))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = region.Close()
		}
	}()

	vq := &Virtqueue{
		index:            index,
		size:             queueSize,
		limit:            opts.limit,
		packed:           opts.packed,
		indirect:         opts.indirect,
		notificationData: opts.notificationData,
		region:           region,
		extra:            make([]descExtra, queueSize),
		notify:           opts.notify,
		l:                opts.l,
	}

	b := barriers{weak: opts.weakBarriers}
	if opts.packed {
		vq.ring = newPackedRing(queueSize, opts.alignment, region.Bytes(), vq.extra, b, opts.eventIndex)
	} else {
		vq.ring = newSplitRing(queueSize, opts.alignment, region.Bytes(), vq.extra, b, opts.eventIndex)
	}
	vq.ring.reset(vq.limit)

	return vq, nil
}

// Index returns the queue index.
func (vq *Virtqueue) Index() uint16 {
	return vq.index
}

// Size returns the queue size.
func (vq *Virtqueue) Size() int {
	return vq.size
}

// Packed reports whether the queue uses the packed layout.
func (vq *Virtqueue) Packed() bool {
	return vq.packed
}

// Indirect reports whether indirect chains are allowed.
func (vq *Virtqueue) Indirect() bool {
	return vq.indirect
}

// FreeCount returns the number of descriptors available for new chains.
func (vq *Virtqueue) FreeCount() int {
	return vq.ring.freeCount()
}

// InFlight returns the number of chains owned by the device.
func (vq *Virtqueue) InFlight() int {
	return vq.inFlight
}

// Stats returns a copy of the queue counters.
func (vq *Virtqueue) Stats() Stats {
	return vq.stats
}

// Addresses returns the addresses a transport registers with the device.
func (vq *Virtqueue) Addresses() Addresses {
	return vq.ring.addresses()
}

// Memory returns the address and size of the ring memory, for transports
// that need to map it for the device.
func (vq *Virtqueue) Memory() (uint64, int) {
	return vq.region.Address(), vq.region.Len()
}

// RingBase returns the ring state the device starts from: the available index
// for split rings, the available index with the wrap counter in bit 15 for
// packed rings.
func (vq *Virtqueue) RingBase() uint32 {
	return vq.ring.base()
}

// SetNotifier replaces the function used to notify the device.
func (vq *Virtqueue) SetNotifier(notify NotifyFunc) {
	vq.notify = notify
}

// Enqueue hands a chain of segments to the device. Device-readable segments
// must come before device-writable ones. The returned id identifies the chain
// in its [Completion], which carries request and cookie back.
//
// When not enough descriptors are free, [ErrNotEnoughFreeDescriptors] is
// returned and the queue is unchanged. The device is not notified, see
// [Virtqueue.Notify].
func (vq *Virtqueue) Enqueue(segments []Segment, request, cookie any) (uint16, error) {
	if len(segments) == 0 {
		return 0, ErrDescriptorChainEmpty
	}
	if len(segments) > vq.limit {
		return 0, fmt.Errorf("%w: %d segments in a queue of %d descriptors", ErrChainTooLong, len(segments), vq.limit)
	}

	c, err := vq.ring.allocChain(len(segments))
	if err != nil {
		return 0, err
	}
	vq.ring.writeChain(&c, segments)
	return vq.commit(&c, request, cookie), nil
}

// EnqueueIndirect hands a chain of segments to the device using a single ring
// descriptor. The segments are written to table, which must stay untouched
// until the chain completes.
func (vq *Virtqueue) EnqueueIndirect(table *IndirectTable, segments []Segment, request, cookie any) (uint16, error) {
	if !vq.indirect {
		return 0, ErrIndirectUnsupported
	}
	if len(segments) == 0 {
		return 0, ErrDescriptorChainEmpty
	}
	if len(segments) > table.Capacity() {
		return 0, fmt.Errorf("%w: %d segments in an indirect table of %d", ErrChainTooLong, len(segments), table.Capacity())
	}

	c, err := vq.ring.allocChain(1)
	if err != nil {
		return 0, err
	}
	vq.ring.encodeIndirect(table, segments)
	vq.ring.writeIndirect(&c, table.Address(), uint32(len(segments)*descriptorSize))
	return vq.commit(&c, request, cookie), nil
}

func (vq *Virtqueue) commit(c *chain, request, cookie any) uint16 {
	x := &vq.extra[c.id]
	x.request = request
	x.cookie = cookie

	vq.ring.publish(c)
	vq.inFlight++
	vq.stats.Enqueued++
	return c.id
}

// PollUsed collects up to max completions the device has published, oldest
// first, and reclaims their descriptors. A max of 0 or less collects all of
// them. Completions the device returned for unknown chains are logged and
// dropped. A used index too far ahead ends the poll without taking anything.
func (vq *Virtqueue) PollUsed(max int) []Completion {
	var out []Completion
	for max <= 0 || len(out) < max {
		e, ok, err := vq.ring.consume()
		if err != nil {
			vq.stats.Malformed++
			vq.l.WithError(err).WithField("queue", vq.index).Warn("Device published a used index that is not plausible")
			break
		}
		if !ok {
			break
		}

		if !e.valid {
			vq.stats.Malformed++
			vq.l.WithField("queue", vq.index).
				WithField("id", e.id).
				WithField("length", e.length).
				Warn("Device returned a chain that is not in flight")
			continue
		}

		x := &vq.extra[e.id]
		c := Completion{ID: e.id, Length: e.length, Request: x.request, Cookie: x.cookie}
		x.request = nil
		x.cookie = nil

		if err := vq.ring.freeChain(e.id); err != nil {
			vq.stats.Violations++
			vq.l.WithError(err).WithField("queue", vq.index).Error("Failed to reclaim descriptor chain")
		}

		vq.inFlight--
		vq.stats.Completed++
		out = append(out, c)
	}
	return out
}

// NeedsNotify reports whether the device asked to be notified about the
// chains published since the last call.
func (vq *Virtqueue) NeedsNotify() bool {
	return vq.ring.needsNotify()
}

// NotificationData returns the word a transport passes with a notification.
// The queue index is in bits 0-15. Bits 16-31 hold the next available index,
// for packed rings 15 bits of it with the wrap counter in bit 31.
func (vq *Virtqueue) NotificationData() uint32 {
	return vq.ring.notificationData(vq.index)
}

// Notify notifies the device unless it suppressed notifications.
func (vq *Virtqueue) Notify() error {
	if !vq.NeedsNotify() {
		vq.stats.Suppressed++
		return nil
	}
	return vq.Kick()
}

// Kick notifies the device unconditionally.
func (vq *Virtqueue) Kick() error {
	if vq.notify == nil {
		return ErrNoNotifier
	}
	data := uint32(vq.index)
	if vq.notificationData {
		data = vq.NotificationData()
	}
	vq.stats.Notifications++
	if err := vq.notify(data); err != nil {
		return fmt.Errorf("notify queue %d: %w", vq.index, err)
	}
	return nil
}

// DetachUnused returns the chains that are still in flight, in id order, and
// resets the queue. The device must be stopped.
func (vq *Virtqueue) DetachUnused() []Completion {
	var out []Completion
	for id := range vq.extra {
		x := &vq.extra[id]
		if x.ndescs == 0 {
			continue
		}
		out = append(out, Completion{ID: uint16(id), Request: x.request, Cookie: x.cookie})
	}

	vq.Reset()
	return out
}

// Reset clears the ring memory and returns every descriptor to the free list.
// Chains in flight are forgotten. The device must be stopped.
func (vq *Virtqueue) Reset() {
	clear(vq.region.Bytes())
	clear(vq.extra)
	vq.ring.reset(vq.limit)
	vq.inFlight = 0
}

// Close releases the ring memory. The device must no longer use the queue.
func (vq *Virtqueue) Close() error {
	return vq.region.Close()
}
