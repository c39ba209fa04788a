package virtqueue

import (
	"fmt"
	"unsafe"
)

// eventSuppressionSize is the number of bytes needed to store an
// [EventSuppression] in memory.
const eventSuppressionSize = 4

// eventFlag is the flags field of an [EventSuppression].
type eventFlag uint16

const (
	// eventFlagEnable asks for a notification on every change.
	eventFlagEnable eventFlag = 0
	// eventFlagDisable asks for no notifications at all.
	eventFlagDisable eventFlag = 1
	// eventFlagDescriptor asks for a notification when the ring position in
	// offWrap is reached. Requires [virtio.FeatureEventIndex].
	eventFlagDescriptor eventFlag = 2
)

// EventSuppression is the driver or device event suppression area of a
// packed ring. Each side writes its own and reads the other one.
type EventSuppression struct {
	// offWrap is the ring offset in bits 0-14 and the wrap counter in bit
	// 15, used with [eventFlagDescriptor].
	offWrap uint16
	flags   eventFlag
}

// packedRing is the packed layout: one descriptor ring that both sides write,
// with ownership encoded in the avail and used flag bits.
type packedRing struct {
	size       uint16
	barriers   barriers
	eventIndex bool
	extra      []descExtra

	descriptors []PackedDescriptor
	driverEvent *EventSuppression
	deviceEvent *EventSuppression

	// freeNum counts the ring slots that are not in flight.
	freeNum uint16
	// freeHeadID and freeTailID are the ends of the free buffer id list,
	// threaded through descExtra.next.
	freeHeadID uint16
	freeTailID uint16

	// availIndex is the next slot the driver will fill.
	availIndex uint16
	availWrap  bool
	// cachedFlags holds the avail and used bits that mark a descriptor
	// available in the current driver wrap.
	cachedFlags descriptorFlag

	// usedIndex is the next slot the driver expects a completion in.
	usedIndex uint16
	usedWrap  bool

	// signalled is availIndex at the last notification check.
	signalled uint16
}

func newPackedRing(queueSize, alignment int, mem []byte, extra []descExtra, b barriers, eventIndex bool) *packedRing {
	driverEventStart, deviceEventStart, _ := packedLayout(queueSize, alignment)

	return &packedRing{
		size:        uint16(queueSize),
		barriers:    b,
		eventIndex:  eventIndex,
		extra:       extra,
		descriptors: unsafe.Slice((*PackedDescriptor)(unsafe.Pointer(&mem[0])), queueSize),
		driverEvent: (*EventSuppression)(unsafe.Pointer(&mem[driverEventStart])),
		deviceEvent: (*EventSuppression)(unsafe.Pointer(&mem[deviceEventStart])),
	}
}

func (r *packedRing) reset(limit int) {
	for i := range r.descriptors {
		r.descriptors[i] = PackedDescriptor{id: uint16(i)}
	}

	for i := range limit {
		r.extra[i].next = uint16(i + 1)
	}
	r.extra[limit-1].next = ChainEnd
	r.freeHeadID = 0
	r.freeTailID = uint16(limit - 1)
	r.freeNum = uint16(limit)

	r.availIndex = 0
	r.availWrap = true
	r.cachedFlags = descriptorFlagAvailable
	r.usedIndex = 0
	r.usedWrap = true
	r.signalled = 0

	// Completions are polled.
	r.driverEvent.flags = eventFlagDisable
}

func (r *packedRing) freeCount() int {
	return int(r.freeNum)
}

func (r *packedRing) allocChain(n int) (chain, error) {
	if n <= 0 {
		return chain{}, ErrDescriptorChainEmpty
	}
	if n > int(r.freeNum) {
		return chain{}, ErrNotEnoughFreeDescriptors
	}

	id := r.freeHeadID
	if id >= r.size {
		return chain{}, violation(fmt.Errorf("%w: free id list head is %d but %d descriptors are free",
			ErrInvariant, id, r.freeNum))
	}
	r.freeHeadID = r.extra[id].next
	if r.freeHeadID == ChainEnd {
		r.freeTailID = ChainEnd
	}
	r.extra[id].next = ChainEnd
	r.extra[id].ndescs = uint16(n)

	c := chain{id: id, head: r.availIndex, length: uint16(n), wrap: r.cachedFlags}

	// Packed chains occupy consecutive slots, wrapping at the end of the ring.
	r.availIndex += uint16(n)
	if r.availIndex >= r.size {
		r.availIndex -= r.size
		r.availWrap = !r.availWrap
		r.cachedFlags ^= descriptorFlagAvailable | descriptorFlagUsed
	}
	r.freeNum -= uint16(n)

	return c, nil
}

func (r *packedRing) writeChain(c *chain, segments []Segment) {
	slot := c.head
	wrap := c.wrap
	for i, s := range segments {
		desc := &r.descriptors[slot]
		desc.address = s.Address
		desc.length = s.Length
		desc.id = c.id

		flags := wrap | s.flags()
		if i < len(segments)-1 {
			flags |= descriptorFlagHasNext
		}
		if i == 0 {
			c.headFlags = flags
		} else {
			// The device does not look past the head before it is published.
			desc.flags = flags
		}

		slot++
		if slot == r.size {
			slot = 0
			wrap ^= descriptorFlagAvailable | descriptorFlagUsed
		}
	}
}

func (r *packedRing) writeIndirect(c *chain, address uint64, length uint32) {
	desc := &r.descriptors[c.head]
	desc.address = address
	desc.length = length
	desc.id = c.id
	c.headFlags = c.wrap | descriptorFlagIndirect
}

func (r *packedRing) encodeIndirect(table *IndirectTable, segments []Segment) {
	descriptors := table.packed()
	for i, s := range segments {
		// Entries of a packed indirect table are chained by position.
		descriptors[i] = PackedDescriptor{
			address: s.Address,
			length:  s.Length,
			flags:   s.flags(),
		}
	}
}

func (r *packedRing) publish(c *chain) {
	r.barriers.store((*uint16)(&r.descriptors[c.head].flags), uint16(c.headFlags))
}

// isUsed applies the packed ring predicate: a descriptor is used when its
// avail and used bits are equal to each other and to the driver's used wrap
// counter.
func (r *packedRing) isUsed(flags descriptorFlag) bool {
	avail := flags&descriptorFlagAvailable != 0
	used := flags&descriptorFlagUsed != 0
	return avail == used && used == r.usedWrap
}

func (r *packedRing) consume() (usedEntry, bool, error) {
	desc := &r.descriptors[r.usedIndex]
	flags := descriptorFlag(r.barriers.load((*uint16)(&desc.flags)))
	if !r.isUsed(flags) {
		return usedEntry{}, false, nil
	}

	e := usedEntry{id: desc.id, length: desc.length}
	// A bogus id does not tell how many slots the chain took. Skip one slot.
	skip := uint16(1)
	if e.id < r.size && r.extra[e.id].ndescs != 0 {
		e.valid = true
		skip = r.extra[e.id].ndescs
	}

	r.usedIndex += skip
	if r.usedIndex >= r.size {
		r.usedIndex -= r.size
		r.usedWrap = !r.usedWrap
	}

	return e, true, nil
}

func (r *packedRing) freeChain(id uint16) error {
	if id >= r.size {
		return violation(fmt.Errorf("%w: buffer id %d is out of range", ErrInvariant, id))
	}
	x := &r.extra[id]
	if x.ndescs == 0 {
		return violation(fmt.Errorf("%w: buffer id %d is not in flight", ErrInvariant, id))
	}

	r.freeNum += x.ndescs
	x.ndescs = 0
	x.next = ChainEnd
	if r.freeTailID == ChainEnd {
		r.freeHeadID = id
	} else {
		r.extra[r.freeTailID].next = id
	}
	r.freeTailID = id

	return nil
}

func (r *packedRing) needsNotify() bool {
	r.barriers.mb()

	oldIndex := r.signalled
	newIndex := r.availIndex
	r.signalled = newIndex
	if newIndex < oldIndex {
		oldIndex -= r.size
	}

	flags := eventFlag(r.barriers.load((*uint16)(&r.deviceEvent.flags)))
	switch flags {
	case eventFlagDisable:
		return false
	case eventFlagDescriptor:
		if !r.eventIndex {
			return true
		}
		offWrap := r.barriers.load(&r.deviceEvent.offWrap)
		event := offWrap &^ (1 << 15)
		if (offWrap>>15 == 1) != r.availWrap {
			event -= r.size
		}
		return needEvent(event, newIndex, oldIndex)
	default:
		return true
	}
}

func (r *packedRing) wrapBit() uint32 {
	if r.availWrap {
		return 1
	}
	return 0
}

func (r *packedRing) notificationData(queueIndex uint16) uint32 {
	return uint32(queueIndex) | uint32(r.availIndex&0x7fff)<<16 | r.wrapBit()<<31
}

func (r *packedRing) base() uint32 {
	return uint32(r.availIndex) | r.wrapBit()<<15
}

func (r *packedRing) addresses() Addresses {
	return Addresses{
		Descriptors: uint64(uintptr(unsafe.Pointer(&r.descriptors[0]))),
		Driver:      uint64(uintptr(unsafe.Pointer(r.driverEvent))),
		Device:      uint64(uintptr(unsafe.Pointer(r.deviceEvent))),
	}
}
