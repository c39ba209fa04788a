package virtqueue

import (
	"fmt"
	"unsafe"
)

// usedRingFlag is a flag that describes a [UsedRing].
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is used by the host to advise the guest to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization. Guest will still kick when it's out of buffers.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRingAlignment is the minimum alignment of a [UsedRing] in memory, as
// required by the virtio spec.
const usedRingAlignment = 4

// UsedRing is where the device returns descriptor chains once it is done with
// them. Each ring entry is a [UsedElement]. It is only written to by the device
// and read by the driver.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
type UsedRing struct {
	initialized bool

	// flags that describe this ring.
	flags *usedRingFlag
	// ringIndex indicates where the device would put the next entry into the
	// ring (modulo the queue size).
	ringIndex *uint16
	// ring contains the [UsedElement]s. It wraps around at queue size.
	ring []UsedElement
	// availableEvent tells the driver after which available index the device
	// wants to be notified, when [virtio.FeatureEventIndex] was negotiated.
	availableEvent *uint16

	// lastIndex is the internal ringIndex up to which all [UsedElement]s were
	// processed (used_consumed_idx).
	lastIndex uint16
}

// newUsedRing creates a used ring that uses the given underlying memory. The
// length of the memory slice must match the size needed for the ring (see
// [usedRingSize]) for the given queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	return &UsedRing{
		initialized:    true,
		flags:          (*usedRingFlag)(unsafe.Pointer(&mem[0])),
		ringIndex:      (*uint16)(unsafe.Pointer(&mem[2])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
}

// Address returns the pointer to the beginning of the ring in memory.
// Do not modify the memory directly to not interfere with this implementation.
func (r *UsedRing) Address() uintptr {
	if !r.initialized {
		panic("used ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.flags))
}

// availableToTake returns the number of used elements the device published
// that were not taken yet.
func (r *UsedRing) availableToTake(b barriers) int {
	// The 16-bit indexes may wrap. Unsigned subtraction handles that.
	return int(b.load(r.ringIndex) - r.lastIndex)
}

// takeOne returns the next used element, if the device published one. The
// element is read after the index, so it is complete. A device index more
// than a ring ahead of the elements taken cannot be valid. Nothing is taken
// then and [ErrUsedIndexOverrun] is returned.
func (r *UsedRing) takeOne(b barriers) (UsedElement, bool, error) {
	n := r.availableToTake(b)
	if n == 0 {
		return UsedElement{}, false, nil
	}
	if n > len(r.ring) {
		return UsedElement{}, false, fmt.Errorf("%w: %d entries published past %d with a ring of %d",
			ErrUsedIndexOverrun, n, r.lastIndex, len(r.ring))
	}

	out := r.ring[r.lastIndex%uint16(len(r.ring))]
	r.lastIndex++

	return out, true, nil
}

// noNotify reports whether the device asked not to be notified.
func (r *UsedRing) noNotify(b barriers) bool {
	return usedRingFlag(b.load((*uint16)(r.flags)))&usedRingFlagNoNotify != 0
}
