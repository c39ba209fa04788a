package virtqueue

// descriptorFlag is a flag that describes a [Descriptor] or a
// [PackedDescriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor chain as continuing via the next
	// field (split) or the next ring slot (packed).
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	descriptorFlagWritable
	// descriptorFlagIndirect means the buffer contains a list of buffer
	// descriptors to provide an additional layer of indirection.
	// Only allowed when the [virtio.FeatureIndirectDescriptors] feature was
	// negotiated.
	descriptorFlagIndirect
)

const (
	// descriptorFlagAvailable is the packed ring avail bit.
	descriptorFlagAvailable descriptorFlag = 1 << 7
	// descriptorFlagUsed is the packed ring used bit.
	descriptorFlagUsed descriptorFlag = 1 << 15
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// Descriptor describes (a part of) a buffer which is either read-only for the
// device or write-only for the device (depending on [descriptorFlagWritable]).
// Multiple descriptors can be chained to produce a "descriptor chain" that can
// contain both device-readable and device-writable buffers. Device-readable
// descriptors always come first in a chain.
//
// This is the split ring format. While a descriptor is free its next field
// threads the free list.
type Descriptor struct {
	// address is the device visible address of the buffer.
	address uint64
	// length is the amount of bytes stored at address.
	length uint32
	// flags that describe this descriptor.
	flags descriptorFlag
	// next contains the index of the next descriptor continuing this descriptor
	// chain when the [descriptorFlagHasNext] flag is set.
	next uint16
}

// PackedDescriptor is one slot of a packed ring. Its flags carry the avail
// and used bits that transfer ownership between driver and device.
type PackedDescriptor struct {
	// address is the device visible address of the buffer.
	address uint64
	// length is the amount of bytes stored at address. The device writes the
	// number of bytes it wrote when it marks the descriptor used.
	length uint32
	// id is the buffer id. It is written to the head of a chain by the driver
	// and returned by the device in the used descriptor.
	id uint16
	// flags including the avail and used bits.
	flags descriptorFlag
}

// Segment is one buffer of a descriptor chain as the caller describes it.
type Segment struct {
	// Address is the device visible address of the buffer.
	Address uint64
	// Length of the buffer in bytes.
	Length uint32
	// Writable marks the buffer device write-only.
	Writable bool
}

func (s Segment) flags() descriptorFlag {
	if s.Writable {
		return descriptorFlagWritable
	}
	return 0
}
