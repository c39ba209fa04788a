package virtqueue

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would contain
	// no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full. This is backpressure, the
	// caller should retry later.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrChainTooLong is returned when a descriptor chain could never fit into
	// the queue or the indirect table, no matter how many descriptors are free.
	ErrChainTooLong = errors.New("descriptor chain is too long")

	// ErrInvariant is returned when the bookkeeping of the queue is found to
	// be inconsistent. This always points to a bug in the driver.
	ErrInvariant = errors.New("virtqueue invariant violated")

	// ErrUsedIndexOverrun is returned when the device moved the used index
	// further than the queue has entries.
	ErrUsedIndexOverrun = errors.New("device used index overran the ring")
)

// descriptorTableSize is the number of bytes needed to store a
// [DescriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a [DescriptorTable]
// in memory, as required by the virtio spec.
const descriptorTableAlignment = 16

// DescriptorTable is a table that holds [Descriptor]s, addressed via their
// index in the slice. Unused descriptors form the free list, a singly linked
// list threaded through their next fields.
type DescriptorTable struct {
	descriptors []Descriptor

	// freeHeadIndex is the first descriptor of the free list, or ChainEnd
	// when all descriptors are in use.
	freeHeadIndex uint16
	// freeTailIndex is the last descriptor of the free list, or ChainEnd.
	// Reclaimed chains are appended behind it.
	freeTailIndex uint16
	// freeNum tracks the number of descriptors which are currently not in use.
	freeNum uint16
}

// newDescriptorTable creates a descriptor table that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// descriptor table (see [descriptorTableSize]) for the given queue size.
//
// Before this descriptor table can be used, [DescriptorTable.reset] must be
// called.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	return &DescriptorTable{
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
		// We have no free descriptors until they were initialized.
		freeHeadIndex: ChainEnd,
		freeTailIndex: ChainEnd,
	}
}

// Address returns the pointer to the beginning of the descriptor table in
// memory. Do not modify the memory directly to not interfere with this
// implementation.
func (dt *DescriptorTable) Address() uintptr {
	if dt.descriptors == nil {
		panic("descriptor table is not initialized")
	}
	return uintptr(unsafe.Pointer(&dt.descriptors[0]))
}

// reset chains the first limit descriptors into the free list in index order
// and terminates the list with [ChainEnd]. The remaining descriptors are never
// handed out.
func (dt *DescriptorTable) reset(limit int) {
	for i := range dt.descriptors {
		dt.descriptors[i] = Descriptor{next: uint16(i + 1)}
	}
	dt.descriptors[limit-1].next = ChainEnd

	dt.freeHeadIndex = 0
	dt.freeTailIndex = uint16(limit - 1)
	dt.freeNum = uint16(limit)
}

// allocChain pops n descriptors off the free list. They stay linked through
// their next fields, so the chain is already threaded. The head index is
// returned.
//
// When fewer than n descriptors are free, [ErrNotEnoughFreeDescriptors] is
// returned and nothing is changed.
func (dt *DescriptorTable) allocChain(n int) (uint16, error) {
	if n <= 0 {
		return 0, ErrDescriptorChainEmpty
	}
	if n > int(dt.freeNum) {
		return 0, ErrNotEnoughFreeDescriptors
	}

	head := dt.freeHeadIndex
	if int(head) >= len(dt.descriptors) {
		return 0, violation(fmt.Errorf("%w: free list head is %d but %d descriptors are free",
			ErrInvariant, head, dt.freeNum))
	}

	tail := head
	for i := 1; i < n; i++ {
		tail = dt.descriptors[tail].next
		if int(tail) >= len(dt.descriptors) {
			return 0, violation(fmt.Errorf("%w: free list ends after %d descriptors but %d are free",
				ErrInvariant, i, dt.freeNum))
		}
	}

	dt.freeHeadIndex = dt.descriptors[tail].next
	if dt.freeHeadIndex == ChainEnd {
		dt.freeTailIndex = ChainEnd
	}
	dt.freeNum -= uint16(n)

	return head, nil
}

// writeChain fills the descriptors of a chain that was just allocated. The
// next fields were set up by the free list and are kept.
func (dt *DescriptorTable) writeChain(head uint16, segments []Segment) {
	index := head
	for i, s := range segments {
		desc := &dt.descriptors[index]
		desc.address = s.Address
		desc.length = s.Length
		desc.flags = s.flags()
		if i < len(segments)-1 {
			desc.flags |= descriptorFlagHasNext
		}
		index = desc.next
	}
}

// writeIndirect turns a single allocated descriptor into a reference to an
// out-of-band descriptor table.
func (dt *DescriptorTable) writeIndirect(head uint16, address uint64, length uint32) {
	desc := &dt.descriptors[head]
	desc.address = address
	desc.length = length
	desc.flags = descriptorFlagIndirect
}

// freeChain walks the chain starting at head along the next flags and
// appends it to the tail of the free list. The number of descriptors found
// must match the recorded chain length, otherwise nothing is reclaimed.
func (dt *DescriptorTable) freeChain(head uint16, recorded uint16) error {
	if int(head) >= len(dt.descriptors) {
		return violation(fmt.Errorf("%w: chain head %d is out of range", ErrInvariant, head))
	}

	count := uint16(1)
	tail := head
	if dt.descriptors[head].flags&descriptorFlagIndirect == 0 {
		for dt.descriptors[tail].flags&descriptorFlagHasNext != 0 {
			tail = dt.descriptors[tail].next
			count++
			if int(tail) >= len(dt.descriptors) || count > recorded {
				return violation(fmt.Errorf("%w: chain at %d is longer than the recorded %d descriptors",
					ErrInvariant, head, recorded))
			}
		}
	}
	if count != recorded {
		return violation(fmt.Errorf("%w: chain at %d has %d descriptors, recorded %d",
			ErrInvariant, head, count, recorded))
	}

	if dt.freeTailIndex == ChainEnd {
		dt.freeHeadIndex = head
	} else {
		dt.descriptors[dt.freeTailIndex].next = head
	}
	dt.freeTailIndex = tail
	dt.descriptors[tail].next = ChainEnd
	dt.freeNum += count

	return nil
}
