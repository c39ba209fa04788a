package virtqueue

import (
	"fmt"
	"unsafe"
)

// IndirectTable is an out-of-band descriptor array referenced by a single
// ring descriptor with the indirect flag. Its memory is owned by the caller,
// typically a per-request scratch buffer, and is not tracked by the free list.
type IndirectTable struct {
	mem []byte
}

// NewIndirectTable uses mem for an indirect table. The length of mem must be
// a multiple of the descriptor size, and mem must be 16-byte aligned and
// outlive every chain that uses it.
func NewIndirectTable(mem []byte) (*IndirectTable, error) {
	if len(mem) == 0 || len(mem)%descriptorSize != 0 {
		return nil, fmt.Errorf("indirect table size %d is not a multiple of %d", len(mem), descriptorSize)
	}
	if AddressOf(mem)%descriptorTableAlignment != 0 {
		return nil, fmt.Errorf("indirect table at %#x is not %d-byte aligned", AddressOf(mem), descriptorTableAlignment)
	}
	return &IndirectTable{mem: mem}, nil
}

// Capacity returns the number of descriptors the table can hold.
func (t *IndirectTable) Capacity() int {
	return len(t.mem) / descriptorSize
}

// Address returns the device visible address of the table.
func (t *IndirectTable) Address() uint64 {
	return AddressOf(t.mem)
}

func (t *IndirectTable) split() []Descriptor {
	return unsafe.Slice((*Descriptor)(unsafe.Pointer(&t.mem[0])), t.Capacity())
}

func (t *IndirectTable) packed() []PackedDescriptor {
	return unsafe.Slice((*PackedDescriptor)(unsafe.Pointer(&t.mem[0])), t.Capacity())
}
