package vhost

import (
	"errors"
	"fmt"
	"slices"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrNotMapped is returned when a range that was never mapped is unmapped.
var ErrNotMapped = errors.New("memory region is not mapped")

const (
	// iotlbMessageV2 is the type of an [IOTLBMessage].
	// Kernel name: VHOST_IOTLB_MSG_V2
	iotlbMessageV2 = 0x2

	// Kernel name: VHOST_IOTLB_UPDATE
	iotlbUpdate = 2
	// Kernel name: VHOST_IOTLB_INVALIDATE
	iotlbInvalidate = 3

	// Kernel name: VHOST_ACCESS_RW
	accessReadWrite = 0x3
)

// IOTLBMessage adds or removes a DMA mapping of a vDPA device. It is written
// to the control file descriptor.
//
// Kernel name: vhost_msg_v2 with a vhost_iotlb_msg payload
type IOTLBMessage struct {
	Type uint32
	// ASID is the address space, always 0.
	ASID uint32
	// IOVA is the address the device uses for the memory.
	IOVA uint64
	Size uint64
	// UserspaceAddress is where the memory can be found in this process.
	UserspaceAddress uint64
	Permissions      uint8
	MessageType      uint8
	// The kernel union is 64 bytes large.
	_ [38]byte
}

// MemoryRegion describes a range of userspace memory which is being made
// accessible to a vhost device.
type MemoryRegion struct {
	// IOVA is the address of the memory region as seen by the device. No
	// translation is in play here, so it is the same as UserspaceAddress.
	IOVA uint64
	// Size is the size of the memory region.
	Size uint64
	// UserspaceAddress is the virtual address in the userspace of the host
	// where the memory region can be found.
	UserspaceAddress uint64
}

func (r MemoryRegion) contains(address, size uint64) bool {
	return address >= r.IOVA && address+size <= r.IOVA+r.Size
}

// MemoryLayout is the list of [MemoryRegion]s mapped for a device, sorted by
// address.
type MemoryLayout []MemoryRegion

// Contains reports whether the range is covered by one mapped region.
func (layout MemoryLayout) Contains(address, size uint64) bool {
	for _, r := range layout {
		if r.contains(address, size) {
			return true
		}
	}
	return false
}

// add records a region. It reports false when the exact range is already
// mapped.
func (layout *MemoryLayout) add(r MemoryRegion) bool {
	i, found := slices.BinarySearchFunc(*layout, r.IOVA, func(e MemoryRegion, address uint64) int {
		switch {
		case e.IOVA < address:
			return -1
		case e.IOVA > address:
			return 1
		}
		return 0
	})
	if found && (*layout)[i].Size == r.Size {
		return false
	}
	*layout = slices.Insert(*layout, i, r)
	return true
}

// remove forgets the region with the given address and size.
func (layout *MemoryLayout) remove(address, size uint64) bool {
	i := slices.IndexFunc(*layout, func(e MemoryRegion) bool {
		return e.IOVA == address && e.Size == size
	})
	if i < 0 {
		return false
	}
	*layout = slices.Delete(*layout, i, i+1)
	return true
}

func newIOTLBMessage(messageType uint8, address, size uint64) IOTLBMessage {
	msg := IOTLBMessage{
		Type:        iotlbMessageV2,
		IOVA:        address,
		Size:        size,
		MessageType: messageType,
	}
	if messageType == iotlbUpdate {
		msg.UserspaceAddress = address
		msg.Permissions = accessReadWrite
	}
	return msg
}

// writeIOTLBMessage sends one message to the kernel.
func writeIOTLBMessage(controlFD int, msg IOTLBMessage) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(&msg)), unsafe.Sizeof(msg))
	n, err := unix.Write(controlFD, b)
	if err != nil {
		return fmt.Errorf("write iotlb message: %w", err)
	}
	if n != len(b) {
		return fmt.Errorf("short iotlb message write: %d of %d bytes", n, len(b))
	}
	return nil
}

// MapMemory makes userspace memory accessible for DMA by the device with the
// identity mapping.
func MapMemory(controlFD int, address, size uint64) error {
	if err := writeIOTLBMessage(controlFD, newIOTLBMessage(iotlbUpdate, address, size)); err != nil {
		return fmt.Errorf("map %#x+%d: %w", address, size, err)
	}
	return nil
}

// UnmapMemory removes a mapping created with [MapMemory].
func UnmapMemory(controlFD int, address, size uint64) error {
	if err := writeIOTLBMessage(controlFD, newIOTLBMessage(iotlbInvalidate, address, size)); err != nil {
		return fmt.Errorf("unmap %#x+%d: %w", address, size, err)
	}
	return nil
}
