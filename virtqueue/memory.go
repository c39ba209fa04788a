package virtqueue

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is anonymous memory outside of the Go heap. Its address stays
// valid and fixed until it is closed, so it can be handed to a device.
//
// Go does not allow us to ensure a correct alignment of structures or to keep
// the garbage collector away from memory a device still works with.
// Allocating whole pages manually solves both.
type Region struct {
	mem []byte
}

// NewRegion maps a zeroed region of at least size bytes, rounded up to whole
// pages.
func NewRegion(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region size %d is too small", size)
	}

	mem, err := unix.Mmap(-1, 0, align(size, os.Getpagesize()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map region: %w", err)
	}
	return &Region{mem: mem}, nil
}

// Bytes returns the whole region.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Address returns the address of the first byte of the region.
func (r *Region) Address() uint64 {
	return AddressOf(r.mem)
}

// Len returns the size of the region in bytes.
func (r *Region) Len() int {
	return len(r.mem)
}

// Close unmaps the region. It is safe to call Close more than once.
func (r *Region) Close() error {
	if r == nil || r.mem == nil {
		return nil
	}
	if err := unix.Munmap(r.mem); err != nil {
		return fmt.Errorf("unmap region: %w", err)
	}
	r.mem = nil
	return nil
}

// AddressOf returns the address of the first byte of b as the device sees it.
// There is no IOMMU translation in play, so it is the userspace address. The
// memory behind b must stay alive and in place while the device uses it.
func AddressOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}
