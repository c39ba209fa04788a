package virtqueue

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// fenceWord is only touched by fullFence.
var fenceWord int64

// fullFence orders every earlier load and store before every later one. A
// locked read-modify-write is a full barrier on every supported architecture.
func fullFence() {
	atomic.AddInt64(&fenceWord, 0)
}

// word16 returns the naturally aligned 32-bit word that contains the 16-bit
// value at p, and the shift of that value inside the word. sync/atomic has no
// 16-bit operations, so ring indexes and flags are accessed through their
// containing word. p must be 2-byte aligned.
func word16(p *uint16) (*uint32, uint) {
	w := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) &^ 3))
	offset := uint(uintptr(unsafe.Pointer(p)) & 3)
	if cpu.IsBigEndian {
		offset = 2 - offset
	}
	return w, offset * 8
}

// loadAcquire16 reads a 16-bit value that the device may write concurrently.
// No later load is reordered before it.
func loadAcquire16(p *uint16) uint16 {
	w, shift := word16(p)
	return uint16(atomic.LoadUint32(w) >> shift)
}

// storeRelease16 writes a 16-bit value that hands ownership to the device.
// No earlier store is reordered after it. The other half of the containing
// word is preserved.
func storeRelease16(p *uint16, v uint16) {
	w, shift := word16(p)
	mask := uint32(0xffff) << shift
	for {
		old := atomic.LoadUint32(w)
		if atomic.CompareAndSwapUint32(w, old, old&^mask|uint32(v)<<shift) {
			return
		}
	}
}

// barriers implements the memory ordering rules for one queue. Weak barriers
// are enough when the device is another CPU of the same coherent system.
// Without them, as required when [virtio.FeatureOrderPlatform] was negotiated,
// every device visible access is preceded by a full fence.
type barriers struct {
	weak bool
}

// load reads a device written field.
func (b barriers) load(p *uint16) uint16 {
	if !b.weak {
		fullFence()
	}
	return loadAcquire16(p)
}

// store writes the field that publishes driver written data to the device.
func (b barriers) store(p *uint16, v uint16) {
	if !b.weak {
		fullFence()
	}
	storeRelease16(p, v)
}

// mb is used before reading the device's notification suppression state.
func (b barriers) mb() {
	fullFence()
}
