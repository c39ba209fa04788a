package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/slackhq/vcrypto/virtqueue"
	"golang.org/x/sys/cpu"
)

// Ring layout constants as the device sees them.
const (
	descSize = 16

	flagNext     = 1 << 0
	flagWrite    = 1 << 1
	flagIndirect = 1 << 2
	flagAvail    = 1 << 7
	flagUsed     = 1 << 15
)

var errBadChain = errors.New("malformed descriptor chain")

// bytesAt returns n bytes of driver memory at addr. Everything the driver
// hands over lives outside of the Go heap and stays mapped while the queue is
// set up.
func bytesAt(addr uint64, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// load16 reads a 16-bit ring field the driver writes concurrently.
func load16(addr uint64) uint16 {
	w, shift := word16(addr)
	return uint16(atomic.LoadUint32(w) >> shift)
}

// store16 publishes a 16-bit ring field to the driver.
func store16(addr uint64, v uint16) {
	w, shift := word16(addr)
	mask := uint32(0xffff) << shift
	for {
		old := atomic.LoadUint32(w)
		if atomic.CompareAndSwapUint32(w, old, old&^mask|uint32(v)<<shift) {
			return
		}
	}
}

func word16(addr uint64) (*uint32, uint) {
	w := (*uint32)(unsafe.Pointer(uintptr(addr &^ 3)))
	offset := uint(addr & 3)
	if cpu.IsBigEndian {
		offset = 2 - offset
	}
	return w, offset * 8
}

// segment is one buffer of a chain.
type segment struct {
	addr     uint64
	length   uint32
	writable bool
}

// chain is a descriptor chain popped from a ring.
type chain struct {
	id uint16
	// ndescs is the number of ring slots the chain takes.
	ndescs   uint16
	indirect bool
	segments []segment
}

// readable returns the device readable segments.
func (c *chain) readable() []segment {
	for i, s := range c.segments {
		if s.writable {
			return c.segments[:i]
		}
	}
	return c.segments
}

// writable returns the device writable segments.
func (c *chain) writable() []segment {
	return c.segments[len(c.readable()):]
}

// ring is the device side state of one virtqueue.
type ring struct {
	index  uint16
	size   uint16
	packed bool
	addrs  virtqueue.Addresses
	region [2]uint64

	// split
	lastAvail uint16
	usedIndex uint16

	// packed
	availSlot uint16
	availWrap bool
	usedSlot  uint16
	usedWrap  bool
}

func newRing(vq *virtqueue.Virtqueue) *ring {
	base, size := vq.Memory()
	return &ring{
		index:     vq.Index(),
		size:      uint16(vq.Size()),
		packed:    vq.Packed(),
		addrs:     vq.Addresses(),
		region:    [2]uint64{base, base + uint64(size)},
		availWrap: true,
		usedWrap:  true,
	}
}

func (r *ring) pop() ([]chain, error) {
	if r.packed {
		return r.popPacked()
	}
	return r.popSplit()
}

// desc reads the four fields of a descriptor. The 16-bit fields are flags
// and next for split rings, id and flags for packed rings.
func desc(addr uint64) (uint64, uint32, uint16, uint16) {
	b := bytesAt(addr, descSize)
	ne := binary.NativeEndian
	return ne.Uint64(b[0:8]), ne.Uint32(b[8:12]), ne.Uint16(b[12:14]), ne.Uint16(b[14:16])
}

func (r *ring) popSplit() ([]chain, error) {
	var out []chain
	end := load16(r.addrs.Driver + 2)
	for ; r.lastAvail != end; r.lastAvail++ {
		head := load16(r.addrs.Driver + 4 + 2*uint64(r.lastAvail%r.size))
		if head >= r.size {
			return out, fmt.Errorf("%w: head %d", errBadChain, head)
		}

		c := chain{id: head}
		for index, n := head, 0; ; n++ {
			if n >= int(r.size) {
				return out, fmt.Errorf("%w: loop at head %d", errBadChain, head)
			}
			addr, length, flags, next := desc(r.addrs.Descriptors + uint64(index)*descSize)
			c.ndescs++
			if flags&flagIndirect != 0 {
				c.indirect = true
				segs, err := splitIndirect(addr, length)
				if err != nil {
					return out, err
				}
				c.segments = append(c.segments, segs...)
			} else {
				c.segments = append(c.segments, segment{addr: addr, length: length, writable: flags&flagWrite != 0})
			}
			if flags&flagNext == 0 {
				break
			}
			index = next
		}
		out = append(out, c)
	}
	return out, nil
}

func splitIndirect(addr uint64, length uint32) ([]segment, error) {
	n := int(length / descSize)
	if n == 0 || length%descSize != 0 {
		return nil, fmt.Errorf("%w: indirect table of %d bytes", errBadChain, length)
	}

	var out []segment
	for index, i := uint16(0), 0; ; i++ {
		if i >= n || int(index) >= n {
			return nil, fmt.Errorf("%w: indirect chain leaves its table", errBadChain)
		}
		a, l, flags, next := desc(addr + uint64(index)*descSize)
		out = append(out, segment{addr: a, length: l, writable: flags&flagWrite != 0})
		if flags&flagNext == 0 {
			return out, nil
		}
		index = next
	}
}

func (r *ring) popPacked() ([]chain, error) {
	var out []chain
	for {
		slot := r.addrs.Descriptors + uint64(r.availSlot)*descSize
		flags := load16(slot + 14)
		avail := flags&flagAvail != 0
		used := flags&flagUsed != 0
		if avail != r.availWrap || used == r.availWrap {
			return out, nil
		}

		var c chain
		for {
			addr, length, id, flags := desc(r.addrs.Descriptors + uint64(r.availSlot)*descSize)
			c.id = id
			c.ndescs++
			if flags&flagIndirect != 0 {
				c.indirect = true
				n := int(length / descSize)
				if n == 0 || length%descSize != 0 {
					return out, fmt.Errorf("%w: indirect table of %d bytes", errBadChain, length)
				}
				for i := range n {
					a, l, _, f := desc(addr + uint64(i)*descSize)
					c.segments = append(c.segments, segment{addr: a, length: l, writable: f&flagWrite != 0})
				}
			} else {
				c.segments = append(c.segments, segment{addr: addr, length: length, writable: flags&flagWrite != 0})
			}

			r.availSlot++
			if r.availSlot == r.size {
				r.availSlot = 0
				r.availWrap = !r.availWrap
			}
			if flags&flagNext == 0 {
				break
			}
			if int(c.ndescs) >= int(r.size) {
				return out, fmt.Errorf("%w: chain longer than the ring", errBadChain)
			}
		}
		out = append(out, c)
	}
}

// push marks a chain used with the number of bytes written.
func (r *ring) push(c chain, written uint32) {
	if r.packed {
		r.pushPacked(c.id, c.ndescs, written)
		return
	}
	r.pushSplit(uint32(c.id), written)
}

func (r *ring) pushSplit(id, written uint32) {
	ne := binary.NativeEndian
	e := bytesAt(r.addrs.Device+4+8*uint64(r.usedIndex%r.size), 8)
	ne.PutUint32(e[0:4], id)
	ne.PutUint32(e[4:8], written)
	r.usedIndex++
	store16(r.addrs.Device+2, r.usedIndex)
}

func (r *ring) pushPacked(id, ndescs uint16, written uint32) {
	ne := binary.NativeEndian
	slot := r.addrs.Descriptors + uint64(r.usedSlot)*descSize
	b := bytesAt(slot, descSize)
	ne.PutUint32(b[8:12], written)
	// id shares its word with the flags the driver polls.
	store16(slot+12, id)

	var flags uint16
	if r.usedWrap {
		flags = flagAvail | flagUsed
	}
	store16(slot+14, flags)

	r.usedSlot += ndescs
	if r.usedSlot >= r.size {
		r.usedSlot -= r.size
		r.usedWrap = !r.usedWrap
	}
}

// setAvailEvent publishes the avail index after which the device wants to
// be notified. Split rings only.
func (r *ring) setAvailEvent() {
	store16(r.addrs.Device+4+8*uint64(r.size), r.lastAvail)
}

// gather copies the readable segments into one buffer.
func gather(segs []segment) []byte {
	var n int
	for _, s := range segs {
		n += int(s.length)
	}
	out := make([]byte, 0, n)
	for _, s := range segs {
		out = append(out, bytesAt(s.addr, int(s.length))...)
	}
	return out
}

// scatter writes b over the writable segments and returns the number of
// bytes written.
func scatter(segs []segment, b []byte) int {
	var n int
	for _, s := range segs {
		if len(b) == 0 {
			break
		}
		k := copy(bytesAt(s.addr, int(s.length)), b)
		b = b[k:]
		n += k
	}
	return n
}

// capacity returns the total length of segs.
func capacity(segs []segment) int {
	var n int
	for _, s := range segs {
		n += int(s.length)
	}
	return n
}
