package virtqueue

import (
	"testing"

	"github.com/slackhq/vcrypto/test"
	"github.com/stretchr/testify/require"
)

// testChain is a chain as the device sees it.
type testChain struct {
	id       uint16
	ndescs   uint16
	indirect bool
	segments []Segment
}

// testDevice plays the device side of a queue. It only looks at ring memory,
// the way a real device would.
type testDevice struct {
	t  *testing.T
	vq *Virtqueue

	// split
	lastAvail uint16
	usedIndex uint16

	// packed
	availSlot uint16
	availWrap bool
	usedSlot  uint16
	usedWrap  bool
}

func newTestDevice(t *testing.T, vq *Virtqueue) *testDevice {
	return &testDevice{t: t, vq: vq, availWrap: true, usedWrap: true}
}

func newTestQueue(t *testing.T, queueSize int, options ...Option) *Virtqueue {
	vq, err := New(0, queueSize, append([]Option{WithLogger(test.NewLogger())}, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, vq.Close())
	})
	return vq
}

// pop returns every chain made available since the last call.
func (d *testDevice) pop() []testChain {
	if d.vq.packed {
		return d.popPacked()
	}
	return d.popSplit()
}

func (d *testDevice) popSplit() []testChain {
	r := d.vq.ring.(*splitRing)
	var out []testChain
	end := loadAcquire16(r.availableRing.ringIndex)
	for ; d.lastAvail != end; d.lastAvail++ {
		head := r.availableRing.ring[d.lastAvail%uint16(r.size)]
		c := testChain{id: head}
		for index := head; ; {
			desc := r.descriptorTable.descriptors[index]
			c.ndescs++
			c.segments = append(c.segments, Segment{
				Address:  desc.address,
				Length:   desc.length,
				Writable: desc.flags&descriptorFlagWritable != 0,
			})
			if desc.flags&descriptorFlagIndirect != 0 {
				c.indirect = true
			}
			if desc.flags&descriptorFlagHasNext == 0 {
				break
			}
			index = desc.next
		}
		out = append(out, c)
	}
	return out
}

func (d *testDevice) popPacked() []testChain {
	r := d.vq.ring.(*packedRing)
	var out []testChain
	for {
		flags := descriptorFlag(loadAcquire16((*uint16)(&r.descriptors[d.availSlot].flags)))
		avail := flags&descriptorFlagAvailable != 0
		used := flags&descriptorFlagUsed != 0
		if avail != d.availWrap || used == d.availWrap {
			return out
		}

		var c testChain
		for {
			desc := r.descriptors[d.availSlot]
			c.id = desc.id
			c.ndescs++
			c.segments = append(c.segments, Segment{
				Address:  desc.address,
				Length:   desc.length,
				Writable: desc.flags&descriptorFlagWritable != 0,
			})
			if desc.flags&descriptorFlagIndirect != 0 {
				c.indirect = true
			}

			d.availSlot++
			if d.availSlot == r.size {
				d.availSlot = 0
				d.availWrap = !d.availWrap
			}
			if desc.flags&descriptorFlagHasNext == 0 {
				break
			}
		}
		out = append(out, c)
	}
}

// complete marks a chain used with the given number of written bytes.
func (d *testDevice) complete(c testChain, written uint32) {
	if d.vq.packed {
		d.completePacked(c.id, c.ndescs, written)
		return
	}
	d.completeSplit(uint32(c.id), written)
}

func (d *testDevice) completeSplit(id uint32, written uint32) {
	r := d.vq.ring.(*splitRing)
	r.usedRing.ring[d.usedIndex%uint16(r.size)] = UsedElement{DescriptorIndex: id, Length: written}
	d.usedIndex++
	storeRelease16(r.usedRing.ringIndex, d.usedIndex)
}

func (d *testDevice) completePacked(id uint16, ndescs uint16, written uint32) {
	r := d.vq.ring.(*packedRing)
	desc := &r.descriptors[d.usedSlot]
	desc.id = id
	desc.length = written

	var flags descriptorFlag
	if d.usedWrap {
		flags = descriptorFlagAvailable | descriptorFlagUsed
	}
	storeRelease16((*uint16)(&desc.flags), uint16(flags))

	d.usedSlot += ndescs
	if d.usedSlot >= r.size {
		d.usedSlot -= r.size
		d.usedWrap = !d.usedWrap
	}
}

// segments builds n segments, the last one device writable.
func segments(n int) []Segment {
	out := make([]Segment, n)
	for i := range out {
		out[i] = Segment{Address: uint64(0x1000 * (i + 1)), Length: uint32(16 * (i + 1))}
	}
	out[n-1].Writable = true
	return out
}

var layouts = []struct {
	name   string
	packed bool
}{
	{name: "split", packed: false},
	{name: "packed", packed: true},
}
