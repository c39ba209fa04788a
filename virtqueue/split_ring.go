package virtqueue

import (
	"fmt"
)

// splitRing is the split layout: descriptor table, available ring and used
// ring, each written by only one side.
type splitRing struct {
	size       int
	barriers   barriers
	eventIndex bool
	extra      []descExtra

	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing
}

func newSplitRing(queueSize, alignment int, mem []byte, extra []descExtra, b barriers, eventIndex bool) *splitRing {
	availableRingStart, usedRingStart, _ := splitLayout(queueSize, alignment)
	availableRingEnd := availableRingStart + availableRingSize(queueSize)
	usedRingEnd := usedRingStart + usedRingSize(queueSize)

	return &splitRing{
		size:            queueSize,
		barriers:        b,
		eventIndex:      eventIndex,
		extra:           extra,
		descriptorTable: newDescriptorTable(queueSize, mem[:descriptorTableSize(queueSize)]),
		availableRing:   newAvailableRing(queueSize, mem[availableRingStart:availableRingEnd]),
		usedRing:        newUsedRing(queueSize, mem[usedRingStart:usedRingEnd]),
	}
}

func (r *splitRing) reset(limit int) {
	r.descriptorTable.reset(limit)
	r.availableRing.reset(r.eventIndex, r.size)
	r.usedRing.lastIndex = 0
}

func (r *splitRing) freeCount() int {
	return int(r.descriptorTable.freeNum)
}

func (r *splitRing) allocChain(n int) (chain, error) {
	head, err := r.descriptorTable.allocChain(n)
	if err != nil {
		return chain{}, err
	}
	r.extra[head].ndescs = uint16(n)
	return chain{id: head, head: head, length: uint16(n)}, nil
}

func (r *splitRing) writeChain(c *chain, segments []Segment) {
	r.descriptorTable.writeChain(c.head, segments)
}

func (r *splitRing) writeIndirect(c *chain, address uint64, length uint32) {
	r.descriptorTable.writeIndirect(c.head, address, length)
}

func (r *splitRing) encodeIndirect(table *IndirectTable, segments []Segment) {
	descriptors := table.split()
	for i, s := range segments {
		desc := &descriptors[i]
		desc.address = s.Address
		desc.length = s.Length
		desc.flags = s.flags()
		desc.next = 0
		if i < len(segments)-1 {
			desc.flags |= descriptorFlagHasNext
			desc.next = uint16(i + 1)
		}
	}
}

func (r *splitRing) publish(c *chain) {
	r.availableRing.offer([]uint16{c.head}, r.barriers)
}

func (r *splitRing) consume() (usedEntry, bool, error) {
	elem, ok, err := r.usedRing.takeOne(r.barriers)
	if !ok {
		return usedEntry{}, false, err
	}

	head, ok := elem.GetHead(r.size)
	if !ok || r.extra[head].ndescs == 0 {
		return usedEntry{id: uint16(elem.DescriptorIndex), length: elem.Length}, true, nil
	}
	return usedEntry{id: head, length: elem.Length, valid: true}, true, nil
}

func (r *splitRing) freeChain(id uint16) error {
	x := &r.extra[id]
	if x.ndescs == 0 {
		return violation(fmt.Errorf("%w: chain at %d is not in flight", ErrInvariant, id))
	}
	if err := r.descriptorTable.freeChain(id, x.ndescs); err != nil {
		return err
	}
	x.ndescs = 0
	return nil
}

func (r *splitRing) needsNotify() bool {
	r.barriers.mb()

	oldIndex := r.availableRing.kicked
	newIndex := r.availableRing.index
	r.availableRing.kicked = newIndex

	if r.eventIndex {
		return needEvent(r.barriers.load(r.usedRing.availableEvent), newIndex, oldIndex)
	}
	return !r.usedRing.noNotify(r.barriers)
}

func (r *splitRing) notificationData(queueIndex uint16) uint32 {
	return uint32(queueIndex) | uint32(r.availableRing.index)<<16
}

func (r *splitRing) base() uint32 {
	return uint32(r.availableRing.index)
}

func (r *splitRing) addresses() Addresses {
	return Addresses{
		Descriptors: uint64(r.descriptorTable.Address()),
		Driver:      uint64(r.availableRing.Address()),
		Device:      uint64(r.usedRing.Address()),
	}
}
