package virtqueue

// descExtra is the side table entry of one descriptor chain. It is indexed by
// the chain id: the head descriptor index for split rings, the buffer id for
// packed rings.
type descExtra struct {
	// request and cookie are handed back on completion.
	request any
	cookie  any
	// ndescs is the number of ring descriptors the chain occupies. Zero means
	// the entry is not in flight.
	ndescs uint16
	// next threads the free buffer ids of a packed ring.
	next uint16
}

// chain is a freshly allocated descriptor chain.
type chain struct {
	// id keys the side table.
	id uint16
	// head is the ring slot of the first descriptor.
	head uint16
	// length is the number of ring descriptors.
	length uint16
	// wrap holds the packed avail and used bits valid for the head slot.
	wrap descriptorFlag
	// headFlags is the flags word of the head descriptor. It is written last,
	// by publish.
	headFlags descriptorFlag
}

// usedEntry is one completion read back from the ring.
type usedEntry struct {
	id     uint16
	length uint32
	// valid is false when the device returned an id that is out of range or
	// not in flight.
	valid bool
}

// Addresses holds the device visible addresses of the three ring areas, as a
// transport registers them with the device. For packed rings the driver and
// device areas are the event suppression structures.
type Addresses struct {
	Descriptors uint64
	Driver      uint64
	Device      uint64
}

// ring is implemented once per layout. The layout is chosen when the queue
// is created.
type ring interface {
	// reset puts the ring into its initial state with limit usable
	// descriptors. The ring memory must be zeroed.
	reset(limit int)
	freeCount() int

	// allocChain reserves n descriptors and records n in the side table.
	allocChain(n int) (chain, error)
	// writeChain fills the descriptors of c without handing them over.
	writeChain(c *chain, segments []Segment)
	// writeIndirect makes c a single descriptor pointing at a table.
	writeIndirect(c *chain, address uint64, length uint32)
	// encodeIndirect writes segments in the indirect table format of the
	// layout.
	encodeIndirect(table *IndirectTable, segments []Segment)
	// publish hands c over to the device.
	publish(c *chain)

	// consume returns the next completion published by the device and
	// advances past it. An error means the device state is unusable and
	// nothing was consumed.
	consume() (usedEntry, bool, error)
	// freeChain reclaims the descriptors of the chain with the given id.
	freeChain(id uint16) error

	needsNotify() bool
	notificationData(queueIndex uint16) uint32
	// base is the ring state a transport tells the device to start from.
	base() uint32
	addresses() Addresses
}

// needEvent reports whether the event index lies in the range of indexes
// published since the last notification.
func needEvent(event, newIndex, oldIndex uint16) bool {
	return newIndex-event-1 < newIndex-oldIndex
}
