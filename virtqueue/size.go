package virtqueue

import (
	"errors"
	"fmt"
)

// ErrQueueSizeInvalid is returned when a queue size is invalid.
var ErrQueueSizeInvalid = errors.New("queue size is invalid")

// MaxQueueSize is the largest queue size that can be addressed with 16-bit
// ring indexes.
const MaxQueueSize = 32768

// ChainEnd terminates the free list. It can never be a valid descriptor index
// because it is not smaller than any valid queue size.
const ChainEnd = uint16(MaxQueueSize)

// VringAlign is the alignment used for ring memory by legacy PCI transports
// and the default for [RingSize].
const VringAlign = 4096

// CheckQueueSize checks if the given value would be a valid size for a
// virtqueue and returns an [ErrQueueSizeInvalid], if not.
func CheckQueueSize(queueSize int) error {
	if queueSize <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrQueueSizeInvalid, queueSize)
	}

	// The queue size must always be a power of 2.
	// This ensures that ring indexes wrap correctly when the 16-bit integers
	// overflow.
	if queueSize&(queueSize-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueSizeInvalid, queueSize)
	}

	// The largest power of 2 that fits into a 16-bit integer is 32768.
	// 2 * 32768 would be 65536 which no longer fits.
	if queueSize > MaxQueueSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible queue size %d",
			ErrQueueSizeInvalid, queueSize, MaxQueueSize)
	}

	return nil
}

// checkAlignment validates a ring alignment. It has to satisfy the strictest
// alignment of any ring part.
func checkAlignment(alignment int) error {
	if alignment < usedRingAlignment || alignment&(alignment-1) != 0 {
		return fmt.Errorf("ring alignment %d must be a power of 2 and at least %d", alignment, usedRingAlignment)
	}
	return nil
}

// splitLayout returns the offsets of the available ring and the used ring and
// the total size of a split ring. The available ring directly follows the
// descriptor table, the used ring and the end are padded to alignment.
func splitLayout(queueSize, alignment int) (availableRingStart, usedRingStart, end int) {
	availableRingStart = align(descriptorTableSize(queueSize), availableRingAlignment)
	usedRingStart = align(availableRingStart+availableRingSize(queueSize), alignment)
	end = align(usedRingStart+usedRingSize(queueSize), alignment)
	return
}

// packedLayout returns the offsets of the driver and device event
// suppression structures and the total size of a packed ring.
func packedLayout(queueSize, alignment int) (driverEventStart, deviceEventStart, end int) {
	driverEventStart = descriptorTableSize(queueSize)
	deviceEventStart = align(driverEventStart+eventSuppressionSize, alignment)
	end = align(deviceEventStart+eventSuppressionSize, alignment)
	return
}

// RingSize returns the number of bytes needed for the ring memory of a queue
// with the given size, layout and alignment.
func RingSize(queueSize int, packed bool, alignment int) int {
	if packed {
		_, _, end := packedLayout(queueSize, alignment)
		return end
	}
	_, _, end := splitLayout(queueSize, alignment)
	return end
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
