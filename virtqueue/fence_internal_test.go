package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreRelease16(t *testing.T) {
	words := make([]uint16, 4)
	words[0] = 0x1111
	words[1] = 0x2222

	storeRelease16(&words[1], 0xabcd)
	assert.Equal(t, []uint16{0x1111, 0xabcd, 0, 0}, words)

	storeRelease16(&words[0], 0x4321)
	assert.Equal(t, []uint16{0x4321, 0xabcd, 0, 0}, words)

	assert.Equal(t, uint16(0x4321), loadAcquire16(&words[0]))
	assert.Equal(t, uint16(0xabcd), loadAcquire16(&words[1]))
}

func TestBarriers(t *testing.T) {
	for _, weak := range []bool{true, false} {
		b := barriers{weak: weak}
		words := make([]uint16, 2)
		b.store(&words[1], 7)
		assert.Equal(t, uint16(7), b.load(&words[1]))
		assert.Zero(t, b.load(&words[0]))
		b.mb()
	}
}
