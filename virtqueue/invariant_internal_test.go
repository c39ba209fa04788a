//go:build !virtqueue_debug

package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_DoubleFree(t *testing.T) {
	for _, layout := range layouts {
		t.Run(layout.name, func(t *testing.T) {
			vq := newTestQueue(t, 8, WithPacked(layout.packed))

			id, err := vq.Enqueue(segments(2), nil, nil)
			require.NoError(t, err)

			require.NoError(t, vq.ring.freeChain(id))
			assert.Equal(t, 8, vq.FreeCount())

			err = vq.ring.freeChain(id)
			assert.ErrorIs(t, err, ErrInvariant)
			assert.Equal(t, 8, vq.FreeCount())
		})
	}
}

func TestDescriptorTable_LengthMismatch(t *testing.T) {
	vq := newTestQueue(t, 8)
	r := vq.ring.(*splitRing)

	head, err := r.descriptorTable.allocChain(3)
	require.NoError(t, err)
	r.descriptorTable.writeChain(head, segments(3))

	err = r.descriptorTable.freeChain(head, 2)
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, 5, vq.FreeCount())

	require.NoError(t, r.descriptorTable.freeChain(head, 3))
	assert.Equal(t, 8, vq.FreeCount())
}
