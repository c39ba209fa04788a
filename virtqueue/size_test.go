package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckQueueSize(t *testing.T) {
	tests := []struct {
		name        string
		queueSize   int
		containsErr string
	}{
		{
			name:        "negative",
			queueSize:   -1,
			containsErr: "too small",
		},
		{
			name:        "zero",
			queueSize:   0,
			containsErr: "too small",
		},
		{
			name:        "not a power of 2",
			queueSize:   24,
			containsErr: "not a power of 2",
		},
		{
			name:        "too large",
			queueSize:   65536,
			containsErr: "larger than the maximum",
		},
		{
			name:      "valid 1",
			queueSize: 1,
		},
		{
			name:      "valid 256",
			queueSize: 256,
		},

		{
			name:      "valid 32768",
			queueSize: 32768,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQueueSize(tt.queueSize)
			if tt.containsErr != "" {
				assert.ErrorIs(t, err, ErrQueueSizeInvalid)
				assert.ErrorContains(t, err, tt.containsErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRingSize(t *testing.T) {
	tests := []struct {
		name      string
		queueSize int
		packed    bool
		alignment int
		expected  int
	}{
		{
			name:      "split 256",
			queueSize: 256,
			alignment: VringAlign,
			// 4096 descriptors, 518 available ring, 2054 used ring
			expected: 3 * 4096,
		},
		{
			name:      "split 4 tight",
			queueSize: 4,
			alignment: 4,
			// 64 descriptors, 14 available ring padded to 16, 38 used ring
			expected: 120,
		},
		{
			name:      "packed 256",
			queueSize: 256,
			packed:    true,
			alignment: VringAlign,
			expected:  3 * 4096,
		},
		{
			name:      "packed 4 tight",
			queueSize: 4,
			packed:    true,
			alignment: 4,
			expected:  72,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RingSize(tt.queueSize, tt.packed, tt.alignment))
		})
	}
}

func TestSplitLayout(t *testing.T) {
	availableRingStart, usedRingStart, end := splitLayout(4, 4)
	assert.Equal(t, 64, availableRingStart)
	assert.Equal(t, 80, usedRingStart)
	assert.Equal(t, 120, end)
	assert.Zero(t, usedRingStart%usedRingAlignment)
}

func TestCheckAlignment(t *testing.T) {
	assert.NoError(t, checkAlignment(4))
	assert.NoError(t, checkAlignment(VringAlign))
	assert.Error(t, checkAlignment(2))
	assert.Error(t, checkAlignment(24))
}
