package vhost_test

import (
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/slackhq/vcrypto/test"
	"github.com/slackhq/vcrypto/vhost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestQueueState_Size(t *testing.T) {
	assert.EqualValues(t, 8, unsafe.Sizeof(vhost.QueueState{}))
}

func TestQueueAddresses_Size(t *testing.T) {
	assert.EqualValues(t, 40, unsafe.Sizeof(vhost.QueueAddresses{}))
}

func TestQueueFile_Size(t *testing.T) {
	assert.EqualValues(t, 8, unsafe.Sizeof(vhost.QueueFile{}))
}

func TestIOTLBMessage_Size(t *testing.T) {
	assert.EqualValues(t, 72, unsafe.Sizeof(vhost.IOTLBMessage{}))
	assert.EqualValues(t, 8, unsafe.Offsetof(vhost.IOTLBMessage{}.IOVA))
	assert.EqualValues(t, 32, unsafe.Offsetof(vhost.IOTLBMessage{}.Permissions))
	assert.EqualValues(t, 33, unsafe.Offsetof(vhost.IOTLBMessage{}.MessageType))
}

func TestNewDevice(t *testing.T) {
	l := test.NewLogger()

	t.Run("no logger", func(t *testing.T) {
		_, err := vhost.NewDevice()
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("missing device", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "vhost-vdpa-7")
		_, err := vhost.NewDevice(vhost.WithLogger(l), vhost.WithPath(path))
		assert.ErrorIs(t, err, unix.ENOENT)
	})

	t.Run("not a vhost device", func(t *testing.T) {
		_, err := vhost.NewDevice(vhost.WithLogger(l), vhost.WithPath("/dev/null"))
		require.Error(t, err)
		assert.ErrorContains(t, err, "set control file descriptor owner")
	})
}
