package vcrypto

import (
	"github.com/slackhq/vcrypto/util/virtio"
	"github.com/slackhq/vcrypto/virtqueue"
)

// Transport is the bus specific part of a virtio device: feature and status
// registers, the configuration space, queue registration and notification.
// The vhost package implements it for vhost-vdpa.
type Transport interface {
	Features() (virtio.Feature, error)
	SetFeatures(features virtio.Feature) error
	Status() (virtio.DeviceStatus, error)
	SetStatus(status virtio.DeviceStatus) error
	// Reset resets the device and waits until it stopped using every queue.
	Reset() error
	ReadConfig(offset int, b []byte) error

	// QueueSize returns the largest size of the queue with the given index.
	// 0 means the queue does not exist.
	QueueSize(index uint16) (uint16, error)
	SetupQueue(vq *virtqueue.Virtqueue) error
	DeleteQueue(vq *virtqueue.Virtqueue) error
	NotifyQueue(vq *virtqueue.Virtqueue, data uint32) error

	// MapMemory makes memory accessible to the device.
	MapMemory(address uint64, size int) error
	UnmapMemory(address uint64, size int) error
}
