package vhost

import (
	"fmt"
	"unsafe"

	"github.com/slackhq/vcrypto/util/virtio"
	"github.com/slackhq/vcrypto/virtqueue"
	"golang.org/x/sys/unix"
)

const (
	// vhostIoctlGetFeatures can be used to retrieve the features supported by
	// the device behind the control file descriptor.
	//
	// Response payload: [virtio.Feature]
	// Kernel name: VHOST_GET_FEATURES
	vhostIoctlGetFeatures = 0x8008af00

	// vhostIoctlSetFeatures can be used to communicate the features accepted
	// by the driver to the kernel.
	//
	// Request payload: [virtio.Feature]
	// Kernel name: VHOST_SET_FEATURES
	vhostIoctlSetFeatures = 0x4008af00

	// vhostIoctlSetOwner can be used to set the current process as the
	// exclusive owner of a control file descriptor.
	//
	// Request payload: none
	// Kernel name: VHOST_SET_OWNER
	vhostIoctlSetOwner = 0x0000af01

	// vhostIoctlSetQueueSize can be used to set the size of the virtqueue.
	//
	// Request payload: [QueueState]
	// Kernel name: VHOST_SET_VRING_NUM
	vhostIoctlSetQueueSize = 0x4008af10

	// vhostIoctlSetQueueAddress can be used to set the addresses of the
	// different parts of the virtqueue.
	//
	// Request payload: [QueueAddresses]
	// Kernel name: VHOST_SET_VRING_ADDR
	vhostIoctlSetQueueAddress = 0x4028af11

	// vhostIoctlSetAvailableRingBase can be used to set the index of the next
	// available ring entry the device will process.
	//
	// Request payload: [QueueState]
	// Kernel name: VHOST_SET_VRING_BASE
	vhostIoctlSetAvailableRingBase = 0x4008af12

	// vhostIoctlSetQueueKickEventFD can be used to set the event file
	// descriptor to signal the device when descriptor chains were added to the
	// available ring.
	//
	// Request payload: [QueueFile]
	// Kernel name: VHOST_SET_VRING_KICK
	vhostIoctlSetQueueKickEventFD = 0x4008af20

	// vhostIoctlSetQueueCallEventFD can be used to set the event file
	// descriptor that gets signaled by the device when descriptor chains have
	// been used by it.
	//
	// Request payload: [QueueFile]
	// Kernel name: VHOST_SET_VRING_CALL
	vhostIoctlSetQueueCallEventFD = 0x4008af21

	// Request payload: uint64
	// Kernel name: VHOST_SET_BACKEND_FEATURES
	vhostIoctlSetBackendFeatures = 0x4008af25

	// Response payload: uint64
	// Kernel name: VHOST_GET_BACKEND_FEATURES
	vhostIoctlGetBackendFeatures = 0x8008af26

	// vdpaIoctlGetDeviceID returns the virtio device id of the vDPA device.
	//
	// Response payload: uint32
	// Kernel name: VHOST_VDPA_GET_DEVICE_ID
	vdpaIoctlGetDeviceID = 0x8004af70

	// Response payload: [virtio.DeviceStatus]
	// Kernel name: VHOST_VDPA_GET_STATUS
	vdpaIoctlGetStatus = 0x8001af71

	// Request payload: [virtio.DeviceStatus]
	// Kernel name: VHOST_VDPA_SET_STATUS
	vdpaIoctlSetStatus = 0x4001af72

	// vdpaIoctlGetConfig reads the device specific configuration space.
	//
	// Request payload: offset and length followed by the buffer
	// Kernel name: VHOST_VDPA_GET_CONFIG
	vdpaIoctlGetConfig = 0x8008af73

	// Request payload: [QueueState]
	// Kernel name: VHOST_VDPA_SET_VRING_ENABLE
	vdpaIoctlSetQueueEnable = 0x4008af75

	// vdpaIoctlGetQueueSize returns the largest queue size the device
	// supports. It is the same for all queues.
	//
	// Response payload: uint16
	// Kernel name: VHOST_VDPA_GET_VRING_NUM
	vdpaIoctlGetQueueSize = 0x8002af76
)

// BackendFeatureIOTLBMessageV2 makes the kernel accept [IOTLBMessage]s.
const BackendFeatureIOTLBMessageV2 = uint64(1) << 1

// QueueState is an ioctl request payload that can hold a queue index and any
// 32-bit number.
//
// Kernel name: vhost_vring_state
type QueueState struct {
	// QueueIndex is the index of the virtqueue.
	QueueIndex uint32
	// Num is any 32-bit number, depending on the request.
	Num uint32
}

// QueueAddresses is an ioctl request payload that can hold the addresses of the
// different parts of a virtqueue.
//
// For packed queues the three addresses are the descriptor ring, the driver
// event suppression area and the device event suppression area.
//
// Kernel name: vhost_vring_addr
type QueueAddresses struct {
	// QueueIndex is the index of the virtqueue.
	QueueIndex uint32
	// Flags that are not used in this implementation.
	Flags uint32
	// DescriptorTableAddress is the address of the descriptor table in user
	// space memory. It must be 16-byte aligned.
	DescriptorTableAddress uint64
	// UsedRingAddress is the address of the used ring in user space memory. It
	// must be 4-byte aligned.
	UsedRingAddress uint64
	// AvailableRingAddress is the address of the available ring in user space
	// memory. It must be 2-byte aligned.
	AvailableRingAddress uint64
	// LogAddress is used for an optional logging support, not supported by this
	// implementation.
	LogAddress uint64
}

// QueueFile is an ioctl request payload that can hold a queue index and a file
// descriptor.
//
// Kernel name: vhost_vring_file
type QueueFile struct {
	// QueueIndex is the index of the virtqueue.
	QueueIndex uint32
	// FD is the file descriptor of the file. Pass -1 to unbind from a file.
	FD int32
}

// configHeaderSize is the size of the offset and length that precede the
// buffer of a vdpaIoctlGetConfig request.
const configHeaderSize = 8

// IoctlPtr is a copy of the similarly named unexported function from the Go
// unix package. This is needed to do custom ioctl requests not supported by the
// standard library.
func IoctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, err := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if err != 0 {
		return fmt.Errorf("ioctl request %#x: %w", req, err)
	}
	return nil
}

// GetFeatures requests the supported feature bits from the virtio device
// associated with the given control file descriptor.
func GetFeatures(controlFD int) (virtio.Feature, error) {
	var features virtio.Feature
	if err := IoctlPtr(controlFD, vhostIoctlGetFeatures, unsafe.Pointer(&features)); err != nil {
		return 0, fmt.Errorf("get features: %w", err)
	}
	return features, nil
}

// SetFeatures communicates the feature bits accepted by this driver to the
// virtio device associated with the given control file descriptor.
func SetFeatures(controlFD int, features virtio.Feature) error {
	if err := IoctlPtr(controlFD, vhostIoctlSetFeatures, unsafe.Pointer(&features)); err != nil {
		return fmt.Errorf("set features: %w", err)
	}
	return nil
}

// OwnControlFD sets the current process as the exclusive owner for the
// given control file descriptor. This must be called before interacting with
// the control file descriptor in any other way.
func OwnControlFD(controlFD int) error {
	if err := IoctlPtr(controlFD, vhostIoctlSetOwner, unsafe.Pointer(nil)); err != nil {
		return fmt.Errorf("set control file descriptor owner: %w", err)
	}
	return nil
}

// GetBackendFeatures returns the vhost backend feature bits of the kernel.
func GetBackendFeatures(controlFD int) (uint64, error) {
	var features uint64
	if err := IoctlPtr(controlFD, vhostIoctlGetBackendFeatures, unsafe.Pointer(&features)); err != nil {
		return 0, fmt.Errorf("get backend features: %w", err)
	}
	return features, nil
}

// SetBackendFeatures acknowledges vhost backend feature bits.
func SetBackendFeatures(controlFD int, features uint64) error {
	if err := IoctlPtr(controlFD, vhostIoctlSetBackendFeatures, unsafe.Pointer(&features)); err != nil {
		return fmt.Errorf("set backend features: %w", err)
	}
	return nil
}

// GetDeviceID returns the virtio device id of the vDPA device.
func GetDeviceID(controlFD int) (uint32, error) {
	var id uint32
	if err := IoctlPtr(controlFD, vdpaIoctlGetDeviceID, unsafe.Pointer(&id)); err != nil {
		return 0, fmt.Errorf("get device id: %w", err)
	}
	return id, nil
}

// GetStatus reads the device status field.
func GetStatus(controlFD int) (virtio.DeviceStatus, error) {
	var status virtio.DeviceStatus
	if err := IoctlPtr(controlFD, vdpaIoctlGetStatus, unsafe.Pointer(&status)); err != nil {
		return 0, fmt.Errorf("get status: %w", err)
	}
	return status, nil
}

// SetStatus writes the device status field. Writing [virtio.StatusReset]
// resets the device.
func SetStatus(controlFD int, status virtio.DeviceStatus) error {
	if err := IoctlPtr(controlFD, vdpaIoctlSetStatus, unsafe.Pointer(&status)); err != nil {
		return fmt.Errorf("set status %#x: %w", status, err)
	}
	return nil
}

// GetConfig reads len(b) bytes of the device configuration space starting at
// offset.
func GetConfig(controlFD int, offset int, b []byte) error {
	payload := make([]byte, configHeaderSize+len(b))
	*(*uint32)(unsafe.Pointer(&payload[0])) = uint32(offset)
	*(*uint32)(unsafe.Pointer(&payload[4])) = uint32(len(b))
	if err := IoctlPtr(controlFD, vdpaIoctlGetConfig, unsafe.Pointer(&payload[0])); err != nil {
		return fmt.Errorf("get config at %d: %w", offset, err)
	}
	copy(b, payload[configHeaderSize:])
	return nil
}

// GetQueueSize returns the largest queue size the device supports.
func GetQueueSize(controlFD int) (uint16, error) {
	var size uint16
	if err := IoctlPtr(controlFD, vdpaIoctlGetQueueSize, unsafe.Pointer(&size)); err != nil {
		return 0, fmt.Errorf("get queue size: %w", err)
	}
	return size, nil
}

// SetQueueEnable enables or disables a registered queue.
func SetQueueEnable(controlFD int, queueIndex uint32, enable bool) error {
	state := QueueState{QueueIndex: queueIndex}
	if enable {
		state.Num = 1
	}
	if err := IoctlPtr(controlFD, vdpaIoctlSetQueueEnable, unsafe.Pointer(&state)); err != nil {
		return fmt.Errorf("set queue %d enable %t: %w", queueIndex, enable, err)
	}
	return nil
}

// SetQueueKick binds the kick event file descriptor of a queue. Pass -1 to
// unbind it.
func SetQueueKick(controlFD int, queueIndex uint32, fd int) error {
	if err := IoctlPtr(controlFD, vhostIoctlSetQueueKickEventFD, unsafe.Pointer(&QueueFile{
		QueueIndex: queueIndex,
		FD:         int32(fd),
	})); err != nil {
		return fmt.Errorf("set kick event file descriptor: %w", err)
	}
	return nil
}

// queueBase returns the VHOST_SET_VRING_BASE value for a queue. Packed queues
// carry the used state in the upper 16 bits. A fresh queue starts with the
// same avail and used state.
func queueBase(queue *virtqueue.Virtqueue) uint32 {
	base := queue.RingBase()
	if queue.Packed() {
		base |= base << 16
	}
	return base
}

// RegisterQueue registers a virtqueue with the kernel. The queue is kicked
// through kickFD. Completions are polled, so no call event file descriptor is
// bound. The ring memory must already be mapped for the device.
func RegisterQueue(controlFD int, queue *virtqueue.Virtqueue, kickFD int) error {
	queueIndex := uint32(queue.Index())

	if err := IoctlPtr(controlFD, vhostIoctlSetQueueSize, unsafe.Pointer(&QueueState{
		QueueIndex: queueIndex,
		Num:        uint32(queue.Size()),
	})); err != nil {
		return fmt.Errorf("set queue size: %w", err)
	}

	addresses := queue.Addresses()
	if err := IoctlPtr(controlFD, vhostIoctlSetQueueAddress, unsafe.Pointer(&QueueAddresses{
		QueueIndex:             queueIndex,
		DescriptorTableAddress: addresses.Descriptors,
		UsedRingAddress:        addresses.Device,
		AvailableRingAddress:   addresses.Driver,
	})); err != nil {
		return fmt.Errorf("set queue addresses: %w", err)
	}

	if err := IoctlPtr(controlFD, vhostIoctlSetAvailableRingBase, unsafe.Pointer(&QueueState{
		QueueIndex: queueIndex,
		Num:        queueBase(queue),
	})); err != nil {
		return fmt.Errorf("set available ring base: %w", err)
	}

	if err := SetQueueKick(controlFD, queueIndex, kickFD); err != nil {
		return err
	}

	if err := IoctlPtr(controlFD, vhostIoctlSetQueueCallEventFD, unsafe.Pointer(&QueueFile{
		QueueIndex: queueIndex,
		FD:         -1,
	})); err != nil {
		return fmt.Errorf("set call event file descriptor: %w", err)
	}

	return nil
}
