package vhost

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vcrypto/eventfd"
	"github.com/slackhq/vcrypto/util/virtio"
	"github.com/slackhq/vcrypto/virtqueue"
	"golang.org/x/sys/unix"
)

var (
	// ErrDeviceClosed is returned when the [Device] is used after it was
	// closed.
	ErrDeviceClosed = errors.New("device was closed")

	// ErrWrongDeviceType is returned when the vDPA device is not a crypto
	// device.
	ErrWrongDeviceType = errors.New("vdpa device is not a crypto device")

	// ErrQueueNotRegistered is returned when a queue is used that was never
	// set up on this device.
	ErrQueueNotRegistered = errors.New("queue is not registered")
)

// Device is a virtio crypto device reached through the kernel vhost-vdpa
// interface. Queues are kicked through one eventfd each and completions are
// polled.
type Device struct {
	controlFD int
	path      string

	mu     sync.Mutex
	layout MemoryLayout
	kicks  map[uint16]*eventfd.EventFD

	l *logrus.Logger
}

// NewDevice opens a vhost-vdpa device, takes ownership of it and checks that
// it is a crypto device.
//
// There are multiple options that can be passed to this constructor to
// influence device creation:
//   - [WithPath]
//   - [WithLogger]
//
// Remember to call [Device.Close] after use to free up resources.
func NewDevice(options ...Option) (_ *Device, err error) {
	opts := optionDefaults
	opts.apply(options)
	if err = opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	dev := &Device{
		controlFD: -1,
		path:      opts.path,
		kicks:     map[uint16]*eventfd.EventFD{},
		l:         opts.l,
	}

	// Clean up a partially initialized device when something fails.
	defer func() {
		if err != nil {
			_ = dev.Close()
		}
	}()

	dev.controlFD, err = unix.Open(opts.path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.path, err)
	}
	if err = OwnControlFD(dev.controlFD); err != nil {
		return nil, err
	}

	id, err := GetDeviceID(dev.controlFD)
	if err != nil {
		return nil, err
	}
	if id != virtio.DeviceIDCrypto {
		return nil, fmt.Errorf("%w: %s has device id %d", ErrWrongDeviceType, opts.path, id)
	}

	backend, err := GetBackendFeatures(dev.controlFD)
	if err != nil {
		return nil, err
	}
	if backend&BackendFeatureIOTLBMessageV2 == 0 {
		return nil, fmt.Errorf("kernel does not support iotlb v2 messages, backend features %#x", backend)
	}
	if err = SetBackendFeatures(dev.controlFD, BackendFeatureIOTLBMessageV2); err != nil {
		return nil, err
	}

	dev.l.WithField("path", opts.path).Debug("Opened vhost-vdpa device")

	// Make sure to clean up even when the device gets garbage collected without
	// Close being called first.
	runtime.SetFinalizer(dev, (*Device).Close)

	return dev, nil
}

func (dev *Device) fd() (int, error) {
	if dev.controlFD < 0 {
		return -1, ErrDeviceClosed
	}
	return dev.controlFD, nil
}

// Features returns the feature bits offered by the device.
func (dev *Device) Features() (virtio.Feature, error) {
	fd, err := dev.fd()
	if err != nil {
		return 0, err
	}
	return GetFeatures(fd)
}

// SetFeatures writes the feature bits accepted by the driver.
func (dev *Device) SetFeatures(features virtio.Feature) error {
	fd, err := dev.fd()
	if err != nil {
		return err
	}
	return SetFeatures(fd, features)
}

// Status reads the device status field.
func (dev *Device) Status() (virtio.DeviceStatus, error) {
	fd, err := dev.fd()
	if err != nil {
		return 0, err
	}
	return GetStatus(fd)
}

// SetStatus writes the device status field.
func (dev *Device) SetStatus(status virtio.DeviceStatus) error {
	fd, err := dev.fd()
	if err != nil {
		return err
	}
	return SetStatus(fd, status)
}

// Reset resets the device. Queues stay registered with the kernel but the
// device forgets their state.
func (dev *Device) Reset() error {
	return dev.SetStatus(virtio.StatusReset)
}

// ReadConfig reads len(b) bytes of the crypto configuration space.
func (dev *Device) ReadConfig(offset int, b []byte) error {
	fd, err := dev.fd()
	if err != nil {
		return err
	}
	return GetConfig(fd, offset, b)
}

// QueueSize returns the largest size a queue can have. vhost-vdpa reports a
// single limit for all queues, so the index is not used.
func (dev *Device) QueueSize(uint16) (uint16, error) {
	fd, err := dev.fd()
	if err != nil {
		return 0, err
	}
	return GetQueueSize(fd)
}

// SetupQueue maps the ring memory of vq for the device, registers the queue
// with a new kick eventfd and enables it.
func (dev *Device) SetupQueue(vq *virtqueue.Virtqueue) (err error) {
	fd, err := dev.fd()
	if err != nil {
		return err
	}

	address, size := vq.Memory()
	if err = dev.MapMemory(address, size); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = dev.UnmapMemory(address, size)
		}
	}()

	kick, err := eventfd.New()
	if err != nil {
		return fmt.Errorf("create kick eventfd: %w", err)
	}
	defer func() {
		if err != nil {
			_ = kick.Close()
		}
	}()

	if err = RegisterQueue(fd, vq, kick.FD()); err != nil {
		return fmt.Errorf("register queue %d: %w", vq.Index(), err)
	}
	if err = SetQueueEnable(fd, uint32(vq.Index()), true); err != nil {
		return err
	}

	dev.mu.Lock()
	dev.kicks[vq.Index()] = kick
	dev.mu.Unlock()

	dev.l.WithField("queue", vq.Index()).
		WithField("size", vq.Size()).
		WithField("packed", vq.Packed()).
		Debug("Registered queue")
	return nil
}

// DeleteQueue disables vq, unbinds and closes its kick eventfd and removes
// the mapping of its ring memory.
func (dev *Device) DeleteQueue(vq *virtqueue.Virtqueue) error {
	fd, err := dev.fd()
	if err != nil {
		return err
	}

	dev.mu.Lock()
	kick, ok := dev.kicks[vq.Index()]
	delete(dev.kicks, vq.Index())
	dev.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrQueueNotRegistered, vq.Index())
	}

	var errs []error
	if err = SetQueueEnable(fd, uint32(vq.Index()), false); err != nil {
		errs = append(errs, err)
	}
	if err = SetQueueKick(fd, uint32(vq.Index()), -1); err != nil {
		errs = append(errs, err)
	}
	if err = kick.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kick eventfd: %w", err))
	}
	address, size := vq.Memory()
	if err = dev.UnmapMemory(address, size); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NotifyQueue kicks the eventfd of vq. The kernel reads the available ring
// itself, so the notification data is not passed on.
func (dev *Device) NotifyQueue(vq *virtqueue.Virtqueue, _ uint32) error {
	dev.mu.Lock()
	kick, ok := dev.kicks[vq.Index()]
	dev.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrQueueNotRegistered, vq.Index())
	}
	return kick.Kick()
}

// MapMemory makes memory accessible to the device. Mapping the same range
// twice is a no-op.
func (dev *Device) MapMemory(address uint64, size int) error {
	fd, err := dev.fd()
	if err != nil {
		return err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	r := MemoryRegion{IOVA: address, Size: uint64(size), UserspaceAddress: address}
	if dev.layout.Contains(r.IOVA, r.Size) {
		return nil
	}
	if err = MapMemory(fd, r.IOVA, r.Size); err != nil {
		return err
	}
	dev.layout.add(r)
	return nil
}

// UnmapMemory removes a mapping created with [Device.MapMemory].
func (dev *Device) UnmapMemory(address uint64, size int) error {
	fd, err := dev.fd()
	if err != nil {
		return err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if !dev.layout.remove(address, uint64(size)) {
		return fmt.Errorf("%w: %#x+%d", ErrNotMapped, address, size)
	}
	return UnmapMemory(fd, address, uint64(size))
}

// Close resets the device and releases the control file descriptor, which
// also drops every queue registration and memory mapping in the kernel.
// The implementation will try to release as many resources as possible and
// collect potential errors before returning them.
func (dev *Device) Close() error {
	if dev.controlFD < 0 {
		return nil
	}

	var errs []error
	if err := SetStatus(dev.controlFD, virtio.StatusReset); err != nil {
		errs = append(errs, err)
	}

	// The kicks must outlive the queue registrations.
	if err := unix.Close(dev.controlFD); err != nil {
		return errors.Join(append(errs, fmt.Errorf("close control file descriptor: %w", err))...)
	}
	dev.controlFD = -1

	dev.mu.Lock()
	for index, kick := range dev.kicks {
		if err := kick.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kick eventfd of queue %d: %w", index, err))
		}
	}
	clear(dev.kicks)
	dev.layout = nil
	dev.mu.Unlock()

	runtime.SetFinalizer(dev, nil)
	return errors.Join(errs...)
}
