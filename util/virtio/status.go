package virtio

// DeviceStatus is the device status field that the driver uses to walk the
// device through initialization.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-100001
type DeviceStatus uint8

const (
	// StatusReset is written to reset the device.
	StatusReset DeviceStatus = 0
	// StatusAcknowledge means the guest OS has noticed the device.
	StatusAcknowledge DeviceStatus = 1
	// StatusDriver means the guest OS knows how to drive the device.
	StatusDriver DeviceStatus = 2
	// StatusDriverOK means the driver is set up and ready to drive the device.
	StatusDriverOK DeviceStatus = 4
	// StatusFeaturesOK means the driver has acknowledged all the features it
	// understands and feature negotiation is complete.
	StatusFeaturesOK DeviceStatus = 8
	// StatusNeedsReset means the device experienced an error from which it
	// can't recover.
	StatusNeedsReset DeviceStatus = 64
	// StatusFailed means something went wrong in the guest and it has given up
	// on the device.
	StatusFailed DeviceStatus = 128
)

// DeviceIDCrypto is the virtio device id of a crypto device.
const DeviceIDCrypto = 20
