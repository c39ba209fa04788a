package virtio

import (
	"fmt"
	"math/bits"
	"strings"
)

// Feature contains feature bits that describe a virtio device or driver.
type Feature uint64

// Device-independent feature bits.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-6600006
const (
	// FeatureIndirectDescriptors indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureIndirectDescriptors Feature = 1 << 28

	// FeatureEventIndex enables the used_event and avail_event fields of the
	// split ring and the descriptor event mode of the packed ring.
	FeatureEventIndex Feature = 1 << 29

	// FeatureVersion1 indicates compliance with version 1.0 of the virtio
	// specification.
	FeatureVersion1 Feature = 1 << 32

	// FeatureAccessPlatform indicates that the device accesses memory through
	// a platform IOMMU, so addresses handed to it are IOVAs.
	FeatureAccessPlatform Feature = 1 << 33

	// FeatureRingPacked selects the packed virtqueue layout instead of the
	// split layout.
	FeatureRingPacked Feature = 1 << 34

	// FeatureInOrder indicates that the device uses buffers in the order in
	// which they were made available.
	FeatureInOrder Feature = 1 << 35

	// FeatureOrderPlatform indicates that the device is a real hardware
	// device or otherwise needs platform memory barriers. The driver must not
	// use weak barriers when this is negotiated.
	FeatureOrderPlatform Feature = 1 << 36

	// FeatureNotificationData makes the driver pass extra data (the next
	// available index and wrap counter) with every notification.
	FeatureNotificationData Feature = 1 << 38
)

// Feature bits for crypto devices.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-4090003
const (
	// FeatureCryptoRevision1 indicates revision 1 of the crypto device
	// interface.
	FeatureCryptoRevision1 Feature = 1 << 0

	// FeatureCryptoCipherStateless indicates stateless mode support for the
	// cipher service.
	FeatureCryptoCipherStateless Feature = 1 << 1

	// FeatureCryptoHashStateless indicates stateless mode support for the
	// hash service.
	FeatureCryptoHashStateless Feature = 1 << 2

	// FeatureCryptoMACStateless indicates stateless mode support for the MAC
	// service.
	FeatureCryptoMACStateless Feature = 1 << 3

	// FeatureCryptoAEADStateless indicates stateless mode support for the AEAD
	// service.
	FeatureCryptoAEADStateless Feature = 1 << 4
)

var featureNames = map[Feature]string{
	FeatureIndirectDescriptors:   "indirect_desc",
	FeatureEventIndex:            "event_idx",
	FeatureVersion1:              "version_1",
	FeatureAccessPlatform:        "access_platform",
	FeatureRingPacked:            "ring_packed",
	FeatureInOrder:               "in_order",
	FeatureOrderPlatform:         "order_platform",
	FeatureNotificationData:      "notification_data",
	FeatureCryptoRevision1:       "crypto_revision_1",
	FeatureCryptoCipherStateless: "crypto_cipher_stateless",
	FeatureCryptoHashStateless:   "crypto_hash_stateless",
	FeatureCryptoMACStateless:    "crypto_mac_stateless",
	FeatureCryptoAEADStateless:   "crypto_aead_stateless",
}

// Has reports whether all bits of o are set in f.
func (f Feature) Has(o Feature) bool {
	return f&o == o
}

// String lists the names of the set feature bits. Unknown bits are printed by
// their bit number.
func (f Feature) String() string {
	if f == 0 {
		return "none"
	}

	var names []string
	for rest := f; rest != 0; {
		bit := Feature(1) << bits.TrailingZeros64(uint64(rest))
		rest &^= bit
		if n, ok := featureNames[bit]; ok {
			names = append(names, n)
		} else {
			names = append(names, fmt.Sprintf("bit%d", bits.TrailingZeros64(uint64(bit))))
		}
	}
	return strings.Join(names, "|")
}
