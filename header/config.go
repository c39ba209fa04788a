package header

import (
	"encoding/json"
	"fmt"
)

// ConfigLen is the size of the device configuration space.
const ConfigLen = 56

// StatusHWReady is set in DeviceConfig.Status when the device is ready to
// take requests.
const StatusHWReady = 1 << 0

// DeviceConfig is the configuration space of a crypto device.
type DeviceConfig struct {
	Status          uint32
	MaxDataQueues   uint32
	CryptoServices  uint32
	CipherAlgoL     uint32
	CipherAlgoH     uint32
	HashAlgo        uint32
	MACAlgoL        uint32
	MACAlgoH        uint32
	AEADAlgo        uint32
	MaxCipherKeyLen uint32
	MaxAuthKeyLen   uint32
	AKCipherAlgo    uint32
	MaxSize         uint64
}

// Parse parses the given bytes into the configuration.
func (c *DeviceConfig) Parse(b []byte) error {
	if len(b) < ConfigLen {
		return ErrHeaderTooShort
	}
	c.Status = le.Uint32(b[0:4])
	c.MaxDataQueues = le.Uint32(b[4:8])
	c.CryptoServices = le.Uint32(b[8:12])
	c.CipherAlgoL = le.Uint32(b[12:16])
	c.CipherAlgoH = le.Uint32(b[16:20])
	c.HashAlgo = le.Uint32(b[20:24])
	c.MACAlgoL = le.Uint32(b[24:28])
	c.MACAlgoH = le.Uint32(b[28:32])
	c.AEADAlgo = le.Uint32(b[32:36])
	c.MaxCipherKeyLen = le.Uint32(b[36:40])
	c.MaxAuthKeyLen = le.Uint32(b[40:44])
	c.AKCipherAlgo = le.Uint32(b[44:48])
	c.MaxSize = le.Uint64(b[48:56])
	return nil
}

// Encode turns the configuration into bytes.
func (c *DeviceConfig) Encode(b []byte) ([]byte, error) {
	if len(b) < ConfigLen {
		return nil, ErrHeaderTooShort
	}
	b = b[:ConfigLen]
	le.PutUint32(b[0:4], c.Status)
	le.PutUint32(b[4:8], c.MaxDataQueues)
	le.PutUint32(b[8:12], c.CryptoServices)
	le.PutUint32(b[12:16], c.CipherAlgoL)
	le.PutUint32(b[16:20], c.CipherAlgoH)
	le.PutUint32(b[20:24], c.HashAlgo)
	le.PutUint32(b[24:28], c.MACAlgoL)
	le.PutUint32(b[28:32], c.MACAlgoH)
	le.PutUint32(b[32:36], c.AEADAlgo)
	le.PutUint32(b[36:40], c.MaxCipherKeyLen)
	le.PutUint32(b[40:44], c.MaxAuthKeyLen)
	le.PutUint32(b[44:48], c.AKCipherAlgo)
	le.PutUint64(b[48:56], c.MaxSize)
	return b, nil
}

// Ready reports whether the device set StatusHWReady.
func (c *DeviceConfig) Ready() bool {
	return c.Status&StatusHWReady != 0
}

// HasService reports whether the device offers the service.
func (c *DeviceConfig) HasService(s Service) bool {
	return c.CryptoServices&(1<<s) != 0
}

// CipherAlgos returns the mask of offered ciphers, bit n for CipherAlgo n.
func (c *DeviceConfig) CipherAlgos() uint64 {
	return uint64(c.CipherAlgoH)<<32 | uint64(c.CipherAlgoL)
}

// MACAlgos returns the mask of offered MACs, bit n for MACAlgo n.
func (c *DeviceConfig) MACAlgos() uint64 {
	return uint64(c.MACAlgoH)<<32 | uint64(c.MACAlgoL)
}

// HasCipher reports whether the device offers the cipher.
func (c *DeviceConfig) HasCipher(a CipherAlgo) bool {
	return a < 64 && c.CipherAlgos()&(1<<a) != 0
}

// HasHash reports whether the device offers the hash.
func (c *DeviceConfig) HasHash(a HashAlgo) bool {
	return a < 32 && c.HashAlgo&(1<<a) != 0
}

// HasMAC reports whether the device offers the MAC.
func (c *DeviceConfig) HasMAC(a MACAlgo) bool {
	return a < 64 && c.MACAlgos()&(1<<a) != 0
}

// HasAEAD reports whether the device offers the AEAD.
func (c *DeviceConfig) HasAEAD(a AEADAlgo) bool {
	return a < 32 && c.AEADAlgo&(1<<a) != 0
}

// HasAKCipher reports whether the device offers the asymmetric algorithm.
func (c *DeviceConfig) HasAKCipher(a AKCipherAlgo) bool {
	return a < 32 && c.AKCipherAlgo&(1<<a) != 0
}

// String creates a readable string representation of the configuration
func (c *DeviceConfig) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("status=%#x dataqueues=%d services=%#x cipher=%#x hash=%#x mac=%#x aead=%#x akcipher=%#x maxsize=%d",
		c.Status, c.MaxDataQueues, c.CryptoServices, c.CipherAlgos(), c.HashAlgo, c.MACAlgos(), c.AEADAlgo, c.AKCipherAlgo, c.MaxSize)
}

// MarshalJSON creates a json string representation of the configuration
func (c *DeviceConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(m{
		"status":          c.Status,
		"maxDataQueues":   c.MaxDataQueues,
		"cryptoServices":  c.CryptoServices,
		"cipherAlgos":     c.CipherAlgos(),
		"hashAlgos":       c.HashAlgo,
		"macAlgos":        c.MACAlgos(),
		"aeadAlgos":       c.AEADAlgo,
		"maxCipherKeyLen": c.MaxCipherKeyLen,
		"maxAuthKeyLen":   c.MaxAuthKeyLen,
		"akcipherAlgos":   c.AKCipherAlgo,
		"maxSize":         c.MaxSize,
	})
}
