package header

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire structures of a virtio crypto device. All multi-byte fields are little
// endian.
//
// Control request:
// 0                                                                       31
// |-----------------------------------------------------------------------|
// |                            Opcode (le32)                              |
// |                            Algo (le32)                                |
// |                            Flag (le32)                                |
// |                            Queue ID (le32)                            | 16
// |-----------------------------------------------------------------------|
// |               Session parameters (56 bytes, per opcode)               | 72
// |-----------------------------------------------------------------------|
//
// Data request:
// |-----------------------------------------------------------------------|
// |                            Opcode (le32)                              |
// |                            Algo (le32)                                |
// |                          Session ID (le64)                            |
// |                            Flag (le32)                                |
// |                            Padding (le32)                             | 24
// |-----------------------------------------------------------------------|
// |               Operation parameters (48 bytes, per opcode)             | 72
// |-----------------------------------------------------------------------|

type m = map[string]any

const (
	// ControlHeaderLen is the size of a [ControlHeader].
	ControlHeaderLen = 16
	// SessionParamsLen is the size of the session parameter union.
	SessionParamsLen = 56
	// ControlRequestLen is the size of a complete control request.
	ControlRequestLen = ControlHeaderLen + SessionParamsLen

	// OpHeaderLen is the size of an [OpHeader].
	OpHeaderLen = 24
	// OpParamsLen is the size of the operation parameter union.
	OpParamsLen = 48
	// DataRequestLen is the size of a complete data request.
	DataRequestLen = OpHeaderLen + OpParamsLen

	// SessionInputLen is the size of a [SessionInput].
	SessionInputLen = 16
	// StatusLen is the size of the status byte the device writes last.
	StatusLen = 1
)

var (
	ErrHeaderTooShort = errors.New("header is too short")
	ErrUnknownOpcode  = errors.New("unknown opcode")
)

// Service is a crypto service of the device. It is also the bit number in
// the crypto_services mask of the device configuration.
type Service uint8

const (
	ServiceCipher   Service = 0
	ServiceHash     Service = 1
	ServiceMAC      Service = 2
	ServiceAEAD     Service = 3
	ServiceAKCipher Service = 4
)

var serviceMap = map[Service]string{
	ServiceCipher:   "cipher",
	ServiceHash:     "hash",
	ServiceMAC:      "mac",
	ServiceAEAD:     "aead",
	ServiceAKCipher: "akcipher",
}

func (s Service) String() string {
	if n, ok := serviceMap[s]; ok {
		return n
	}
	return "unknown"
}

// Opcode is a service in bits 8 and up and an operation of that service in
// the low byte.
type Opcode uint32

// MakeOpcode combines a service and an operation.
func MakeOpcode(s Service, op uint8) Opcode {
	return Opcode(uint32(s)<<8 | uint32(op))
}

// Service returns the service of the opcode.
func (o Opcode) Service() Service {
	return Service(o >> 8)
}

const (
	CipherCreateSession    = Opcode(uint32(ServiceCipher)<<8 | 0x02)
	CipherDestroySession   = Opcode(uint32(ServiceCipher)<<8 | 0x03)
	HashCreateSession      = Opcode(uint32(ServiceHash)<<8 | 0x02)
	HashDestroySession     = Opcode(uint32(ServiceHash)<<8 | 0x03)
	MACCreateSession       = Opcode(uint32(ServiceMAC)<<8 | 0x02)
	MACDestroySession      = Opcode(uint32(ServiceMAC)<<8 | 0x03)
	AEADCreateSession      = Opcode(uint32(ServiceAEAD)<<8 | 0x02)
	AEADDestroySession     = Opcode(uint32(ServiceAEAD)<<8 | 0x03)
	AKCipherCreateSession  = Opcode(uint32(ServiceAKCipher)<<8 | 0x04)
	AKCipherDestroySession = Opcode(uint32(ServiceAKCipher)<<8 | 0x05)
)

const (
	CipherEncrypt   = Opcode(uint32(ServiceCipher)<<8 | 0x00)
	CipherDecrypt   = Opcode(uint32(ServiceCipher)<<8 | 0x01)
	Hash            = Opcode(uint32(ServiceHash)<<8 | 0x00)
	MAC             = Opcode(uint32(ServiceMAC)<<8 | 0x00)
	AEADEncrypt     = Opcode(uint32(ServiceAEAD)<<8 | 0x00)
	AEADDecrypt     = Opcode(uint32(ServiceAEAD)<<8 | 0x01)
	AKCipherEncrypt = Opcode(uint32(ServiceAKCipher)<<8 | 0x00)
	AKCipherDecrypt = Opcode(uint32(ServiceAKCipher)<<8 | 0x01)
	AKCipherSign    = Opcode(uint32(ServiceAKCipher)<<8 | 0x02)
	AKCipherVerify  = Opcode(uint32(ServiceAKCipher)<<8 | 0x03)
)

var opcodeMap = map[Opcode]string{
	CipherCreateSession:    "cipherCreateSession",
	CipherDestroySession:   "cipherDestroySession",
	HashCreateSession:      "hashCreateSession",
	HashDestroySession:     "hashDestroySession",
	MACCreateSession:       "macCreateSession",
	MACDestroySession:      "macDestroySession",
	AEADCreateSession:      "aeadCreateSession",
	AEADDestroySession:     "aeadDestroySession",
	AKCipherCreateSession:  "akcipherCreateSession",
	AKCipherDestroySession: "akcipherDestroySession",
	CipherEncrypt:          "cipherEncrypt",
	CipherDecrypt:          "cipherDecrypt",
	Hash:                   "hash",
	MAC:                    "mac",
	AEADEncrypt:            "aeadEncrypt",
	AEADDecrypt:            "aeadDecrypt",
	AKCipherEncrypt:        "akcipherEncrypt",
	AKCipherDecrypt:        "akcipherDecrypt",
	AKCipherSign:           "akcipherSign",
	AKCipherVerify:         "akcipherVerify",
}

// OpcodeName will transform an opcode into a human string
func OpcodeName(o Opcode) string {
	if n, ok := opcodeMap[o]; ok {
		return n
	}

	return "unknown"
}

func (o Opcode) String() string {
	return OpcodeName(o)
}

// CreateSessionOpcode returns the opcode that creates a session of the
// service.
func CreateSessionOpcode(s Service) (Opcode, error) {
	switch s {
	case ServiceCipher, ServiceHash, ServiceMAC, ServiceAEAD:
		return MakeOpcode(s, 0x02), nil
	case ServiceAKCipher:
		return AKCipherCreateSession, nil
	}
	return 0, fmt.Errorf("%w: no session for service %d", ErrUnknownOpcode, s)
}

// DestroySessionOpcode returns the opcode that destroys a session of the
// service.
func DestroySessionOpcode(s Service) (Opcode, error) {
	switch s {
	case ServiceCipher, ServiceHash, ServiceMAC, ServiceAEAD:
		return MakeOpcode(s, 0x03), nil
	case ServiceAKCipher:
		return AKCipherDestroySession, nil
	}
	return 0, fmt.Errorf("%w: no session for service %d", ErrUnknownOpcode, s)
}

// Status is the result code a device writes for every request.
type Status uint8

const (
	StatusOK          Status = 0
	StatusErr         Status = 1
	StatusBadMsg      Status = 2
	StatusNotSupp     Status = 3
	StatusInvSess     Status = 4
	StatusNoSpc       Status = 5
	StatusKeyRejected Status = 6
)

var statusMap = map[Status]string{
	StatusOK:          "ok",
	StatusErr:         "err",
	StatusBadMsg:      "badmsg",
	StatusNotSupp:     "notsupp",
	StatusInvSess:     "invsess",
	StatusNoSpc:       "nospc",
	StatusKeyRejected: "keyRejected",
}

// StatusName will transform a status into a human string
func StatusName(s Status) string {
	if n, ok := statusMap[s]; ok {
		return n
	}

	return "unknown"
}

func (s Status) String() string {
	return StatusName(s)
}

// Known reports whether the status is one the protocol defines.
func (s Status) Known() bool {
	_, ok := statusMap[s]
	return ok
}

// ControlHeader starts every control request.
type ControlHeader struct {
	Opcode  Opcode
	Algo    uint32
	Flag    uint32
	QueueID uint32
}

// String creates a readable string representation of a control header
func (h *ControlHeader) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("opcode=%s algo=%d flag=%#x queueid=%d", h.Opcode, h.Algo, h.Flag, h.QueueID)
}

// MarshalJSON creates a json string representation of a control header
func (h *ControlHeader) MarshalJSON() ([]byte, error) {
	return json.Marshal(m{
		"opcode":  OpcodeName(h.Opcode),
		"algo":    h.Algo,
		"flag":    h.Flag,
		"queueId": h.QueueID,
	})
}

// Encode turns the header into bytes. b must be at least ControlHeaderLen long.
func (h *ControlHeader) Encode(b []byte) ([]byte, error) {
	if h == nil {
		return nil, errors.New("nil header")
	}
	if len(b) < ControlHeaderLen {
		return nil, ErrHeaderTooShort
	}

	b = b[:ControlHeaderLen]
	le.PutUint32(b[0:4], uint32(h.Opcode))
	le.PutUint32(b[4:8], h.Algo)
	le.PutUint32(b[8:12], h.Flag)
	le.PutUint32(b[12:16], h.QueueID)
	return b, nil
}

// Parse parses the given bytes into the header
func (h *ControlHeader) Parse(b []byte) error {
	if len(b) < ControlHeaderLen {
		return ErrHeaderTooShort
	}
	h.Opcode = Opcode(le.Uint32(b[0:4]))
	h.Algo = le.Uint32(b[4:8])
	h.Flag = le.Uint32(b[8:12])
	h.QueueID = le.Uint32(b[12:16])
	return nil
}

// OpHeader starts every data request.
type OpHeader struct {
	Opcode    Opcode
	Algo      uint32
	SessionID uint64
	Flag      uint32
}

// String creates a readable string representation of an op header
func (h *OpHeader) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("opcode=%s algo=%d sessionid=%d flag=%#x", h.Opcode, h.Algo, h.SessionID, h.Flag)
}

// MarshalJSON creates a json string representation of an op header
func (h *OpHeader) MarshalJSON() ([]byte, error) {
	return json.Marshal(m{
		"opcode":    OpcodeName(h.Opcode),
		"algo":      h.Algo,
		"sessionId": h.SessionID,
		"flag":      h.Flag,
	})
}

// Encode turns the header into bytes. b must be at least OpHeaderLen long.
func (h *OpHeader) Encode(b []byte) ([]byte, error) {
	if h == nil {
		return nil, errors.New("nil header")
	}
	if len(b) < OpHeaderLen {
		return nil, ErrHeaderTooShort
	}

	b = b[:OpHeaderLen]
	le.PutUint32(b[0:4], uint32(h.Opcode))
	le.PutUint32(b[4:8], h.Algo)
	le.PutUint64(b[8:16], h.SessionID)
	le.PutUint32(b[16:20], h.Flag)
	le.PutUint32(b[20:24], 0)
	return b, nil
}

// Parse parses the given bytes into the header
func (h *OpHeader) Parse(b []byte) error {
	if len(b) < OpHeaderLen {
		return ErrHeaderTooShort
	}
	h.Opcode = Opcode(le.Uint32(b[0:4]))
	h.Algo = le.Uint32(b[4:8])
	h.SessionID = le.Uint64(b[8:16])
	h.Flag = le.Uint32(b[16:20])
	return nil
}

// SessionInput is written by the device at the end of a session create
// command.
type SessionInput struct {
	SessionID uint64
	Status    Status
}

// Encode turns the session input into bytes.
func (s *SessionInput) Encode(b []byte) ([]byte, error) {
	if len(b) < SessionInputLen {
		return nil, ErrHeaderTooShort
	}

	b = b[:SessionInputLen]
	le.PutUint64(b[0:8], s.SessionID)
	le.PutUint32(b[8:12], uint32(s.Status))
	le.PutUint32(b[12:16], 0)
	return b, nil
}

// Parse parses the given bytes into the session input. The device writes a
// 32-bit status, values that do not fit a Status are reported as StatusErr.
func (s *SessionInput) Parse(b []byte) error {
	if len(b) < SessionInputLen {
		return ErrHeaderTooShort
	}
	s.SessionID = le.Uint64(b[0:8])
	status := le.Uint32(b[8:12])
	if status > 0xff {
		s.Status = StatusErr
	} else {
		s.Status = Status(status)
	}
	return nil
}
