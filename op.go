package vcrypto

import (
	"fmt"

	"github.com/slackhq/vcrypto/header"
)

// OpStatus is the result of a data operation.
type OpStatus uint8

const (
	// OpStatusPending is the status of an operation that was not completed.
	OpStatusPending OpStatus = iota
	OpStatusOK
	OpStatusError
	// OpStatusBadMessage means the device considered the request malformed.
	OpStatusBadMessage
	OpStatusNotSupported
	OpStatusInvalidSession
	// OpStatusNotProcessed is set on operations that were still in flight
	// when the device was stopped.
	OpStatusNotProcessed
)

var opStatusNames = map[OpStatus]string{
	OpStatusPending:        "pending",
	OpStatusOK:             "ok",
	OpStatusError:          "error",
	OpStatusBadMessage:     "bad message",
	OpStatusNotSupported:   "not supported",
	OpStatusInvalidSession: "invalid session",
	OpStatusNotProcessed:   "not processed",
}

func (s OpStatus) String() string {
	if n, ok := opStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("OpStatus(%d)", uint8(s))
}

// opStatusFromDevice maps the status byte written by the device. Values the
// protocol does not know are reported as a generic error with ok false.
func opStatusFromDevice(s header.Status) (status OpStatus, ok bool) {
	switch s {
	case header.StatusOK:
		return OpStatusOK, true
	case header.StatusBadMsg:
		return OpStatusBadMessage, true
	case header.StatusNotSupp:
		return OpStatusNotSupported, true
	case header.StatusInvSess:
		return OpStatusInvalidSession, true
	case header.StatusErr, header.StatusNoSpc, header.StatusKeyRejected:
		return OpStatusError, true
	}
	return OpStatusError, false
}

// Op is one crypto operation on a data queue. The buffers are used by the
// device between enqueue and dequeue and must not be touched by the caller
// in that time. With a transport that maps memory, like vhost-vdpa, the
// buffers have to come from [Device.Alloc].
//
// Which buffers are used depends on the opcode:
//   - cipher: IV, Src, Dst
//   - chained cipher and hash: IV, AAD, Src, Dst, Digest and the ranges
//   - hash and MAC: Src, Digest
//   - AEAD: IV, AAD, Src, Dst and the tag in Digest, written on encryption
//     and read on decryption
//   - akcipher: Src and Dst, where Dst is read instead of written for verify
type Op struct {
	Opcode header.Opcode
	// Chain selects an algorithm chaining session for cipher opcodes.
	Chain     bool
	Algo      uint32
	SessionID uint64

	IV     []byte
	AAD    []byte
	Src    []byte
	Dst    []byte
	Digest []byte

	// Ranges of Src processed by the cipher and the hash of a chain.
	CipherStart, CipherLen uint32
	HashStart, HashLen     uint32

	// Status is set when the operation is dequeued.
	Status OpStatus
	// Length is the number of bytes the device reported as written.
	Length uint32

	// UserData is not used by the queue.
	UserData any
}

// NewCipherOp returns an encrypt or decrypt operation of a cipher session.
func NewCipherOp(s Session, op header.CipherOp, iv, src, dst []byte) *Op {
	opcode := header.CipherEncrypt
	if op == header.CipherOpDecrypt {
		opcode = header.CipherDecrypt
	}
	return &Op{Opcode: opcode, SessionID: s.ID, Algo: s.Algo, IV: iv, Src: src, Dst: dst}
}

// NewHashOp returns an operation that hashes src into digest.
func NewHashOp(s Session, src, digest []byte) *Op {
	return &Op{Opcode: header.Hash, SessionID: s.ID, Algo: s.Algo, Src: src, Digest: digest}
}

// NewMACOp returns an operation that authenticates src into digest.
func NewMACOp(s Session, src, digest []byte) *Op {
	return &Op{Opcode: header.MAC, SessionID: s.ID, Algo: s.Algo, Src: src, Digest: digest}
}

// NewAEADOp returns an AEAD operation. tag is written on encryption and read
// on decryption.
func NewAEADOp(s Session, op header.CipherOp, iv, aad, src, dst, tag []byte) *Op {
	opcode := header.AEADEncrypt
	if op == header.CipherOpDecrypt {
		opcode = header.AEADDecrypt
	}
	return &Op{Opcode: opcode, SessionID: s.ID, Algo: s.Algo, IV: iv, AAD: aad, Src: src, Dst: dst, Digest: tag}
}

func (op *Op) String() string {
	return fmt.Sprintf("opcode=%s session=%d src=%d dst=%d status=%s", op.Opcode, op.SessionID, len(op.Src), len(op.Dst), op.Status)
}

// NewChainOp returns an operation of an algorithm chaining session. The
// cipher and hash ranges default to the whole of src.
func NewChainOp(s Session, op header.CipherOp, iv, aad, src, dst, digest []byte) *Op {
	o := NewCipherOp(s, op, iv, src, dst)
	o.Chain = true
	o.AAD = aad
	o.Digest = digest
	o.CipherLen = uint32(len(src))
	o.HashLen = uint32(len(src))
	return o
}

// NewAKCipherOp returns an asymmetric operation. opcode is one of the
// akcipher opcodes of the header package.
func NewAKCipherOp(s Session, opcode header.Opcode, src, dst []byte) *Op {
	return &Op{Opcode: opcode, SessionID: s.ID, Algo: s.Algo, Src: src, Dst: dst}
}
