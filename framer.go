package vcrypto

import (
	"github.com/slackhq/vcrypto/header"
	"github.com/slackhq/vcrypto/virtqueue"
)

// framer turns operations into descriptor segments. The segment order is
// fixed: request header, IV, AAD, source, destination, digest, status.
// Device readable segments always precede device writable ones, so a tag
// that is read on AEAD decryption and the destination that is read on
// akcipher verify move in front of the writable part.
type framer struct {
	maxIVSize     int
	maxBufferSize int
}

// validate checks an operation against the limits the device enforces. It
// does not touch any queue state.
func (f *framer) validate(op *Op) error {
	if op == nil {
		return invalidOp("nil operation")
	}
	if len(op.IV) > f.maxIVSize {
		return invalidOp("iv of %d bytes exceeds %d", len(op.IV), f.maxIVSize)
	}
	if len(op.Src) == 0 {
		return invalidOp("empty source")
	}
	if len(op.Src) > f.maxBufferSize {
		return invalidOp("source of %d bytes exceeds %d", len(op.Src), f.maxBufferSize)
	}
	if len(op.Dst)+len(op.Digest) > f.maxBufferSize {
		return invalidOp("destination and digest of %d bytes exceed %d", len(op.Dst)+len(op.Digest), f.maxBufferSize)
	}

	switch op.Opcode {
	case header.CipherEncrypt, header.CipherDecrypt:
		if len(op.Dst) < len(op.Src) {
			return invalidOp("destination of %d bytes is shorter than source of %d", len(op.Dst), len(op.Src))
		}
		if !op.Chain {
			return nil
		}
		src := uint64(len(op.Src))
		if uint64(op.CipherStart)+uint64(op.CipherLen) > src {
			return invalidOp("cipher range %d+%d exceeds source of %d bytes", op.CipherStart, op.CipherLen, src)
		}
		if uint64(op.HashStart)+uint64(op.HashLen) > src {
			return invalidOp("hash range %d+%d exceeds source of %d bytes", op.HashStart, op.HashLen, src)
		}
		if len(op.Digest) == 0 {
			return invalidOp("chain without digest")
		}

	case header.Hash, header.MAC:
		if len(op.Digest) == 0 {
			return invalidOp("%s without digest", op.Opcode)
		}

	case header.AEADEncrypt, header.AEADDecrypt:
		if len(op.Dst) < len(op.Src) {
			return invalidOp("destination of %d bytes is shorter than source of %d", len(op.Dst), len(op.Src))
		}
		if len(op.Digest) == 0 {
			return invalidOp("aead without tag")
		}

	case header.AKCipherEncrypt, header.AKCipherDecrypt, header.AKCipherSign, header.AKCipherVerify:
		if len(op.Dst) == 0 {
			return invalidOp("%s without destination", op.Opcode)
		}

	default:
		return invalidOp("unknown opcode %#x", uint32(op.Opcode))
	}

	return nil
}

// request builds the data request header of a validated operation.
func (f *framer) request(op *Op) *header.DataRequest {
	r := &header.DataRequest{
		Header: header.OpHeader{Opcode: op.Opcode, Algo: op.Algo, SessionID: op.SessionID},
	}

	src, dst := uint32(len(op.Src)), uint32(len(op.Dst))
	switch op.Opcode {
	case header.CipherEncrypt, header.CipherDecrypt:
		if op.Chain {
			r.Params = &header.ChainOpParams{
				IVLen:         uint32(len(op.IV)),
				SrcLen:        src,
				DstLen:        dst,
				CipherStart:   op.CipherStart,
				CipherLen:     op.CipherLen,
				HashStart:     op.HashStart,
				HashLen:       op.HashLen,
				AADLen:        uint32(len(op.AAD)),
				HashResultLen: uint32(len(op.Digest)),
			}
		} else {
			r.Params = &header.CipherOpParams{IVLen: uint32(len(op.IV)), SrcLen: src, DstLen: dst}
		}
	case header.Hash:
		r.Params = &header.HashOpParams{SrcLen: src, HashResultLen: uint32(len(op.Digest))}
	case header.MAC:
		r.Params = &header.MACOpParams{HashOpParams: header.HashOpParams{SrcLen: src, HashResultLen: uint32(len(op.Digest))}}
	case header.AEADEncrypt, header.AEADDecrypt:
		r.Params = &header.AEADOpParams{
			IVLen:  uint32(len(op.IV)),
			AADLen: uint32(len(op.AAD)),
			SrcLen: src,
			DstLen: dst,
			TagLen: uint32(len(op.Digest)),
		}
	default:
		r.Params = &header.AKCipherOpParams{SrcLen: src, DstLen: dst}
	}
	return r
}

func readable(b []byte) virtqueue.Segment {
	return virtqueue.Segment{Address: virtqueue.AddressOf(b), Length: uint32(len(b))}
}

func writable(b []byte) virtqueue.Segment {
	return virtqueue.Segment{Address: virtqueue.AddressOf(b), Length: uint32(len(b)), Writable: true}
}

// frame validates op, encodes its request into the cookie and appends the
// segments to segs. On error nothing was written to the cookie.
func (f *framer) frame(op *Op, c *cookie, segs []virtqueue.Segment) ([]virtqueue.Segment, error) {
	if err := f.validate(op); err != nil {
		return segs, err
	}

	req, err := f.request(op).Encode(c.request)
	if err != nil {
		return segs, invalidOp("encode request: %s", err)
	}
	segs = append(segs, readable(req))

	if len(op.IV) > 0 {
		iv := c.iv[:len(op.IV)]
		copy(iv, op.IV)
		segs = append(segs, readable(iv))
	}
	if len(op.AAD) > 0 {
		segs = append(segs, readable(op.AAD))
	}
	segs = append(segs, readable(op.Src))

	switch op.Opcode {
	case header.Hash, header.MAC:
		segs = append(segs, writable(op.Digest))
	case header.AEADDecrypt:
		segs = append(segs, readable(op.Digest), writable(op.Dst))
	case header.AKCipherVerify:
		segs = append(segs, readable(op.Dst))
	case header.AKCipherEncrypt, header.AKCipherDecrypt, header.AKCipherSign:
		segs = append(segs, writable(op.Dst))
	default:
		segs = append(segs, writable(op.Dst))
		if op.Chain || op.Opcode == header.AEADEncrypt {
			segs = append(segs, writable(op.Digest))
		}
	}

	return append(segs, writable(c.status)), nil
}
