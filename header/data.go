package header

import (
	"encoding/json"
	"errors"
	"fmt"
)

// symDataOpTypeOffset is the offset of the op type inside the 48-byte
// operation parameter union of symmetric requests.
const symDataOpTypeOffset = 40

// OpParams is the opcode specific part of a data request.
type OpParams interface {
	// Encode writes the parameters into the 48-byte union.
	Encode(b []byte) error
}

// DataRequest is a complete data request.
type DataRequest struct {
	Header OpHeader
	Params OpParams
}

// Encode turns the request into bytes. b must be at least DataRequestLen long.
func (r *DataRequest) Encode(b []byte) ([]byte, error) {
	if r == nil || r.Params == nil {
		return nil, errors.New("nil data request")
	}
	if len(b) < DataRequestLen {
		return nil, ErrHeaderTooShort
	}

	b = b[:DataRequestLen]
	clear(b)
	if _, err := r.Header.Encode(b); err != nil {
		return nil, err
	}
	if err := r.Params.Encode(b[OpHeaderLen:]); err != nil {
		return nil, err
	}
	return b, nil
}

// String creates a readable string representation of a data request
func (r *DataRequest) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s params=%+v", r.Header.String(), r.Params)
}

// MarshalJSON creates a json string representation of a data request
func (r *DataRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(m{
		"header": &r.Header,
		"params": r.Params,
	})
}

type opParser interface {
	OpParams
	parse(b []byte)
}

// ParseDataRequest decodes a data request.
func ParseDataRequest(b []byte) (*DataRequest, error) {
	if len(b) < DataRequestLen {
		return nil, ErrHeaderTooShort
	}

	r := &DataRequest{}
	if err := r.Header.Parse(b); err != nil {
		return nil, err
	}

	u := b[OpHeaderLen:DataRequestLen]
	var p opParser
	switch r.Header.Opcode {
	case CipherEncrypt, CipherDecrypt:
		switch op := SymOp(le.Uint32(u[symDataOpTypeOffset:])); op {
		case SymOpCipher:
			p = &CipherOpParams{}
		case SymOpChain:
			p = &ChainOpParams{}
		default:
			return nil, fmt.Errorf("%w: symmetric op type %d", ErrUnknownOpcode, op)
		}
	case Hash:
		p = &HashOpParams{}
	case MAC:
		p = &MACOpParams{}
	case AEADEncrypt, AEADDecrypt:
		p = &AEADOpParams{}
	case AKCipherEncrypt, AKCipherDecrypt, AKCipherSign, AKCipherVerify:
		p = &AKCipherOpParams{}
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnknownOpcode, uint32(r.Header.Opcode))
	}

	p.parse(u)
	r.Params = p
	return r, nil
}

// CipherOpParams describes a plain cipher request.
type CipherOpParams struct {
	IVLen  uint32
	SrcLen uint32
	DstLen uint32
}

func (p *CipherOpParams) Encode(b []byte) error {
	if len(b) < OpParamsLen {
		return ErrHeaderTooShort
	}
	le.PutUint32(b[0:4], p.IVLen)
	le.PutUint32(b[4:8], p.SrcLen)
	le.PutUint32(b[8:12], p.DstLen)
	le.PutUint32(b[symDataOpTypeOffset:], uint32(SymOpCipher))
	return nil
}

func (p *CipherOpParams) parse(b []byte) {
	p.IVLen = le.Uint32(b[0:4])
	p.SrcLen = le.Uint32(b[4:8])
	p.DstLen = le.Uint32(b[8:12])
}

// ChainOpParams describes a request of an algorithm chain session. The
// cipher and hash ranges are relative to the source.
type ChainOpParams struct {
	IVLen         uint32
	SrcLen        uint32
	DstLen        uint32
	CipherStart   uint32
	CipherLen     uint32
	HashStart     uint32
	HashLen       uint32
	AADLen        uint32
	HashResultLen uint32
}

func (p *ChainOpParams) Encode(b []byte) error {
	if len(b) < OpParamsLen {
		return ErrHeaderTooShort
	}
	le.PutUint32(b[0:4], p.IVLen)
	le.PutUint32(b[4:8], p.SrcLen)
	le.PutUint32(b[8:12], p.DstLen)
	le.PutUint32(b[12:16], p.CipherStart)
	le.PutUint32(b[16:20], p.CipherLen)
	le.PutUint32(b[20:24], p.HashStart)
	le.PutUint32(b[24:28], p.HashLen)
	le.PutUint32(b[28:32], p.AADLen)
	le.PutUint32(b[32:36], p.HashResultLen)
	le.PutUint32(b[36:40], 0)
	le.PutUint32(b[symDataOpTypeOffset:], uint32(SymOpChain))
	return nil
}

func (p *ChainOpParams) parse(b []byte) {
	p.IVLen = le.Uint32(b[0:4])
	p.SrcLen = le.Uint32(b[4:8])
	p.DstLen = le.Uint32(b[8:12])
	p.CipherStart = le.Uint32(b[12:16])
	p.CipherLen = le.Uint32(b[16:20])
	p.HashStart = le.Uint32(b[20:24])
	p.HashLen = le.Uint32(b[24:28])
	p.AADLen = le.Uint32(b[28:32])
	p.HashResultLen = le.Uint32(b[32:36])
}

// HashOpParams describes a hash request.
type HashOpParams struct {
	SrcLen        uint32
	HashResultLen uint32
}

func (p *HashOpParams) Encode(b []byte) error {
	if len(b) < OpParamsLen {
		return ErrHeaderTooShort
	}
	le.PutUint32(b[0:4], p.SrcLen)
	le.PutUint32(b[4:8], p.HashResultLen)
	return nil
}

func (p *HashOpParams) parse(b []byte) {
	p.SrcLen = le.Uint32(b[0:4])
	p.HashResultLen = le.Uint32(b[4:8])
}

// MACOpParams describes a MAC request. It has the layout of a hash request.
type MACOpParams struct {
	HashOpParams
}

// AEADOpParams describes an AEAD request. The tag travels in its own
// segment, so DstLen equals SrcLen.
type AEADOpParams struct {
	IVLen  uint32
	AADLen uint32
	SrcLen uint32
	DstLen uint32
	TagLen uint32
}

func (p *AEADOpParams) Encode(b []byte) error {
	if len(b) < OpParamsLen {
		return ErrHeaderTooShort
	}
	le.PutUint32(b[0:4], p.IVLen)
	le.PutUint32(b[4:8], p.AADLen)
	le.PutUint32(b[8:12], p.SrcLen)
	le.PutUint32(b[12:16], p.DstLen)
	le.PutUint32(b[16:20], p.TagLen)
	le.PutUint32(b[20:24], 0)
	return nil
}

func (p *AEADOpParams) parse(b []byte) {
	p.IVLen = le.Uint32(b[0:4])
	p.AADLen = le.Uint32(b[4:8])
	p.SrcLen = le.Uint32(b[8:12])
	p.DstLen = le.Uint32(b[12:16])
	p.TagLen = le.Uint32(b[16:20])
}

// AKCipherOpParams describes an asymmetric request.
type AKCipherOpParams struct {
	SrcLen uint32
	DstLen uint32
}

func (p *AKCipherOpParams) Encode(b []byte) error {
	if len(b) < OpParamsLen {
		return ErrHeaderTooShort
	}
	le.PutUint32(b[0:4], p.SrcLen)
	le.PutUint32(b[4:8], p.DstLen)
	return nil
}

func (p *AKCipherOpParams) parse(b []byte) {
	p.SrcLen = le.Uint32(b[0:4])
	p.DstLen = le.Uint32(b[4:8])
}
