package header

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var le = binary.LittleEndian

// Offsets inside the 56-byte session parameter union.
const (
	symOpTypeOffset   = 48
	chainCipherOffset = 8
	chainAuthOffset   = 24
	chainAADOffset    = 40
)

// maxKeyLen bounds the key lengths accepted by ParseControlRequest.
const maxKeyLen = 64 << 10

// ControlParams is the opcode specific part of a control request.
type ControlParams interface {
	// Opcode returns the opcode of the request.
	Opcode() Opcode
	// HeaderAlgo returns the algorithm placed in the control header.
	HeaderAlgo() uint32
	// Keys returns the key material that follows the request, each key in
	// its own device readable segment.
	Keys() [][]byte
	// Encode writes the parameters into the 56-byte union.
	Encode(b []byte) error
}

// ControlRequest is a complete control request.
type ControlRequest struct {
	Header ControlHeader
	Params ControlParams
}

// NewControlRequest builds a control request for the given parameters.
func NewControlRequest(p ControlParams, queueID uint32) *ControlRequest {
	return &ControlRequest{
		Header: ControlHeader{Opcode: p.Opcode(), Algo: p.HeaderAlgo(), QueueID: queueID},
		Params: p,
	}
}

// Encode turns the request into bytes. b must be at least ControlRequestLen long.
func (r *ControlRequest) Encode(b []byte) ([]byte, error) {
	if r == nil || r.Params == nil {
		return nil, errors.New("nil control request")
	}
	if len(b) < ControlRequestLen {
		return nil, ErrHeaderTooShort
	}

	b = b[:ControlRequestLen]
	clear(b)
	if _, err := r.Header.Encode(b); err != nil {
		return nil, err
	}
	if err := r.Params.Encode(b[ControlHeaderLen:]); err != nil {
		return nil, err
	}
	return b, nil
}

// String creates a readable string representation of a control request
func (r *ControlRequest) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s params=%+v", r.Header.String(), r.Params)
}

// MarshalJSON creates a json string representation of a control request
func (r *ControlRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(m{
		"header": &r.Header,
		"params": r.Params,
	})
}

type parser interface {
	ControlParams
	parse(b []byte) error
}

// ParseControlRequest decodes a control request. Keys of the returned
// parameters are allocated with the announced lengths but not filled in,
// they travel in the segments that follow the request.
func ParseControlRequest(b []byte) (*ControlRequest, error) {
	if len(b) < ControlRequestLen {
		return nil, ErrHeaderTooShort
	}

	r := &ControlRequest{}
	if err := r.Header.Parse(b); err != nil {
		return nil, err
	}

	u := b[ControlHeaderLen:ControlRequestLen]
	var p parser
	switch r.Header.Opcode {
	case CipherCreateSession:
		switch op := SymOp(le.Uint32(u[symOpTypeOffset:])); op {
		case SymOpCipher:
			p = &CipherSessionParams{}
		case SymOpChain:
			p = &ChainSessionParams{}
		default:
			return nil, fmt.Errorf("%w: symmetric session op type %d", ErrUnknownOpcode, op)
		}
	case HashCreateSession:
		p = &HashSessionParams{}
	case MACCreateSession:
		p = &MACSessionParams{}
	case AEADCreateSession:
		p = &AEADSessionParams{}
	case AKCipherCreateSession:
		p = &AKCipherSessionParams{}
	case CipherDestroySession, HashDestroySession, MACDestroySession, AEADDestroySession, AKCipherDestroySession:
		p = &DestroySessionParams{Service: r.Header.Opcode.Service()}
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnknownOpcode, uint32(r.Header.Opcode))
	}

	if err := p.parse(u); err != nil {
		return nil, err
	}
	r.Params = p
	return r, nil
}

func keyOfLen(n uint32) ([]byte, error) {
	if n > maxKeyLen {
		return nil, fmt.Errorf("key length %d is too large", n)
	}
	return make([]byte, n), nil
}

func nonEmpty(keys ...[]byte) [][]byte {
	var out [][]byte
	for _, k := range keys {
		if len(k) > 0 {
			out = append(out, k)
		}
	}
	return out
}

// CipherSessionParams creates a plain cipher session.
type CipherSessionParams struct {
	Algo CipherAlgo
	Op   CipherOp
	Key  []byte `json:"-"`
}

func (p *CipherSessionParams) Opcode() Opcode     { return CipherCreateSession }
func (p *CipherSessionParams) HeaderAlgo() uint32 { return uint32(p.Algo) }
func (p *CipherSessionParams) Keys() [][]byte     { return nonEmpty(p.Key) }

func (p *CipherSessionParams) Encode(b []byte) error {
	if len(b) < SessionParamsLen {
		return ErrHeaderTooShort
	}
	p.encodeCipher(b)
	le.PutUint32(b[symOpTypeOffset:], uint32(SymOpCipher))
	return nil
}

// encodeCipher writes the 16-byte cipher parameters shared with chains.
func (p *CipherSessionParams) encodeCipher(b []byte) {
	le.PutUint32(b[0:4], uint32(p.Algo))
	le.PutUint32(b[4:8], uint32(len(p.Key)))
	le.PutUint32(b[8:12], uint32(p.Op))
	le.PutUint32(b[12:16], 0)
}

func (p *CipherSessionParams) parse(b []byte) (err error) {
	p.Algo = CipherAlgo(le.Uint32(b[0:4]))
	p.Op = CipherOp(le.Uint32(b[8:12]))
	p.Key, err = keyOfLen(le.Uint32(b[4:8]))
	return err
}

// ChainSessionParams creates a session that runs a cipher and a hash or MAC
// over the same request.
type ChainSessionParams struct {
	Order    ChainOrder
	HashMode HashMode
	Cipher   CipherSessionParams
	// HashAlgo is used with HashModePlain, MACAlgo with HashModeAuth.
	HashAlgo      HashAlgo
	MACAlgo       MACAlgo
	HashResultLen uint32
	AuthKey       []byte `json:"-"`
	AADLen        uint32
}

func (p *ChainSessionParams) Opcode() Opcode     { return CipherCreateSession }
func (p *ChainSessionParams) HeaderAlgo() uint32 { return uint32(p.Cipher.Algo) }

// Keys returns the cipher key followed by the authentication key.
func (p *ChainSessionParams) Keys() [][]byte {
	return nonEmpty(p.Cipher.Key, p.AuthKey)
}

func (p *ChainSessionParams) Encode(b []byte) error {
	if len(b) < SessionParamsLen {
		return ErrHeaderTooShort
	}
	le.PutUint32(b[0:4], uint32(p.Order))
	le.PutUint32(b[4:8], uint32(p.HashMode))
	p.Cipher.encodeCipher(b[chainCipherOffset:])

	a := b[chainAuthOffset:chainAADOffset]
	clear(a)
	switch p.HashMode {
	case HashModeAuth, HashModeNested:
		le.PutUint32(a[0:4], uint32(p.MACAlgo))
		le.PutUint32(a[4:8], p.HashResultLen)
		le.PutUint32(a[8:12], uint32(len(p.AuthKey)))
	default:
		le.PutUint32(a[0:4], uint32(p.HashAlgo))
		le.PutUint32(a[4:8], p.HashResultLen)
	}

	le.PutUint32(b[chainAADOffset:], p.AADLen)
	le.PutUint32(b[symOpTypeOffset:], uint32(SymOpChain))
	return nil
}

func (p *ChainSessionParams) parse(b []byte) error {
	p.Order = ChainOrder(le.Uint32(b[0:4]))
	p.HashMode = HashMode(le.Uint32(b[4:8]))
	if err := p.Cipher.parse(b[chainCipherOffset:]); err != nil {
		return err
	}

	a := b[chainAuthOffset:chainAADOffset]
	p.HashResultLen = le.Uint32(a[4:8])
	switch p.HashMode {
	case HashModeAuth, HashModeNested:
		p.MACAlgo = MACAlgo(le.Uint32(a[0:4]))
		key, err := keyOfLen(le.Uint32(a[8:12]))
		if err != nil {
			return err
		}
		p.AuthKey = key
	default:
		p.HashAlgo = HashAlgo(le.Uint32(a[0:4]))
	}

	p.AADLen = le.Uint32(b[chainAADOffset:])
	return nil
}

// HashSessionParams creates a plain hash session.
type HashSessionParams struct {
	Algo      HashAlgo
	ResultLen uint32
}

func (p *HashSessionParams) Opcode() Opcode     { return HashCreateSession }
func (p *HashSessionParams) HeaderAlgo() uint32 { return uint32(p.Algo) }
func (p *HashSessionParams) Keys() [][]byte     { return nil }

func (p *HashSessionParams) Encode(b []byte) error {
	if len(b) < SessionParamsLen {
		return ErrHeaderTooShort
	}
	le.PutUint32(b[0:4], uint32(p.Algo))
	le.PutUint32(b[4:8], p.ResultLen)
	return nil
}

func (p *HashSessionParams) parse(b []byte) error {
	p.Algo = HashAlgo(le.Uint32(b[0:4]))
	p.ResultLen = le.Uint32(b[4:8])
	return nil
}

// MACSessionParams creates a MAC session.
type MACSessionParams struct {
	Algo      MACAlgo
	ResultLen uint32
	Key       []byte `json:"-"`
}

func (p *MACSessionParams) Opcode() Opcode     { return MACCreateSession }
func (p *MACSessionParams) HeaderAlgo() uint32 { return uint32(p.Algo) }
func (p *MACSessionParams) Keys() [][]byte     { return nonEmpty(p.Key) }

func (p *MACSessionParams) Encode(b []byte) error {
	if len(b) < SessionParamsLen {
		return ErrHeaderTooShort
	}
	le.PutUint32(b[0:4], uint32(p.Algo))
	le.PutUint32(b[4:8], p.ResultLen)
	le.PutUint32(b[8:12], uint32(len(p.Key)))
	return nil
}

func (p *MACSessionParams) parse(b []byte) (err error) {
	p.Algo = MACAlgo(le.Uint32(b[0:4]))
	p.ResultLen = le.Uint32(b[4:8])
	p.Key, err = keyOfLen(le.Uint32(b[8:12]))
	return err
}

// AEADSessionParams creates an AEAD session.
type AEADSessionParams struct {
	Algo   AEADAlgo
	Key    []byte `json:"-"`
	TagLen uint32
	AADLen uint32
	Op     CipherOp
}

func (p *AEADSessionParams) Opcode() Opcode     { return AEADCreateSession }
func (p *AEADSessionParams) HeaderAlgo() uint32 { return uint32(p.Algo) }
func (p *AEADSessionParams) Keys() [][]byte     { return nonEmpty(p.Key) }

func (p *AEADSessionParams) Encode(b []byte) error {
	if len(b) < SessionParamsLen {
		return ErrHeaderTooShort
	}
	le.PutUint32(b[0:4], uint32(p.Algo))
	le.PutUint32(b[4:8], uint32(len(p.Key)))
	le.PutUint32(b[8:12], p.TagLen)
	le.PutUint32(b[12:16], p.AADLen)
	le.PutUint32(b[16:20], uint32(p.Op))
	return nil
}

func (p *AEADSessionParams) parse(b []byte) (err error) {
	p.Algo = AEADAlgo(le.Uint32(b[0:4]))
	p.TagLen = le.Uint32(b[8:12])
	p.AADLen = le.Uint32(b[12:16])
	p.Op = CipherOp(le.Uint32(b[16:20]))
	p.Key, err = keyOfLen(le.Uint32(b[4:8]))
	return err
}

// AKCipherSessionParams creates an asymmetric session. Padding and Hash are
// used for RSA, Curve for ECDSA.
type AKCipherSessionParams struct {
	Algo    AKCipherAlgo
	KeyType AKCipherKeyType
	Key     []byte `json:"-"`
	Padding RSAPadding
	Hash    RSAHash
	Curve   ECDSACurve
}

func (p *AKCipherSessionParams) Opcode() Opcode     { return AKCipherCreateSession }
func (p *AKCipherSessionParams) HeaderAlgo() uint32 { return uint32(p.Algo) }
func (p *AKCipherSessionParams) Keys() [][]byte     { return nonEmpty(p.Key) }

func (p *AKCipherSessionParams) Encode(b []byte) error {
	if len(b) < SessionParamsLen {
		return ErrHeaderTooShort
	}
	le.PutUint32(b[0:4], uint32(p.Algo))
	le.PutUint32(b[4:8], uint32(p.KeyType))
	le.PutUint32(b[8:12], uint32(len(p.Key)))
	switch p.Algo {
	case AKCipherECDSA:
		le.PutUint32(b[12:16], uint32(p.Curve))
	default:
		le.PutUint32(b[12:16], uint32(p.Padding))
		le.PutUint32(b[16:20], uint32(p.Hash))
	}
	return nil
}

func (p *AKCipherSessionParams) parse(b []byte) (err error) {
	p.Algo = AKCipherAlgo(le.Uint32(b[0:4]))
	p.KeyType = AKCipherKeyType(le.Uint32(b[4:8]))
	switch p.Algo {
	case AKCipherECDSA:
		p.Curve = ECDSACurve(le.Uint32(b[12:16]))
	default:
		p.Padding = RSAPadding(le.Uint32(b[12:16]))
		p.Hash = RSAHash(le.Uint32(b[16:20]))
	}
	p.Key, err = keyOfLen(le.Uint32(b[8:12]))
	return err
}

// DestroySessionParams destroys a session of the given service.
type DestroySessionParams struct {
	Service   Service
	SessionID uint64
}

func (p *DestroySessionParams) Opcode() Opcode {
	o, _ := DestroySessionOpcode(p.Service)
	return o
}

func (p *DestroySessionParams) HeaderAlgo() uint32 { return 0 }
func (p *DestroySessionParams) Keys() [][]byte     { return nil }

func (p *DestroySessionParams) Encode(b []byte) error {
	if len(b) < SessionParamsLen {
		return ErrHeaderTooShort
	}
	le.PutUint64(b[0:8], p.SessionID)
	return nil
}

func (p *DestroySessionParams) parse(b []byte) error {
	p.SessionID = le.Uint64(b[0:8])
	return nil
}
