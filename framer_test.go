package vcrypto

import (
	"testing"

	"github.com/slackhq/vcrypto/header"
	"github.com/slackhq/vcrypto/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCookies(t *testing.T, n int) *cookiePool {
	t.Helper()
	r, err := virtqueue.NewRegion(n * cookieSize(DefaultMaxIVSize))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, r.Close())
	})
	p, err := newCookiePool(r, n, DefaultMaxIVSize)
	require.NoError(t, err)
	return p
}

func TestCookiePool(t *testing.T) {
	assert.Equal(t, 224, cookieSize(16))
	assert.Equal(t, 272, cookieSize(64))

	p := newTestCookies(t, 3)
	assert.Equal(t, 3, p.capacity())

	var got []*cookie
	for range 3 {
		c, err := p.get()
		require.NoError(t, err)
		assert.Equal(t, []byte{statusUnset}, c.status)
		assert.Len(t, c.request, header.DataRequestLen)
		assert.Equal(t, cookieSegments, c.table.Capacity())
		got = append(got, c)
	}
	assert.Equal(t, 0, got[0].index)
	assert.Equal(t, 2, got[2].index)

	_, err := p.get()
	assert.ErrorIs(t, err, ErrCookiePoolEmpty)
	assert.True(t, IsBackpressure(err))

	got[1].status[0] = byte(header.StatusOK)
	p.put(got[1])
	assert.Equal(t, 1, p.available())
	c, err := p.get()
	require.NoError(t, err)
	assert.Same(t, got[1], c)
	assert.Equal(t, byte(statusUnset), c.status[0])

	// Every table is 16-byte aligned.
	for i := range p.cookies {
		assert.Zero(t, p.cookies[i].table.Address()%16)
	}

	r, err := virtqueue.NewRegion(100)
	require.NoError(t, err)
	defer r.Close()
	_, err = newCookiePool(r, 1000, DefaultMaxIVSize)
	assert.Error(t, err)
}

type segmentKind struct {
	length   int
	writable bool
}

func kinds(segs []virtqueue.Segment) []segmentKind {
	out := make([]segmentKind, len(segs))
	for i, s := range segs {
		out[i] = segmentKind{length: int(s.Length), writable: s.Writable}
	}
	return out
}

func TestFramer_Frame(t *testing.T) {
	f := framer{maxIVSize: DefaultMaxIVSize, maxBufferSize: 4096}
	iv := make([]byte, 16)
	aad := make([]byte, 8)
	src := make([]byte, 64)
	dst := make([]byte, 64)
	digest := make([]byte, 32)

	r := func(n int) segmentKind { return segmentKind{length: n} }
	w := func(n int) segmentKind { return segmentKind{length: n, writable: true} }
	req := r(header.DataRequestLen)

	tests := []struct {
		name     string
		op       *Op
		expected []segmentKind
	}{
		{
			name:     "cipher",
			op:       &Op{Opcode: header.CipherEncrypt, IV: iv, Src: src, Dst: dst},
			expected: []segmentKind{req, r(16), r(64), w(64), w(1)},
		},
		{
			name:     "cipher without iv",
			op:       &Op{Opcode: header.CipherDecrypt, Src: src, Dst: dst},
			expected: []segmentKind{req, r(64), w(64), w(1)},
		},
		{
			name: "chain",
			op: &Op{
				Opcode: header.CipherEncrypt, Chain: true, IV: iv, AAD: aad, Src: src, Dst: dst, Digest: digest,
				CipherLen: 64, HashLen: 64,
			},
			expected: []segmentKind{req, r(16), r(8), r(64), w(64), w(32), w(1)},
		},
		{
			name:     "hash",
			op:       &Op{Opcode: header.Hash, Src: src, Digest: digest},
			expected: []segmentKind{req, r(64), w(32), w(1)},
		},
		{
			name:     "mac",
			op:       &Op{Opcode: header.MAC, Src: src, Digest: digest[:20]},
			expected: []segmentKind{req, r(64), w(20), w(1)},
		},
		{
			name:     "aead encrypt",
			op:       &Op{Opcode: header.AEADEncrypt, IV: iv[:12], AAD: aad, Src: src, Dst: dst, Digest: digest[:16]},
			expected: []segmentKind{req, r(12), r(8), r(64), w(64), w(16), w(1)},
		},
		{
			name:     "aead decrypt",
			op:       &Op{Opcode: header.AEADDecrypt, IV: iv[:12], AAD: aad, Src: src, Dst: dst, Digest: digest[:16]},
			expected: []segmentKind{req, r(12), r(8), r(64), r(16), w(64), w(1)},
		},
		{
			name:     "akcipher sign",
			op:       &Op{Opcode: header.AKCipherSign, Src: src[:32], Dst: dst},
			expected: []segmentKind{req, r(32), w(64), w(1)},
		},
		{
			name:     "akcipher verify",
			op:       &Op{Opcode: header.AKCipherVerify, Src: src[:32], Dst: dst},
			expected: []segmentKind{req, r(32), r(64), w(1)},
		},
	}

	p := newTestCookies(t, 1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := p.get()
			require.NoError(t, err)
			defer p.put(c)

			segs, err := f.frame(tt.op, c, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, kinds(segs))
			assert.LessOrEqual(t, len(segs), cookieSegments)

			// The request and the status live in the cookie.
			assert.Equal(t, virtqueue.AddressOf(c.request), segs[0].Address)
			assert.Equal(t, virtqueue.AddressOf(c.status), segs[len(segs)-1].Address)
			if len(tt.op.IV) > 0 {
				assert.Equal(t, virtqueue.AddressOf(c.iv), segs[1].Address)
			}

			parsed, err := header.ParseDataRequest(c.request)
			require.NoError(t, err)
			assert.Equal(t, tt.op.Opcode, parsed.Header.Opcode)
		})
	}
}

func TestFramer_Request(t *testing.T) {
	f := framer{maxIVSize: DefaultMaxIVSize, maxBufferSize: 4096}
	op := &Op{
		Opcode: header.CipherDecrypt, Chain: true, Algo: uint32(header.CipherAESCBC), SessionID: 12,
		IV: make([]byte, 16), AAD: make([]byte, 4), Src: make([]byte, 48), Dst: make([]byte, 48), Digest: make([]byte, 20),
		CipherStart: 16, CipherLen: 32, HashStart: 0, HashLen: 48,
	}
	r := f.request(op)
	assert.Equal(t, header.OpHeader{Opcode: header.CipherDecrypt, Algo: uint32(header.CipherAESCBC), SessionID: 12}, r.Header)
	assert.Equal(t, &header.ChainOpParams{
		IVLen: 16, SrcLen: 48, DstLen: 48,
		CipherStart: 16, CipherLen: 32,
		HashStart: 0, HashLen: 48,
		AADLen: 4, HashResultLen: 20,
	}, r.Params)

	op = &Op{Opcode: header.MAC, Src: make([]byte, 10), Digest: make([]byte, 16)}
	assert.Equal(t, &header.MACOpParams{HashOpParams: header.HashOpParams{SrcLen: 10, HashResultLen: 16}}, f.request(op).Params)
}

func TestFramer_Validate(t *testing.T) {
	f := framer{maxIVSize: 16, maxBufferSize: 128}
	buf := make([]byte, 256)

	tests := []struct {
		name string
		op   *Op
		err  string
	}{
		{name: "nil", op: nil, err: "nil operation"},
		{name: "long iv", op: &Op{Opcode: header.CipherEncrypt, IV: buf[:17], Src: buf[:16], Dst: buf[:16]}, err: "iv of 17 bytes"},
		{name: "empty source", op: &Op{Opcode: header.Hash, Digest: buf[:32]}, err: "empty source"},
		{name: "large source", op: &Op{Opcode: header.Hash, Src: buf[:129], Digest: buf[:32]}, err: "source of 129 bytes"},
		{name: "large output", op: &Op{Opcode: header.CipherEncrypt, Src: buf[:16], Dst: buf[:100], Digest: buf[:32]}, err: "exceed 128"},
		{name: "short destination", op: &Op{Opcode: header.CipherEncrypt, Src: buf[:32], Dst: buf[:16]}, err: "shorter than source"},
		{
			name: "cipher range",
			op:   &Op{Opcode: header.CipherEncrypt, Chain: true, Src: buf[:32], Dst: buf[:32], Digest: buf[:16], CipherStart: 16, CipherLen: 17},
			err:  "cipher range",
		},
		{
			name: "hash range",
			op:   &Op{Opcode: header.CipherEncrypt, Chain: true, Src: buf[:32], Dst: buf[:32], Digest: buf[:16], HashStart: 0xffffffff, HashLen: 2},
			err:  "hash range",
		},
		{name: "chain without digest", op: &Op{Opcode: header.CipherEncrypt, Chain: true, Src: buf[:32], Dst: buf[:32]}, err: "chain without digest"},
		{name: "mac without digest", op: &Op{Opcode: header.MAC, Src: buf[:32]}, err: "mac without digest"},
		{name: "aead without tag", op: &Op{Opcode: header.AEADEncrypt, Src: buf[:32], Dst: buf[:32]}, err: "aead without tag"},
		{name: "aead short destination", op: &Op{Opcode: header.AEADDecrypt, Src: buf[:32], Dst: buf[:8], Digest: buf[:16]}, err: "shorter than source"},
		{name: "akcipher without destination", op: &Op{Opcode: header.AKCipherDecrypt, Src: buf[:32]}, err: "without destination"},
		{name: "unknown opcode", op: &Op{Opcode: header.CipherCreateSession, Src: buf[:32]}, err: "unknown opcode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.validate(tt.op)
			require.ErrorIs(t, err, ErrInvalidOp)
			assert.ErrorContains(t, err, tt.err)
		})
	}

	assert.NoError(t, f.validate(&Op{Opcode: header.CipherEncrypt, Chain: true, Src: buf[:32], Dst: buf[:32], Digest: buf[:16], CipherLen: 32, HashLen: 32}))
	assert.NoError(t, f.validate(&Op{Opcode: header.AKCipherVerify, Src: buf[:32], Dst: buf[:64]}))
}

func TestFramer_FrameInvalid(t *testing.T) {
	f := framer{maxIVSize: DefaultMaxIVSize, maxBufferSize: 4096}
	p := newTestCookies(t, 1)
	c, err := p.get()
	require.NoError(t, err)

	segs, err := f.frame(&Op{Opcode: header.Hash, Src: make([]byte, 8)}, c, nil)
	require.ErrorIs(t, err, ErrInvalidOp)
	assert.Empty(t, segs)
	// Nothing was written to the cookie.
	assert.Equal(t, make([]byte, header.DataRequestLen), c.request)
}
