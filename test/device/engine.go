package device

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/slackhq/vcrypto/header"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// Services returns the service mask of the algorithms the device executes.
func Services() uint32 {
	return 1<<header.ServiceCipher | 1<<header.ServiceHash | 1<<header.ServiceMAC |
		1<<header.ServiceAEAD | 1<<header.ServiceAKCipher
}

// DefaultConfig is the configuration space of a device with the given
// number of data queues. Every algorithm the device executes is announced,
// akcipher sessions can be created but every request fails with NOTSUPP.
func DefaultConfig(dataQueues uint32) header.DeviceConfig {
	return header.DeviceConfig{
		Status:          header.StatusHWReady,
		MaxDataQueues:   dataQueues,
		CryptoServices:  Services(),
		CipherAlgoL:     1<<header.CipherAESCBC | 1<<header.CipherAESCTR,
		HashAlgo:        hashMask(),
		MACAlgoL:        macMask(),
		AEADAlgo:        1<<header.AEADGCM | 1<<header.AEADChaCha20Poly1305,
		MaxCipherKeyLen: 32,
		MaxAuthKeyLen:   128,
		AKCipherAlgo:    1<<header.AKCipherRSA | 1<<header.AKCipherECDSA,
		MaxSize:         1 << 20,
	}
}

var hashes = map[header.HashAlgo]func() hash.Hash{
	header.HashMD5:     md5.New,
	header.HashSHA1:    sha1.New,
	header.HashSHA224:  sha256.New224,
	header.HashSHA256:  sha256.New,
	header.HashSHA384:  sha512.New384,
	header.HashSHA512:  sha512.New,
	header.HashSHA3224: sha3.New224,
	header.HashSHA3256: sha3.New256,
	header.HashSHA3384: sha3.New384,
	header.HashSHA3512: sha3.New512,
}

var macs = map[header.MACAlgo]func() hash.Hash{
	header.MACHMACMD5:    md5.New,
	header.MACHMACSHA1:   sha1.New,
	header.MACHMACSHA224: sha256.New224,
	header.MACHMACSHA256: sha256.New,
	header.MACHMACSHA384: sha512.New384,
	header.MACHMACSHA512: sha512.New,
}

func hashMask() uint32 {
	var m uint32
	for a := range hashes {
		m |= 1 << a
	}
	return m
}

func macMask() uint32 {
	var m uint32
	for a := range macs {
		m |= 1 << a
	}
	return m
}

// session is a session created on the device.
type session struct {
	service header.Service
	params  header.ControlParams
}

// result is the outcome of a data request: the bytes written in front of the
// status byte and the status.
type result struct {
	out    []byte
	status header.Status
}

func fail(s header.Status) result {
	return result{status: s}
}

// execute runs a data request. in holds every readable byte that follows the
// request header.
func (d *Crypto) execute(req *header.DataRequest, in []byte) result {
	s, ok := d.sessions[req.Header.SessionID]
	if !ok || s.service != req.Header.Opcode.Service() {
		return fail(header.StatusInvSess)
	}

	switch p := req.Params.(type) {
	case *header.CipherOpParams:
		sp, ok := s.params.(*header.CipherSessionParams)
		if !ok {
			return fail(header.StatusInvSess)
		}
		iv, rest, ok := cut(in, p.IVLen)
		if !ok || uint32(len(rest)) < p.SrcLen || p.DstLen < p.SrcLen {
			return fail(header.StatusBadMsg)
		}
		src := rest[:p.SrcLen]
		dst, status := runCipher(sp, req.Header.Opcode == header.CipherEncrypt, iv, src)
		return result{out: dst, status: status}

	case *header.ChainOpParams:
		sp, ok := s.params.(*header.ChainSessionParams)
		if !ok {
			return fail(header.StatusInvSess)
		}
		return runChain(sp, req.Header.Opcode == header.CipherEncrypt, p, in)

	case *header.HashOpParams:
		sp, ok := s.params.(*header.HashSessionParams)
		if !ok {
			return fail(header.StatusInvSess)
		}
		if uint32(len(in)) < p.SrcLen {
			return fail(header.StatusBadMsg)
		}
		newHash, ok := hashes[sp.Algo]
		if !ok {
			return fail(header.StatusNotSupp)
		}
		h := newHash()
		h.Write(in[:p.SrcLen])
		return truncated(h.Sum(nil), p.HashResultLen)

	case *header.MACOpParams:
		sp, ok := s.params.(*header.MACSessionParams)
		if !ok {
			return fail(header.StatusInvSess)
		}
		if uint32(len(in)) < p.SrcLen {
			return fail(header.StatusBadMsg)
		}
		newHash, ok := macs[sp.Algo]
		if !ok {
			return fail(header.StatusNotSupp)
		}
		h := hmac.New(newHash, sp.Key)
		h.Write(in[:p.SrcLen])
		return truncated(h.Sum(nil), p.HashResultLen)

	case *header.AEADOpParams:
		sp, ok := s.params.(*header.AEADSessionParams)
		if !ok {
			return fail(header.StatusInvSess)
		}
		return runAEAD(sp, req.Header.Opcode == header.AEADEncrypt, p, in)
	}

	return fail(header.StatusNotSupp)
}

// cut splits n bytes off the front of in.
func cut(in []byte, n uint32) ([]byte, []byte, bool) {
	if uint64(n) > uint64(len(in)) {
		return nil, nil, false
	}
	return in[:n], in[n:], true
}

func truncated(sum []byte, n uint32) result {
	if n == 0 || int(n) > len(sum) {
		return fail(header.StatusBadMsg)
	}
	return result{out: sum[:n], status: header.StatusOK}
}

func runCipher(p *header.CipherSessionParams, encrypt bool, iv, src []byte) ([]byte, header.Status) {
	block, err := aes.NewCipher(p.Key)
	if err != nil {
		return nil, header.StatusErr
	}

	dst := make([]byte, len(src))
	switch p.Algo {
	case header.CipherAESCBC:
		if len(iv) != aes.BlockSize || len(src)%aes.BlockSize != 0 {
			return nil, header.StatusBadMsg
		}
		if encrypt {
			cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, src)
		} else {
			cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, src)
		}
	case header.CipherAESCTR:
		if len(iv) != aes.BlockSize {
			return nil, header.StatusBadMsg
		}
		cipher.NewCTR(block, iv).XORKeyStream(dst, src)
	default:
		return nil, header.StatusNotSupp
	}
	return dst, header.StatusOK
}

func runChain(sp *header.ChainSessionParams, encrypt bool, p *header.ChainOpParams, in []byte) result {
	iv, rest, ok := cut(in, p.IVLen)
	if !ok {
		return fail(header.StatusBadMsg)
	}
	aad, rest, ok := cut(rest, p.AADLen)
	if !ok {
		return fail(header.StatusBadMsg)
	}
	src, _, ok := cut(rest, p.SrcLen)
	if !ok || p.DstLen < p.SrcLen ||
		uint64(p.CipherStart)+uint64(p.CipherLen) > uint64(p.SrcLen) ||
		uint64(p.HashStart)+uint64(p.HashLen) > uint64(p.SrcLen) {
		return fail(header.StatusBadMsg)
	}

	var mac hash.Hash
	switch sp.HashMode {
	case header.HashModeAuth, header.HashModeNested:
		newHash, ok := macs[sp.MACAlgo]
		if !ok {
			return fail(header.StatusNotSupp)
		}
		mac = hmac.New(newHash, sp.AuthKey)
	default:
		newHash, ok := hashes[sp.HashAlgo]
		if !ok {
			return fail(header.StatusNotSupp)
		}
		mac = newHash()
	}

	dst := make([]byte, p.DstLen)
	copy(dst, src)
	ciphered, status := runCipher(&sp.Cipher, encrypt, iv, src[p.CipherStart:p.CipherStart+p.CipherLen])
	if status != header.StatusOK {
		return fail(status)
	}
	copy(dst[p.CipherStart:], ciphered)

	// The hash covers the ciphertext: the output when encrypting with
	// cipher then hash, the input otherwise.
	hashed := src
	if sp.Order == header.ChainCipherThenHash && encrypt {
		hashed = dst
	}
	mac.Write(aad)
	mac.Write(hashed[p.HashStart : p.HashStart+p.HashLen])

	digest := truncated(mac.Sum(nil), p.HashResultLen)
	if digest.status != header.StatusOK {
		return digest
	}
	return result{out: append(dst, digest.out...), status: header.StatusOK}
}

func runAEAD(sp *header.AEADSessionParams, encrypt bool, p *header.AEADOpParams, in []byte) result {
	var (
		aead cipher.AEAD
		err  error
	)
	switch sp.Algo {
	case header.AEADGCM:
		var block cipher.Block
		if block, err = aes.NewCipher(sp.Key); err == nil {
			aead, err = cipher.NewGCMWithTagSize(block, int(p.TagLen))
		}
	case header.AEADChaCha20Poly1305:
		if p.TagLen != chacha20poly1305.Overhead {
			return fail(header.StatusBadMsg)
		}
		aead, err = chacha20poly1305.New(sp.Key)
	default:
		return fail(header.StatusNotSupp)
	}
	if err != nil {
		return fail(header.StatusErr)
	}

	iv, rest, ok := cut(in, p.IVLen)
	if !ok || len(iv) != aead.NonceSize() {
		return fail(header.StatusBadMsg)
	}
	aad, rest, ok := cut(rest, p.AADLen)
	if !ok {
		return fail(header.StatusBadMsg)
	}

	if encrypt {
		if uint32(len(rest)) < p.SrcLen || p.DstLen < p.SrcLen {
			return fail(header.StatusBadMsg)
		}
		sealed := aead.Seal(nil, iv, rest[:p.SrcLen], aad)
		dst := make([]byte, p.DstLen)
		copy(dst, sealed[:p.SrcLen])
		return result{out: append(dst, sealed[p.SrcLen:]...), status: header.StatusOK}
	}

	// The tag is read after the ciphertext.
	if uint64(len(rest)) < uint64(p.SrcLen)+uint64(p.TagLen) || p.DstLen < p.SrcLen {
		return fail(header.StatusBadMsg)
	}
	opened, err := aead.Open(nil, iv, rest[:p.SrcLen+p.TagLen], aad)
	if err != nil {
		return fail(header.StatusBadMsg)
	}
	dst := make([]byte, p.DstLen)
	copy(dst, opened)
	return result{out: dst, status: header.StatusOK}
}
