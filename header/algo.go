package header

// CipherAlgo identifies a cipher. It is also the bit number in the cipher
// algorithm mask of the device configuration.
type CipherAlgo uint32

const (
	CipherNone    CipherAlgo = 0
	CipherARC4    CipherAlgo = 1
	CipherAESECB  CipherAlgo = 2
	CipherAESCBC  CipherAlgo = 3
	CipherAESCTR  CipherAlgo = 4
	CipherDESECB  CipherAlgo = 5
	CipherDESCBC  CipherAlgo = 6
	Cipher3DESECB CipherAlgo = 7
	Cipher3DESCBC CipherAlgo = 8
	Cipher3DESCTR CipherAlgo = 9
	CipherAESXTS  CipherAlgo = 13
)

var cipherAlgoMap = map[CipherAlgo]string{
	CipherNone:    "none",
	CipherARC4:    "arc4",
	CipherAESECB:  "aes-ecb",
	CipherAESCBC:  "aes-cbc",
	CipherAESCTR:  "aes-ctr",
	CipherDESECB:  "des-ecb",
	CipherDESCBC:  "des-cbc",
	Cipher3DESECB: "3des-ecb",
	Cipher3DESCBC: "3des-cbc",
	Cipher3DESCTR: "3des-ctr",
	CipherAESXTS:  "aes-xts",
}

func (a CipherAlgo) String() string {
	if n, ok := cipherAlgoMap[a]; ok {
		return n
	}
	return "unknown"
}

// HashAlgo identifies a plain hash.
type HashAlgo uint32

const (
	HashNone    HashAlgo = 0
	HashMD5     HashAlgo = 1
	HashSHA1    HashAlgo = 2
	HashSHA224  HashAlgo = 3
	HashSHA256  HashAlgo = 4
	HashSHA384  HashAlgo = 5
	HashSHA512  HashAlgo = 6
	HashSHA3224 HashAlgo = 7
	HashSHA3256 HashAlgo = 8
	HashSHA3384 HashAlgo = 9
	HashSHA3512 HashAlgo = 10
)

var hashAlgoMap = map[HashAlgo]string{
	HashNone:    "none",
	HashMD5:     "md5",
	HashSHA1:    "sha1",
	HashSHA224:  "sha224",
	HashSHA256:  "sha256",
	HashSHA384:  "sha384",
	HashSHA512:  "sha512",
	HashSHA3224: "sha3-224",
	HashSHA3256: "sha3-256",
	HashSHA3384: "sha3-384",
	HashSHA3512: "sha3-512",
}

func (a HashAlgo) String() string {
	if n, ok := hashAlgoMap[a]; ok {
		return n
	}
	return "unknown"
}

// MACAlgo identifies a message authentication code.
type MACAlgo uint32

const (
	MACNone       MACAlgo = 0
	MACHMACMD5    MACAlgo = 1
	MACHMACSHA1   MACAlgo = 2
	MACHMACSHA224 MACAlgo = 3
	MACHMACSHA256 MACAlgo = 4
	MACHMACSHA384 MACAlgo = 5
	MACHMACSHA512 MACAlgo = 6
	MACCMACAES    MACAlgo = 26
	MACGMACAES    MACAlgo = 41
)

var macAlgoMap = map[MACAlgo]string{
	MACNone:       "none",
	MACHMACMD5:    "hmac-md5",
	MACHMACSHA1:   "hmac-sha1",
	MACHMACSHA224: "hmac-sha224",
	MACHMACSHA256: "hmac-sha256",
	MACHMACSHA384: "hmac-sha384",
	MACHMACSHA512: "hmac-sha512",
	MACCMACAES:    "cmac-aes",
	MACGMACAES:    "gmac-aes",
}

func (a MACAlgo) String() string {
	if n, ok := macAlgoMap[a]; ok {
		return n
	}
	return "unknown"
}

// AEADAlgo identifies an authenticated cipher.
type AEADAlgo uint32

const (
	AEADNone             AEADAlgo = 0
	AEADGCM              AEADAlgo = 1
	AEADCCM              AEADAlgo = 2
	AEADChaCha20Poly1305 AEADAlgo = 3
)

var aeadAlgoMap = map[AEADAlgo]string{
	AEADNone:             "none",
	AEADGCM:              "gcm",
	AEADCCM:              "ccm",
	AEADChaCha20Poly1305: "chacha20-poly1305",
}

func (a AEADAlgo) String() string {
	if n, ok := aeadAlgoMap[a]; ok {
		return n
	}
	return "unknown"
}

// AKCipherAlgo identifies an asymmetric algorithm.
type AKCipherAlgo uint32

const (
	AKCipherNone  AKCipherAlgo = 0
	AKCipherRSA   AKCipherAlgo = 1
	AKCipherECDSA AKCipherAlgo = 2
)

var akcipherAlgoMap = map[AKCipherAlgo]string{
	AKCipherNone:  "none",
	AKCipherRSA:   "rsa",
	AKCipherECDSA: "ecdsa",
}

func (a AKCipherAlgo) String() string {
	if n, ok := akcipherAlgoMap[a]; ok {
		return n
	}
	return "unknown"
}

// CipherOp is the direction a cipher session is created for.
type CipherOp uint32

const (
	CipherOpEncrypt CipherOp = 1
	CipherOpDecrypt CipherOp = 2
)

// SymOp is the kind of a symmetric session or request.
type SymOp uint32

const (
	SymOpNone   SymOp = 0
	SymOpCipher SymOp = 1
	SymOpChain  SymOp = 2
)

// ChainOrder is the order of cipher and hash in an algorithm chain.
type ChainOrder uint32

const (
	ChainCipherThenHash ChainOrder = 1
	ChainHashThenCipher ChainOrder = 2
)

// HashMode is the kind of authentication in an algorithm chain.
type HashMode uint32

const (
	HashModePlain  HashMode = 1
	HashModeAuth   HashMode = 2
	HashModeNested HashMode = 3
)

// AKCipherKeyType tells whether an asymmetric key is public or private.
type AKCipherKeyType uint32

const (
	AKCipherKeyPublic  AKCipherKeyType = 1
	AKCipherKeyPrivate AKCipherKeyType = 2
)

// RSAPadding is the padding scheme of an RSA session.
type RSAPadding uint32

const (
	RSAPaddingRaw   RSAPadding = 0
	RSAPaddingPKCS1 RSAPadding = 1
)

// RSAHash is the digest algorithm of an RSA signature session.
type RSAHash uint32

const (
	RSANoHash RSAHash = 0
	RSAMD5    RSAHash = 4
	RSASHA1   RSAHash = 5
	RSASHA256 RSAHash = 6
	RSASHA384 RSAHash = 7
	RSASHA512 RSAHash = 8
)

// ECDSACurve is the curve of an ECDSA session.
type ECDSACurve uint32

const (
	CurveUnknown ECDSACurve = 0
	CurveP192    ECDSACurve = 1
	CurveP224    ECDSACurve = 2
	CurveP256    ECDSACurve = 3
	CurveP384    ECDSACurve = 4
	CurveP521    ECDSACurve = 5
)
