package header

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlHeader_Encode(t *testing.T) {
	h := &ControlHeader{Opcode: CipherCreateSession, Algo: uint32(CipherAESCBC), Flag: 0x10, QueueID: 7}
	b, err := h.Encode(make([]byte, ControlHeaderLen+4))
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x02, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
		0x10, 0x00, 0x00, 0x00,
		0x07, 0x00, 0x00, 0x00,
	}, b)

	parsed := &ControlHeader{}
	require.NoError(t, parsed.Parse(b))
	assert.Equal(t, h, parsed)

	_, err = h.Encode(make([]byte, 4))
	assert.ErrorIs(t, err, ErrHeaderTooShort)
	assert.ErrorIs(t, parsed.Parse(b[:15]), ErrHeaderTooShort)
}

func TestOpHeader_Encode(t *testing.T) {
	h := &OpHeader{Opcode: AEADDecrypt, Algo: uint32(AEADGCM), SessionID: 0x0102030405060708, Flag: 1}
	b, err := h.Encode(make([]byte, OpHeaderLen))
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x01, 0x03, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0x01, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}, b)

	parsed := &OpHeader{}
	require.NoError(t, parsed.Parse(b))
	assert.Equal(t, h, parsed)
}

func TestOpHeader_String(t *testing.T) {
	assert.Equal(t, "opcode=aeadDecrypt algo=1 sessionid=9 flag=0x0",
		(&OpHeader{Opcode: AEADDecrypt, Algo: 1, SessionID: 9}).String())
	assert.Equal(t, "<nil>", (*OpHeader)(nil).String())
}

func TestOpHeader_MarshalJSON(t *testing.T) {
	b, err := (&OpHeader{Opcode: Hash, Algo: 4, SessionID: 9}).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"algo":4,"flag":0,"opcode":"hash","sessionId":9}`, string(b))
}

func TestOpcode(t *testing.T) {
	assert.Equal(t, Opcode(0x0402), AKCipherSign)
	assert.Equal(t, Opcode(0x0405), AKCipherDestroySession)
	assert.Equal(t, ServiceMAC, MAC.Service())
	assert.Equal(t, MACCreateSession, MakeOpcode(ServiceMAC, 0x02))

	assert.Equal(t, "cipherEncrypt", OpcodeName(CipherEncrypt))
	assert.Equal(t, "unknown", OpcodeName(0x0999))

	o, err := CreateSessionOpcode(ServiceAKCipher)
	require.NoError(t, err)
	assert.Equal(t, AKCipherCreateSession, o)
	o, err = DestroySessionOpcode(ServiceHash)
	require.NoError(t, err)
	assert.Equal(t, HashDestroySession, o)
	_, err = CreateSessionOpcode(9)
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestOpcodeMap(t *testing.T) {
	// Force people to document this stuff
	assert.Len(t, opcodeMap, 20)
	for o, n := range opcodeMap {
		assert.NotEmpty(t, n, "opcode %#x", uint32(o))
	}
}

func TestStatus(t *testing.T) {
	assert.Equal(t, map[Status]string{
		StatusOK:          "ok",
		StatusErr:         "err",
		StatusBadMsg:      "badmsg",
		StatusNotSupp:     "notsupp",
		StatusInvSess:     "invsess",
		StatusNoSpc:       "nospc",
		StatusKeyRejected: "keyRejected",
	}, statusMap)

	assert.True(t, StatusInvSess.Known())
	assert.False(t, Status(7).Known())
	assert.Equal(t, "unknown", Status(200).String())
}

func TestSessionInput(t *testing.T) {
	b, err := (&SessionInput{SessionID: 0x42, Status: StatusNotSupp}).Encode(make([]byte, SessionInputLen))
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x42, 0, 0, 0, 0, 0, 0, 0,
		0x03, 0, 0, 0,
		0, 0, 0, 0,
	}, b)

	var in SessionInput
	require.NoError(t, in.Parse(b))
	assert.Equal(t, SessionInput{SessionID: 0x42, Status: StatusNotSupp}, in)

	// A status that does not fit a byte is an error.
	b[9] = 0x01
	require.NoError(t, in.Parse(b))
	assert.Equal(t, StatusErr, in.Status)
}

func TestDeviceConfig(t *testing.T) {
	c := &DeviceConfig{
		Status:          StatusHWReady,
		MaxDataQueues:   2,
		CryptoServices:  1<<ServiceCipher | 1<<ServiceHash | 1<<ServiceAEAD,
		CipherAlgoL:     1<<CipherAESCBC | 1<<CipherAESCTR,
		HashAlgo:        1 << HashSHA256,
		AEADAlgo:        1 << AEADChaCha20Poly1305,
		MaxCipherKeyLen: 32,
		MaxAuthKeyLen:   64,
		MaxSize:         1 << 20,
	}
	b, err := c.Encode(make([]byte, ConfigLen))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0, 0, 0, 0x02, 0, 0, 0}, b[:8])
	assert.Equal(t, []byte{0, 0, 0x10, 0, 0, 0, 0, 0}, b[48:56])

	parsed := &DeviceConfig{}
	require.NoError(t, parsed.Parse(b))
	assert.Equal(t, c, parsed)

	assert.True(t, parsed.Ready())
	assert.True(t, parsed.HasService(ServiceHash))
	assert.False(t, parsed.HasService(ServiceMAC))
	assert.True(t, parsed.HasCipher(CipherAESCTR))
	assert.False(t, parsed.HasCipher(CipherAESECB))
	assert.True(t, parsed.HasHash(HashSHA256))
	assert.True(t, parsed.HasAEAD(AEADChaCha20Poly1305))
	assert.False(t, parsed.HasMAC(MACHMACSHA256))
	assert.False(t, parsed.HasAKCipher(AKCipherRSA))

	assert.ErrorIs(t, parsed.Parse(b[:50]), ErrHeaderTooShort)
}
