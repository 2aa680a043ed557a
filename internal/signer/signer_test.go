package signer

import (
	"context"
	"encoding/hex"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/chainapi/pkg/errors"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestCompactRoundTrip(t *testing.T) {
	cases := []struct {
		value   uint64
		encoded string
	}{
		{0, "00"},
		{1, "04"},
		{63, "fc"},
		{64, "0101"},
		{16383, "fdff"},
		{16384, "02000100"},
		{1<<30 - 1, "feffffff"},
		{1 << 30, "0300000040"},
		{math.MaxUint64, "13ffffffffffffffff"},
	}
	for _, tc := range cases {
		encoded := EncodeCompact(tc.value)
		assert.Equal(t, tc.encoded, hex.EncodeToString(encoded), "encode %d", tc.value)

		decoded, n, err := DecodeCompact(encoded)
		require.NoError(t, err)
		assert.Equal(t, tc.value, decoded)
		assert.Equal(t, len(encoded), n)
	}
}

func TestDecodeCompactTruncated(t *testing.T) {
	for _, raw := range [][]byte{nil, {0x01}, {0x02, 0x00}, {0x03, 0x00}} {
		_, _, err := DecodeCompact(raw)
		assert.Error(t, err)
	}
}

func TestEncodeAddressKnownAccount(t *testing.T) {
	accountID, err := hex.DecodeString("d43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d")
	require.NoError(t, err)

	address, err := EncodeAddress(DefaultSS58Prefix, accountID)
	require.NoError(t, err)
	assert.Equal(t, "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY", address)

	prefix, decoded, err := DecodeAddress(address)
	require.NoError(t, err)
	assert.Equal(t, DefaultSS58Prefix, prefix)
	assert.Equal(t, accountID, decoded)
}

func TestAddressTwoBytePrefix(t *testing.T) {
	accountID := make([]byte, 32)
	accountID[0] = 0xab

	address, err := EncodeAddress(1284, accountID)
	require.NoError(t, err)

	prefix, decoded, err := DecodeAddress(address)
	require.NoError(t, err)
	assert.Equal(t, uint16(1284), prefix)
	assert.Equal(t, accountID, decoded)
}

func TestDecodeAddressRejectsBadChecksum(t *testing.T) {
	_, _, err := DecodeAddress("5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQZ")
	assert.Error(t, err)
}

func TestSignProducesVerifiablePayload(t *testing.T) {
	pair, err := KeyPairFromHex("0x"+testKey, DefaultSS58Prefix)
	require.NoError(t, err)

	call := []byte{0x05, 0x00, 0x01, 0x02}
	payload, err := pair.Sign(context.Background(), call, 300)
	require.NoError(t, err)

	decoded, err := DecodePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, pair.PublicKey(), decoded.PublicKey)
	assert.Equal(t, uint64(300), decoded.Nonce)
	assert.Equal(t, call, decoded.Call)
	assert.True(t, decoded.Verify())

	decoded.Nonce = 301
	assert.False(t, decoded.Verify(), "signature must commit to the nonce")
}

func TestHashPayloadIsDeterministic(t *testing.T) {
	pair, err := KeyPairFromHex(testKey, DefaultSS58Prefix)
	require.NoError(t, err)
	call := []byte{0x01}

	first, err := pair.Sign(context.Background(), call, 7)
	require.NoError(t, err)
	second, err := pair.Sign(context.Background(), call, 8)
	require.NoError(t, err)

	assert.Equal(t, HashPayload(first), HashPayload(first))
	assert.NotEqual(t, HashPayload(first), HashPayload(second))
	assert.Len(t, HashPayload(first), 66)
}

func TestSignRejectsEmptyCall(t *testing.T) {
	pair, err := NewKeyPair(DefaultSS58Prefix)
	require.NoError(t, err)
	_, err = pair.Sign(context.Background(), nil, 0)
	assert.Error(t, err)
}

func TestKeyPairAddressIsStable(t *testing.T) {
	a, err := KeyPairFromHex(testKey, DefaultSS58Prefix)
	require.NoError(t, err)
	b, err := KeyPairFromHex(a.ExportPrivateKey(), DefaultSS58Prefix)
	require.NoError(t, err)
	assert.Equal(t, a.Address(), b.Address())

	_, accountID, err := DecodeAddress(a.Address())
	require.NoError(t, err)
	assert.Len(t, accountID, 32)
}

func TestKeyring(t *testing.T) {
	kr, err := NewKeyring(DefaultSS58Prefix, map[string]string{"alice": testKey})
	require.NoError(t, err)

	s, err := kr.Get("Alice")
	require.NoError(t, err)
	assert.NotEmpty(t, s.Address())

	_, err = kr.Get("bob")
	assert.True(t, errors.IsChainError(err, errors.ChainErrUnknownSigner))
	assert.Equal(t, []string{"alice"}, kr.Names())

	_, err = NewKeyring(DefaultSS58Prefix, map[string]string{"broken": "zz"})
	assert.Error(t, err)
}

func TestParseCall(t *testing.T) {
	call, err := ParseCall("0x0a0b")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b}, call)

	call, err = ParseCall("ff")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff}, call)

	_, err = ParseCall("0x")
	assert.Error(t, err)
	_, err = ParseCall("xyz")
	assert.Error(t, err)
}
