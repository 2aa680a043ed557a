package signer

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/blake2b"
)

// DefaultSS58Prefix is the generic substrate network prefix.
const DefaultSS58Prefix uint16 = 42

var ss58Context = []byte("SS58PRE")

// EncodeAddress renders a 32 byte account id as an SS58 address.
func EncodeAddress(prefix uint16, accountID []byte) (string, error) {
	if len(accountID) != 32 {
		return "", fmt.Errorf("account id must be 32 bytes, got %d", len(accountID))
	}
	if prefix > 16383 {
		return "", fmt.Errorf("ss58 prefix %d out of range", prefix)
	}

	body := append(encodePrefix(prefix), accountID...)
	return base58.Encode(append(body, ss58Checksum(body)...)), nil
}

// DecodeAddress returns the prefix and account id of an SS58 address after
// checking its checksum.
func DecodeAddress(address string) (uint16, []byte, error) {
	raw := base58.Decode(address)
	if len(raw) < 35 {
		return 0, nil, fmt.Errorf("ss58 address %q too short", address)
	}

	prefixLen := 1
	prefix := uint16(raw[0])
	if raw[0]&0b0100_0000 != 0 {
		prefixLen = 2
		lower := (raw[0] << 2) | (raw[1] >> 6)
		upper := raw[1] & 0b0011_1111
		prefix = uint16(lower) | uint16(upper)<<8
	}
	if len(raw) != prefixLen+32+2 {
		return 0, nil, fmt.Errorf("ss58 address %q has unexpected length %d", address, len(raw))
	}

	body, checksum := raw[:prefixLen+32], raw[prefixLen+32:]
	if !bytes.Equal(checksum, ss58Checksum(body)) {
		return 0, nil, fmt.Errorf("ss58 address %q has a bad checksum", address)
	}
	return prefix, body[prefixLen:], nil
}

func encodePrefix(prefix uint16) []byte {
	if prefix < 64 {
		return []byte{byte(prefix)}
	}
	return []byte{
		byte((prefix&0b0000_0000_1111_1100)>>2) | 0b0100_0000,
		byte(prefix>>8) | byte(prefix&0b0000_0000_0000_0011)<<6,
	}
}

func ss58Checksum(body []byte) []byte {
	h, _ := blake2b.New512(nil)
	h.Write(ss58Context)
	h.Write(body)
	return h.Sum(nil)[:2]
}
