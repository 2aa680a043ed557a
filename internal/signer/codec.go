package signer

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"
)

// ParseCall decodes a hex encoded call, with or without 0x.
func ParseCall(s string) ([]byte, error) {
	call, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("call must be hex encoded: %w", err)
	}
	if len(call) == 0 {
		return nil, fmt.Errorf("call must not be empty")
	}
	return call, nil
}

// EncodeCompact encodes x as a SCALE compact integer.
func EncodeCompact(x uint64) []byte {
	switch {
	case x < 1<<6:
		return []byte{byte(x << 2)}
	case x < 1<<14:
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, uint16(x<<2)|0b01)
		return out
	case x < 1<<30:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(x<<2)|0b10)
		return out
	default:
		// big-integer mode: byte count minus four in the upper six bits
		n := (bits.Len64(x) + 7) / 8
		if n < 4 {
			n = 4
		}
		out := make([]byte, 1+n)
		out[0] = byte((n-4)<<2) | 0b11
		for i := 0; i < n; i++ {
			out[1+i] = byte(x >> (8 * i))
		}
		return out
	}
}

// DecodeCompact decodes a SCALE compact integer from the front of data and
// returns the value and the number of bytes consumed.
func DecodeCompact(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("compact: empty input")
	}
	switch data[0] & 0b11 {
	case 0b00:
		return uint64(data[0] >> 2), 1, nil
	case 0b01:
		if len(data) < 2 {
			return 0, 0, fmt.Errorf("compact: need 2 bytes, have %d", len(data))
		}
		return uint64(binary.LittleEndian.Uint16(data) >> 2), 2, nil
	case 0b10:
		if len(data) < 4 {
			return 0, 0, fmt.Errorf("compact: need 4 bytes, have %d", len(data))
		}
		return uint64(binary.LittleEndian.Uint32(data) >> 2), 4, nil
	default:
		n := int(data[0]>>2) + 4
		if n > 8 {
			return 0, 0, fmt.Errorf("compact: %d byte integer does not fit uint64", n)
		}
		if len(data) < 1+n {
			return 0, 0, fmt.Errorf("compact: need %d bytes, have %d", 1+n, len(data))
		}
		var x uint64
		for i := 0; i < n; i++ {
			x |= uint64(data[1+i]) << (8 * i)
		}
		return x, 1 + n, nil
	}
}
