// Package nonce encodes search counters into the 8-byte suffix appended to a
// commit preimage.
//
// Each of the eight low nibbles of the counter becomes one lowercase letter
// in 'a'..'p'. Nibble i is stored at position i^3, so the low four nibbles
// occupy bytes 0-3 in reversed order and the high four occupy bytes 4-7.
// The output is printable, which keeps the commit message valid text.
package nonce

import (
	"errors"
	"fmt"
)

// Size is the length of an encoded nonce.
const Size = 8

// Space is the number of distinct encodable nonces. Only the low 32 bits of
// a counter are encoded.
const Space uint64 = 1 << 32

// ErrInvalid is returned when decoding bytes outside the 'a'..'p' alphabet.
var ErrInvalid = errors.New("nonce: invalid encoding")

// Encode maps the low 32 bits of n to its 8-byte form.
func Encode(n uint64) [Size]byte {
	var out [Size]byte
	for i := 0; i < Size; i++ {
		out[i^3] = 'a' + byte((n>>(uint(i)*4))&0xf)
	}
	return out
}

// Decode reverses Encode.
func Decode(b [Size]byte) (uint64, error) {
	var n uint64
	for i := 0; i < Size; i++ {
		c := b[i^3]
		if c < 'a' || c > 'p' {
			return 0, fmt.Errorf("%w: byte %d is %q", ErrInvalid, i^3, c)
		}
		n |= uint64(c-'a') << (uint(i) * 4)
	}
	return n, nil
}

// String returns the encoded form of n as a string.
func String(n uint64) string {
	b := Encode(n)
	return string(b[:])
}

// Parse decodes an 8-character nonce string.
func Parse(s string) (uint64, error) {
	if len(s) != Size {
		return 0, fmt.Errorf("%w: length %d", ErrInvalid, len(s))
	}
	var b [Size]byte
	copy(b[:], s)
	return Decode(b)
}
