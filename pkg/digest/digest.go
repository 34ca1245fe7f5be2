// Package digest implements a streaming SHA-1 engine with support for
// freezing the running state after whole blocks.
//
// The engine is byte oriented: every input byte goes through WriteByte, and a
// full 64-byte block triggers one compression. A Midstate captured after a
// block-aligned prefix can be resumed for any number of candidate suffixes
// without replaying the prefix, which is what the nonce search relies on.
//
// SHA-1 is used here as a fixed, auditable digest function. Nothing in this
// package makes security claims.
package digest

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/bits"
)

const (
	// Size is the length of a SHA-1 digest in bytes.
	Size = 20

	// BlockSize is the SHA-1 block length in bytes.
	BlockSize = 64
)

// Round constants for the four groups of twenty rounds.
const (
	k0 = 0x5a827999
	k1 = 0x6ed9eba1
	k2 = 0x8f1bbcdc
	k3 = 0xca62c1d6
)

// iv is the SHA-1 initialization vector (FIPS 180-2 §5.3.1).
var iv = [5]uint32{0x67452301, 0xefcdab89, 0x98badcfe, 0x10325476, 0xc3d2e1f0}

// ErrUnaligned is returned when a midstate is requested while bytes are
// still buffered in a partial block.
var ErrUnaligned = errors.New("digest: state is not block aligned")

// State is the running SHA-1 state.
//
// The zero value is not usable; call New or Reset first.
type State struct {
	h      [5]uint32
	block  [BlockSize]byte
	offset int
	count  uint32
}

// New returns a State initialized with the SHA-1 IV.
func New() *State {
	s := &State{}
	s.Reset()
	return s
}

// Reset restores the SHA-1 IV and clears the buffer and byte counter.
func (s *State) Reset() {
	s.h = iv
	s.offset = 0
	s.count = 0
}

// WriteByte appends one byte. It never fails; the error return satisfies
// io.ByteWriter.
func (s *State) WriteByte(b byte) error {
	s.count++
	s.addUncounted(b)
	return nil
}

// Write appends p in order. It never fails.
func (s *State) Write(p []byte) (int, error) {
	for _, b := range p {
		s.count++
		s.addUncounted(b)
	}
	return len(p), nil
}

// Count returns the number of message bytes written since the last reset.
func (s *State) Count() uint32 {
	return s.count
}

// Buffered returns the number of bytes waiting in the partial block.
func (s *State) Buffered() int {
	return s.offset
}

// addUncounted pushes a byte into the block buffer without touching the
// message length. Padding bytes go through here.
func (s *State) addUncounted(b byte) {
	s.block[s.offset] = b
	s.offset++
	if s.offset == BlockSize {
		compress(&s.h, &s.block)
		s.offset = 0
	}
}

// Sum returns the digest of everything written so far. The receiver is not
// modified, so writing may continue afterwards.
func (s *State) Sum() [Size]byte {
	c := *s
	return c.Finalize()
}

// Finalize pads the message in place and returns the digest. The state must
// be reset before it is used again.
func (s *State) Finalize() [Size]byte {
	bitLen := uint64(s.count) << 3

	s.addUncounted(0x80)
	for s.offset != 56 {
		s.addUncounted(0x00)
	}
	for shift := 56; shift >= 0; shift -= 8 {
		s.addUncounted(byte(bitLen >> uint(shift)))
	}

	return s.digest()
}

// digest serializes the state words big-endian.
func (s *State) digest() [Size]byte {
	return encodeWords(&s.h)
}

// Midstate freezes the state. It fails with ErrUnaligned unless the bytes
// written so far fill whole blocks.
func (s *State) Midstate() (Midstate, error) {
	if s.offset != 0 {
		return Midstate{}, ErrUnaligned
	}
	return Midstate{H: s.h, Count: s.count}, nil
}

// Sum returns the SHA-1 digest of data.
func Sum(data []byte) [Size]byte {
	s := New()
	s.Write(data)
	return s.Finalize()
}

// Hex returns the lowercase hexadecimal form of a digest.
func Hex(d [Size]byte) string {
	return hex.EncodeToString(d[:])
}

// Words returns the digest as five big-endian words, the layout compute
// kernels compare against.
func Words(d *[Size]byte) [5]uint32 {
	var w [5]uint32
	for i := range w {
		w[i] = binary.BigEndian.Uint32(d[i*4:])
	}
	return w
}

func encodeWords(h *[5]uint32) [Size]byte {
	var out [Size]byte
	for i, w := range h {
		binary.BigEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// compress runs the 80-round SHA-1 compression over one block.
func compress(h *[5]uint32, block *[BlockSize]byte) {
	var w [16]uint32
	for i := range w {
		w[i] = binary.BigEndian.Uint32(block[i*4:])
	}
	compressWords(h, &w)
}

// compressWords is the compression function over a pre-loaded schedule. The
// schedule is expanded in place over a 16-word ring.
func compressWords(h *[5]uint32, w *[16]uint32) {
	a, b, c, d, e := h[0], h[1], h[2], h[3], h[4]

	for i := 0; i < 80; i++ {
		if i >= 16 {
			t := w[(i+13)&15] ^ w[(i+8)&15] ^ w[(i+2)&15] ^ w[i&15]
			w[i&15] = bits.RotateLeft32(t, 1)
		}

		var f uint32
		switch {
		case i < 20:
			f = (d ^ (b & (c ^ d))) + k0
		case i < 40:
			f = (b ^ c ^ d) + k1
		case i < 60:
			f = ((b & c) | (d & (b | c))) + k2
		default:
			f = (b ^ c ^ d) + k3
		}

		t := f + bits.RotateLeft32(a, 5) + e + w[i&15]
		e = d
		d = c
		c = bits.RotateLeft32(b, 30)
		b = a
		a = t
	}

	h[0] += a
	h[1] += b
	h[2] += c
	h[3] += d
	h[4] += e
}
