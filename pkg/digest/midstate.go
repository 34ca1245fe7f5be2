package digest

import "encoding/binary"

// TailSize is the number of suffix bytes SumTail accepts. With the 0x80
// terminator and the 8-byte length they fill exactly one block.
const TailSize = 8

// Midstate is a frozen SHA-1 running state taken on a block boundary.
//
// It is a plain value. Consumers copy it, and nothing in this package
// mutates a Midstate after it is created.
type Midstate struct {
	// H is the running hash after the consumed blocks.
	H [5]uint32

	// Count is the number of message bytes consumed, a multiple of BlockSize.
	Count uint32
}

// Blocks returns the number of whole blocks folded into the midstate.
func (m Midstate) Blocks() uint32 {
	return m.Count / BlockSize
}

// Resume returns a fresh State positioned right after the frozen prefix.
func (m Midstate) Resume() *State {
	return &State{h: m.H, count: m.Count}
}

// SumTail returns the digest of prefix‖tail, where prefix is the message the
// midstate was frozen from. It runs exactly one compression: the tail, the
// 0x80 terminator, zero fill and the bit length all land in the next block.
func (m Midstate) SumTail(tail [TailSize]byte) [Size]byte {
	var w [16]uint32
	w[0] = binary.BigEndian.Uint32(tail[0:4])
	w[1] = binary.BigEndian.Uint32(tail[4:8])
	w[2] = 0x80000000

	bitLen := (uint64(m.Count) + TailSize) << 3
	w[14] = uint32(bitLen >> 32)
	w[15] = uint32(bitLen)

	h := m.H
	compressWords(&h, &w)
	return encodeWords(&h)
}
