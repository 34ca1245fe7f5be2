package nonce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_KnownValues(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{0, "aaaaaaaa"},
		{1, "aaabaaaa"},
		{0xf, "aaapaaaa"},
		{0x10, "aabaaaaa"},
		{0x12345678, "fghibcde"},
		{0xffffffff, "pppppppp"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, String(tt.n), "Encode(%#x)", tt.n)
	}
}

func TestEncode_OnlyLow32BitsCount(t *testing.T) {
	assert.Equal(t, Encode(0), Encode(Space))
	assert.Equal(t, Encode(7), Encode(Space+7))
}

func TestEncode_Deterministic(t *testing.T) {
	for n := uint64(0); n < 1000; n += 37 {
		assert.Equal(t, Encode(n), Encode(n))
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 2, 255, 256, 65535, 1 << 20, 0x7fffffff, 0xdeadbeef, Space - 1}
	for n := uint64(0); n < 4096; n++ {
		values = append(values, n)
	}

	for _, n := range values {
		got, err := Decode(Encode(n))
		require.NoError(t, err)
		require.Equal(t, n, got)
	}
}

func TestDecode_RejectsOutOfAlphabet(t *testing.T) {
	b := Encode(42)
	b[5] = 'q'

	_, err := Decode(b)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParse(t *testing.T) {
	n, err := Parse("fghibcde")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x12345678), n)

	_, err = Parse("short")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEncode_PrintableAlphabet(t *testing.T) {
	for n := uint64(0); n < 1<<16; n += 97 {
		for _, c := range Encode(n) {
			if c < 'a' || c > 'p' {
				t.Fatalf("Encode(%d) produced byte %q", n, c)
			}
		}
	}
}
