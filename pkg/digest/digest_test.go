package digest

import (
	"bytes"
	"crypto/sha1"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Reference vectors (FIPS 180-2 and RFC 3174)
// =============================================================================

func TestSum_ReferenceVectors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"empty", nil, "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
		{"single byte", []byte("a"), "86f7e437faa5a7fce15d1ddcb9eaeaea377667b8"},
		{"FIPS C.1 abc", []byte("abc"), "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{"FIPS C.2 448 bits", []byte("abcdbcdecdefdefgefghfghighijhijkijkljklmklmnlmnomnopnopq"), "84983e441c3bd26ebaae4aa1f95129e5e54670f1"},
		{"RFC 3174 TEST4", bytes.Repeat([]byte("01234567"), 80), "dea356a2cddd90c7a7ecedc5ebb563934f460452"},
		{"quick brown fox", []byte("The quick brown fox jumps over the lazy dog"), "2fd4e1c67a2d28fced849ee1bb76e7391b93eb12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sum(tt.input)
			assert.Equal(t, tt.want, Hex(got))
		})
	}
}

func TestWriteByte_MillionA(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping long vector in short mode")
	}

	s := New()
	for i := 0; i < 1000000; i++ {
		require.NoError(t, s.WriteByte('a'))
	}

	assert.Equal(t, "34aa973cd4c4daa4f61eeb2bdbad27316534016f", Hex(s.Finalize()))
}

func TestSum_MatchesStdlibAcrossLengths(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for n := 0; n <= 3*BlockSize+1; n++ {
		data := make([]byte, n)
		rng.Read(data)

		want := sha1.Sum(data)
		if got := Sum(data); got != want {
			t.Fatalf("length %d: got %x, want %x", n, got, want)
		}
	}
}

// =============================================================================
// State behaviour
// =============================================================================

func TestWrite_SplitWritesEqualSingleWrite(t *testing.T) {
	data := bytes.Repeat([]byte("commit-miner"), 20)

	whole := New()
	whole.Write(data)

	split := New()
	split.Write(data[:7])
	split.Write(data[7:64])
	split.Write(data[64:65])
	split.Write(data[65:])

	assert.Equal(t, whole.Sum(), split.Sum())
}

func TestState_CountAndBufferedTrackWrites(t *testing.T) {
	s := New()
	s.Write(make([]byte, 70))

	assert.Equal(t, uint32(70), s.Count())
	assert.Equal(t, 6, s.Buffered())
}

func TestSum_DoesNotConsumeState(t *testing.T) {
	s := New()
	s.Write([]byte("ab"))
	_ = s.Sum()
	s.Write([]byte("c"))

	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", Hex(s.Sum()))
}

func TestReset_RestoresInitialState(t *testing.T) {
	s := New()
	s.Write([]byte("garbage that should be forgotten"))
	s.Reset()
	s.Write([]byte("abc"))

	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", Hex(s.Finalize()))
	assert.Equal(t, uint32(3), s.Count())
}

func TestWords_BigEndianLayout(t *testing.T) {
	d := Sum([]byte("abc"))
	w := Words(&d)

	assert.Equal(t, uint32(0xa9993e36), w[0])
	assert.Equal(t, uint32(0x9cd0d89d), w[4])
}

// =============================================================================
// Midstate
// =============================================================================

func TestMidstate_RejectsPartialBlock(t *testing.T) {
	s := New()
	s.Write(make([]byte, BlockSize+1))

	_, err := s.Midstate()
	assert.ErrorIs(t, err, ErrUnaligned)
}

func TestMidstate_CapturesWholeBlocks(t *testing.T) {
	s := New()
	s.Write(make([]byte, 3*BlockSize))

	m, err := s.Midstate()
	require.NoError(t, err)
	assert.Equal(t, uint32(3*BlockSize), m.Count)
	assert.Equal(t, uint32(3), m.Blocks())
}

func TestMidstate_EmptyPrefix(t *testing.T) {
	m, err := New().Midstate()
	require.NoError(t, err)

	tail := [TailSize]byte{'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h'}
	assert.Equal(t, sha1.Sum(tail[:]), m.SumTail(tail))
}

func TestSumTail_MatchesFullDigest(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for blocks := 1; blocks <= 4; blocks++ {
		prefix := make([]byte, blocks*BlockSize)
		rng.Read(prefix)

		s := New()
		s.Write(prefix)
		m, err := s.Midstate()
		require.NoError(t, err)

		for i := 0; i < 50; i++ {
			var tail [TailSize]byte
			rng.Read(tail[:])

			want := sha1.Sum(append(append([]byte{}, prefix...), tail[:]...))
			require.Equal(t, want, m.SumTail(tail), "blocks=%d iteration=%d", blocks, i)
		}
	}
}

func TestSumTail_DoesNotMutateMidstate(t *testing.T) {
	s := New()
	s.Write(make([]byte, BlockSize))
	m, err := s.Midstate()
	require.NoError(t, err)

	before := m
	m.SumTail([TailSize]byte{1, 2, 3, 4, 5, 6, 7, 8})

	assert.Equal(t, before, m)
}

func TestResume_ContinuesSequentially(t *testing.T) {
	prefix := bytes.Repeat([]byte{'x'}, 2*BlockSize)
	suffix := []byte("tail bytes of any length")

	s := New()
	s.Write(prefix)
	m, err := s.Midstate()
	require.NoError(t, err)

	r := m.Resume()
	r.Write(suffix)

	want := sha1.Sum(append(append([]byte{}, prefix...), suffix...))
	assert.Equal(t, want, r.Finalize())
}
