package reference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commitminer/commitminer/internal/compute"
	"github.com/commitminer/commitminer/internal/compute/computetest"
	"github.com/commitminer/commitminer/pkg/digest"
)

func open(t *testing.T, b *Backend) compute.Session {
	t.Helper()
	devs, err := b.Devices()
	require.NoError(t, err)
	require.Len(t, devs, 1)

	s, err := b.Open(devs[0], compute.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDispatch_AcceptAllFindsNonceZero(t *testing.T) {
	s := open(t, New())

	r, err := s.Dispatch(context.Background(), compute.Job{
		Midstate:  computetest.Midstate(),
		Size:      256,
		Predicate: compute.AcceptAll(),
	})
	require.NoError(t, err)
	require.True(t, r.Found)
	assert.Equal(t, uint64(0), r.Nonce)
	assert.Equal(t, computetest.NonceZeroHex, digest.Hex(r.Digest))
}

func TestDispatch_ZeroBits(t *testing.T) {
	s := open(t, New())
	p, err := compute.ZeroBits(16)
	require.NoError(t, err)

	r, err := s.Dispatch(context.Background(), compute.Job{
		Midstate:  computetest.Midstate(),
		Size:      8192,
		Predicate: p,
	})
	require.NoError(t, err)
	require.True(t, r.Found)
	assert.Equal(t, uint64(computetest.FirstZeroBits16), r.Nonce)
}

func TestDispatch_NotFoundInRange(t *testing.T) {
	s := open(t, New())
	p, err := compute.ZeroBits(16)
	require.NoError(t, err)

	r, err := s.Dispatch(context.Background(), compute.Job{
		Midstate:  computetest.Midstate(),
		Offset:    0,
		Size:      computetest.FirstZeroBits16,
		Predicate: p,
	})
	require.NoError(t, err)
	assert.False(t, r.Found)
}

func TestDispatch_RejectsOversizedBatch(t *testing.T) {
	s := open(t, &Backend{MaxBatch: 10})

	_, err := s.Dispatch(context.Background(), compute.Job{Size: 11, Predicate: compute.AcceptAll()})
	assert.ErrorIs(t, err, compute.ErrBatchTooLarge)
}

func TestDispatch_AfterClose(t *testing.T) {
	s := open(t, New())
	require.NoError(t, s.Close())

	_, err := s.Dispatch(context.Background(), compute.Job{Size: 1, Predicate: compute.AcceptAll()})
	assert.ErrorIs(t, err, compute.ErrClosed)
}
