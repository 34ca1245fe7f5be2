package verify

import (
	"crypto/sha1"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commitminer/commitminer/internal/compute"
	"github.com/commitminer/commitminer/internal/compute/computetest"
	"github.com/commitminer/commitminer/pkg/commit"
	"github.com/commitminer/commitminer/pkg/nonce"
)

func TestVerify_ScenarioNonceZero(t *testing.T) {
	p := computetest.Preimage()
	mid := computetest.Midstate()
	reported := mid.SumTail(nonce.Encode(0))

	c, err := Verify(p, mid, compute.AcceptAll(), 0, &reported)
	require.NoError(t, err)

	assert.Equal(t, computetest.NonceZeroHex, c.Hex)
	assert.Equal(t, "aaaaaaaa", string(c.Nonce[:]))
	assert.Equal(t, sha1.Sum(c.Object), c.Digest)
	assert.Equal(t, append(p.Header(), c.Body...), c.Object)
}

func TestVerify_WithoutReportedDigest(t *testing.T) {
	pred, err := compute.ZeroBits(16)
	require.NoError(t, err)

	c, err := Verify(computetest.Preimage(), computetest.Midstate(), pred, computetest.FirstZeroBits16, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0), c.Digest[0])
	assert.Equal(t, byte(0), c.Digest[1])
}

func TestVerify_ReportedDigestMismatch(t *testing.T) {
	mid := computetest.Midstate()
	bad := mid.SumTail(nonce.Encode(1))

	_, err := Verify(computetest.Preimage(), mid, compute.AcceptAll(), 0, &bad)
	require.ErrorIs(t, err, ErrDigestMismatch)

	var merr *MismatchError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, "reported", merr.Stage)
	assert.Equal(t, uint64(0), merr.Nonce)
}

func TestVerify_MidstateFromOtherPreimage(t *testing.T) {
	f := computetest.Fields()
	f.Message = "a different payload"
	other, err := commit.Build(f)
	require.NoError(t, err)

	_, err = Verify(other, computetest.Midstate(), compute.AcceptAll(), 7, nil)
	require.ErrorIs(t, err, ErrDigestMismatch)

	var merr *MismatchError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, "sequential", merr.Stage)
}

func TestVerify_NotAccepted(t *testing.T) {
	pred, err := compute.ZeroBits(16)
	require.NoError(t, err)

	_, err = Verify(computetest.Preimage(), computetest.Midstate(), pred, computetest.FirstZeroBits16-1, nil)
	assert.ErrorIs(t, err, ErrNotAccepted)
	assert.NotErrorIs(t, err, ErrDigestMismatch)
}

func TestMismatchError_Message(t *testing.T) {
	err := &MismatchError{Stage: "reported", Nonce: 1}
	assert.Contains(t, err.Error(), "aaabaaaa")
	assert.Contains(t, err.Error(), "reported")
}
