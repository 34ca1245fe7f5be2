package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commitminer/commitminer/internal/compute"
	"github.com/commitminer/commitminer/internal/compute/computetest"
	"github.com/commitminer/commitminer/internal/compute/cpu"
	"github.com/commitminer/commitminer/internal/compute/reference"
	"github.com/commitminer/commitminer/pkg/digest"
	"github.com/commitminer/commitminer/pkg/nonce"
)

func referenceSession(t *testing.T) compute.Session {
	t.Helper()
	s, err := reference.New().Open(compute.Device{Backend: reference.Name}, compute.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// Configuration
// =============================================================================

func TestNew_Defaults(t *testing.T) {
	s := &computetest.Session{Max: 1000}

	c, err := New(s, Config{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), c.BatchSize())
	assert.Equal(t, nonce.Space, c.Limit())
}

func TestNew_ClampsBatchToSession(t *testing.T) {
	s := &computetest.Session{Max: 64}

	c, err := New(s, Config{BatchSize: 1 << 20})
	require.NoError(t, err)
	assert.Equal(t, uint64(64), c.BatchSize())
}

func TestNew_RejectsBadBounds(t *testing.T) {
	s := &computetest.Session{}

	_, err := New(s, Config{Limit: nonce.Space + 1})
	assert.ErrorIs(t, err, ErrLimitTooLarge)

	_, err = New(s, Config{Limit: 10, Start: 11})
	assert.ErrorIs(t, err, ErrStartPastEnd)
}

// =============================================================================
// Outcomes
// =============================================================================

func TestSearch_AcceptAllFindsNonceZero(t *testing.T) {
	c, err := New(referenceSession(t), Config{BatchSize: 256})
	require.NoError(t, err)

	res, err := c.Search(context.Background(), computetest.Midstate(), compute.AcceptAll())
	require.NoError(t, err)

	assert.Equal(t, OutcomeFound, res.Outcome)
	assert.Equal(t, uint64(0), res.Nonce)
	assert.Equal(t, computetest.NonceZeroHex, digest.Hex(res.Digest))
	assert.Equal(t, uint64(1), res.Batches)
	assert.Equal(t, uint64(256), res.NextOffset)
}

func TestSearch_FindsAcrossBatches(t *testing.T) {
	p, err := compute.ZeroBits(16)
	require.NoError(t, err)

	c, err := New(referenceSession(t), Config{BatchSize: 1000})
	require.NoError(t, err)

	res, err := c.Search(context.Background(), computetest.Midstate(), p)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFound, res.Outcome)
	assert.Equal(t, uint64(computetest.FirstZeroBits16), res.Nonce)
	assert.Equal(t, uint64(computetest.FirstZeroBits16/1000+1), res.Batches)
}

func TestSearch_ExhaustionBoundary(t *testing.T) {
	s := &computetest.Session{}
	c, err := New(s, Config{BatchSize: 5, Limit: 16})
	require.NoError(t, err)

	res, err := c.Search(context.Background(), computetest.Midstate(), compute.AcceptAll())
	require.NoError(t, err)

	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, uint64(3), res.Batches)
	assert.Equal(t, uint64(15), res.NextOffset)

	jobs := s.Jobs()
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		assert.Equal(t, uint64(5*i), job.Offset)
		assert.Equal(t, uint64(5), job.Size)
		assert.LessOrEqual(t, job.End(), uint64(16))
	}
}

func TestNew_RejectsBatchLargerThanSpace(t *testing.T) {
	s := &computetest.Session{}

	_, err := New(s, Config{BatchSize: 10, Limit: 9})
	assert.ErrorIs(t, err, ErrLimitBelowBatch)

	_, err = New(s, Config{BatchSize: 10, Limit: 100, Start: 95})
	assert.ErrorIs(t, err, ErrLimitBelowBatch)

	_, err = New(s, Config{Limit: 50, Start: 50})
	assert.ErrorIs(t, err, ErrLimitBelowBatch)

	assert.Empty(t, s.Jobs())
}

func TestNew_ShrinksUnsetBatchToSpace(t *testing.T) {
	s := &computetest.Session{Max: 1000}

	c, err := New(s, Config{Limit: 100, Start: 40})
	require.NoError(t, err)
	assert.Equal(t, uint64(60), c.BatchSize())

	res, err := c.Search(context.Background(), computetest.Midstate(), compute.AcceptAll())
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, uint64(60), res.Attempts)
	assert.Len(t, s.Jobs(), 1)
}

func TestSearch_StartOffset(t *testing.T) {
	s := &computetest.Session{FoundAt: map[uint64]bool{3: true, 42: true}}
	c, err := New(s, Config{BatchSize: 10, Limit: 100, Start: 20})
	require.NoError(t, err)

	res, err := c.Search(context.Background(), computetest.Midstate(), compute.AcceptAll())
	require.NoError(t, err)

	assert.Equal(t, OutcomeFound, res.Outcome)
	assert.Equal(t, uint64(42), res.Nonce)
	assert.Equal(t, uint64(20), s.Jobs()[0].Offset)
}

func TestSearch_CancelledBeforeStartDispatchesNothing(t *testing.T) {
	s := &computetest.Session{}
	c, err := New(s, Config{BatchSize: 10})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.Search(ctx, computetest.Midstate(), compute.AcceptAll())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Zero(t, res.Batches)
	assert.Empty(t, s.Jobs())
	assert.ErrorIs(t, res.Cause, context.Canceled)
}

func TestSearch_CancelledBetweenBatchesKeepsCause(t *testing.T) {
	errStale := errors.New("upstream moved")
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	s := &computetest.Session{
		AfterDispatch: func(idx int) {
			if idx == 1 {
				cancel(errStale)
			}
		},
	}
	c, err := New(s, Config{BatchSize: 10})
	require.NoError(t, err)

	res, err := c.Search(ctx, computetest.Midstate(), compute.AcceptAll())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, uint64(2), res.Batches, "the running batch completes")
	assert.Equal(t, uint64(20), res.NextOffset)
	assert.ErrorIs(t, res.Cause, errStale)
}

func TestSearch_BackendErrorEndsSearch(t *testing.T) {
	backendErr := &compute.Error{Op: "clEnqueueNDRangeKernel", Code: -5, Desc: "CL_OUT_OF_RESOURCES"}
	s := &computetest.Session{Err: backendErr, FailAt: 2}
	c, err := New(s, Config{BatchSize: 10})
	require.NoError(t, err)

	res, err := c.Search(context.Background(), computetest.Midstate(), compute.AcceptAll())
	require.Error(t, err)
	assert.Nil(t, res)

	var cerr *compute.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, -5, cerr.Code)
	assert.Len(t, s.Jobs(), 3)
	assert.Equal(t, uint64(1), c.Stats().Failed)
}

// =============================================================================
// Determinism, progress and stats
// =============================================================================

func TestSearch_DeterministicAcrossBackends(t *testing.T) {
	p, err := compute.HexPrefix("bee")
	require.NoError(t, err)
	mid := computetest.Midstate()

	cpuSession, err := cpu.New().Open(compute.Device{Units: 4}, compute.Options{})
	require.NoError(t, err)
	defer cpuSession.Close()

	var nonces []uint64
	for _, s := range []compute.Session{referenceSession(t), cpuSession, referenceSession(t)} {
		c, err := New(s, Config{BatchSize: 2048})
		require.NoError(t, err)

		res, err := c.Search(context.Background(), mid, p)
		require.NoError(t, err)
		require.Equal(t, OutcomeFound, res.Outcome)
		require.Equal(t, mid.SumTail(nonce.Encode(res.Nonce)), res.Digest)
		nonces = append(nonces, res.Nonce)
	}

	assert.Equal(t, []uint64{computetest.FirstPrefixBee, computetest.FirstPrefixBee, computetest.FirstPrefixBee}, nonces)
}

func TestSearch_ReportsProgressPerBatch(t *testing.T) {
	var reports []Progress
	s := &computetest.Session{FoundAt: map[uint64]bool{25: true}}
	c, err := New(s, Config{BatchSize: 10}, WithReporter(ReporterFunc(func(p Progress) {
		reports = append(reports, p)
	})))
	require.NoError(t, err)

	_, err = c.Search(context.Background(), computetest.Midstate(), compute.AcceptAll())
	require.NoError(t, err)

	require.Len(t, reports, 3)
	assert.Equal(t, uint64(10), reports[0].Offset)
	assert.Equal(t, uint64(30), reports[2].Attempts)
	assert.Equal(t, uint64(10), reports[2].BatchSize)
}

func TestStats_TracksTotals(t *testing.T) {
	s := &computetest.Session{FoundAt: map[uint64]bool{5: true}}
	c, err := New(s, Config{BatchSize: 10, Limit: 20})
	require.NoError(t, err)

	mid := computetest.Midstate()
	_, err = c.Search(context.Background(), mid, compute.AcceptAll())
	require.NoError(t, err)

	never := compute.Func("never", func(*[digest.Size]byte) bool { return false })
	s.FoundAt = nil
	_, err = c.Search(context.Background(), mid, never)
	require.NoError(t, err)

	st := c.Stats()
	assert.False(t, st.Running)
	assert.Equal(t, uint64(2), st.Searches)
	assert.Equal(t, uint64(1), st.Found)
	assert.Equal(t, uint64(1), st.Exhausted)
	assert.Equal(t, uint64(30), st.TotalTries)
	assert.Equal(t, "never", st.Predicate)
	assert.Equal(t, "fake[0] scripted (cpu, 1 units)", st.Device)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "found", OutcomeFound.String())
	assert.Equal(t, "exhausted", OutcomeExhausted.String())
	assert.Equal(t, "cancelled", OutcomeCancelled.String())
	assert.Equal(t, "Outcome(9)", Outcome(9).String())
}

func TestProgress_Rate(t *testing.T) {
	assert.Zero(t, Progress{BatchSize: 10}.Rate())
	assert.InDelta(t, 20.0, Progress{BatchSize: 10, BatchElapsed: 500_000_000}.Rate(), 1e-9)
}
