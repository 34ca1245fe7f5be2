// Package computetest provides fixtures for code that drives compute
// sessions.
package computetest

import (
	"context"
	"sync"

	"github.com/commitminer/commitminer/internal/compute"
	"github.com/commitminer/commitminer/pkg/commit"
	"github.com/commitminer/commitminer/pkg/digest"
)

// Known results for the Fields fixture, found by exhaustive search.
const (
	// FirstZeroBits8 is the lowest nonce whose digest has 8 leading zero bits.
	FirstZeroBits8 = 306

	// FirstZeroBits16 is the lowest nonce whose digest has 16 leading zero bits.
	FirstZeroBits16 = 7796

	// FirstPrefixBee is the lowest nonce whose digest starts with "bee".
	FirstPrefixBee = 4995

	// NonceZeroHex is the commit id for nonce 0.
	NonceZeroHex = "ae2180d3129980ae19169bce952e3de44ccc539c"
)

// Fields is a small commit whose framed preimage is two blocks.
func Fields() commit.Fields {
	return commit.Fields{
		Tree:       "T",
		Parent:     "P",
		Author:     "A",
		AuthorTime: "0",
		Message:    "payload",
	}
}

// Preimage builds the Fields fixture. It panics on error.
func Preimage() *commit.Preimage {
	p, err := commit.Build(Fields())
	if err != nil {
		panic(err)
	}
	return p
}

// Midstate freezes the Fields fixture. It panics on error.
func Midstate() digest.Midstate {
	m, err := Preimage().Freeze()
	if err != nil {
		panic(err)
	}
	return m
}

// Session is a scripted compute.Session.
//
// With Inner set, dispatches are forwarded to it; otherwise every batch
// reports nothing unless FoundAt names a nonce inside it. Err, when set, is
// returned from the dispatch with index FailAt. AfterDispatch, when set,
// runs with the index of every dispatch once it is recorded.
type Session struct {
	Inner         compute.Session
	Max           uint64
	FoundAt       map[uint64]bool
	Err           error
	FailAt        int
	AfterDispatch func(idx int)

	mu     sync.Mutex
	jobs   []compute.Job
	closed bool
}

func (s *Session) Device() compute.Device {
	return compute.Device{Backend: "fake", Name: "scripted", Kind: "cpu", Units: 1}
}

func (s *Session) MaxBatch() uint64 {
	if s.Max == 0 {
		return 1 << 20
	}
	return s.Max
}

func (s *Session) Dispatch(ctx context.Context, job compute.Job) (compute.Result, error) {
	s.mu.Lock()
	idx := len(s.jobs)
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()

	if s.Err != nil && idx == s.FailAt {
		return compute.Result{}, s.Err
	}
	if s.AfterDispatch != nil {
		s.AfterDispatch(idx)
	}
	if s.Inner != nil {
		return s.Inner.Dispatch(ctx, job)
	}
	for n := job.Offset; n < job.End(); n++ {
		if s.FoundAt[n] {
			return compute.Result{Found: true, Nonce: n}, nil
		}
	}
	return compute.Result{}, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Jobs returns the dispatched jobs in order.
func (s *Session) Jobs() []compute.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]compute.Job(nil), s.jobs...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
