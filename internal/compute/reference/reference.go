// Package reference is a single-threaded compute backend. It is slow and
// exact: every other backend must agree with it on the same batch.
package reference

import (
	"context"

	"github.com/commitminer/commitminer/internal/compute"
)

// Name is the registry name of this backend.
const Name = "reference"

// DefaultMaxBatch bounds one dispatch.
const DefaultMaxBatch uint64 = 1 << 20

// Backend is the sequential host backend.
type Backend struct {
	// MaxBatch overrides DefaultMaxBatch when non-zero.
	MaxBatch uint64
}

// New creates the reference backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return Name }

// Devices always reports a single host device.
func (b *Backend) Devices() ([]compute.Device, error) {
	return []compute.Device{{
		Backend: Name,
		Name:    "sequential host",
		Kind:    "cpu",
		Units:   1,
	}}, nil
}

func (b *Backend) Open(dev compute.Device, _ compute.Options) (compute.Session, error) {
	limit := b.MaxBatch
	if limit == 0 {
		limit = DefaultMaxBatch
	}
	return &session{dev: dev, max: limit}, nil
}

type session struct {
	dev    compute.Device
	max    uint64
	closed bool
}

func (s *session) Device() compute.Device { return s.dev }
func (s *session) MaxBatch() uint64       { return s.max }

func (s *session) Dispatch(_ context.Context, job compute.Job) (compute.Result, error) {
	if s.closed {
		return compute.Result{}, compute.ErrClosed
	}
	if err := compute.CheckJob(job, s.max); err != nil {
		return compute.Result{}, err
	}
	return compute.Scan(job.Midstate, job.Predicate, job.Offset, job.End(), nil), nil
}

func (s *session) Close() error {
	s.closed = true
	return nil
}
