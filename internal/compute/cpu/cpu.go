// Package cpu is the host compute backend. A batch is split into contiguous
// lanes, one goroutine each, and the lowest accepted nonce in the batch wins.
package cpu

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/commitminer/commitminer/internal/compute"
	"github.com/commitminer/commitminer/pkg/nonce"
)

// Name is the registry name of this backend.
const Name = "cpu"

// DefaultMaxBatch bounds one dispatch.
const DefaultMaxBatch uint64 = 1 << 24

// minLane is the smallest slice worth a goroutine.
const minLane = 1024

// Backend runs batches on host goroutines.
type Backend struct {
	// MaxBatch overrides DefaultMaxBatch when non-zero.
	MaxBatch uint64
}

// New creates the CPU backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return Name }

// Devices reports the host processor.
func (b *Backend) Devices() ([]compute.Device, error) {
	return []compute.Device{hostDevice()}, nil
}

func hostDevice() compute.Device {
	units := cpuid.CPU.LogicalCores
	if units <= 0 {
		units = runtime.NumCPU()
	}
	name := cpuid.CPU.BrandName
	if name == "" {
		name = runtime.GOARCH + " host"
	}

	var features []string
	for _, f := range []cpuid.FeatureID{cpuid.SHA, cpuid.AVX2, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}

	return compute.Device{
		Backend:  Name,
		Name:     name,
		Vendor:   cpuid.CPU.VendorString,
		Kind:     "cpu",
		Units:    units,
		Features: features,
	}
}

func (b *Backend) Open(dev compute.Device, opts compute.Options) (compute.Session, error) {
	limit := b.MaxBatch
	if limit == 0 {
		limit = DefaultMaxBatch
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = dev.Units
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &session{dev: dev, max: limit, workers: workers}, nil
}

type session struct {
	dev     compute.Device
	max     uint64
	workers int
	closed  bool
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
	if job.Size == 0 {
		return compute.Result{}, nil
	}

	lanes := uint64(s.workers)
	if per := job.Size / minLane; per < lanes {
		lanes = max(per, 1)
	}
	width := (job.Size + lanes - 1) / lanes

	var best atomic.Uint64
	best.Store(math.MaxUint64)
	stop := func(n uint64) bool { return n > best.Load() }

	var g errgroup.Group
	for first := job.Offset; first < job.End(); first += width {
		first := first
		end := min(first+width, job.End())
		g.Go(func() error {
			r := compute.Scan(job.Midstate, job.Predicate, first, end, stop)
			if !r.Found {
				return nil
			}
			for {
				cur := best.Load()
				if r.Nonce >= cur || best.CompareAndSwap(cur, r.Nonce) {
					return nil
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return compute.Result{}, err
	}

	n := best.Load()
	if n == math.MaxUint64 {
		return compute.Result{}, nil
	}
	return compute.Result{Found: true, Nonce: n, Digest: job.Midstate.SumTail(nonce.Encode(n))}, nil
}

func (s *session) Close() error {
	s.closed = true
	return nil
}
