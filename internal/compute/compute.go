// Package compute abstracts the devices that evaluate batches of nonce
// candidates against a frozen SHA-1 midstate.
//
// A Backend enumerates Devices and opens Sessions. A Session owns every
// resource needed to run batches on one device and releases them in Close.
// Each Dispatch runs one contiguous range of nonces to completion and
// reports at most one accepted candidate.
package compute

import (
	"context"
	"errors"
	"fmt"

	"github.com/commitminer/commitminer/pkg/digest"
)

// Backend errors.
var (
	// ErrUnavailable is returned when a backend has no usable device.
	ErrUnavailable = errors.New("compute: backend unavailable")

	// ErrUnsupportedPredicate is returned when a device backend is given a
	// predicate it cannot evaluate on the device.
	ErrUnsupportedPredicate = errors.New("compute: predicate not supported by backend")

	// ErrBatchTooLarge is returned when a job exceeds the session's MaxBatch.
	ErrBatchTooLarge = errors.New("compute: batch exceeds session maximum")

	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("compute: session closed")
)

// Error is a fatal backend failure. Op names the failing call, Code carries
// the device runtime's status code and Desc its symbolic name.
type Error struct {
	Op   string
	Code int
	Desc string
}

func (e *Error) Error() string {
	return fmt.Sprintf("compute: %s failed: %s (%d)", e.Op, e.Desc, e.Code)
}

// Device describes one compute device a backend can open.
type Device struct {
	// Index is the position in the backend's device list.
	Index int

	Backend string
	Name    string
	Vendor  string

	// Kind is "cpu" or "gpu".
	Kind string

	// Units is the number of parallel compute units (cores, CUs).
	Units int

	// Features lists notable capabilities, such as SHA extensions.
	Features []string
}

func (d Device) String() string {
	return fmt.Sprintf("%s[%d] %s (%s, %d units)", d.Backend, d.Index, d.Name, d.Kind, d.Units)
}

// Options tune a session.
type Options struct {
	// Workers caps host parallelism. Zero means one per unit.
	Workers int

	// LocalSize is the work-group size for device kernels. Zero picks the
	// backend default.
	LocalSize int
}

// Job is one batch: the nonces [Offset, Offset+Size) tried against Midstate.
type Job struct {
	Midstate  digest.Midstate
	Offset    uint64
	Size      uint64
	Predicate Predicate
}

// End returns the first nonce after the batch.
func (j Job) End() uint64 {
	return j.Offset + j.Size
}

// Result is the outcome of one batch. Nonce and Digest are meaningful only
// when Found is set.
type Result struct {
	Found  bool
	Nonce  uint64
	Digest [digest.Size]byte
}

// Backend is a family of compute devices.
type Backend interface {
	Name() string
	Devices() ([]Device, error)
	Open(dev Device, opts Options) (Session, error)
}

// Session runs batches on one opened device.
//
// Dispatch blocks until the whole batch has been evaluated. It does not stop
// early on context cancellation; the context is consulted only before the
// batch starts. Sessions are used by a single goroutine.
type Session interface {
	Device() Device
	MaxBatch() uint64
	Dispatch(ctx context.Context, job Job) (Result, error)
	Close() error
}

// CheckJob validates a job against a session limit.
func CheckJob(job Job, maxBatch uint64) error {
	if job.Predicate == nil {
		return errors.New("compute: job has no predicate")
	}
	if job.Size > maxBatch {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, job.Size, maxBatch)
	}
	if job.End() < job.Offset {
		return fmt.Errorf("compute: batch [%d, +%d) overflows", job.Offset, job.Size)
	}
	return nil
}
