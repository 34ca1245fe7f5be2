//go:build !opencl || !cgo

package opencl

import (
	"fmt"

	"github.com/commitminer/commitminer/internal/compute"
)

// Backend stands in for the OpenCL backend in builds without the opencl tag
// or without cgo.
type Backend struct{}

// New creates the stub backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return Name }

// Devices always fails with compute.ErrUnavailable.
func (b *Backend) Devices() ([]compute.Device, error) {
	return nil, fmt.Errorf("%w: built without opencl support (use -tags opencl with cgo)", compute.ErrUnavailable)
}

func (b *Backend) Open(compute.Device, compute.Options) (compute.Session, error) {
	return nil, fmt.Errorf("%w: built without opencl support", compute.ErrUnavailable)
}
