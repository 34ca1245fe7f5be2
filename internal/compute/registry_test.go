package compute_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commitminer/commitminer/internal/compute"
	"github.com/commitminer/commitminer/internal/compute/cpu"
	"github.com/commitminer/commitminer/internal/compute/reference"
)

type emptyBackend struct {
	name string
	err  error
}

func (b emptyBackend) Name() string { return b.name }

func (b emptyBackend) Devices() ([]compute.Device, error) { return nil, b.err }

func (b emptyBackend) Open(compute.Device, compute.Options) (compute.Session, error) {
	return nil, compute.ErrUnavailable
}

func TestRegistry_SelectSkipsUnavailable(t *testing.T) {
	r := compute.NewRegistry(
		emptyBackend{name: "opencl"},
		cpu.New(),
		reference.New(),
	)

	b, devs, err := r.Select(nil)
	require.NoError(t, err)
	assert.Equal(t, cpu.Name, b.Name())
	require.Len(t, devs, 1)
	assert.Equal(t, "cpu", devs[0].Kind)
}

func TestRegistry_SelectHonoursPreference(t *testing.T) {
	r := compute.NewRegistry(cpu.New(), reference.New())

	b, _, err := r.Select([]string{"reference", "cpu"})
	require.NoError(t, err)
	assert.Equal(t, reference.Name, b.Name())
}

func TestRegistry_SelectNothingAvailable(t *testing.T) {
	r := compute.NewRegistry(
		emptyBackend{name: "opencl", err: errors.New("no platform")},
	)

	_, _, err := r.Select([]string{"opencl", "missing"})
	assert.ErrorIs(t, err, compute.ErrUnavailable)
	assert.ErrorContains(t, err, "tried opencl, missing (not registered)")
}

func TestRegistry_SelectReportsUnknownName(t *testing.T) {
	r := compute.NewRegistry(reference.New())

	_, _, err := r.Select([]string{"refrence"})
	require.ErrorIs(t, err, compute.ErrUnavailable)
	assert.ErrorContains(t, err, "refrence (not registered)")

	b, _, err := r.Select([]string{"refrence", "reference"})
	require.NoError(t, err)
	assert.Equal(t, reference.Name, b.Name())
}

func TestRegistry_Report(t *testing.T) {
	r := compute.NewRegistry(
		emptyBackend{name: "opencl", err: errors.New("no platform")},
		reference.New(),
	)

	report := r.Report()
	require.Len(t, report, 2)

	assert.Equal(t, "opencl", report[0].Name)
	assert.False(t, report[0].Available)
	assert.Equal(t, "no platform", report[0].Err)

	assert.Equal(t, "reference", report[1].Name)
	assert.True(t, report[1].Available)
	assert.Len(t, report[1].Devices, 1)
}

func TestRegistry_GetAndNames(t *testing.T) {
	r := compute.NewRegistry(reference.New())
	r.Register(cpu.New())

	assert.Equal(t, []string{"cpu", "reference"}, r.Names())

	_, ok := r.Get("cpu")
	assert.True(t, ok)
	_, ok = r.Get("cuda")
	assert.False(t, ok)
}
