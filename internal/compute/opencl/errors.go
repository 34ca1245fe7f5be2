// Package opencl runs nonce batches on OpenCL devices.
//
// The device code lives in kernel.cl. Building with the opencl tag and cgo
// links against the system OpenCL loader; other builds get a backend that
// reports no devices.
package opencl

import (
	_ "embed"

	"github.com/commitminer/commitminer/internal/compute"
)

// Name is the registry name of this backend.
const Name = "opencl"

const (
	// DefaultLocalSize is the work-group size.
	DefaultLocalSize = 32

	// DefaultMaxBatch is the number of work items per dispatch.
	DefaultMaxBatch uint64 = 1024 * 256 * 128

	kernelName = "search"

	// resultWords is the result buffer layout: flag, nonce index, digest.
	resultWords = 7

	// paramWords is the predicate buffer layout: mask[5], value[5].
	paramWords = 10
)

//go:embed kernel.cl
var kernelSource string

var errorNames = map[int]string{
	0:   "CL_SUCCESS",
	-1:  "CL_DEVICE_NOT_FOUND",
	-2:  "CL_DEVICE_NOT_AVAILABLE",
	-3:  "CL_COMPILER_NOT_AVAILABLE",
	-4:  "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	-5:  "CL_OUT_OF_RESOURCES",
	-6:  "CL_OUT_OF_HOST_MEMORY",
	-7:  "CL_PROFILING_INFO_NOT_AVAILABLE",
	-8:  "CL_MEM_COPY_OVERLAP",
	-9:  "CL_IMAGE_FORMAT_MISMATCH",
	-10: "CL_IMAGE_FORMAT_NOT_SUPPORTED",
	-11: "CL_BUILD_PROGRAM_FAILURE",
	-12: "CL_MAP_FAILURE",
	-30: "CL_INVALID_VALUE",
	-31: "CL_INVALID_DEVICE_TYPE",
	-32: "CL_INVALID_PLATFORM",
	-33: "CL_INVALID_DEVICE",
	-34: "CL_INVALID_CONTEXT",
	-35: "CL_INVALID_QUEUE_PROPERTIES",
	-36: "CL_INVALID_COMMAND_QUEUE",
	-37: "CL_INVALID_HOST_PTR",
	-38: "CL_INVALID_MEM_OBJECT",
	-39: "CL_INVALID_IMAGE_FORMAT_DESCRIPTOR",
	-40: "CL_INVALID_IMAGE_SIZE",
	-41: "CL_INVALID_SAMPLER",
	-42: "CL_INVALID_BINARY",
	-43: "CL_INVALID_BUILD_OPTIONS",
	-44: "CL_INVALID_PROGRAM",
	-45: "CL_INVALID_PROGRAM_EXECUTABLE",
	-46: "CL_INVALID_KERNEL_NAME",
	-47: "CL_INVALID_KERNEL_DEFINITION",
	-48: "CL_INVALID_KERNEL",
	-49: "CL_INVALID_ARG_INDEX",
	-50: "CL_INVALID_ARG_VALUE",
	-51: "CL_INVALID_ARG_SIZE",
	-52: "CL_INVALID_KERNEL_ARGS",
	-53: "CL_INVALID_WORK_DIMENSION",
	-54: "CL_INVALID_WORK_GROUP_SIZE",
	-55: "CL_INVALID_WORK_ITEM_SIZE",
	-56: "CL_INVALID_GLOBAL_OFFSET",
	-57: "CL_INVALID_EVENT_WAIT_LIST",
	-58: "CL_INVALID_EVENT",
	-59: "CL_INVALID_OPERATION",
	-60: "CL_INVALID_GL_OBJECT",
	-61: "CL_INVALID_BUFFER_SIZE",
	-62: "CL_INVALID_MIP_LEVEL",
	-63: "CL_INVALID_GLOBAL_WORK_SIZE",
}

// ErrorName returns the symbolic name of an OpenCL status code.
func ErrorName(code int) string {
	if name, ok := errorNames[code]; ok {
		return name
	}
	return "Unknown OpenCL error"
}

// newError wraps a failing OpenCL status. It returns nil for non-negative
// codes.
func newError(op string, code int) error {
	if code >= 0 {
		return nil
	}
	return &compute.Error{Op: op, Code: code, Desc: ErrorName(code)}
}

// globalSize rounds n up to a whole number of work groups.
func globalSize(n uint64, local int) uint64 {
	l := uint64(local)
	return (n + l - 1) / l * l
}

// kernelParams lays out a masked predicate for the device.
func kernelParams(p compute.Predicate) ([paramWords]uint32, error) {
	var out [paramWords]uint32
	m, ok := p.(compute.Masked)
	if !ok {
		return out, compute.ErrUnsupportedPredicate
	}
	mask, value := m.Mask()
	copy(out[:5], mask[:])
	copy(out[5:], value[:])
	return out, nil
}
