//go:build opencl && cgo

package opencl

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120 -DCL_USE_DEPRECATED_OPENCL_1_2_APIS
#cgo darwin LDFLAGS: -framework OpenCL
#cgo !darwin LDFLAGS: -lOpenCL
#include <stdlib.h>
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
*/
import "C"

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/commitminer/commitminer/internal/compute"
)

const maxPlatforms = 64

// Backend enumerates OpenCL platforms and opens device sessions.
type Backend struct {
	mu  sync.Mutex
	ids []C.cl_device_id
}

// New creates the OpenCL backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return Name }

// Devices lists GPUs on every platform. A platform with no GPU contributes
// its CPU devices instead.
func (b *Backend) Devices() ([]compute.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var platforms [maxPlatforms]C.cl_platform_id
	var numPlatforms C.cl_uint
	if err := newError("clGetPlatformIDs", int(C.clGetPlatformIDs(maxPlatforms, &platforms[0], &numPlatforms))); err != nil {
		return nil, err
	}

	b.ids = b.ids[:0]
	var devs []compute.Device
	for _, p := range platforms[:numPlatforms] {
		ids, kind := platformDevices(p)
		for _, id := range ids {
			devs = append(devs, compute.Device{
				Index:   len(b.ids),
				Backend: Name,
				Name:    deviceString(id, C.CL_DEVICE_NAME),
				Vendor:  deviceString(id, C.CL_DEVICE_VENDOR),
				Kind:    kind,
				Units:   int(deviceUint(id, C.CL_DEVICE_MAX_COMPUTE_UNITS)),
				Features: []string{
					deviceString(id, C.CL_DEVICE_VERSION),
				},
			})
			b.ids = append(b.ids, id)
		}
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: no OpenCL devices", compute.ErrUnavailable)
	}
	return devs, nil
}

func platformDevices(p C.cl_platform_id) ([]C.cl_device_id, string) {
	for _, t := range []struct {
		typ  C.cl_device_type
		kind string
	}{
		{C.CL_DEVICE_TYPE_GPU, "gpu"},
		{C.CL_DEVICE_TYPE_CPU, "cpu"},
	} {
		var n C.cl_uint
		if C.clGetDeviceIDs(p, t.typ, 0, nil, &n) != C.CL_SUCCESS || n == 0 {
			continue
		}
		ids := make([]C.cl_device_id, n)
		if C.clGetDeviceIDs(p, t.typ, n, &ids[0], nil) != C.CL_SUCCESS {
			continue
		}
		return ids, t.kind
	}
	return nil, ""
}

func deviceString(id C.cl_device_id, param C.cl_device_info) string {
	var buf [1024]C.char
	if C.clGetDeviceInfo(id, param, C.size_t(len(buf)), unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimSpace(C.GoString(&buf[0]))
}

func deviceUint(id C.cl_device_id, param C.cl_device_info) C.cl_uint {
	var v C.cl_uint
	C.clGetDeviceInfo(id, param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)
	return v
}

// Open creates a context, queue, program, kernel and buffers on the device.
// A failed build returns the compiler log in the error.
func (b *Backend) Open(dev compute.Device, opts compute.Options) (compute.Session, error) {
	b.mu.Lock()
	if dev.Index < 0 || dev.Index >= len(b.ids) {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: no device %d", compute.ErrUnavailable, dev.Index)
	}
	id := b.ids[dev.Index]
	b.mu.Unlock()

	s := &session{dev: dev, id: id, local: opts.LocalSize}
	if s.local <= 0 {
		s.local = DefaultLocalSize
	}
	if err := s.open(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

type session struct {
	dev   compute.Device
	id    C.cl_device_id
	local int

	ctx     C.cl_context
	queue   C.cl_command_queue
	program C.cl_program
	kernel  C.cl_kernel
	params  C.cl_mem
	result  C.cl_mem
}

func (s *session) open() error {
	var status C.cl_int

	s.ctx = C.clCreateContext(nil, 1, &s.id, nil, nil, &status)
	if err := newError("clCreateContext", int(status)); err != nil {
		return err
	}

	s.queue = C.clCreateCommandQueue(s.ctx, s.id, 0, &status)
	if err := newError("clCreateCommandQueue", int(status)); err != nil {
		return err
	}

	src := C.CString(kernelSource)
	defer C.free(unsafe.Pointer(src))
	srcLen := C.size_t(len(kernelSource))
	s.program = C.clCreateProgramWithSource(s.ctx, 1, &src, &srcLen, &status)
	if err := newError("clCreateProgramWithSource", int(status)); err != nil {
		return err
	}

	if code := C.clBuildProgram(s.program, 1, &s.id, nil, nil, nil); code != C.CL_SUCCESS {
		return fmt.Errorf("%w\n%s", newError("clBuildProgram", int(code)), s.buildLog())
	}

	name := C.CString(kernelName)
	defer C.free(unsafe.Pointer(name))
	s.kernel = C.clCreateKernel(s.program, name, &status)
	if err := newError("clCreateKernel", int(status)); err != nil {
		return err
	}

	s.params = C.clCreateBuffer(s.ctx, C.CL_MEM_READ_ONLY, C.size_t(paramWords*4), nil, &status)
	if err := newError("clCreateBuffer", int(status)); err != nil {
		return err
	}
	s.result = C.clCreateBuffer(s.ctx, C.CL_MEM_READ_WRITE, C.size_t(resultWords*4), nil, &status)
	return newError("clCreateBuffer", int(status))
}

func (s *session) buildLog() string {
	var size C.size_t
	C.clGetProgramBuildInfo(s.program, s.id, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size)
	if size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetProgramBuildInfo(s.program, s.id, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil)
	return strings.TrimRight(string(buf), "\x00\n")
}

func (s *session) Device() compute.Device { return s.dev }
func (s *session) MaxBatch() uint64       { return DefaultMaxBatch }

func (s *session) Dispatch(_ context.Context, job compute.Job) (compute.Result, error) {
	if s.kernel == nil {
		return compute.Result{}, compute.ErrClosed
	}
	if err := compute.CheckJob(job, DefaultMaxBatch); err != nil {
		return compute.Result{}, err
	}
	params, err := kernelParams(job.Predicate)
	if err != nil {
		return compute.Result{}, fmt.Errorf("%s: %w", job.Predicate, err)
	}
	if job.Size == 0 {
		return compute.Result{}, nil
	}

	var cparams [paramWords]C.cl_uint
	for i, v := range params {
		cparams[i] = C.cl_uint(v)
	}
	var res [resultWords]C.cl_uint

	code := C.clEnqueueWriteBuffer(s.queue, s.params, C.CL_TRUE, 0, C.size_t(paramWords*4), unsafe.Pointer(&cparams[0]), 0, nil, nil)
	if err := newError("clEnqueueWriteBuffer", int(code)); err != nil {
		return compute.Result{}, err
	}
	code = C.clEnqueueWriteBuffer(s.queue, s.result, C.CL_TRUE, 0, C.size_t(resultWords*4), unsafe.Pointer(&res[0]), 0, nil, nil)
	if err := newError("clEnqueueWriteBuffer", int(code)); err != nil {
		return compute.Result{}, err
	}

	h := job.Midstate.H
	uints := []C.cl_uint{C.cl_uint(h[0]), C.cl_uint(h[1]), C.cl_uint(h[2]), C.cl_uint(h[3]), C.cl_uint(h[4]), C.cl_uint(job.Midstate.Count)}
	arg := C.cl_uint(0)
	for i := range uints {
		code |= C.clSetKernelArg(s.kernel, arg, C.size_t(unsafe.Sizeof(uints[i])), unsafe.Pointer(&uints[i]))
		arg++
	}
	offset, size := C.cl_ulong(job.Offset), C.cl_ulong(job.Size)
	code |= C.clSetKernelArg(s.kernel, arg, C.size_t(unsafe.Sizeof(offset)), unsafe.Pointer(&offset))
	code |= C.clSetKernelArg(s.kernel, arg+1, C.size_t(unsafe.Sizeof(size)), unsafe.Pointer(&size))
	code |= C.clSetKernelArg(s.kernel, arg+2, C.size_t(unsafe.Sizeof(s.params)), unsafe.Pointer(&s.params))
	code |= C.clSetKernelArg(s.kernel, arg+3, C.size_t(unsafe.Sizeof(s.result)), unsafe.Pointer(&s.result))
	if err := newError("clSetKernelArg", int(code)); err != nil {
		return compute.Result{}, err
	}

	global := C.size_t(globalSize(job.Size, s.local))
	local := C.size_t(s.local)
	code = C.clEnqueueNDRangeKernel(s.queue, s.kernel, 1, nil, &global, &local, 0, nil, nil)
	if err := newError("clEnqueueNDRangeKernel", int(code)); err != nil {
		return compute.Result{}, err
	}

	code = C.clEnqueueReadBuffer(s.queue, s.result, C.CL_TRUE, 0, C.size_t(resultWords*4), unsafe.Pointer(&res[0]), 0, nil, nil)
	if err := newError("clEnqueueReadBuffer", int(code)); err != nil {
		return compute.Result{}, err
	}

	if res[0] == 0 {
		return compute.Result{}, nil
	}
	r := compute.Result{Found: true, Nonce: job.Offset + uint64(res[1])}
	for i := 0; i < 5; i++ {
		binary.BigEndian.PutUint32(r.Digest[4*i:], uint32(res[2+i]))
	}
	return r, nil
}

// Close releases every OpenCL object the session created.
func (s *session) Close() error {
	if s.result != nil {
		C.clReleaseMemObject(s.result)
		s.result = nil
	}
	if s.params != nil {
		C.clReleaseMemObject(s.params)
		s.params = nil
	}
	if s.kernel != nil {
		C.clReleaseKernel(s.kernel)
		s.kernel = nil
	}
	if s.program != nil {
		C.clReleaseProgram(s.program)
		s.program = nil
	}
	if s.queue != nil {
		C.clReleaseCommandQueue(s.queue)
		s.queue = nil
	}
	if s.ctx != nil {
		C.clReleaseContext(s.ctx)
		s.ctx = nil
	}
	return nil
}
