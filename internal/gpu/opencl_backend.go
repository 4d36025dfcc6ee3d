//go:build opencl && cgo

package gpu

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=200
#cgo LDFLAGS: -lOpenCL
#include <stdlib.h>
#include <CL/cl.h>

#ifndef CL_MEM_EXT_HOST_PTR_QCOM
#define CL_MEM_EXT_HOST_PTR_QCOM (1 << 29)
#endif

typedef struct {
	cl_uint allocation_type;
	cl_uint host_cache_policy;
} uma_ext_host_ptr;

typedef struct {
	uma_ext_host_ptr ext_host_ptr;
	int ion_filedesc;
	void* ion_hostptr;
} uma_ion_host_ptr;

static cl_mem uma_import_ion(cl_context ctx, size_t size, uma_ion_host_ptr* desc, cl_int* err) {
	return clCreateBuffer(ctx, CL_MEM_USE_HOST_PTR | CL_MEM_EXT_HOST_PTR_QCOM | CL_MEM_READ_WRITE,
		size, desc, err);
}

static cl_int uma_build(cl_program prog, cl_device_id dev) {
	return clBuildProgram(prog, 1, &dev, NULL, NULL, NULL);
}

static cl_program uma_program_from_source(cl_context ctx, const char* src, size_t len, cl_int* err) {
	return clCreateProgramWithSource(ctx, 1, &src, &len, err);
}
*/
import "C"

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/memory"
)

// OpenCLBackend implements Backend on the first OpenCL GPU of the first
// platform, importing shared buffers through cl_qcom_ion_host_ptr.
type OpenCLBackend struct {
	log       *zap.Logger
	available bool

	mu          sync.Mutex
	initialized bool
	device      C.cl_device_id
	context     C.cl_context
	queue       C.cl_command_queue
	info        DeviceInfo
}

// NewOpenCLBackend creates a new OpenCL backend instance
func NewOpenCLBackend(log *zap.Logger) *OpenCLBackend {
	if log == nil {
		log = zap.NewNop()
	}
	b := &OpenCLBackend{log: log.Named("gpu-opencl")}
	if _, err := firstGPU(); err != nil {
		b.log.Warn("OpenCL GPU not available", zap.Error(err))
	} else {
		b.available = true
	}
	return b
}

func firstGPU() (C.cl_device_id, error) {
	var platform C.cl_platform_id
	var n C.cl_uint
	if ret := C.clGetPlatformIDs(1, &platform, &n); ret != C.CL_SUCCESS || n == 0 {
		return nil, fmt.Errorf("clGetPlatformIDs: %s", clError(ret))
	}
	var device C.cl_device_id
	if ret := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_GPU, 1, &device, &n); ret != C.CL_SUCCESS || n == 0 {
		return nil, fmt.Errorf("clGetDeviceIDs: %s", clError(ret))
	}
	return device, nil
}

func (b *OpenCLBackend) Name() string { return "opencl" }

func (b *OpenCLBackend) IsAvailable() bool {
	return b.available
}

// Initialize creates the context and an in-order command queue.
func (b *OpenCLBackend) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return failure.New(failure.DeviceUnavailable, "gpu.initialize", "no OpenCL GPU")
	}
	if b.initialized {
		return nil
	}

	device, err := firstGPU()
	if err != nil {
		return failure.Wrap(failure.DeviceUnavailable, "gpu.initialize", err, "select device")
	}
	var ret C.cl_int
	ctx := C.clCreateContext(nil, 1, &device, nil, nil, &ret)
	if ret != C.CL_SUCCESS {
		return failure.New(failure.DeviceUnavailable, "gpu.initialize", "clCreateContext: %s", clError(ret))
	}
	queue := C.clCreateCommandQueueWithProperties(ctx, device, nil, &ret)
	if ret != C.CL_SUCCESS {
		C.clReleaseContext(ctx)
		return failure.New(failure.DeviceUnavailable, "gpu.initialize", "clCreateCommandQueue: %s", clError(ret))
	}

	b.device, b.context, b.queue = device, ctx, queue
	b.info = b.queryInfo()
	b.initialized = true
	b.log.Info("OpenCL backend initialized",
		zap.String("device", b.info.Name),
		zap.String("version", b.info.Version),
		zap.Bool("hostUnifiedMemory", b.info.HostUnifiedMemory),
		zap.Bool("ionHostPtr", b.info.HasExtension(ExtIONHostPtr)))
	return nil
}

func (b *OpenCLBackend) queryInfo() DeviceInfo {
	var mem C.cl_ulong
	C.clGetDeviceInfo(b.device, C.CL_DEVICE_GLOBAL_MEM_SIZE, C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem), nil)
	var wg C.size_t
	C.clGetDeviceInfo(b.device, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, C.size_t(unsafe.Sizeof(wg)), unsafe.Pointer(&wg), nil)
	var unified C.cl_bool
	C.clGetDeviceInfo(b.device, C.CL_DEVICE_HOST_UNIFIED_MEMORY, C.size_t(unsafe.Sizeof(unified)), unsafe.Pointer(&unified), nil)

	return DeviceInfo{
		Backend:           b.Name(),
		Name:              b.deviceString(C.CL_DEVICE_NAME),
		Vendor:            b.deviceString(C.CL_DEVICE_VENDOR),
		Version:           b.deviceString(C.CL_DEVICE_VERSION),
		DriverVersion:     b.deviceString(C.CL_DRIVER_VERSION),
		GlobalMemory:      int64(mem),
		MaxWorkGroupSize:  int(wg),
		HostUnifiedMemory: unified == C.CL_TRUE,
		Extensions:        strings.Fields(b.deviceString(C.CL_DEVICE_EXTENSIONS)),
	}
}

func (b *OpenCLBackend) deviceString(param C.cl_device_info) string {
	var size C.size_t
	if C.clGetDeviceInfo(b.device, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := C.malloc(size)
	defer C.free(buf)
	if C.clGetDeviceInfo(b.device, param, size, buf, nil) != C.CL_SUCCESS {
		return ""
	}
	return C.GoString((*C.char)(buf))
}

func (b *OpenCLBackend) GetDeviceInfo() DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return DeviceInfo{Backend: b.Name(), Name: "OpenCL not initialized"}
	}
	return b.info
}

// Cleanup releases the queue and context.
func (b *OpenCLBackend) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}
	C.clFinish(b.queue)
	C.clReleaseCommandQueue(b.queue)
	C.clReleaseContext(b.context)
	b.initialized = false
	return nil
}

func (b *OpenCLBackend) ImportBuffer(buf *memory.SharedBuffer, policy CachePolicy) (Buffer, error) {
	if buf == nil {
		return nil, failure.New(failure.InvalidArgument, "gpu.import", "nil shared buffer")
	}
	if !b.info.HasExtension(ExtIONHostPtr) {
		return nil, failure.New(failure.ImportRejected, "gpu.import", "device does not support %s", ExtIONHostPtr)
	}
	att, err := buf.Attach("gpu")
	if err != nil {
		return nil, failure.Wrap(failure.ImportRejected, "gpu.import", err, "attach %s", buf.ID())
	}

	desc := NewIONHostPtr(buf, policy)
	var ion C.uma_ion_host_ptr
	ion.ext_host_ptr.allocation_type = C.cl_uint(desc.AllocationType)
	ion.ext_host_ptr.host_cache_policy = C.cl_uint(desc.HostCachePolicy)
	ion.ion_filedesc = C.int(desc.FD)
	ion.ion_hostptr = desc.HostPtr

	var ret C.cl_int
	mem := C.uma_import_ion(b.context, C.size_t(buf.Size()), &ion, &ret)
	if ret != C.CL_SUCCESS {
		att.Detach()
		return nil, failure.New(failure.ImportRejected, "gpu.import", "clCreateBuffer(ion): %s", clError(ret))
	}
	return &clBuffer{mem: mem, att: att, size: buf.Size()}, nil
}

func (b *OpenCLBackend) CreateBuffer(size int) (Buffer, error) {
	var ret C.cl_int
	mem := C.clCreateBuffer(b.context, C.CL_MEM_READ_WRITE, C.size_t(size), nil, &ret)
	if ret != C.CL_SUCCESS {
		return nil, failure.New(failure.ResourceExhaustion, "gpu.create_buffer", "clCreateBuffer(%d): %s", size, clError(ret))
	}
	return &clBuffer{mem: mem, size: size}, nil
}

func (b *OpenCLBackend) WriteBuffer(dst Buffer, data []byte) error {
	cb, ok := dst.(*clBuffer)
	if !ok {
		return failure.New(failure.InvalidArgument, "gpu.write_buffer", "buffer %T does not belong to the OpenCL backend", dst)
	}
	if len(data) > cb.size {
		return failure.New(failure.SizeMismatch, "gpu.write_buffer", "%d bytes into buffer of %d", len(data), cb.size)
	}
	if len(data) == 0 {
		return nil
	}
	ret := C.clEnqueueWriteBuffer(b.queue, cb.mem, C.CL_TRUE, 0, C.size_t(len(data)), unsafe.Pointer(&data[0]), 0, nil, nil)
	if ret != C.CL_SUCCESS {
		return failure.New(failure.ExecutionFailure, "gpu.write_buffer", "clEnqueueWriteBuffer: %s", clError(ret))
	}
	return nil
}

func (b *OpenCLBackend) BuildProgram(source string) (Program, error) {
	csrc := C.CString(source)
	defer C.free(unsafe.Pointer(csrc))

	var ret C.cl_int
	prog := C.uma_program_from_source(b.context, csrc, C.size_t(len(source)), &ret)
	if ret != C.CL_SUCCESS {
		return nil, failure.New(failure.BuildFailure, "gpu.build", "clCreateProgramWithSource: %s", clError(ret))
	}
	if ret = C.uma_build(prog, b.device); ret != C.CL_SUCCESS {
		buildLog := b.buildLog(prog)
		C.clReleaseProgram(prog)
		b.log.Warn("program build failed", zap.String("log", buildLog))
		return nil, failure.WithDetail(failure.BuildFailure, "gpu.build", buildLog, "clBuildProgram: %s", clError(ret))
	}
	return &clProgram{prog: prog}, nil
}

func (b *OpenCLBackend) buildLog(prog C.cl_program) string {
	var size C.size_t
	C.clGetProgramBuildInfo(prog, b.device, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size)
	if size == 0 {
		return ""
	}
	buf := C.malloc(size)
	defer C.free(buf)
	C.clGetProgramBuildInfo(prog, b.device, C.CL_PROGRAM_BUILD_LOG, size, buf, nil)
	return C.GoString((*C.char)(buf))
}

func (b *OpenCLBackend) Enqueue(k Kernel, ws WorkSize) error {
	ck, ok := k.(*clKernel)
	if !ok {
		return failure.New(failure.InvalidArgument, "gpu.enqueue", "kernel %T does not belong to the OpenCL backend", k)
	}
	global := C.size_t(ws.Global)
	local := C.size_t(ws.Local)
	ret := C.clEnqueueNDRangeKernel(b.queue, ck.kernel, 1, nil, &global, &local, 0, nil, nil)
	if ret != C.CL_SUCCESS {
		return failure.New(failure.ExecutionFailure, "gpu.enqueue", "clEnqueueNDRangeKernel(%s): %s", ck.name, clError(ret))
	}
	return nil
}

// Finish runs clFinish on a helper goroutine so ctx can bound the wait. On
// timeout the goroutine is left to complete the drain.
func (b *OpenCLBackend) Finish(ctx context.Context) error {
	done := make(chan C.cl_int, 1)
	go func() { done <- C.clFinish(b.queue) }()
	select {
	case ret := <-done:
		if ret != C.CL_SUCCESS {
			return failure.New(failure.ExecutionFailure, "gpu.finish", "clFinish: %s", clError(ret))
		}
		return nil
	case <-ctx.Done():
		return failure.Wrap(failure.StageTimeout, "gpu.finish", ctx.Err(), "command queue did not drain")
	}
}

type clBuffer struct {
	mem  C.cl_mem
	att  *memory.Attachment
	size int
}

func (c *clBuffer) Size() int      { return c.size }
func (c *clBuffer) Imported() bool { return c.att != nil }

func (c *clBuffer) Release() error {
	if c.mem != nil {
		C.clReleaseMemObject(c.mem)
		c.mem = nil
	}
	if c.att != nil {
		c.att.Detach()
	}
	return nil
}

type clProgram struct {
	prog C.cl_program
}

func (p *clProgram) KernelNames() []string {
	var size C.size_t
	C.clGetProgramInfo(p.prog, C.CL_PROGRAM_KERNEL_NAMES, 0, nil, &size)
	if size == 0 {
		return nil
	}
	buf := C.malloc(size)
	defer C.free(buf)
	C.clGetProgramInfo(p.prog, C.CL_PROGRAM_KERNEL_NAMES, size, buf, nil)
	return strings.Split(C.GoString((*C.char)(buf)), ";")
}

func (p *clProgram) Kernel(name string) (Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var ret C.cl_int
	k := C.clCreateKernel(p.prog, cname, &ret)
	if ret != C.CL_SUCCESS {
		return nil, failure.New(failure.InvalidArgument, "gpu.kernel", "clCreateKernel(%s): %s", name, clError(ret))
	}
	return &clKernel{name: name, kernel: k}, nil
}

func (p *clProgram) Release() error {
	if p.prog != nil {
		C.clReleaseProgram(p.prog)
		p.prog = nil
	}
	return nil
}

type clKernel struct {
	name   string
	kernel C.cl_kernel
}

func (k *clKernel) Name() string { return k.name }

func (k *clKernel) SetArg(index int, value any) error {
	var ret C.cl_int
	switch v := value.(type) {
	case *clBuffer:
		mem := v.mem
		ret = C.clSetKernelArg(k.kernel, C.cl_uint(index), C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
	case float32:
		f := C.cl_float(v)
		ret = C.clSetKernelArg(k.kernel, C.cl_uint(index), C.size_t(unsafe.Sizeof(f)), unsafe.Pointer(&f))
	case int32:
		i := C.cl_int(v)
		ret = C.clSetKernelArg(k.kernel, C.cl_uint(index), C.size_t(unsafe.Sizeof(i)), unsafe.Pointer(&i))
	case int:
		i := C.cl_int(v)
		ret = C.clSetKernelArg(k.kernel, C.cl_uint(index), C.size_t(unsafe.Sizeof(i)), unsafe.Pointer(&i))
	default:
		return failure.New(failure.InvalidArgument, "gpu.set_arg", "%s argument %d: unsupported type %T", k.name, index, value)
	}
	if ret != C.CL_SUCCESS {
		return failure.New(failure.InvalidArgument, "gpu.set_arg", "clSetKernelArg(%s, %d): %s", k.name, index, clError(ret))
	}
	return nil
}

func (k *clKernel) Release() error {
	if k.kernel != nil {
		C.clReleaseKernel(k.kernel)
		k.kernel = nil
	}
	return nil
}

func clError(code C.cl_int) string {
	switch code {
	case C.CL_SUCCESS:
		return "CL_SUCCESS"
	case C.CL_DEVICE_NOT_FOUND:
		return "CL_DEVICE_NOT_FOUND"
	case C.CL_MEM_OBJECT_ALLOCATION_FAILURE:
		return "CL_MEM_OBJECT_ALLOCATION_FAILURE"
	case C.CL_OUT_OF_RESOURCES:
		return "CL_OUT_OF_RESOURCES"
	case C.CL_OUT_OF_HOST_MEMORY:
		return "CL_OUT_OF_HOST_MEMORY"
	case C.CL_BUILD_PROGRAM_FAILURE:
		return "CL_BUILD_PROGRAM_FAILURE"
	case C.CL_INVALID_VALUE:
		return "CL_INVALID_VALUE"
	case C.CL_INVALID_HOST_PTR:
		return "CL_INVALID_HOST_PTR"
	case C.CL_INVALID_KERNEL_NAME:
		return "CL_INVALID_KERNEL_NAME"
	case C.CL_INVALID_WORK_GROUP_SIZE:
		return "CL_INVALID_WORK_GROUP_SIZE"
	default:
		return fmt.Sprintf("CL error %d", int(code))
	}
}
