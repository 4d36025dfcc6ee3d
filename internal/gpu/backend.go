package gpu

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/fxnlabs/uma-handoff/internal/memory"
)

// DeviceInfo contains information about the GPU device
type DeviceInfo struct {
	Backend           string   `json:"backend"`
	Name              string   `json:"name"`
	Vendor            string   `json:"vendor"`
	Version           string   `json:"version"`
	DriverVersion     string   `json:"driverVersion"`
	GlobalMemory      int64    `json:"globalMemory"` // in bytes
	MaxWorkGroupSize  int      `json:"maxWorkGroupSize"`
	HostUnifiedMemory bool     `json:"hostUnifiedMemory"`
	Extensions        []string `json:"extensions,omitempty"`
}

// HasExtension reports whether the device advertises ext.
func (d DeviceInfo) HasExtension(ext string) bool {
	for _, e := range d.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// ExtIONHostPtr is the extension that lets the GPU alias an ION/DMA-BUF region.
const ExtIONHostPtr = "cl_qcom_ion_host_ptr"

// CachePolicy is the host cache policy requested when importing external memory.
type CachePolicy uint32

// Values from cl_ext_qcom.h.
const (
	HostUncached      CachePolicy = 0x40A4
	HostWriteback     CachePolicy = 0x40A5
	HostWritethrough  CachePolicy = 0x40A6
	HostWriteCombined CachePolicy = 0x40A7
)

func (p CachePolicy) String() string {
	switch p {
	case HostUncached:
		return "uncached"
	case HostWriteback:
		return "writeback"
	case HostWritethrough:
		return "writethrough"
	case HostWriteCombined:
		return "write-combining"
	default:
		return "unknown"
	}
}

// ParseCachePolicy maps a configuration name to its policy.
func ParseCachePolicy(name string) (CachePolicy, error) {
	for _, p := range []CachePolicy{HostUncached, HostWriteback, HostWritethrough, HostWriteCombined} {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown host cache policy %q", name)
}

const (
	// AllocationIONHostPtr marks an IONHostPtr descriptor (CL_MEM_ION_HOST_PTR_QCOM).
	AllocationIONHostPtr uint32 = 0x40A8
	// MemExtHostPtr is the buffer flag that enables extended host pointers.
	MemExtHostPtr uint64 = 1 << 29
)

// IONHostPtr is the import descriptor handed to the driver: the exported fd
// plus the CPU address of the same region.
type IONHostPtr struct {
	AllocationType  uint32
	HostCachePolicy CachePolicy
	FD              int
	HostPtr         unsafe.Pointer
}

// NewIONHostPtr describes buf for a zero-copy GPU import.
func NewIONHostPtr(buf *memory.SharedBuffer, policy CachePolicy) IONHostPtr {
	return IONHostPtr{
		AllocationType:  AllocationIONHostPtr,
		HostCachePolicy: policy,
		FD:              buf.FD(),
		HostPtr:         buf.HostPointer(),
	}
}

// WorkSize is a one-dimensional NDRange.
type WorkSize struct {
	Global int
	Local  int
}

// Backend is a GPU compute context with an in-order command queue.
//
// Implementation notes:
//   - Enqueue returns as soon as the command is queued; the device runs it
//     asynchronously. Finish is the only way to know it completed.
//   - Imported buffers alias the shared memory. They borrow it through a
//     memory.Attachment and must be released before the SharedBuffer.
//   - Cleanup releases the queue and context; buffers, programs and kernels
//     should be released first.
type Backend interface {
	Name() string
	IsAvailable() bool
	Initialize() error
	GetDeviceInfo() DeviceInfo
	Cleanup() error

	// ImportBuffer aliases buf without copying. Fails with ImportRejected when
	// the device cannot use external host memory.
	ImportBuffer(buf *memory.SharedBuffer, policy CachePolicy) (Buffer, error)
	// CreateBuffer allocates device-local memory.
	CreateBuffer(size int) (Buffer, error)
	// WriteBuffer copies data into dst and blocks until the copy is done.
	WriteBuffer(dst Buffer, data []byte) error

	// BuildProgram compiles source. Fails with BuildFailure carrying the build
	// log as failure detail.
	BuildProgram(source string) (Program, error)

	Enqueue(k Kernel, ws WorkSize) error
	// Finish blocks until every queued command completed or ctx is done.
	Finish(ctx context.Context) error
}

// Buffer is a device memory object.
type Buffer interface {
	Size() int
	// Imported reports whether the buffer aliases shared memory.
	Imported() bool
	Release() error
}

// Program is a compiled set of kernels.
type Program interface {
	KernelNames() []string
	Kernel(name string) (Kernel, error)
	Release() error
}

// Kernel is one entry point with its bound arguments. Arguments are Buffer,
// float32 or int32.
type Kernel interface {
	Name() string
	SetArg(index int, value any) error
	Release() error
}
