//go:build !(opencl && cgo)

package gpu

import (
	"context"

	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/memory"
)

// OpenCLBackend is a stub type when OpenCL is not compiled in
type OpenCLBackend struct{}

// NewOpenCLBackend returns a backend that is never available.
func NewOpenCLBackend(log *zap.Logger) *OpenCLBackend {
	return &OpenCLBackend{}
}

func errNoOpenCL(op string) error {
	return failure.New(failure.DeviceUnavailable, op, "built without the opencl tag")
}

func (b *OpenCLBackend) Name() string      { return "opencl" }
func (b *OpenCLBackend) IsAvailable() bool { return false }
func (b *OpenCLBackend) Initialize() error { return errNoOpenCL("gpu.initialize") }
func (b *OpenCLBackend) Cleanup() error    { return nil }

func (b *OpenCLBackend) GetDeviceInfo() DeviceInfo {
	return DeviceInfo{Backend: b.Name(), Name: "OpenCL not available"}
}

func (b *OpenCLBackend) ImportBuffer(buf *memory.SharedBuffer, policy CachePolicy) (Buffer, error) {
	return nil, errNoOpenCL("gpu.import")
}

func (b *OpenCLBackend) CreateBuffer(size int) (Buffer, error) {
	return nil, errNoOpenCL("gpu.create_buffer")
}

func (b *OpenCLBackend) WriteBuffer(dst Buffer, data []byte) error {
	return errNoOpenCL("gpu.write_buffer")
}

func (b *OpenCLBackend) BuildProgram(source string) (Program, error) {
	return nil, errNoOpenCL("gpu.build")
}

func (b *OpenCLBackend) Enqueue(k Kernel, ws WorkSize) error {
	return errNoOpenCL("gpu.enqueue")
}

func (b *OpenCLBackend) Finish(ctx context.Context) error {
	return errNoOpenCL("gpu.finish")
}
