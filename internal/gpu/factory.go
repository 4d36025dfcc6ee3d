package gpu

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
)

// NewBackend creates the backend named by configuration. "auto" tries OpenCL
// first and falls back to the reference backend.
func NewBackend(name string, log *zap.Logger) (Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch name {
	case "", "auto":
		if cl := NewOpenCLBackend(log); cl.IsAvailable() {
			log.Info("Using OpenCL GPU backend")
			return cl, nil
		}
		log.Info("Using reference GPU backend (no OpenCL GPU available)")
		return NewReferenceBackend(log), nil
	case "opencl":
		cl := NewOpenCLBackend(log)
		if !cl.IsAvailable() {
			return nil, failure.New(failure.DeviceUnavailable, "gpu.new_backend", "no OpenCL GPU platform")
		}
		return cl, nil
	case "reference":
		return NewReferenceBackend(log), nil
	default:
		return nil, fmt.Errorf("unknown GPU backend %q", name)
	}
}
