package npu

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
)

// NewBackend creates the NPU runtime named by configuration. The HTP runtime
// is reached through the vendor interface provider, which this build does not
// link; "auto" therefore resolves to the reference runtime.
func NewBackend(name string, log *zap.Logger, opts ...ReferenceOption) (Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch name {
	case "", "auto", "reference":
		return NewReferenceBackend(log, opts...), nil
	case "htp":
		return nil, failure.New(failure.DeviceUnavailable, "npu.new_backend", "HTP interface provider not linked into this build")
	default:
		return nil, fmt.Errorf("unknown NPU backend %q", name)
	}
}
