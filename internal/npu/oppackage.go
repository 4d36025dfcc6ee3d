package npu

import (
	"sort"
	"sync"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/memory"
	"github.com/fxnlabs/uma-handoff/internal/tensor"
)

// TensorData is a tensor's bytes during one kernel invocation.
type TensorData struct {
	Spec  tensor.Spec
	Bytes []byte
}

func (t TensorData) Len() int { return t.Spec.NumElements() }

// At decodes element i as a real value.
func (t TensorData) At(i int) float64 {
	return tensor.Load(t.Spec.DType(), t.Spec.Quantization(), t.Bytes, i)
}

// Set encodes a real value into element i.
func (t TensorData) Set(i int, v float64) {
	tensor.Store(t.Spec.DType(), t.Spec.Quantization(), t.Bytes, i, v)
}

// Float32s views the data as float32, or returns nil for other types.
func (t TensorData) Float32s() []float32 {
	if t.Spec.DType() != tensor.Float32 {
		return nil
	}
	return memory.Float32s(t.Bytes)
}

// OpKernel computes a node's outputs from its inputs.
type OpKernel func(inputs, outputs []TensorData) error

// OpPackage is a named set of operations the runtime can place in a graph.
type OpPackage interface {
	Name() string
	Ops() []string
	// Validate checks a node against the declared tensors before it is added.
	Validate(op OpConfig, inputs, outputs []tensor.Spec) error
	Kernel(op OpConfig) (OpKernel, error)
}

// OpRegistry holds the op packages registered with one backend instance.
type OpRegistry struct {
	mu       sync.RWMutex
	packages map[string]OpPackage
	closed   bool
}

// NewOpRegistry returns an empty registry.
func NewOpRegistry() *OpRegistry {
	return &OpRegistry{packages: make(map[string]OpPackage)}
}

// Register adds pkg. Registering a second package under the same name fails.
func (r *OpRegistry) Register(pkg OpPackage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return failure.New(failure.DeviceUnavailable, "npu.register_op_package", "registry closed")
	}
	if _, dup := r.packages[pkg.Name()]; dup {
		return failure.New(failure.InvalidArgument, "npu.register_op_package", "package %q already registered", pkg.Name())
	}
	r.packages[pkg.Name()] = pkg
	return nil
}

// Lookup finds the package providing op.
func (r *OpRegistry) Lookup(pkgName, op string) (OpPackage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pkg, ok := r.packages[pkgName]
	if !ok {
		return nil, failure.New(failure.BuildFailure, "npu.lookup_op", "op package %q not registered", pkgName)
	}
	for _, name := range pkg.Ops() {
		if name == op {
			return pkg, nil
		}
	}
	return nil, failure.New(failure.BuildFailure, "npu.lookup_op", "package %q has no op %q", pkgName, op)
}

// Packages lists registered package names.
func (r *OpRegistry) Packages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.packages))
	for name := range r.packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close drops every package. Further registrations fail.
func (r *OpRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packages = make(map[string]OpPackage)
	r.closed = true
	return nil
}

func checkArity(op OpConfig, inputs, outputs int) error {
	if len(op.Inputs) != inputs || len(op.Outputs) != outputs {
		return failure.New(failure.BuildFailure, "npu.validate",
			"%s expects %d inputs and %d outputs, got %d and %d",
			op.Type, inputs, outputs, len(op.Inputs), len(op.Outputs))
	}
	return nil
}

func checkSameCount(op OpConfig, a, b tensor.Spec) error {
	if a.NumElements() != b.NumElements() {
		return failure.New(failure.SizeMismatch, "npu.validate",
			"%s: %s has %d elements, %s has %d", op.Type, a.Name(), a.NumElements(), b.Name(), b.NumElements())
	}
	return nil
}

func unknownOp(pkg, op string) error {
	return failure.New(failure.BuildFailure, "npu.kernel", "package %q has no op %q", pkg, op)
}
