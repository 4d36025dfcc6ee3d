// Package npu is the neural processing unit side of the handoff: shared
// memory registration, graph construction with op packages, and graph
// execution with explicit tensor bindings.
package npu

import (
	"context"
	"errors"

	"github.com/fxnlabs/uma-handoff/internal/memory"
	"github.com/fxnlabs/uma-handoff/internal/tensor"
)

var (
	// ErrGraphFinalized is returned when a finalized graph is modified or
	// finalized again. It is a configuration error.
	ErrGraphFinalized = errors.New("graph already finalized")
	// ErrGraphNotFinalized is returned when a graph is executed before Finalize.
	ErrGraphNotFinalized = errors.New("graph not finalized")
	// ErrNotRegistered is returned for memory handles that were deregistered or
	// belong to another backend.
	ErrNotRegistered = errors.New("memory handle not registered")
)

// DeviceInfo describes the NPU runtime.
type DeviceInfo struct {
	Backend    string   `json:"backend"`
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	OpPackages []string `json:"opPackages"`
}

// Backend is an NPU runtime context.
type Backend interface {
	Name() string
	IsAvailable() bool
	Initialize() error
	GetDeviceInfo() DeviceInfo
	Cleanup() error

	// RegisterMemory makes buf addressable by graphs as a tensor laid out as
	// spec. The spec must fit inside the buffer.
	RegisterMemory(buf *memory.SharedBuffer, spec tensor.Spec) (MemHandle, error)
	DeregisterMemory(h MemHandle) error

	CreateGraph(name string) (Graph, error)
	// OpPackages is the registry owned by this backend instance.
	OpPackages() *OpRegistry
}

// MemHandle is a registered view of shared memory.
type MemHandle interface {
	ID() uint64
	Spec() tensor.Spec
	Buffer() *memory.SharedBuffer
}

// OpConfig is one node of a graph.
type OpConfig struct {
	Name    string
	Package string
	Type    string
	Inputs  []string
	Outputs []string
	Params  map[string]float64
}

// Graph is a dataflow graph of op nodes over declared tensors. Tensors and
// nodes can be added until Finalize, which happens exactly once.
type Graph interface {
	Name() string
	AddTensor(spec tensor.Spec) error
	// AddStaticTensor declares a constant tensor with its data.
	AddStaticTensor(spec tensor.Spec, data []byte) error
	AddNode(op OpConfig) error
	Finalize() error
	Finalized() bool
	// Execute schedules one run. Inputs bind every app-write tensor and outputs
	// every app-read tensor.
	Execute(ctx context.Context, inputs, outputs []Binding) (Completion, error)
	Release() error
}

// Binding attaches memory to a graph tensor for one execution: either a
// registered shared-memory handle or a client buffer.
type Binding struct {
	Tensor string
	Mem    MemHandle
	Data   []byte
}

// BindMem binds a registered handle to the named tensor.
func BindMem(name string, h MemHandle) Binding {
	return Binding{Tensor: name, Mem: h}
}

// BindData binds a client buffer to the named tensor.
func BindData(name string, data []byte) Binding {
	return Binding{Tensor: name, Data: data}
}

// Completion tracks an asynchronous graph execution.
type Completion interface {
	// Wait blocks until the execution finished or ctx is done.
	Wait(ctx context.Context) error
	Done() <-chan struct{}
}
