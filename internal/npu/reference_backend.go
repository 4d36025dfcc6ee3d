package npu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/memory"
	"github.com/fxnlabs/uma-handoff/internal/tensor"
)

var errNotInitialized = errors.New("backend not initialized")

// ReferenceBackend is a host implementation of the NPU runtime. Finalized
// graphs run on a single worker goroutine in submission order.
type ReferenceBackend struct {
	log     *zap.Logger
	latency time.Duration
	nextID  atomic.Uint64

	mu          sync.Mutex
	initialized bool
	registry    *OpRegistry
	handles     map[uint64]*memHandle
	jobs        chan *execution
	done        chan struct{}
}

// ReferenceOption configures a ReferenceBackend.
type ReferenceOption func(*ReferenceBackend)

// WithExecuteLatency delays every graph execution, emulating a slow device.
func WithExecuteLatency(d time.Duration) ReferenceOption {
	return func(b *ReferenceBackend) { b.latency = d }
}

// NewReferenceBackend creates a new reference NPU backend instance
func NewReferenceBackend(log *zap.Logger, opts ...ReferenceOption) *ReferenceBackend {
	if log == nil {
		log = zap.NewNop()
	}
	b := &ReferenceBackend{
		log:     log.Named("npu-reference"),
		handles: make(map[uint64]*memHandle),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *ReferenceBackend) Name() string      { return "reference" }
func (b *ReferenceBackend) IsAvailable() bool { return true }

// Initialize creates the op registry with the built-in package and starts the
// execution worker.
func (b *ReferenceBackend) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	b.registry = NewOpRegistry()
	if err := b.registry.Register(NewQtiAiswPackage()); err != nil {
		return err
	}
	b.jobs = make(chan *execution, 16)
	b.done = make(chan struct{})
	go b.worker(b.jobs, b.done)
	b.initialized = true
	b.log.Info("reference NPU backend initialized", zap.Strings("opPackages", b.registry.Packages()))
	return nil
}

// Cleanup waits for queued executions, deregisters leftover memory and closes
// the op registry.
func (b *ReferenceBackend) Cleanup() error {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return nil
	}
	b.initialized = false
	jobs, done := b.jobs, b.done
	leftover := make([]*memHandle, 0, len(b.handles))
	for id, h := range b.handles {
		leftover = append(leftover, h)
		delete(b.handles, id)
	}
	registry := b.registry
	b.mu.Unlock()

	close(jobs)
	<-done
	for _, h := range leftover {
		b.log.Warn("memory still registered at cleanup", zap.Uint64("handle", h.id))
		h.att.Detach()
	}
	return registry.Close()
}

func (b *ReferenceBackend) GetDeviceInfo() DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := DeviceInfo{Backend: b.Name(), Name: "Reference HTP", Version: "reference"}
	if b.registry != nil {
		info.OpPackages = b.registry.Packages()
	}
	return info
}

func (b *ReferenceBackend) OpPackages() *OpRegistry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry
}

func (b *ReferenceBackend) RegisterMemory(buf *memory.SharedBuffer, spec tensor.Spec) (MemHandle, error) {
	if buf == nil {
		return nil, failure.New(failure.InvalidArgument, "npu.mem_register", "nil shared buffer")
	}
	if err := spec.Validate(); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "npu.mem_register", err, "descriptor")
	}
	if spec.ByteSize() > buf.Size() {
		return nil, failure.New(failure.SizeMismatch, "npu.mem_register",
			"%s needs %d bytes, buffer has %d", spec, spec.ByteSize(), buf.Size())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, failure.Wrap(failure.DeviceUnavailable, "npu.mem_register", errNotInitialized, "reference runtime")
	}
	att, err := buf.Attach("npu")
	if err != nil {
		return nil, failure.Wrap(failure.ImportRejected, "npu.mem_register", err, "attach %s", buf.ID())
	}
	h := &memHandle{id: b.nextID.Add(1), spec: spec.Clone(), att: att, owner: b}
	b.handles[h.id] = h
	b.log.Debug("registered shared memory",
		zap.Uint64("handle", h.id),
		zap.Int("fd", buf.FD()),
		zap.Stringer("tensor", spec))
	return h, nil
}

func (b *ReferenceBackend) DeregisterMemory(h MemHandle) error {
	mh, ok := h.(*memHandle)
	if !ok || mh == nil || mh.owner != b {
		return failure.Wrap(failure.InvalidArgument, "npu.mem_deregister", ErrNotRegistered, "handle %T", h)
	}
	b.mu.Lock()
	_, live := b.handles[mh.id]
	delete(b.handles, mh.id)
	b.mu.Unlock()
	if !live {
		return failure.Wrap(failure.InvalidArgument, "npu.mem_deregister", ErrNotRegistered, "handle %d", mh.id)
	}
	mh.att.Detach()
	return nil
}

func (b *ReferenceBackend) registered(h *memHandle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handles[h.id]
	return ok
}

func (b *ReferenceBackend) CreateGraph(name string) (Graph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, failure.Wrap(failure.DeviceUnavailable, "npu.graph_create", errNotInitialized, "reference runtime")
	}
	return &refGraph{
		backend: b,
		name:    name,
		tensors: make(map[string]*graphTensor),
	}, nil
}

func (b *ReferenceBackend) submit(e *execution) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return failure.Wrap(failure.DeviceUnavailable, "npu.execute", errNotInitialized, "reference runtime")
	}
	b.jobs <- e
	return nil
}

func (b *ReferenceBackend) worker(jobs <-chan *execution, done chan<- struct{}) {
	defer close(done)
	for e := range jobs {
		if b.latency > 0 {
			time.Sleep(b.latency)
		}
		e.finish(e.run())
	}
}

type memHandle struct {
	id    uint64
	spec  tensor.Spec
	att   *memory.Attachment
	owner *ReferenceBackend
}

func (h *memHandle) ID() uint64                   { return h.id }
func (h *memHandle) Spec() tensor.Spec            { return h.spec }
func (h *memHandle) Buffer() *memory.SharedBuffer { return h.att.Buffer() }

type graphTensor struct {
	spec tensor.Spec
	data []byte
}

type node struct {
	op      OpConfig
	kernel  OpKernel
	inputs  []*graphTensor
	outputs []*graphTensor
}

type refGraph struct {
	backend *ReferenceBackend
	name    string

	mu        sync.Mutex
	tensors   map[string]*graphTensor
	order     []*graphTensor
	nodes     []*node
	finalized bool
	released  bool
}

func (g *refGraph) Name() string { return g.name }

func (g *refGraph) Finalized() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finalized
}

func (g *refGraph) AddTensor(spec tensor.Spec) error {
	if spec.Role() == tensor.Static {
		return failure.New(failure.InvalidArgument, "npu.tensor_create", "static tensor %s needs data", spec.Name())
	}
	return g.addTensor(spec, nil)
}

func (g *refGraph) AddStaticTensor(spec tensor.Spec, data []byte) error {
	if len(data) != spec.ByteSize() {
		return failure.New(failure.SizeMismatch, "npu.tensor_create",
			"static tensor %s declares %d bytes, got %d", spec.Name(), spec.ByteSize(), len(data))
	}
	return g.addTensor(spec.WithRole(tensor.Static), append([]byte(nil), data...))
}

func (g *refGraph) addTensor(spec tensor.Spec, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		return failure.Wrap(failure.BuildFailure, "npu.tensor_create", ErrGraphFinalized, "graph %s", g.name)
	}
	if err := spec.Validate(); err != nil {
		return failure.Wrap(failure.InvalidArgument, "npu.tensor_create", err, "graph %s", g.name)
	}
	if spec.Name() == "" {
		return failure.New(failure.InvalidArgument, "npu.tensor_create", "tensor without a name")
	}
	if _, dup := g.tensors[spec.Name()]; dup {
		return failure.New(failure.InvalidArgument, "npu.tensor_create", "tensor %s already declared", spec.Name())
	}
	t := &graphTensor{spec: spec.Clone(), data: data}
	g.tensors[spec.Name()] = t
	g.order = append(g.order, t)
	return nil
}

func (g *refGraph) lookup(names []string) ([]*graphTensor, []tensor.Spec, error) {
	ts := make([]*graphTensor, len(names))
	specs := make([]tensor.Spec, len(names))
	for i, name := range names {
		t, ok := g.tensors[name]
		if !ok {
			return nil, nil, failure.New(failure.BuildFailure, "npu.add_node", "unknown tensor %s", name)
		}
		ts[i], specs[i] = t, t.spec
	}
	return ts, specs, nil
}

func (g *refGraph) AddNode(op OpConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		return failure.Wrap(failure.BuildFailure, "npu.add_node", ErrGraphFinalized, "graph %s", g.name)
	}
	pkg, err := g.backend.OpPackages().Lookup(op.Package, op.Type)
	if err != nil {
		return err
	}
	inputs, inSpecs, err := g.lookup(op.Inputs)
	if err != nil {
		return err
	}
	outputs, outSpecs, err := g.lookup(op.Outputs)
	if err != nil {
		return err
	}
	for _, t := range outputs {
		if t.spec.Role() == tensor.Static || t.spec.Role() == tensor.AppWrite {
			return failure.New(failure.BuildFailure, "npu.add_node", "%s cannot write to %s tensor %s", op.Name, t.spec.Role(), t.spec.Name())
		}
	}
	if err := pkg.Validate(op, inSpecs, outSpecs); err != nil {
		if failure.KindOf(err) == failure.KindUnknown {
			err = failure.Wrap(failure.BuildFailure, "npu.add_node", err, "validate %s", op.Name)
		}
		return err
	}
	kernel, err := pkg.Kernel(op)
	if err != nil {
		return err
	}
	g.nodes = append(g.nodes, &node{op: op, kernel: kernel, inputs: inputs, outputs: outputs})
	return nil
}

// Finalize checks that every node input is available when the node runs: it
// is a graph input, a static tensor, or produced by an earlier node.
func (g *refGraph) Finalize() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		return failure.Wrap(failure.BuildFailure, "npu.graph_finalize", ErrGraphFinalized, "graph %s", g.name)
	}
	if len(g.nodes) == 0 {
		return failure.New(failure.BuildFailure, "npu.graph_finalize", "graph %s has no nodes", g.name)
	}
	ready := make(map[*graphTensor]bool)
	for _, t := range g.order {
		if r := t.spec.Role(); r == tensor.AppWrite || r == tensor.Static {
			ready[t] = true
		}
	}
	for _, n := range g.nodes {
		for _, in := range n.inputs {
			if !ready[in] {
				return failure.New(failure.BuildFailure, "npu.graph_finalize",
					"node %s reads %s before it is produced", n.op.Name, in.spec.Name())
			}
		}
		for _, out := range n.outputs {
			ready[out] = true
		}
	}
	for _, t := range g.order {
		if t.spec.Role() == tensor.AppRead && !ready[t] {
			return failure.New(failure.BuildFailure, "npu.graph_finalize", "output %s is never produced", t.spec.Name())
		}
	}
	g.finalized = true
	g.backend.log.Debug("graph finalized", zap.String("graph", g.name), zap.Int("nodes", len(g.nodes)))
	return nil
}

func (g *refGraph) bind(bindings []Binding, role tensor.Role) (map[*graphTensor][]byte, error) {
	bound := make(map[*graphTensor][]byte, len(bindings))
	for _, bd := range bindings {
		t, ok := g.tensors[bd.Tensor]
		if !ok {
			return nil, failure.New(failure.InvalidArgument, "npu.execute", "graph %s has no tensor %s", g.name, bd.Tensor)
		}
		if t.spec.Role() != role {
			return nil, failure.New(failure.InvalidArgument, "npu.execute", "tensor %s is %s, bound as %s", bd.Tensor, t.spec.Role(), role)
		}
		if _, dup := bound[t]; dup {
			return nil, failure.New(failure.InvalidArgument, "npu.execute", "tensor %s bound twice", bd.Tensor)
		}
		var data []byte
		switch {
		case bd.Mem != nil:
			h, ok := bd.Mem.(*memHandle)
			if !ok || h.owner != g.backend || !g.backend.registered(h) {
				return nil, failure.Wrap(failure.InvalidArgument, "npu.execute", ErrNotRegistered, "tensor %s", bd.Tensor)
			}
			if !h.spec.SameLayout(t.spec) {
				return nil, failure.New(failure.SizeMismatch, "npu.execute",
					"tensor %s declared as %s, registered memory is %s", bd.Tensor, t.spec, h.spec)
			}
			mem := h.att.Bytes()
			if mem == nil {
				return nil, failure.Wrap(failure.ExecutionFailure, "npu.execute", memory.ErrDetached, "tensor %s", bd.Tensor)
			}
			data = mem[:h.spec.ByteSize()]
		default:
			data = bd.Data
		}
		if len(data) != t.spec.ByteSize() {
			return nil, failure.New(failure.SizeMismatch, "npu.execute",
				"tensor %s needs %d bytes, binding has %d", bd.Tensor, t.spec.ByteSize(), len(data))
		}
		bound[t] = data
	}
	for _, t := range g.order {
		if t.spec.Role() == role {
			if _, ok := bound[t]; !ok {
				return nil, failure.New(failure.InvalidArgument, "npu.execute", "tensor %s is not bound", t.spec.Name())
			}
		}
	}
	return bound, nil
}

func (g *refGraph) Execute(ctx context.Context, inputs, outputs []Binding) (Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return nil, failure.New(failure.InvalidArgument, "npu.execute", "graph %s released", g.name)
	}
	if !g.finalized {
		return nil, failure.Wrap(failure.ExecutionFailure, "npu.execute", ErrGraphNotFinalized, "graph %s", g.name)
	}
	if err := ctx.Err(); err != nil {
		return nil, failure.Wrap(failure.StageTimeout, "npu.execute", err, "graph %s", g.name)
	}
	in, err := g.bind(inputs, tensor.AppWrite)
	if err != nil {
		return nil, err
	}
	out, err := g.bind(outputs, tensor.AppRead)
	if err != nil {
		return nil, err
	}

	data := make(map[*graphTensor][]byte, len(g.order))
	for _, t := range g.order {
		switch t.spec.Role() {
		case tensor.Static:
			data[t] = t.data
		case tensor.AppWrite:
			data[t] = in[t]
		case tensor.AppRead:
			data[t] = out[t]
		default:
			data[t] = make([]byte, t.spec.ByteSize())
		}
	}

	e := &execution{graph: g.name, nodes: g.nodes, data: data, done: make(chan struct{})}
	if err := g.backend.submit(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (g *refGraph) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
	return nil
}

// execution is one queued graph run and its completion.
type execution struct {
	graph string
	nodes []*node
	data  map[*graphTensor][]byte

	done chan struct{}
	err  error
}

func (e *execution) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("op kernel faulted: %v", r)
		}
	}()
	for _, n := range e.nodes {
		ins := make([]TensorData, len(n.inputs))
		for i, t := range n.inputs {
			ins[i] = TensorData{Spec: t.spec, Bytes: e.data[t]}
		}
		outs := make([]TensorData, len(n.outputs))
		for i, t := range n.outputs {
			outs[i] = TensorData{Spec: t.spec, Bytes: e.data[t]}
		}
		if err := n.kernel(ins, outs); err != nil {
			return fmt.Errorf("node %s (%s): %w", n.op.Name, n.op.Type, err)
		}
	}
	return nil
}

func (e *execution) finish(err error) {
	e.err = err
	close(e.done)
}

func (e *execution) Done() <-chan struct{} { return e.done }

func (e *execution) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		if e.err != nil {
			return failure.Wrap(failure.ExecutionFailure, "npu.execute", e.err, "graph %s", e.graph)
		}
		return nil
	case <-ctx.Done():
		return failure.Wrap(failure.StageTimeout, "npu.execute", ctx.Err(), "graph %s did not complete", e.graph)
	}
}
