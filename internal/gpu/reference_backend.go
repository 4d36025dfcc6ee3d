package gpu

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/memory"
)

var errNotInitialized = errors.New("backend not initialized")

// ReferenceBackend implements Backend on the host. Kernels declared in a
// program resolve to built-in Go implementations and run on a single
// command-queue goroutine, so enqueue is asynchronous exactly like a device
// queue and results are only guaranteed after Finish.
type ReferenceBackend struct {
	log          *zap.Logger
	maxWorkGroup int
	unified      bool
	latency      time.Duration

	mu          sync.Mutex
	initialized bool
	queue       chan command
	done        chan struct{}

	errMu   sync.Mutex
	execErr error
}

type command struct {
	kernel *refKernel
	args   kernelArgs
	ws     WorkSize
	bufs   []*refBuffer
	write  func()
	fence  chan error
}

// ReferenceOption configures a ReferenceBackend.
type ReferenceOption func(*ReferenceBackend)

// WithMaxWorkGroupSize sets the device work-group limit.
func WithMaxWorkGroupSize(n int) ReferenceOption {
	return func(b *ReferenceBackend) { b.maxWorkGroup = n }
}

// WithoutHostUnifiedMemory makes the device refuse external memory imports.
func WithoutHostUnifiedMemory() ReferenceOption {
	return func(b *ReferenceBackend) { b.unified = false }
}

// WithDispatchLatency delays every dispatch, emulating a slow device.
func WithDispatchLatency(d time.Duration) ReferenceOption {
	return func(b *ReferenceBackend) { b.latency = d }
}

// NewReferenceBackend creates a new reference backend instance
func NewReferenceBackend(log *zap.Logger, opts ...ReferenceOption) *ReferenceBackend {
	if log == nil {
		log = zap.NewNop()
	}
	b := &ReferenceBackend{
		log:          log.Named("gpu-reference"),
		maxWorkGroup: 1024,
		unified:      true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *ReferenceBackend) Name() string { return "reference" }

// IsAvailable checks if the backend is available (always true on the host)
func (b *ReferenceBackend) IsAvailable() bool {
	return true
}

// Initialize starts the command queue.
func (b *ReferenceBackend) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	b.queue = make(chan command, 64)
	b.done = make(chan struct{})
	go b.run(b.queue, b.done)
	b.initialized = true
	b.log.Info("reference GPU backend initialized", zap.Int("maxWorkGroupSize", b.maxWorkGroup))
	return nil
}

// Cleanup drains and stops the command queue.
func (b *ReferenceBackend) Cleanup() error {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return nil
	}
	b.initialized = false
	queue, done := b.queue, b.done
	b.mu.Unlock()

	close(queue)
	<-done
	return nil
}

// GetDeviceInfo returns device information for the host device
func (b *ReferenceBackend) GetDeviceInfo() DeviceInfo {
	info := DeviceInfo{
		Backend:           b.Name(),
		Name:              fmt.Sprintf("Reference GPU (%s)", runtime.GOARCH),
		Vendor:            "host",
		Version:           "OpenCL C 2.0 (reference)",
		DriverVersion:     runtime.Version(),
		GlobalMemory:      totalSystemMemory(),
		MaxWorkGroupSize:  b.maxWorkGroup,
		HostUnifiedMemory: b.unified,
	}
	if b.unified {
		info.Extensions = []string{ExtIONHostPtr}
	}
	return info
}

func (b *ReferenceBackend) run(queue <-chan command, done chan<- struct{}) {
	defer close(done)
	for cmd := range queue {
		switch {
		case cmd.fence != nil:
			b.errMu.Lock()
			err := b.execErr
			b.execErr = nil
			b.errMu.Unlock()
			cmd.fence <- err
		case cmd.write != nil:
			cmd.write()
		default:
			if b.latency > 0 {
				time.Sleep(b.latency)
			}
			b.dispatch(cmd)
		}
	}
}

// dispatch runs one NDRange. A faulting kernel is reported by the next Finish.
func (b *ReferenceBackend) dispatch(cmd command) {
	defer func() {
		for _, rb := range cmd.bufs {
			rb.queued.Done()
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			b.errMu.Lock()
			if b.execErr == nil {
				b.execErr = fmt.Errorf("kernel %s faulted: %v", cmd.kernel.name, r)
			}
			b.errMu.Unlock()
			b.log.Error("kernel faulted", zap.String("kernel", cmd.kernel.name), zap.Any("panic", r))
		}
	}()
	cmd.kernel.impl.run(cmd.args, cmd.ws.Global)
}

func (b *ReferenceBackend) submit(cmd command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return failure.Wrap(failure.DeviceUnavailable, "gpu.enqueue", errNotInitialized, "reference queue")
	}
	b.queue <- cmd
	return nil
}

func (b *ReferenceBackend) ImportBuffer(buf *memory.SharedBuffer, policy CachePolicy) (Buffer, error) {
	if buf == nil {
		return nil, failure.New(failure.InvalidArgument, "gpu.import", "nil shared buffer")
	}
	if !b.unified {
		return nil, failure.New(failure.ImportRejected, "gpu.import",
			"device lacks host unified memory, %s not supported", ExtIONHostPtr)
	}
	desc := NewIONHostPtr(buf, policy)
	att, err := buf.Attach("gpu")
	if err != nil {
		return nil, failure.Wrap(failure.ImportRejected, "gpu.import", err, "attach %s", buf.ID())
	}
	b.log.Debug("imported shared buffer",
		zap.Int("fd", desc.FD),
		zap.Stringer("cachePolicy", desc.HostCachePolicy),
		zap.Int("size", buf.Size()))
	return &refBuffer{backend: b, att: att, size: buf.Size()}, nil
}

func (b *ReferenceBackend) CreateBuffer(size int) (Buffer, error) {
	if size <= 0 {
		return nil, failure.New(failure.InvalidArgument, "gpu.create_buffer", "size must be positive, got %d", size)
	}
	return &refBuffer{backend: b, own: make([]byte, size), size: size}, nil
}

func (b *ReferenceBackend) WriteBuffer(dst Buffer, data []byte) error {
	rb, err := b.ownBuffer(dst)
	if err != nil {
		return err
	}
	mem, err := rb.bytes()
	if err != nil {
		return failure.Wrap(failure.ExecutionFailure, "gpu.write_buffer", err, "destination")
	}
	if len(data) > len(mem) {
		return failure.New(failure.SizeMismatch, "gpu.write_buffer", "%d bytes into buffer of %d", len(data), len(mem))
	}
	written := make(chan struct{})
	if err := b.submit(command{write: func() { copy(mem, data); close(written) }}); err != nil {
		return err
	}
	<-written
	return nil
}

func (b *ReferenceBackend) BuildProgram(source string) (Program, error) {
	names, buildLog, ok := parseProgram(source)
	if !ok {
		b.log.Warn("program build failed", zap.String("log", buildLog))
		return nil, failure.WithDetail(failure.BuildFailure, "gpu.build", buildLog, "program build failed")
	}
	b.log.Debug("program built", zap.Strings("kernels", names))
	return &refProgram{names: names}, nil
}

func (b *ReferenceBackend) Enqueue(k Kernel, ws WorkSize) error {
	rk, ok := k.(*refKernel)
	if !ok || rk == nil {
		return failure.New(failure.InvalidArgument, "gpu.enqueue", "kernel %T does not belong to the reference backend", k)
	}
	if rk.released {
		return failure.New(failure.InvalidArgument, "gpu.enqueue", "kernel %s released", rk.name)
	}
	if ws.Local <= 0 || ws.Global <= 0 || ws.Global%ws.Local != 0 {
		return failure.New(failure.InvalidArgument, "gpu.enqueue", "invalid work size %d/%d", ws.Global, ws.Local)
	}
	if ws.Local > b.maxWorkGroup {
		return failure.New(failure.InvalidArgument, "gpu.enqueue",
			"local size %d exceeds device maximum %d", ws.Local, b.maxWorkGroup)
	}

	args := make(kernelArgs, len(rk.args))
	var bufs []*refBuffer
	for i, v := range rk.args {
		if v == nil {
			return failure.New(failure.InvalidArgument, "gpu.enqueue", "%s: argument %d not set", rk.name, i)
		}
		if buf, isBuf := v.(*refBuffer); isBuf {
			mem, err := buf.bytes()
			if err != nil {
				return failure.Wrap(failure.ExecutionFailure, "gpu.enqueue", err, "%s: argument %d", rk.name, i)
			}
			args[i] = mem
			bufs = append(bufs, buf)
			continue
		}
		args[i] = v
	}
	if err := rk.impl.bounds(args); err != nil {
		return err
	}
	for _, rb := range bufs {
		rb.queued.Add(1)
	}
	if err := b.submit(command{kernel: rk, args: args, ws: ws, bufs: bufs}); err != nil {
		for _, rb := range bufs {
			rb.queued.Done()
		}
		return err
	}
	return nil
}

func (b *ReferenceBackend) Finish(ctx context.Context) error {
	fence := make(chan error, 1)
	if err := b.submit(command{fence: fence}); err != nil {
		return err
	}
	select {
	case err := <-fence:
		if err != nil {
			return failure.Wrap(failure.ExecutionFailure, "gpu.finish", err, "queued command failed")
		}
		return nil
	case <-ctx.Done():
		return failure.Wrap(failure.StageTimeout, "gpu.finish", ctx.Err(), "command queue did not drain")
	}
}

func (b *ReferenceBackend) ownBuffer(buf Buffer) (*refBuffer, error) {
	rb, ok := buf.(*refBuffer)
	if !ok || rb == nil || rb.backend != b {
		return nil, failure.New(failure.InvalidArgument, "gpu.buffer", "buffer %T does not belong to this backend", buf)
	}
	return rb, nil
}

type refBuffer struct {
	backend *ReferenceBackend
	att     *memory.Attachment
	own     []byte
	size    int

	// queued counts submitted commands that still reference the buffer.
	queued sync.WaitGroup
}

func (r *refBuffer) Size() int      { return r.size }
func (r *refBuffer) Imported() bool { return r.att != nil }

func (r *refBuffer) bytes() ([]byte, error) {
	if r.att == nil {
		if r.own == nil {
			return nil, memory.ErrDetached
		}
		return r.own, nil
	}
	mem := r.att.Bytes()
	if mem == nil {
		return nil, memory.ErrDetached
	}
	return mem, nil
}

// Release waits for queued commands that use the buffer, then drops it.
func (r *refBuffer) Release() error {
	r.queued.Wait()
	if r.att != nil {
		r.att.Detach()
	}
	r.own = nil
	return nil
}

type refProgram struct {
	names    []string
	released bool
}

func (p *refProgram) KernelNames() []string {
	return append([]string(nil), p.names...)
}

func (p *refProgram) Kernel(name string) (Kernel, error) {
	if p.released {
		return nil, failure.New(failure.InvalidArgument, "gpu.kernel", "program released")
	}
	for _, n := range p.names {
		if n == name {
			impl := builtinKernels[name]
			return &refKernel{name: name, impl: impl, args: make([]any, len(impl.params))}, nil
		}
	}
	return nil, failure.New(failure.InvalidArgument, "gpu.kernel", "program has no kernel %q", name)
}

func (p *refProgram) Release() error {
	p.released = true
	return nil
}

type refKernel struct {
	name     string
	impl     builtinKernel
	args     []any
	released bool
}

func (k *refKernel) Name() string { return k.name }

func (k *refKernel) SetArg(index int, value any) error {
	if index < 0 || index >= len(k.args) {
		return failure.New(failure.InvalidArgument, "gpu.set_arg", "%s takes %d arguments, got index %d", k.name, len(k.args), index)
	}
	want := k.impl.params[index]
	switch v := value.(type) {
	case *refBuffer:
		if want == paramBuffer && v != nil {
			k.args[index] = v
			return nil
		}
	case float32:
		if want == paramFloat {
			k.args[index] = v
			return nil
		}
	case int32:
		if want == paramInt {
			k.args[index] = v
			return nil
		}
	case int:
		if want == paramInt {
			k.args[index] = int32(v)
			return nil
		}
	}
	return failure.New(failure.InvalidArgument, "gpu.set_arg", "%s argument %d expects %s, got %T", k.name, index, want, value)
}

func (k *refKernel) Release() error {
	k.released = true
	return nil
}
