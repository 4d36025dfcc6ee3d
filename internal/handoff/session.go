package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/gpu"
	"github.com/fxnlabs/uma-handoff/internal/memory"
	"github.com/fxnlabs/uma-handoff/internal/npu"
	"github.com/fxnlabs/uma-handoff/internal/tensor"
)

// DefaultStageTimeout bounds every drain when no timeout is configured.
const DefaultStageTimeout = 10 * time.Second

// Session owns the resources of one handoff run. Every buffer, import and
// registration made through it is released by Close in reverse order.
type Session struct {
	log          *zap.Logger
	alloc        *memory.Allocator
	gpu          gpu.Backend
	npu          npu.Backend
	stageTimeout time.Duration
	scope        *Scope

	mu       sync.Mutex
	trackers map[*memory.SharedBuffer]*Tracker
	inflight []npu.Completion
	barriers int

	// gpuQueued counts enqueues since the last GPU barrier.
	gpuQueued int
}

type SessionOption func(*Session)

func WithGPU(b gpu.Backend) SessionOption {
	return func(s *Session) { s.gpu = b }
}

func WithNPU(b npu.Backend) SessionOption {
	return func(s *Session) { s.npu = b }
}

// WithStageTimeout sets the drain bound. Non-positive values keep the default.
func WithStageTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.stageTimeout = d
		}
	}
}

func NewSession(alloc *memory.Allocator, log *zap.Logger, opts ...SessionOption) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("handoff")
	s := &Session{
		log:          log,
		alloc:        alloc,
		stageTimeout: DefaultStageTimeout,
		scope:        NewScope(log),
		trackers:     make(map[*memory.SharedBuffer]*Tracker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) NPU() npu.Backend             { return s.npu }
func (s *Session) Allocator() *memory.Allocator { return s.alloc }
func (s *Session) StageTimeout() time.Duration  { return s.stageTimeout }
func (s *Session) Logger() *zap.Logger          { return s.log }

// GPU returns the session's GPU backend, or nil. Kernels enqueued through it
// are drained by Close.
func (s *Session) GPU() gpu.Backend {
	if s.gpu == nil {
		return nil
	}
	return queueCounter{Backend: s.gpu, s: s}
}

type queueCounter struct {
	gpu.Backend
	s *Session
}

func (q queueCounter) Enqueue(k gpu.Kernel, ws gpu.WorkSize) error {
	if err := q.Backend.Enqueue(k, ws); err != nil {
		return err
	}
	q.s.mu.Lock()
	q.s.gpuQueued++
	q.s.mu.Unlock()
	return nil
}

// gpuSettled fails when dev would touch a buffer the GPU holds while GPU
// commands are still queued.
func (s *Session) gpuSettled(t *Tracker, dev Device) error {
	if dev == GPU || !t.Imported(GPU) {
		return nil
	}
	s.mu.Lock()
	queued := s.gpuQueued
	s.mu.Unlock()
	if queued == 0 {
		return nil
	}
	return t.violation("%s access while %d GPU commands are not drained", dev, queued)
}

// Barriers returns how many barriers completed in this session.
func (s *Session) Barriers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.barriers
}

// Tracker returns the ownership tracker of a buffer allocated by the session,
// or nil.
func (s *Session) Tracker(buf *memory.SharedBuffer) *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackers[buf]
}

func (s *Session) tracker(buf *memory.SharedBuffer) (*Tracker, error) {
	if t := s.Tracker(buf); t != nil {
		return t, nil
	}
	return nil, failure.New(failure.InvalidArgument, "handoff.session", "%s was not allocated by this session", buf)
}

// Allocate takes a shared buffer from the allocator's heap priority list.
func (s *Session) Allocate(size int) (*memory.SharedBuffer, error) {
	return s.AllocateFrom(s.alloc.Heaps(), size)
}

// AllocateFrom takes a shared buffer trying heaps in order.
func (s *Session) AllocateFrom(heaps []memory.HeapID, size int) (*memory.SharedBuffer, error) {
	buf, err := s.alloc.AllocateFrom(heaps, size)
	if err != nil {
		return nil, err
	}
	t := NewTracker(buf.ID().String())
	s.mu.Lock()
	s.trackers[buf] = t
	s.mu.Unlock()

	err = s.scope.Defer(buf.String(), func() error {
		if err := t.Release(); err != nil {
			return err
		}
		return buf.Release()
	})
	return buf, err
}

// ImportGPU aliases buf into the GPU context.
func (s *Session) ImportGPU(buf *memory.SharedBuffer, policy gpu.CachePolicy) (gpu.Buffer, error) {
	if s.gpu == nil {
		return nil, failure.New(failure.DeviceUnavailable, "handoff.import", "no GPU backend in session")
	}
	t, err := s.tracker(buf)
	if err != nil {
		return nil, err
	}
	b, err := s.gpu.ImportBuffer(buf, policy)
	if err != nil {
		return nil, err
	}
	if err := s.scope.Defer("gpu import of "+buf.ID().String(), b.Release); err != nil {
		return nil, err
	}
	if err := t.Import(GPU); err != nil {
		return nil, err
	}
	s.log.Debug("Imported into GPU", zap.Stringer("buffer", buf), zap.Stringer("policy", policy))
	return b, nil
}

// RegisterNPU makes buf addressable by NPU graphs as spec.
func (s *Session) RegisterNPU(buf *memory.SharedBuffer, spec tensor.Spec) (npu.MemHandle, error) {
	if s.npu == nil {
		return nil, failure.New(failure.DeviceUnavailable, "handoff.register", "no NPU backend in session")
	}
	t, err := s.tracker(buf)
	if err != nil {
		return nil, err
	}
	h, err := s.npu.RegisterMemory(buf, spec)
	if err != nil {
		return nil, err
	}
	if err := s.scope.Defer("npu registration of "+spec.Name(), func() error { return s.npu.DeregisterMemory(h) }); err != nil {
		return nil, err
	}
	if err := t.Import(NPU); err != nil {
		return nil, err
	}
	s.log.Debug("Registered with NPU", zap.Stringer("buffer", buf), zap.Stringer("spec", spec))
	return h, nil
}

// Defer adds a release to the session scope.
func (s *Session) Defer(name string, fn func() error) error {
	return s.scope.Defer(name, fn)
}

func (s *Session) track(c npu.Completion) {
	s.mu.Lock()
	s.inflight = append(s.inflight, c)
	s.mu.Unlock()
}

// Close drains every device with work outstanding and then releases all
// session resources in reverse acquisition order.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	for _, dev := range s.outstanding() {
		if err := s.Barrier(ctx, dev); err != nil {
			errs = append(errs, fmt.Errorf("drain %s before release: %w", dev, err))
		}
	}
	if err := s.scope.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Session) outstanding() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[Device]bool{}
	var devs []Device
	for _, t := range s.trackers {
		if dev, ok := t.Pending(); ok && dev != CPU && !seen[dev] {
			seen[dev] = true
			devs = append(devs, dev)
		}
	}
	if s.gpuQueued > 0 && !seen[GPU] {
		devs = append(devs, GPU)
	}
	if len(s.inflight) > 0 && !seen[NPU] {
		devs = append(devs, NPU)
	}
	return devs
}
