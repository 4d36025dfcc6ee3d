package handoff

import (
	"context"
	"fmt"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/gpu"
	"github.com/fxnlabs/uma-handoff/internal/memory"
	"github.com/fxnlabs/uma-handoff/internal/npu"
)

// Stage is one step of a handoff run on a single device.
type Stage interface {
	Name() string
	Device() Device
	Run(ctx context.Context, s *Session) error
}

// GPUKernelStage enqueues a kernel whose arguments are already set. Writes
// lists the shared buffers the kernel touches and may not be empty.
type GPUKernelStage struct {
	Label  string
	Kernel gpu.Kernel
	Work   gpu.WorkSize
	Writes []*memory.SharedBuffer
}

func (st GPUKernelStage) Name() string {
	if st.Label != "" {
		return st.Label
	}
	return st.Kernel.Name()
}

func (st GPUKernelStage) Device() Device { return GPU }

func (st GPUKernelStage) Run(ctx context.Context, s *Session) error {
	if s.gpu == nil {
		return fmt.Errorf("stage %s: no GPU backend in session", st.Name())
	}
	if len(st.Writes) == 0 {
		return failure.New(failure.InvalidArgument, "handoff.stage", "stage %s names no shared buffers", st.Name())
	}
	trackers, err := begin(s, GPU, st.Writes)
	if err != nil {
		return err
	}
	if err := s.GPU().Enqueue(st.Kernel, st.Work); err != nil {
		abort(trackers, GPU)
		return err
	}
	return end(trackers, GPU)
}

// NPUGraphStage executes a finalized graph. Shared buffers behind the memory
// bindings are tracked; client-buffer bindings are not.
type NPUGraphStage struct {
	Label   string
	Graph   npu.Graph
	Inputs  []npu.Binding
	Outputs []npu.Binding
}

func (st NPUGraphStage) Name() string {
	if st.Label != "" {
		return st.Label
	}
	return st.Graph.Name()
}

func (st NPUGraphStage) Device() Device { return NPU }

func (st NPUGraphStage) Run(ctx context.Context, s *Session) error {
	var bufs []*memory.SharedBuffer
	seen := map[*memory.SharedBuffer]bool{}
	for _, b := range append(append([]npu.Binding(nil), st.Inputs...), st.Outputs...) {
		if b.Mem == nil || seen[b.Mem.Buffer()] {
			continue
		}
		seen[b.Mem.Buffer()] = true
		bufs = append(bufs, b.Mem.Buffer())
	}
	trackers, err := begin(s, NPU, bufs)
	if err != nil {
		return err
	}
	c, err := st.Graph.Execute(ctx, st.Inputs, st.Outputs)
	if err != nil {
		abort(trackers, NPU)
		return err
	}
	s.track(c)
	return end(trackers, NPU)
}

// HostWriteStage fills a buffer from the CPU through a write mapping.
type HostWriteStage struct {
	Label  string
	Buffer *memory.SharedBuffer
	Write  func(m *memory.Mapping) error
}

func (st HostWriteStage) Name() string   { return labelOr(st.Label, "host-write") }
func (st HostWriteStage) Device() Device { return CPU }

func (st HostWriteStage) Run(_ context.Context, s *Session) error {
	return hostAccess(s, st.Buffer, memory.SyncWrite, true, st.Write)
}

// HostReadStage reads a buffer from the CPU through a read mapping.
type HostReadStage struct {
	Label  string
	Buffer *memory.SharedBuffer
	Read   func(m *memory.Mapping) error
}

func (st HostReadStage) Name() string   { return labelOr(st.Label, "host-read") }
func (st HostReadStage) Device() Device { return CPU }

func (st HostReadStage) Run(_ context.Context, s *Session) error {
	return hostAccess(s, st.Buffer, memory.SyncRead, false, st.Read)
}

// BarrierStage drains On and fences memory explicitly, for sequences where
// the pipeline would not insert a barrier on its own.
type BarrierStage struct {
	On Device
}

func (st BarrierStage) Name() string   { return "barrier-" + string(st.On) }
func (st BarrierStage) Device() Device { return st.On }

func (st BarrierStage) Run(ctx context.Context, s *Session) error {
	return s.Barrier(ctx, st.On)
}

func hostAccess(s *Session, buf *memory.SharedBuffer, dir memory.SyncDirection, write bool, fn func(*memory.Mapping) error) error {
	t, err := s.tracker(buf)
	if err != nil {
		return err
	}
	if err := s.gpuSettled(t, CPU); err != nil {
		return err
	}
	if err := t.BeginHostAccess(); err != nil {
		return err
	}
	m, err := buf.Map(dir)
	if err != nil {
		t.AbortHostAccess()
		return fmt.Errorf("map %s: %w", buf, err)
	}
	defer t.EndHostAccess(write)

	if fnErr := fn(m); fnErr != nil {
		_ = m.Close()
		return fnErr
	}
	return m.Close()
}

func begin(s *Session, dev Device, bufs []*memory.SharedBuffer) ([]*Tracker, error) {
	trackers := make([]*Tracker, 0, len(bufs))
	for _, buf := range bufs {
		t, err := s.tracker(buf)
		if err == nil {
			err = s.gpuSettled(t, dev)
		}
		if err == nil {
			err = t.BeginCompute(dev)
		}
		if err != nil {
			abort(trackers, dev)
			return nil, err
		}
		trackers = append(trackers, t)
	}
	return trackers, nil
}

func abort(trackers []*Tracker, dev Device) {
	for _, t := range trackers {
		t.AbortCompute(dev)
	}
}

func end(trackers []*Tracker, dev Device) error {
	for _, t := range trackers {
		if err := t.EndCompute(dev); err != nil {
			return err
		}
	}
	return nil
}

func labelOr(label, def string) string {
	if label != "" {
		return label
	}
	return def
}
