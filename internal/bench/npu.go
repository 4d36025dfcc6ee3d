package bench

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/handoff"
	"github.com/fxnlabs/uma-handoff/internal/memory"
	"github.com/fxnlabs/uma-handoff/internal/npu"
	"github.com/fxnlabs/uma-handoff/internal/tensor"
)

// InputValue is the int8 the NPU run writes at element i.
func InputValue(i int) int8 {
	return int8(i % 127)
}

// NPU adds a static 1 to an int8 input with ElementWiseAdd, reading one shared
// buffer and writing another, and reports the read+write bandwidth. Each
// execution is waited for before the next. Warm-up failures are counted; the
// first timed failure aborts. The output is checked once after the timed runs.
func NPU(ctx context.Context, s *handoff.Session, heaps []memory.HeapID, opts Options, log *zap.Logger) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if s.NPU() == nil {
		return nil, failure.New(failure.DeviceUnavailable, "bench.npu", "no NPU backend")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if len(heaps) == 0 {
		heaps = memory.NPUPreferredHeapPriority
	}

	in, err := s.AllocateFrom(heaps, opts.SizeBytes)
	if err != nil {
		return nil, err
	}
	out, err := s.AllocateFrom(heaps, opts.SizeBytes)
	if err != nil {
		return nil, err
	}
	log.Info("NPU bandwidth buffers",
		zap.Stringer("input", in),
		zap.Stringer("output", out),
		zap.Int("iterations", opts.Iterations),
	)

	stage, err := addGraph(s, in, out, opts.SizeBytes)
	if err != nil {
		return nil, err
	}

	fill := handoff.HostWriteStage{Label: "init-input", Buffer: in, Write: func(m *memory.Mapping) error {
		data := m.Bytes()
		for i := range data {
			data[i] = byte(InputValue(i))
		}
		return nil
	}}
	if err := fill.Run(ctx, s); err != nil {
		return nil, err
	}
	if err := s.Barrier(ctx, handoff.CPU); err != nil {
		return nil, err
	}

	warmupFailures := 0
	for i := 0; i < opts.Warmups; i++ {
		if err := execute(ctx, s, stage); err != nil {
			warmupFailures++
			log.Warn("Warm-up execution failed", zap.Int("warmup", i), zap.Error(err))
		}
	}

	samples := make([]time.Duration, 0, opts.Iterations)
	start := time.Now()
	for i := 0; i < opts.Iterations; i++ {
		t0 := time.Now()
		if err := execute(ctx, s, stage); err != nil {
			return nil, failure.Wrap(failure.ExecutionFailure, "bench.npu", err, "iteration %d/%d", i+1, opts.Iterations)
		}
		samples = append(samples, time.Since(t0))
	}
	elapsed := time.Since(start)

	want := make([]byte, opts.SizeBytes)
	for i := range want {
		want[i] = byte(InputValue(i) + 1)
	}
	check := handoff.HostReadStage{Label: "verify-output", Buffer: out, Read: func(m *memory.Mapping) error {
		return handoff.VerifyBytes(m.Bytes(), want)
	}}
	if err := check.Run(ctx, s); err != nil {
		return nil, err
	}
	return newResult("npu", opts, elapsed, samples, warmupFailures), nil
}

func execute(ctx context.Context, s *handoff.Session, stage handoff.NPUGraphStage) error {
	if err := stage.Run(ctx, s); err != nil {
		return err
	}
	return s.Barrier(ctx, handoff.NPU)
}

func addGraph(s *handoff.Session, in, out *memory.SharedBuffer, n int) (handoff.NPUGraphStage, error) {
	var stage handoff.NPUGraphStage
	inSpec := tensor.Vector("input", tensor.Int8, n).WithRole(tensor.AppWrite)
	outSpec := inSpec.WithName("output").WithRole(tensor.AppRead)

	inH, err := s.RegisterNPU(in, inSpec)
	if err != nil {
		return stage, err
	}
	outH, err := s.RegisterNPU(out, outSpec)
	if err != nil {
		return stage, err
	}

	g, err := s.NPU().CreateGraph("elementwise_add")
	if err != nil {
		return stage, err
	}
	if err := s.Defer("graph elementwise_add", g.Release); err != nil {
		return stage, err
	}
	if err := g.AddTensor(inSpec); err != nil {
		return stage, err
	}
	if err := g.AddStaticTensor(tensor.Vector("one", tensor.Int8, 1), []byte{1}); err != nil {
		return stage, err
	}
	if err := g.AddTensor(outSpec); err != nil {
		return stage, err
	}
	if err := g.AddNode(npu.OpConfig{
		Name:    "add",
		Package: npu.PackageQtiAisw,
		Type:    npu.OpElementWiseAdd,
		Inputs:  []string{"input", "one"},
		Outputs: []string{"output"},
	}); err != nil {
		return stage, err
	}
	if err := g.Finalize(); err != nil {
		return stage, err
	}

	return handoff.NPUGraphStage{
		Label:   "elementwise_add",
		Graph:   g,
		Inputs:  []npu.Binding{npu.BindMem("input", inH)},
		Outputs: []npu.Binding{npu.BindMem("output", outH)},
	}, nil
}
