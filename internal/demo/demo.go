// Package demo holds the end-to-end handoff scenarios run by umactl.
package demo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/fixtures"
	"github.com/fxnlabs/uma-handoff/internal/config"
	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/gpu"
	"github.com/fxnlabs/uma-handoff/internal/handoff"
	"github.com/fxnlabs/uma-handoff/internal/memory"
	"github.com/fxnlabs/uma-handoff/internal/npu"
)

// previewLen is how many leading elements a result prints.
const previewLen = 8

// Runner builds and runs the scenarios against one set of backends.
type Runner struct {
	cfg   *config.Config
	alloc *memory.Allocator
	gpu   gpu.Backend
	npu   npu.Backend
	log   *zap.Logger
}

// NewRunner wires the scenarios. Either backend may be nil when a scenario
// does not need it.
func NewRunner(cfg *config.Config, alloc *memory.Allocator, gpuBackend gpu.Backend, npuBackend npu.Backend, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{cfg: cfg, alloc: alloc, gpu: gpuBackend, npu: npuBackend, log: log.Named("demo")}
}

// Result is what a scenario reports after a successful run.
type Result struct {
	Scenario string
	Heap     memory.HeapID
	Bytes    int
	Report   handoff.Report
	Preview  []float32
}

// Print writes a short human-readable summary.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "%s: %s shared buffer on heap %d\n", r.Scenario, humanize.IBytes(uint64(r.Bytes)), r.Heap)
	for _, st := range r.Report.Stages {
		barrier := ""
		if st.Barrier {
			barrier = " + barrier"
		}
		fmt.Fprintf(w, "  %-6s %-24s %s%s\n", st.Device, st.Name, st.Duration, barrier)
	}
	if len(r.Preview) > 0 {
		vals := make([]string, len(r.Preview))
		for i, v := range r.Preview {
			vals[i] = fmt.Sprintf("%.1f", v)
		}
		fmt.Fprintf(w, "  first %d: %s\n", len(vals), strings.Join(vals, " "))
	}
	fmt.Fprintf(w, "  verified in %s\n", r.Report.Elapsed)
}

// Session opens a handoff session over the runner's allocator and backends.
// The caller closes it.
func (r *Runner) Session() *handoff.Session {
	opts := []handoff.SessionOption{handoff.WithStageTimeout(r.cfg.Pipeline.StageTimeout)}
	if r.gpu != nil {
		opts = append(opts, handoff.WithGPU(r.gpu))
	}
	if r.npu != nil {
		opts = append(opts, handoff.WithNPU(r.npu))
	}
	return handoff.NewSession(r.alloc, r.log, opts...)
}

// run opens a session, lets build add resources and stages, runs them and
// closes the session whatever happened.
func (r *Runner) run(ctx context.Context, name string, build func(s *handoff.Session, res *Result) ([]handoff.Stage, error)) (res *Result, err error) {
	s := r.Session()
	defer func() {
		if cerr := s.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	res = &Result{Scenario: name}
	stages, err := build(s, res)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	report, err := handoff.NewPipeline(s).Run(ctx, stages...)
	res.Report = report
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	r.log.Info("Scenario passed", zap.String("scenario", name), zap.Duration("elapsed", report.Elapsed))
	return res, nil
}

// KernelSource reads file from the configured kernel directory and falls back
// to the embedded copy when the file is missing.
func (r *Runner) KernelSource(file string) (string, error) {
	src, err := gpu.LoadKernelSource(r.cfg.GPU.KernelDir, file)
	if err == nil {
		return src, nil
	}
	if embedded, ok := fixtures.Kernels[file]; ok && errors.Is(err, fs.ErrNotExist) {
		r.log.Warn("Kernel source not found, using embedded copy",
			zap.String("dir", r.cfg.GPU.KernelDir), zap.String("file", file))
		return embedded, nil
	}
	return "", err
}

// kernel builds file and returns the named kernel with args bound. The
// program and kernel are released with the session.
func (r *Runner) kernel(s *handoff.Session, file, name string, args ...any) (gpu.Kernel, error) {
	if s.GPU() == nil {
		return nil, failure.New(failure.DeviceUnavailable, "demo.gpu", "scenario needs a GPU backend")
	}
	src, err := r.KernelSource(file)
	if err != nil {
		return nil, err
	}
	prog, err := s.GPU().BuildProgram(src)
	if err != nil {
		if log := failure.DetailOf(err); log != "" {
			r.log.Error("Kernel build log", zap.String("file", file), zap.String("log", log))
		}
		return nil, err
	}
	if err := s.Defer("program "+file, prog.Release); err != nil {
		return nil, err
	}
	k, err := prog.Kernel(name)
	if err != nil {
		return nil, err
	}
	if err := s.Defer("kernel "+name, k.Release); err != nil {
		return nil, err
	}
	for i, a := range args {
		if err := k.SetArg(i, a); err != nil {
			return nil, fmt.Errorf("%s argument %d: %w", name, i, err)
		}
	}
	return k, nil
}

func (r *Runner) workSize(n int) gpu.WorkSize {
	return gpu.ComputeWorkSize(n, r.cfg.GPU.LocalSize, r.gpu.GetDeviceInfo().MaxWorkGroupSize)
}

// preview copies the leading elements of m.
func preview(m *memory.Mapping) []float32 {
	vals := m.Float32s()
	if len(vals) > previewLen {
		vals = vals[:previewLen]
	}
	return append([]float32(nil), vals...)
}

func fillFloat32(value func(i int) float32) func(m *memory.Mapping) error {
	return func(m *memory.Mapping) error {
		vals := m.Float32s()
		for i := range vals {
			vals[i] = value(i)
		}
		return nil
	}
}
