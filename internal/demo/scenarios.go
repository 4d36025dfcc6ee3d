package demo

import (
	"context"
	"fmt"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/gpu"
	"github.com/fxnlabs/uma-handoff/internal/handoff"
	"github.com/fxnlabs/uma-handoff/internal/memory"
	"github.com/fxnlabs/uma-handoff/internal/npu"
	"github.com/fxnlabs/uma-handoff/internal/tensor"
)

// UnifiedExpected is element i after the unified scenario: a buffer of ones
// filled twice with fill around a multiply by m.
func UnifiedExpected(i int, fill, m float64) float64 {
	x := float64(i)
	return (1+fill+x+gpu.AccumulateOffset)*m + fill + x + gpu.AccumulateOffset
}

// NPUInput is the value the NPU scenario writes at element i.
func NPUInput(i int) float32 {
	return float32(i)*1.5 + 10
}

// Unified passes one buffer GPU -> NPU -> GPU and checks the closed form.
func (r *Runner) Unified(ctx context.Context) (*Result, error) {
	n := r.cfg.Pipeline.Elements
	fill := r.cfg.Pipeline.FillValue
	m := r.cfg.NPU.Multiplier

	return r.run(ctx, "unified", func(s *handoff.Session, res *Result) ([]handoff.Stage, error) {
		buf, err := r.allocate(s, res, n*4)
		if err != nil {
			return nil, err
		}
		gbuf, err := s.ImportGPU(buf, r.cfg.CachePolicy())
		if err != nil {
			return nil, err
		}
		k, err := r.kernel(s, "fill_accumulate.cl", "fill_accumulate", gbuf, fill, int32(n))
		if err != nil {
			return nil, err
		}
		multiply, err := r.multiplyStage(s, buf, buf, n, m, false)
		if err != nil {
			return nil, err
		}
		ws := r.workSize(n)

		return []handoff.Stage{
			handoff.HostWriteStage{Label: "init-ones", Buffer: buf, Write: fillFloat32(func(int) float32 { return 1 })},
			handoff.GPUKernelStage{Label: "fill_accumulate", Kernel: k, Work: ws, Writes: []*memory.SharedBuffer{buf}},
			multiply,
			handoff.GPUKernelStage{Label: "fill_accumulate-2", Kernel: k, Work: ws, Writes: []*memory.SharedBuffer{buf}},
			r.verifyStage(buf, res, func(i int) float64 { return UnifiedExpected(i, float64(fill), float64(m)) }),
		}, nil
	})
}

// GPUFill zeroes a buffer on the host, fills it with fill_array and checks
// fill + i.
func (r *Runner) GPUFill(ctx context.Context) (*Result, error) {
	n := r.cfg.Pipeline.Elements
	fill := r.cfg.Pipeline.FillValue

	return r.run(ctx, "gpu", func(s *handoff.Session, res *Result) ([]handoff.Stage, error) {
		buf, err := r.allocate(s, res, n*4)
		if err != nil {
			return nil, err
		}
		gbuf, err := s.ImportGPU(buf, r.cfg.CachePolicy())
		if err != nil {
			return nil, err
		}
		k, err := r.kernel(s, "fill_array.cl", "fill_array", gbuf, fill, int32(n))
		if err != nil {
			return nil, err
		}
		return []handoff.Stage{
			handoff.HostWriteStage{Label: "init-zero", Buffer: buf, Write: fillFloat32(func(int) float32 { return 0 })},
			handoff.GPUKernelStage{Label: "fill_array", Kernel: k, Work: r.workSize(n), Writes: []*memory.SharedBuffer{buf}},
			r.verifyStage(buf, res, func(i int) float64 { return float64(fill) + float64(i) }),
		}, nil
	})
}

// NPUMultiply writes i*1.5+10 into an input buffer and multiplies it into a
// second buffer on the NPU, through the built-in element-wise op or the
// custom op package.
func (r *Runner) NPUMultiply(ctx context.Context, custom bool) (*Result, error) {
	n := r.cfg.Pipeline.Elements
	m := r.cfg.NPU.Multiplier
	name := "npu"
	if custom {
		name = "npu-custom"
	}

	return r.run(ctx, name, func(s *handoff.Session, res *Result) ([]handoff.Stage, error) {
		in, err := r.allocate(s, res, n*4)
		if err != nil {
			return nil, err
		}
		out, err := s.Allocate(n * 4)
		if err != nil {
			return nil, err
		}
		multiply, err := r.multiplyStage(s, in, out, n, m, custom)
		if err != nil {
			return nil, err
		}
		return []handoff.Stage{
			handoff.HostWriteStage{Label: "init-input", Buffer: in, Write: fillFloat32(NPUInput)},
			multiply,
			r.verifyStage(out, res, func(i int) float64 { return float64(NPUInput(i)) * float64(m) }),
		}, nil
	})
}

// RoundTrip writes a byte pattern, fences and reads it back unchanged.
func (r *Runner) RoundTrip(ctx context.Context) (*Result, error) {
	size := r.cfg.Pipeline.Elements * 4

	return r.run(ctx, "roundtrip", func(s *handoff.Session, res *Result) ([]handoff.Stage, error) {
		buf, err := r.allocate(s, res, size)
		if err != nil {
			return nil, err
		}
		want := make([]byte, size)
		for i := range want {
			want[i] = byte(i*31 + 7)
		}
		return []handoff.Stage{
			handoff.HostWriteStage{Label: "write-pattern", Buffer: buf, Write: func(m *memory.Mapping) error {
				copy(m.Bytes(), want)
				return nil
			}},
			handoff.BarrierStage{On: handoff.CPU},
			handoff.HostReadStage{Label: "read-back", Buffer: buf, Read: func(m *memory.Mapping) error {
				res.Preview = preview(m)
				return handoff.VerifyBytes(m.Bytes(), want)
			}},
		}, nil
	})
}

// allocate takes the scenario's main buffer and records where it landed.
func (r *Runner) allocate(s *handoff.Session, res *Result, size int) (*memory.SharedBuffer, error) {
	buf, err := s.Allocate(size)
	if err != nil {
		return nil, err
	}
	res.Heap = buf.Heap()
	res.Bytes = buf.Size()
	return buf, nil
}

func (r *Runner) verifyStage(buf *memory.SharedBuffer, res *Result, want func(i int) float64) handoff.HostReadStage {
	return handoff.HostReadStage{Label: "verify", Buffer: buf, Read: func(m *memory.Mapping) error {
		res.Preview = preview(m)
		return handoff.VerifyFloat32(m.Float32s(), want, r.cfg.Pipeline.Tolerance)
	}}
}

// multiplyStage registers in and out with the NPU and builds a finalized
// graph computing out = in * m. in and out may be the same buffer.
func (r *Runner) multiplyStage(s *handoff.Session, in, out *memory.SharedBuffer, n int, m float32, custom bool) (handoff.NPUGraphStage, error) {
	var stage handoff.NPUGraphStage
	if s.NPU() == nil {
		return stage, failure.New(failure.DeviceUnavailable, "demo.npu", "scenario needs an NPU backend")
	}

	inSpec := tensor.Vector("input", tensor.Float32, n).WithRole(tensor.AppWrite)
	outSpec := inSpec.WithName("output").WithRole(tensor.AppRead)
	inH, err := s.RegisterNPU(in, inSpec)
	if err != nil {
		return stage, err
	}
	outH, err := s.RegisterNPU(out, outSpec)
	if err != nil {
		return stage, err
	}

	g, err := s.NPU().CreateGraph("multiply")
	if err != nil {
		return stage, err
	}
	if err := s.Defer("graph multiply", g.Release); err != nil {
		return stage, err
	}
	if err := g.AddTensor(inSpec); err != nil {
		return stage, err
	}
	if err := g.AddTensor(outSpec); err != nil {
		return stage, err
	}

	if custom {
		if err := r.ensureCustomPackage(m); err != nil {
			return stage, err
		}
		err = g.AddNode(npu.OpConfig{
			Name:    "custom_multiply",
			Package: npu.PackageCustomMultiply,
			Type:    npu.OpCustomMultiply,
			Inputs:  []string{"input"},
			Outputs: []string{"output"},
		})
	} else {
		factor := make([]byte, 4)
		memory.Float32s(factor)[0] = m
		if err := g.AddStaticTensor(tensor.Vector("multiplier", tensor.Float32, 1), factor); err != nil {
			return stage, err
		}
		err = g.AddNode(npu.OpConfig{
			Name:    "multiply",
			Package: npu.PackageQtiAisw,
			Type:    npu.OpElementWiseMultiply,
			Inputs:  []string{"input", "multiplier"},
			Outputs: []string{"output"},
		})
	}
	if err != nil {
		return stage, err
	}
	if err := g.Finalize(); err != nil {
		return stage, err
	}

	return handoff.NPUGraphStage{
		Label:   fmt.Sprintf("multiply x%g", m),
		Graph:   g,
		Inputs:  []npu.Binding{npu.BindMem("input", inH)},
		Outputs: []npu.Binding{npu.BindMem("output", outH)},
	}, nil
}

// ensureCustomPackage registers the custom multiply package with the
// backend's registry once. A package already registered with a different
// multiplier is an error.
func (r *Runner) ensureCustomPackage(m float32) error {
	reg := r.npu.OpPackages()
	pkg, err := reg.Lookup(npu.PackageCustomMultiply, npu.OpCustomMultiply)
	if err != nil {
		return reg.Register(npu.NewCustomMultiplyPackage(m))
	}
	if cm, ok := pkg.(*npu.CustomMultiplyPackage); ok && cm.Multiplier() != m {
		return failure.New(failure.InvalidArgument, "demo.npu",
			"%s already registered with multiplier %g, want %g", npu.PackageCustomMultiply, cm.Multiplier(), m)
	}
	return nil
}
