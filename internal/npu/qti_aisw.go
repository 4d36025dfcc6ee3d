package npu

import (
	"math"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/tensor"
)

// Built-in operations of the default package.
const (
	PackageQtiAisw = "qti.aisw"

	OpElementWiseMultiply = "ElementWiseMultiply"
	OpElementWiseAdd      = "ElementWiseAdd"
)

// qtiAisw is the runtime's built-in package of element-wise binary ops. The
// second input either matches the first element for element or is a scalar
// broadcast over it.
type qtiAisw struct{}

// NewQtiAiswPackage returns the built-in op package.
func NewQtiAiswPackage() OpPackage { return qtiAisw{} }

func (qtiAisw) Name() string { return PackageQtiAisw }

func (qtiAisw) Ops() []string { return []string{OpElementWiseMultiply, OpElementWiseAdd} }

func (qtiAisw) Validate(op OpConfig, inputs, outputs []tensor.Spec) error {
	if err := checkArity(op, 2, 1); err != nil {
		return err
	}
	a, b, out := inputs[0], inputs[1], outputs[0]
	if err := checkSameCount(op, a, out); err != nil {
		return err
	}
	if b.NumElements() != 1 {
		if err := checkSameCount(op, a, b); err != nil {
			return err
		}
	}
	return nil
}

func (p qtiAisw) Kernel(op OpConfig) (OpKernel, error) {
	switch op.Type {
	case OpElementWiseMultiply:
		return binaryKernel(func(x, y float32) float32 { return x * y }, func(x, y float64) float64 { return x * y }), nil
	case OpElementWiseAdd:
		return binaryKernel(func(x, y float32) float32 { return x + y }, func(x, y float64) float64 { return x + y }), nil
	default:
		return nil, unknownOp(p.Name(), op.Type)
	}
}

func binaryKernel(f32 func(x, y float32) float32, f64 func(x, y float64) float64) OpKernel {
	return func(inputs, outputs []TensorData) error {
		a, b, out := inputs[0], inputs[1], outputs[0]
		n := out.Len()
		bn := b.Len()
		if bn == 0 {
			return failure.New(failure.ExecutionFailure, "npu.execute", "empty operand %s", b.Spec.Name())
		}

		if av, bv, ov := a.Float32s(), b.Float32s(), out.Float32s(); av != nil && bv != nil && ov != nil {
			for i := 0; i < n; i++ {
				ov[i] = f32(av[i], bv[i%bn])
			}
			return nil
		}
		if plainInt8(a.Spec, b.Spec, out.Spec) {
			for i := 0; i < n; i++ {
				v := f64(float64(int8(a.Bytes[i])), float64(int8(b.Bytes[i%bn])))
				out.Bytes[i] = byte(int8(math.Max(math.MinInt8, math.Min(math.MaxInt8, math.Round(v)))))
			}
			return nil
		}
		for i := 0; i < n; i++ {
			out.Set(i, f64(a.At(i), b.At(i%bn)))
		}
		return nil
	}
}

func plainInt8(specs ...tensor.Spec) bool {
	for _, s := range specs {
		if s.DType() != tensor.Int8 || !s.Quantization().IsZero() {
			return false
		}
	}
	return true
}
