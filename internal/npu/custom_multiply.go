package npu

import (
	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/tensor"
)

const (
	PackageCustomMultiply = "CustomMultiplyOpPackage"
	OpCustomMultiply      = "CustomMultiply"
)

// CustomMultiplyPackage is a user op package with a single-input,
// single-output op that multiplies every float32 element by a multiplier fixed
// when the package is built.
type CustomMultiplyPackage struct {
	multiplier float32
}

// NewCustomMultiplyPackage builds the package with its multiplier.
func NewCustomMultiplyPackage(multiplier float32) *CustomMultiplyPackage {
	return &CustomMultiplyPackage{multiplier: multiplier}
}

func (p *CustomMultiplyPackage) Name() string { return PackageCustomMultiply }

func (p *CustomMultiplyPackage) Ops() []string { return []string{OpCustomMultiply} }

func (p *CustomMultiplyPackage) Multiplier() float32 { return p.multiplier }

func (p *CustomMultiplyPackage) Validate(op OpConfig, inputs, outputs []tensor.Spec) error {
	if err := checkArity(op, 1, 1); err != nil {
		return err
	}
	for _, s := range append(inputs[:1:1], outputs[0]) {
		if s.DType() != tensor.Float32 {
			return failure.New(failure.BuildFailure, "npu.validate", "%s supports float32 only, %s is %s", op.Type, s.Name(), s.DType())
		}
	}
	return checkSameCount(op, inputs[0], outputs[0])
}

func (p *CustomMultiplyPackage) Kernel(op OpConfig) (OpKernel, error) {
	if op.Type != OpCustomMultiply {
		return nil, unknownOp(p.Name(), op.Type)
	}
	m := p.multiplier
	return func(inputs, outputs []TensorData) error {
		in, out := inputs[0].Float32s(), outputs[0].Float32s()
		for i := range out {
			out[i] = in[i] * m
		}
		return nil
	}, nil
}
