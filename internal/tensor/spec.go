// Package tensor describes how a device interprets the raw bytes of a shared
// buffer: element type, shape and quantization.
package tensor

import (
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strings"
)

// Role tells a graph who produces and consumes a tensor.
type Role int

const (
	// Native tensors live only inside a graph.
	Native Role = iota
	// AppWrite tensors are graph inputs written by the application.
	AppWrite
	// AppRead tensors are graph outputs read by the application.
	AppRead
	// Static tensors carry constant data fixed at declaration.
	Static
)

func (r Role) String() string {
	switch r {
	case AppWrite:
		return "app_write"
	case AppRead:
		return "app_read"
	case Static:
		return "static"
	default:
		return "native"
	}
}

// Spec is an immutable tensor descriptor. Copies share nothing mutable: dims
// are copied on the way in and out.
type Spec struct {
	name  string
	role  Role
	dtype DType
	dims  []uint32
	quant Quantization
}

// New returns a descriptor with the given name, element type and dimensions.
func New(name string, dtype DType, dims ...uint32) Spec {
	return Spec{name: name, dtype: dtype, dims: slices.Clone(dims)}
}

// Vector is shorthand for a rank-1 descriptor of n elements. An n outside
// 1..MaxUint32 yields a zero dimension that Validate rejects.
func Vector(name string, dtype DType, n int) Spec {
	if n <= 0 || uint64(n) > math.MaxUint32 {
		n = 0
	}
	return New(name, dtype, uint32(n))
}

func (s Spec) Name() string               { return s.name }
func (s Spec) Role() Role                 { return s.role }
func (s Spec) DType() DType               { return s.dtype }
func (s Spec) Quantization() Quantization { return s.quant }
func (s Spec) Rank() int                  { return len(s.dims) }

// Dims returns a copy of the dimensions.
func (s Spec) Dims() []uint32 {
	return slices.Clone(s.dims)
}

// NumElements is the product of the dimensions; a rank-0 spec has one element.
func (s Spec) NumElements() int {
	n := 1
	for _, d := range s.dims {
		n *= int(d)
	}
	return n
}

// ByteSize is the number of bytes the tensor occupies.
func (s Spec) ByteSize() int {
	return s.NumElements() * s.dtype.Size()
}

// WithName returns a copy with a different name.
func (s Spec) WithName(name string) Spec {
	c := s.Clone()
	c.name = name
	return c
}

// WithRole returns a copy with a different role.
func (s Spec) WithRole(r Role) Spec {
	c := s.Clone()
	c.role = r
	return c
}

// WithQuantization returns a copy with quantization parameters set.
func (s Spec) WithQuantization(q Quantization) Spec {
	c := s.Clone()
	c.quant = q
	return c
}

// Clone is the one copy operation for descriptors.
func (s Spec) Clone() Spec {
	c := s
	c.dims = slices.Clone(s.dims)
	return c
}

// Equal reports structural equality of every field.
func (s Spec) Equal(o Spec) bool {
	return s.name == o.name && s.role == o.role && s.quant == o.quant && s.SameLayout(o)
}

// SameLayout reports whether two descriptors interpret bytes identically,
// ignoring name and role.
func (s Spec) SameLayout(o Spec) bool {
	return s.dtype == o.dtype && slices.Equal(s.dims, o.dims)
}

// Validate rejects descriptors no device can lay out, including those whose
// byte size does not fit in an int.
func (s Spec) Validate() error {
	if s.dtype.Size() == 0 {
		return fmt.Errorf("tensor %q: invalid dtype", s.name)
	}
	size := uint64(s.dtype.Size())
	for i, d := range s.dims {
		if d == 0 {
			return fmt.Errorf("tensor %q: dimension %d is zero", s.name, i)
		}
		hi, lo := bits.Mul64(size, uint64(d))
		if hi != 0 || lo > math.MaxInt {
			return fmt.Errorf("tensor %q: byte size overflows at dimension %d", s.name, i)
		}
		size = lo
	}
	return nil
}

func (s Spec) String() string {
	dims := make([]string, len(s.dims))
	for i, d := range s.dims {
		dims[i] = fmt.Sprint(d)
	}
	str := fmt.Sprintf("%s:%s[%s]", s.name, s.dtype, strings.Join(dims, "x"))
	if !s.quant.IsZero() {
		str += fmt.Sprintf("{scale=%g,offset=%d}", s.quant.Scale, s.quant.Offset)
	}
	return str
}
