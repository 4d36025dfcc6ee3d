package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType is the element type a device uses to interpret raw buffer bytes.
type DType int

const (
	Invalid DType = iota
	Float32
	Float16
	Int8
	Uint8
	Int32
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int8, Uint8:
		return 1
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Int32:
		return "int32"
	default:
		return "invalid"
	}
}

// ParseDType maps a configuration string to a DType.
func ParseDType(s string) (DType, error) {
	for _, d := range []DType{Float32, Float16, Int8, Uint8, Int32} {
		if d.String() == s {
			return d, nil
		}
	}
	return Invalid, fmt.Errorf("unknown dtype %q", s)
}

// Quantization holds affine quantization parameters: real = scale * (q + offset).
// The zero value means "not quantized".
type Quantization struct {
	Scale  float32
	Offset int32
}

// IsZero reports whether the parameters are unset.
func (q Quantization) IsZero() bool {
	return q.Scale == 0 && q.Offset == 0
}

// Load decodes element i of b as float64, applying quantization for integer
// types when q is set.
func Load(d DType, q Quantization, b []byte, i int) float64 {
	off := i * d.Size()
	var v float64
	switch d {
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
	case Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b[off:])).Float32())
	case Int8:
		v = float64(int8(b[off]))
	case Uint8:
		v = float64(b[off])
	case Int32:
		v = float64(int32(binary.LittleEndian.Uint32(b[off:])))
	default:
		return 0
	}
	if !q.IsZero() {
		v = float64(q.Scale) * (v + float64(q.Offset))
	}
	return v
}

// Store encodes v into element i of b. Integer types are quantized when q is
// set and saturate at the type bounds.
func Store(d DType, q Quantization, b []byte, i int, v float64) {
	off := i * d.Size()
	switch d {
	case Float32:
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(float32(v)))
		return
	case Float16:
		binary.LittleEndian.PutUint16(b[off:], float16.Fromfloat32(float32(v)).Bits())
		return
	}
	if !q.IsZero() {
		v = v/float64(q.Scale) - float64(q.Offset)
	}
	v = math.Round(v)
	switch d {
	case Int8:
		b[off] = byte(int8(clamp(v, math.MinInt8, math.MaxInt8)))
	case Uint8:
		b[off] = byte(clamp(v, 0, math.MaxUint8))
	case Int32:
		binary.LittleEndian.PutUint32(b[off:], uint32(int32(clamp(v, math.MinInt32, math.MaxInt32))))
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
