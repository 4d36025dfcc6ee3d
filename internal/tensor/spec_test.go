package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecSizes(t *testing.T) {
	testCases := []struct {
		name     string
		spec     Spec
		elements int
		bytes    int
	}{
		{"vector float32", Vector("v", Float32, 16), 16, 64},
		{"matrix float16", New("m", Float16, 4, 8), 32, 64},
		{"int8 batch", New("b", Int8, 1, 1024), 1024, 1024},
		{"scalar", New("s", Int32), 1, 4},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.elements, tc.spec.NumElements())
			assert.Equal(t, tc.bytes, tc.spec.ByteSize())
		})
	}
}

func TestSpecIsImmutable(t *testing.T) {
	dims := []uint32{2, 3}
	s := New("x", Float32, dims...)
	dims[0] = 99
	assert.Equal(t, []uint32{2, 3}, s.Dims())

	out := s.Dims()
	out[1] = 42
	assert.Equal(t, []uint32{2, 3}, s.Dims())
}

func TestSpecCloneAndEqual(t *testing.T) {
	s := New("input", Int8, 1, 64).
		WithRole(AppWrite).
		WithQuantization(Quantization{Scale: 0.5, Offset: -3})

	c := s.Clone()
	assert.True(t, s.Equal(c))

	renamed := s.WithName("other")
	assert.False(t, s.Equal(renamed))
	assert.True(t, s.SameLayout(renamed))
	assert.Equal(t, "input", s.Name())

	assert.False(t, s.SameLayout(New("input", Int8, 64, 1)))
	assert.False(t, s.Equal(s.WithRole(AppRead)))
}

func TestSpecValidate(t *testing.T) {
	assert.NoError(t, Vector("ok", Float32, 4).Validate())
	assert.Error(t, New("zero", Float32, 4, 0).Validate())
	assert.Error(t, New("bad", Invalid, 4).Validate())

	assert.NoError(t, New("wide", Int8, math.MaxUint32, 2).Validate())
	err := New("huge", Float32, 1<<31, 1<<31, 4).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflows")
	assert.Error(t, New("huge", Int32, math.MaxUint32, math.MaxUint32, math.MaxUint32).Validate())
}

func TestVectorRejectsOutOfRangeLength(t *testing.T) {
	for _, n := range []int{0, -1, math.MinInt32, math.MaxUint32 + 1} {
		v := Vector("v", Float32, n)
		assert.Equal(t, []uint32{0}, v.Dims(), "n=%d", n)
		assert.Error(t, v.Validate(), "n=%d", n)
	}
	assert.Equal(t, math.MaxUint32, Vector("max", Int8, math.MaxUint32).NumElements())
	assert.NoError(t, Vector("max", Int8, math.MaxUint32).Validate())
}

func TestSpecString(t *testing.T) {
	assert.Equal(t, "x:float32[16]", Vector("x", Float32, 16).String())
	q := New("q", Int8, 2, 2).WithQuantization(Quantization{Scale: 0.25, Offset: 1})
	assert.Equal(t, "q:int8[2x2]{scale=0.25,offset=1}", q.String())
}

func TestLoadStore(t *testing.T) {
	testCases := []struct {
		dtype DType
		quant Quantization
		in    float64
		want  float64
		delta float64
	}{
		{Float32, Quantization{}, 44.2, 44.2, 1e-5},
		{Float16, Quantization{}, 1.5, 1.5, 1e-3},
		{Int8, Quantization{}, 200, 127, 0},
		{Int8, Quantization{}, -7, -7, 0},
		{Uint8, Quantization{}, -1, 0, 0},
		{Int32, Quantization{}, 123456, 123456, 0},
		{Int8, Quantization{Scale: 0.5, Offset: 0}, 3.0, 3.0, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.dtype.String(), func(t *testing.T) {
			b := make([]byte, tc.dtype.Size()*2)
			Store(tc.dtype, tc.quant, b, 1, tc.in)
			assert.InDelta(t, tc.want, Load(tc.dtype, tc.quant, b, 1), tc.delta)
		})
	}
}

func TestParseDType(t *testing.T) {
	d, err := ParseDType("float16")
	require.NoError(t, err)
	assert.Equal(t, Float16, d)

	_, err = ParseDType("bfloat16")
	assert.Error(t, err)
}
