package handoff

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/metrics"
)

func TestVerifyFloat32(t *testing.T) {
	want := func(i int) float64 { return 10 + float64(i) }

	got := []float32{10, 11, 12, 13}
	assert.NoError(t, VerifyFloat32(got, want, 1e-5))
	assert.NoError(t, VerifyFloat32([]float32{10.05, 11}, want, 0.1))

	before := testutil.ToFloat64(metrics.VerificationFailuresTotal)
	err := VerifyFloat32([]float32{10, 99, 12, 0}, want, 1e-5)
	require.Error(t, err)
	assert.Equal(t, failure.VerificationMismatch, failure.KindOf(err))
	assert.Contains(t, err.Error(), "2 of 4 elements")
	assert.Contains(t, failure.DetailOf(err), "[1] got 99 want 11")
	assert.Contains(t, failure.DetailOf(err), "[3] got 0 want 13")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.VerificationFailuresTotal))
}

func TestVerifyFloat32_RelativeErrorIsNotEnough(t *testing.T) {
	// 44.2 vs 40 is within 10% but far outside an absolute 0.1
	err := VerifyFloat32([]float32{40}, func(int) float64 { return 44.2 }, 0.1)
	assert.True(t, failure.Is(err, failure.VerificationMismatch))
}

func TestVerifyFloat32_ListsAtMostEight(t *testing.T) {
	got := make([]float32, 20)
	err := VerifyFloat32(got, func(int) float64 { return 1 }, 0)
	require.Error(t, err)
	assert.Contains(t, failure.DetailOf(err), "... 12 more")
}

func TestVerifyBytes(t *testing.T) {
	assert.NoError(t, VerifyBytes([]byte{1, 2, 3}, []byte{1, 2, 3}))

	err := VerifyBytes([]byte{1, 2}, []byte{1, 2, 3})
	assert.True(t, failure.Is(err, failure.VerificationMismatch))

	err = VerifyBytes([]byte{1, 9, 3}, []byte{1, 2, 3})
	require.Error(t, err)
	assert.Contains(t, failure.DetailOf(err), "[1] got 9 want 2")
}
