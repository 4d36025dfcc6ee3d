package demo

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/fixtures"
	"github.com/fxnlabs/uma-handoff/internal/config"
	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/gpu"
	"github.com/fxnlabs/uma-handoff/internal/memory"
	"github.com/fxnlabs/uma-handoff/internal/npu"
)

func newRunner(t *testing.T, mutate func(c *config.Config), providerOpts ...memory.HostOption) *Runner {
	t.Helper()
	cfg := config.Default()
	cfg.GPU.KernelDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	g := gpu.NewReferenceBackend(zap.NewNop())
	require.NoError(t, g.Initialize())
	t.Cleanup(func() { _ = g.Cleanup() })
	n := npu.NewReferenceBackend(zap.NewNop())
	require.NoError(t, n.Initialize())
	t.Cleanup(func() { _ = n.Cleanup() })

	alloc := memory.NewAllocator(memory.NewHostProvider(nil, providerOpts...), cfg.HeapPriority(), 0, nil)
	return NewRunner(cfg, alloc, g, n, zap.NewNop())
}

func TestUnified(t *testing.T) {
	r := newRunner(t, nil)

	res, err := r.Unified(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Preview, 8)
	assert.InDelta(t, 44.2, res.Preview[0], 0.1)
	for i, v := range res.Preview {
		assert.InDelta(t, UnifiedExpected(i, 10, 3), v, 1e-3)
	}
	assert.Equal(t, 64, res.Bytes)
	assert.Len(t, res.Report.Stages, 5)
	assert.Equal(t, 4, res.Report.Barriers())
}

func TestUnifiedExpected(t *testing.T) {
	assert.InDelta(t, 44.2, UnifiedExpected(0, 10, 3), 1e-9)
	assert.InDelta(t, ((1+10+5+0.3)*3)+10+5+0.3, UnifiedExpected(5, 10, 3), 1e-9)
}

func TestGPUFill(t *testing.T) {
	for _, n := range []int{1, 16, 300, 1000} {
		r := newRunner(t, func(c *config.Config) { c.Pipeline.Elements = n })
		res, err := r.GPUFill(context.Background())
		require.NoError(t, err, "n=%d", n)
		assert.Equal(t, float32(10), res.Preview[0])
		assert.Len(t, res.Preview, min(n, 8))
	}
}

func TestNPUMultiply(t *testing.T) {
	for _, custom := range []bool{false, true} {
		r := newRunner(t, nil, memory.WithUnavailableHeaps(0, 1))
		res, err := r.NPUMultiply(context.Background(), custom)
		require.NoError(t, err)
		assert.Equal(t, memory.HeapID(2), res.Heap)
		for i, v := range res.Preview {
			assert.InDelta(t, (float64(i)*1.5+10)*3, v, 1e-4)
		}
	}
}

func TestNPUMultiply_CustomPackageReused(t *testing.T) {
	r := newRunner(t, nil)
	_, err := r.NPUMultiply(context.Background(), true)
	require.NoError(t, err)
	_, err = r.NPUMultiply(context.Background(), true)
	require.NoError(t, err)

	r.cfg.NPU.Multiplier = 4
	_, err = r.NPUMultiply(context.Background(), true)
	assert.True(t, failure.Is(err, failure.InvalidArgument))
}

func TestRoundTrip(t *testing.T) {
	r := newRunner(t, nil)
	res, err := r.RoundTrip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Report.Barriers())

	var out bytes.Buffer
	res.Print(&out)
	assert.Contains(t, out.String(), "roundtrip: 64 B shared buffer on heap 0")
	assert.Contains(t, out.String(), "barrier-cpu")
}

func TestKernelSourceFromDirectory(t *testing.T) {
	r := newRunner(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(r.cfg.GPU.KernelDir, "fill_array.cl"), []byte(fixtures.FillArrayKernel), 0o644))
	src, err := r.KernelSource("fill_array.cl")
	require.NoError(t, err)
	assert.Equal(t, fixtures.FillArrayKernel, src)

	// a broken file on disk is not replaced by the embedded copy
	require.NoError(t, os.WriteFile(filepath.Join(r.cfg.GPU.KernelDir, "fill_array.cl"), []byte("__kernel void fill_array(__global float* data, float value, int size) {"), 0o644))
	_, err = r.GPUFill(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.BuildFailure, failure.KindOf(err))
}

func TestScenarioWithoutBackends(t *testing.T) {
	cfg := config.Default()
	alloc := memory.NewAllocator(memory.NewHostProvider(nil), nil, 0, nil)
	r := NewRunner(cfg, alloc, nil, nil, nil)

	_, err := r.GPUFill(context.Background())
	assert.True(t, failure.Is(err, failure.DeviceUnavailable))
	_, err = r.NPUMultiply(context.Background(), false)
	assert.True(t, failure.Is(err, failure.DeviceUnavailable))
	_, err = r.RoundTrip(context.Background())
	assert.NoError(t, err)
}
