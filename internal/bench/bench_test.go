package bench

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/fixtures"
	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/gpu"
	"github.com/fxnlabs/uma-handoff/internal/handoff"
	"github.com/fxnlabs/uma-handoff/internal/memory"
	"github.com/fxnlabs/uma-handoff/internal/metrics"
	"github.com/fxnlabs/uma-handoff/internal/npu"
)

func newSession(t *testing.T, providerOpts ...memory.HostOption) *handoff.Session {
	t.Helper()
	g := gpu.NewReferenceBackend(zap.NewNop())
	require.NoError(t, g.Initialize())
	t.Cleanup(func() { _ = g.Cleanup() })
	n := npu.NewReferenceBackend(zap.NewNop())
	require.NoError(t, n.Initialize())
	t.Cleanup(func() { _ = n.Cleanup() })

	alloc := memory.NewAllocator(memory.NewHostProvider(nil, providerOpts...), nil, 0, nil)
	s := handoff.NewSession(alloc, zap.NewNop(), handoff.WithGPU(g), handoff.WithNPU(n))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestBandwidth(t *testing.T) {
	assert.InDelta(t, 2.0, Bandwidth(1<<30, 1, time.Second), 1e-9)
	assert.InDelta(t, 10.0, Bandwidth(1<<20, 1024*5, time.Second), 1e-9)
	assert.Equal(t, 0.0, Bandwidth(1, 1, 0))
}

func TestSummarize(t *testing.T) {
	mean, std := summarize([]time.Duration{2 * time.Millisecond, 4 * time.Millisecond})
	assert.Equal(t, 3*time.Millisecond, mean)
	assert.InDelta(t, float64(1414213*time.Nanosecond), float64(std), 1000)

	mean, std = summarize([]time.Duration{time.Second})
	assert.Equal(t, time.Second, mean)
	assert.Zero(t, std)

	mean, std = summarize(nil)
	assert.Zero(t, mean)
	assert.Zero(t, std)
}

func TestGPU(t *testing.T) {
	s := newSession(t)
	opts := Options{SizeBytes: 1 << 20, Iterations: 5, Warmups: 3}

	res, err := GPU(context.Background(), s, fixtures.BandwidthKernel, opts, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "gpu", res.Device)
	assert.Equal(t, 5, res.Iterations)
	assert.Greater(t, res.GiBps, 0.0)
	assert.Len(t, res.Samples, 1)
	assert.Equal(t, res.GiBps, testutil.ToFloat64(metrics.BandwidthGiBps.WithLabelValues("gpu")))
	assert.Equal(t, 2, s.Barriers())

	var out bytes.Buffer
	res.Print(&out)
	assert.Contains(t, out.String(), "buffer:     1.0 MiB")
	assert.Contains(t, out.String(), "iterations: 5 (10 MiB moved)")
}

func TestGPU_Errors(t *testing.T) {
	s := newSession(t)

	_, err := GPU(context.Background(), s, fixtures.BandwidthKernel, Options{SizeBytes: 16, Iterations: 1}, nil)
	assert.True(t, failure.Is(err, failure.InvalidArgument))

	_, err = GPU(context.Background(), s, fixtures.BandwidthKernel, Options{SizeBytes: 1024}, nil)
	assert.True(t, failure.Is(err, failure.InvalidArgument))

	// program builds but has no copy kernel
	_, err = GPU(context.Background(), s, fixtures.FillArrayKernel, Options{SizeBytes: 1024, Iterations: 1}, nil)
	assert.True(t, failure.Is(err, failure.InvalidArgument))

	_, err = GPU(context.Background(), s, "__kernel void broken(", Options{SizeBytes: 1024, Iterations: 1}, nil)
	assert.True(t, failure.Is(err, failure.BuildFailure))
}

func TestNPU(t *testing.T) {
	s := newSession(t, memory.WithUnavailableHeaps(25))
	opts := Options{SizeBytes: 4096, Iterations: 4, Warmups: 3}

	res, err := NPU(context.Background(), s, nil, opts, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "npu", res.Device)
	assert.Len(t, res.Samples, 4)
	assert.Zero(t, res.WarmupFailures)
	assert.Greater(t, res.GiBps, 0.0)
	assert.Positive(t, res.Mean)
	assert.Equal(t, 1+3+4, s.Barriers())
}

func TestNPU_NoBackend(t *testing.T) {
	alloc := memory.NewAllocator(memory.NewHostProvider(nil), nil, 0, nil)
	s := handoff.NewSession(alloc, nil)
	defer s.Close(context.Background())

	_, err := NPU(context.Background(), s, nil, Options{SizeBytes: 64, Iterations: 1}, nil)
	assert.True(t, failure.Is(err, failure.DeviceUnavailable))
}
