//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/fixtures"
	"github.com/fxnlabs/uma-handoff/internal/bench"
	"github.com/fxnlabs/uma-handoff/internal/config"
	"github.com/fxnlabs/uma-handoff/internal/demo"
	"github.com/fxnlabs/uma-handoff/internal/gpu"
	"github.com/fxnlabs/uma-handoff/internal/logger"
	"github.com/fxnlabs/uma-handoff/internal/memory"
	"github.com/fxnlabs/uma-handoff/internal/metrics"
	"github.com/fxnlabs/uma-handoff/internal/npu"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) (*demo.Runner, *fxtest.App) {
	var runner *demo.Runner

	app := fxtest.New(t,
		fx.Provide(
			func() *config.Config {
				cfg := config.Default()
				cfg.Logger.Verbosity = "debug"
				cfg.GPU.Backend = "reference"
				cfg.NPU.Backend = "reference"
				cfg.GPU.KernelDir = t.TempDir()
				cfg.Pipeline.Elements = 1024
				if mutate != nil {
					mutate(cfg)
				}
				return cfg
			},
			func(cfg *config.Config) (*zap.Logger, error) {
				return logger.New(cfg.Logger.Verbosity)
			},
			func(cfg *config.Config, log *zap.Logger) *memory.Allocator {
				p := memory.NewHostProvider(log, memory.WithUnavailableHeaps(cfg.UnavailableHeaps()...))
				return memory.NewAllocator(p, cfg.HeapPriority(), cfg.AllocationFlags(), log)
			},
			func(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
				m, err := gpu.NewManager(cfg.GPU.Backend, log)
				if err != nil {
					return nil, err
				}
				lc.Append(fx.Hook{OnStop: func(context.Context) error { return m.Cleanup() }})
				return m, nil
			},
			func(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (npu.Backend, error) {
				b, err := npu.NewBackend(cfg.NPU.Backend, log)
				if err != nil {
					return nil, err
				}
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error { return b.Initialize() },
					OnStop:  func(context.Context) error { return b.Cleanup() },
				})
				return b, nil
			},
			func(cfg *config.Config, alloc *memory.Allocator, m *gpu.Manager, b npu.Backend, log *zap.Logger) *demo.Runner {
				return demo.NewRunner(cfg, alloc, m.GetBackend(), b, log)
			},
		),
		fx.Populate(&runner),
	)
	return runner, app
}

func TestHandoff_EndToEnd(t *testing.T) {
	runner, app := newTestApp(t, func(c *config.Config) {
		c.Memory.UnavailableHeaps = []int{0, 1, 2, 13, 14}
	})
	app.RequireStart()
	defer app.RequireStop()

	ctx := context.Background()
	barriers := testutil.ToFloat64(metrics.BarriersTotal.WithLabelValues("gpu"))

	res, err := runner.Unified(ctx)
	require.NoError(t, err)
	assert.Equal(t, memory.HeapID(25), res.Heap)
	assert.Equal(t, 1024*4, res.Bytes)
	assert.InDelta(t, 44.2, res.Preview[0], 0.1)
	assert.Equal(t, barriers+2, testutil.ToFloat64(metrics.BarriersTotal.WithLabelValues("gpu")))

	for _, custom := range []bool{false, true} {
		res, err = runner.NPUMultiply(ctx, custom)
		require.NoError(t, err)
		assert.InDelta(t, 30.0, res.Preview[0], 1e-4)
	}

	res, err = runner.GPUFill(ctx)
	require.NoError(t, err)
	assert.Equal(t, float32(17), res.Preview[7])

	_, err = runner.RoundTrip(ctx)
	require.NoError(t, err)
}

func TestHandoff_Bandwidth(t *testing.T) {
	runner, app := newTestApp(t, nil)
	app.RequireStart()
	defer app.RequireStop()

	ctx := context.Background()
	s := runner.Session()
	defer s.Close(ctx)

	opts := bench.Options{SizeBytes: 4 << 20, Iterations: 10, Warmups: 2}
	gpuRes, err := bench.GPU(ctx, s, fixtures.BandwidthKernel, opts, zap.NewNop())
	require.NoError(t, err)
	assert.Greater(t, gpuRes.GiBps, 0.0)

	npuRes, err := bench.NPU(ctx, s, nil, opts, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, npuRes.Samples, 10)
}
