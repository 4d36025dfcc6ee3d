package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fxnlabs/uma-handoff/internal/config"
	"github.com/fxnlabs/uma-handoff/internal/demo"
	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/gpu"
	"github.com/fxnlabs/uma-handoff/internal/memory"
	"github.com/fxnlabs/uma-handoff/internal/npu"
)

// components are the constructed dependencies handed to a command.
type components struct {
	cfg    *config.Config
	log    *zap.Logger
	alloc  *memory.Allocator
	gpu    *gpu.Manager
	npu    npu.Backend
	runner *demo.Runner
}

// module provides the allocator, both backends and the scenario runner.
// Backends are released by OnStop hooks in reverse construction order.
func module(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.WithLogger(func() fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		fx.Provide(
			newAllocator,
			newGPUManager,
			newNPUBackend,
			newRunner,
		),
	)
}

func newAllocator(cfg *config.Config, log *zap.Logger) (*memory.Allocator, error) {
	memLog := log.Named("memory")
	var p memory.Provider
	switch cfg.Memory.Provider {
	case "", "host":
		p = memory.NewHostProvider(memLog, memory.WithUnavailableHeaps(cfg.UnavailableHeaps()...))
	default:
		var err error
		if p, err = memory.NewProvider(cfg.Memory.Provider, memLog); err != nil {
			return nil, err
		}
	}
	return memory.NewAllocator(p, cfg.HeapPriority(), cfg.AllocationFlags(), memLog), nil
}

// newGPUManager returns a nil manager when the configured device is missing so
// that commands which never touch the GPU still run.
func newGPUManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	m, err := gpu.NewManager(cfg.GPU.Backend, log.Named("gpu"))
	if failure.Is(err, failure.DeviceUnavailable) {
		log.Warn("GPU unavailable", zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			info := m.GetDeviceInfo()
			log.Debug("GPU ready",
				zap.String("backend", m.GetBackendType()),
				zap.String("device", info.Name),
				zap.Bool("hostUnifiedMemory", info.HostUnifiedMemory),
			)
			return nil
		},
		OnStop: func(context.Context) error {
			return m.Cleanup()
		},
	})
	return m, nil
}

func newNPUBackend(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (npu.Backend, error) {
	b, err := npu.NewBackend(cfg.NPU.Backend, log.Named("npu"))
	if failure.Is(err, failure.DeviceUnavailable) {
		log.Warn("NPU unavailable", zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return b.Initialize()
		},
		OnStop: func(context.Context) error {
			return b.Cleanup()
		},
	})
	return b, nil
}

func newRunner(cfg *config.Config, alloc *memory.Allocator, m *gpu.Manager, b npu.Backend, log *zap.Logger) *demo.Runner {
	return demo.NewRunner(cfg, alloc, gpuBackend(m), b, log)
}

func gpuBackend(m *gpu.Manager) gpu.Backend {
	if m == nil {
		return nil
	}
	return m.GetBackend()
}

// withComponents builds and starts the application, hands its components to
// fn and stops it afterwards.
func (st *state) withComponents(c *cli.Context, fn func(ctx context.Context, comp *components) error) (err error) {
	comp := &components{}
	app := fx.New(
		module(st.cfg, st.log),
		fx.Populate(&comp.cfg, &comp.log, &comp.alloc, &comp.gpu, &comp.npu, &comp.runner),
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx := c.Context
	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
		defer cancel()
		err = errors.Join(err, app.Stop(stopCtx))
	}()

	return fn(ctx, comp)
}
