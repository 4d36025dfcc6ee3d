package bench

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/gpu"
	"github.com/fxnlabs/uma-handoff/internal/handoff"
)

const (
	copyKernel  = "vector_copy_float8"
	float8Bytes = 32
	fillPattern = 0xAA
)

// GPU copies a device-local source buffer into a destination buffer with
// vector_copy_float8 and reports the read+write bandwidth. The session owns
// every device object and drains the queue through its barrier.
func GPU(ctx context.Context, s *handoff.Session, source string, opts Options, log *zap.Logger) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	b := s.GPU()
	if b == nil {
		return nil, failure.New(failure.DeviceUnavailable, "bench.gpu", "no GPU backend")
	}
	if log == nil {
		log = zap.NewNop()
	}
	numVecs := opts.SizeBytes / float8Bytes
	if numVecs == 0 {
		return nil, failure.New(failure.InvalidArgument, "bench.gpu", "buffer of %d bytes holds no float8 vector", opts.SizeBytes)
	}

	src, err := b.CreateBuffer(opts.SizeBytes)
	if err != nil {
		return nil, err
	}
	if err := s.Defer("bandwidth source", src.Release); err != nil {
		return nil, err
	}
	dst, err := b.CreateBuffer(opts.SizeBytes)
	if err != nil {
		return nil, err
	}
	if err := s.Defer("bandwidth destination", dst.Release); err != nil {
		return nil, err
	}
	if err := b.WriteBuffer(src, bytes.Repeat([]byte{fillPattern}, opts.SizeBytes)); err != nil {
		return nil, err
	}

	prog, err := b.BuildProgram(source)
	if err != nil {
		return nil, err
	}
	if err := s.Defer("bandwidth program", prog.Release); err != nil {
		return nil, err
	}
	k, err := prog.Kernel(copyKernel)
	if err != nil {
		return nil, err
	}
	if err := s.Defer("bandwidth kernel", k.Release); err != nil {
		return nil, err
	}
	for i, arg := range []any{dst, src, int32(numVecs)} {
		if err := k.SetArg(i, arg); err != nil {
			return nil, err
		}
	}

	ws := gpu.ComputeWorkSize(numVecs, gpu.DefaultLocalSize, b.GetDeviceInfo().MaxWorkGroupSize)
	log.Info("GPU bandwidth run",
		zap.Int("bytes", opts.SizeBytes),
		zap.Int("vectors", numVecs),
		zap.Int("global", ws.Global),
		zap.Int("local", ws.Local),
		zap.Int("iterations", opts.Iterations),
	)

	for i := 0; i < opts.Warmups; i++ {
		if err := b.Enqueue(k, ws); err != nil {
			return nil, err
		}
	}
	if err := s.Barrier(ctx, handoff.GPU); err != nil {
		return nil, err
	}

	start := time.Now()
	for i := 0; i < opts.Iterations; i++ {
		if err := b.Enqueue(k, ws); err != nil {
			return nil, err
		}
	}
	if err := s.Barrier(ctx, handoff.GPU); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	return newResult("gpu", opts, elapsed, []time.Duration{elapsed}, 0), nil
}
