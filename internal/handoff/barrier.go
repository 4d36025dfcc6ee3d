package handoff

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/metrics"
)

var fenceWord atomic.Uint64

// MemoryFence issues a full memory barrier through a sequentially consistent
// atomic read-modify-write. It returns the number of fences issued so far.
func MemoryFence() uint64 {
	return fenceWord.Add(1)
}

// Barrier drains dev and then fences memory. The drain is bounded by the
// session's stage timeout. Every tracked buffer with an outstanding write by
// dev is marked drained.
func (s *Session) Barrier(ctx context.Context, dev Device) error {
	ctx, cancel := context.WithTimeout(ctx, s.stageTimeout)
	defer cancel()

	s.mu.Lock()
	queued := s.gpuQueued
	s.mu.Unlock()

	start := time.Now()
	err := s.drain(ctx, dev)
	if err != nil {
		if !failure.Is(err, failure.StageTimeout) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = failure.Wrap(failure.StageTimeout, "handoff.barrier", err, "%s drain exceeded %s", dev, s.stageTimeout)
		}
		metrics.StageFailuresTotal.WithLabelValues(string(dev), failure.KindOf(err).String()).Inc()
		return err
	}

	MemoryFence()
	s.mu.Lock()
	for _, t := range s.trackers {
		t.Drain(dev)
	}
	if dev == GPU {
		s.gpuQueued -= queued
	}
	s.barriers++
	s.mu.Unlock()

	metrics.BarriersTotal.WithLabelValues(string(dev)).Inc()
	s.log.Debug("Barrier", zap.String("device", string(dev)), zap.Duration("drain", time.Since(start)))
	return nil
}

func (s *Session) drain(ctx context.Context, dev Device) error {
	switch dev {
	case GPU:
		if s.gpu == nil {
			return failure.New(failure.DeviceUnavailable, "handoff.barrier", "no GPU backend in session")
		}
		return s.gpu.Finish(ctx)
	case NPU:
		s.mu.Lock()
		pending := s.inflight
		s.inflight = nil
		s.mu.Unlock()
		for i, c := range pending {
			if err := c.Wait(ctx); err != nil {
				s.mu.Lock()
				s.inflight = append(pending[i:], s.inflight...)
				s.mu.Unlock()
				return err
			}
		}
		return nil
	case CPU:
		return nil
	default:
		return failure.New(failure.InvalidArgument, "handoff.barrier", "unknown device %q", dev)
	}
}
