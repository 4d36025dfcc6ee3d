package memory

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/metrics"
)

// ErrNoHeapAvailable is returned when every heap in the priority list rejected
// the request.
var ErrNoHeapAvailable = errors.New("no heap accepted the allocation")

// Allocator requests shared buffers from a Provider, walking a priority-ordered
// list of heap identifiers.
type Allocator struct {
	provider Provider
	heaps    []HeapID
	flags    Flags
	log      *zap.Logger
}

// NewAllocator returns an allocator over p. An empty heap list means
// DefaultHeapPriority.
func NewAllocator(p Provider, heaps []HeapID, flags Flags, log *zap.Logger) *Allocator {
	if len(heaps) == 0 {
		heaps = DefaultHeapPriority
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{
		provider: p,
		heaps:    append([]HeapID(nil), heaps...),
		flags:    flags,
		log:      log.Named("allocator"),
	}
}

// Heaps returns the priority list in try order.
func (a *Allocator) Heaps() []HeapID {
	return append([]HeapID(nil), a.heaps...)
}

// Provider returns the underlying platform provider.
func (a *Allocator) Provider() Provider {
	return a.provider
}

// Allocate returns a buffer from the first heap that accepts size bytes.
func (a *Allocator) Allocate(size int) (*SharedBuffer, error) {
	return a.AllocateFrom(a.heaps, size)
}

// AllocateFrom is Allocate with an explicit heap priority list.
func (a *Allocator) AllocateFrom(heaps []HeapID, size int) (*SharedBuffer, error) {
	if size <= 0 {
		return nil, failure.New(failure.InvalidArgument, "memory.allocate", "size must be positive, got %d", size)
	}

	var errs []error
	for _, heap := range heaps {
		mem, err := a.provider.Alloc(heap, a.flags, size)
		if err != nil || len(mem) < size {
			if err == nil {
				err = fmt.Errorf("%w: short region of %d bytes", ErrHeapRejected, len(mem))
				if len(mem) > 0 {
					if freeErr := a.provider.Free(mem); freeErr != nil {
						a.log.Warn("failed to free short region", zap.Stringer("heap", heap), zap.Error(freeErr))
					}
				}
			}
			a.log.Debug("heap rejected allocation", zap.Stringer("heap", heap), zap.Int("size", size), zap.Error(err))
			metrics.AllocationRejectionsTotal.WithLabelValues(heap.String()).Inc()
			errs = append(errs, fmt.Errorf("heap %d: %w", heap, err))
			continue
		}

		fd, err := a.provider.ToFD(mem)
		if err != nil || fd < 0 {
			if freeErr := a.provider.Free(mem); freeErr != nil {
				a.log.Warn("failed to free region after fd export failure", zap.Error(freeErr))
			}
			if err == nil {
				err = fmt.Errorf("invalid fd %d", fd)
			}
			return nil, failure.Wrap(failure.ResourceExhaustion, "memory.to_fd", err, "export heap %d region", heap)
		}

		buf := newSharedBuffer(a.provider, heap, fd, mem[:size])
		metrics.AllocationsTotal.WithLabelValues(heap.String()).Inc()
		metrics.SharedBytes.Add(float64(size))
		a.log.Info("allocated shared memory",
			zap.String("provider", a.provider.Name()),
			zap.Stringer("heap", heap),
			zap.Int("fd", fd),
			zap.Int("size", size),
			zap.Stringer("id", buf.ID()))
		return buf, nil
	}

	errs = append([]error{ErrNoHeapAvailable}, errs...)
	return nil, failure.Wrap(failure.ResourceExhaustion, "memory.allocate", errors.Join(errs...),
		"%d heaps tried for %d bytes", len(heaps), size)
}
