package memory

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// HostProvider serves shared buffers from fd-backed shared mappings of the host
// kernel. Every region has a real file descriptor that can be re-mapped by
// another process or driver, which is what a device import needs.
type HostProvider struct {
	log         *zap.Logger
	unavailable map[HeapID]bool

	mu      sync.Mutex
	regions map[uintptr]hostRegion
}

type hostRegion struct {
	mem []byte
	fd  int
}

// HostOption configures a HostProvider.
type HostOption func(*HostProvider)

// WithUnavailableHeaps makes the provider reject the listed heap ids, the way a
// device without those carve-outs does.
func WithUnavailableHeaps(heaps ...HeapID) HostOption {
	return func(p *HostProvider) {
		for _, h := range heaps {
			p.unavailable[h] = true
		}
	}
}

// NewHostProvider returns a provider backed by the host's shared mappings.
func NewHostProvider(log *zap.Logger, opts ...HostOption) *HostProvider {
	if log == nil {
		log = zap.NewNop()
	}
	p := &HostProvider{
		log:         log.Named("host-memory"),
		unavailable: make(map[HeapID]bool),
		regions:     make(map[uintptr]hostRegion),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HostProvider) Name() string { return "host" }

func (p *HostProvider) Alloc(heap HeapID, flags Flags, size int) ([]byte, error) {
	if p.unavailable[heap] {
		return nil, ErrHeapRejected
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid size %d", size)
	}
	mem, fd, err := mapShared(fmt.Sprintf("uma-heap-%d", heap), size)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.regions[regionKey(mem)] = hostRegion{mem: mem, fd: fd}
	p.mu.Unlock()
	p.log.Debug("mapped host region", zap.Stringer("heap", heap), zap.Int("fd", fd), zap.Int("size", size))
	return mem, nil
}

func (p *HostProvider) Free(mem []byte) error {
	key := regionKey(mem)
	p.mu.Lock()
	r, ok := p.regions[key]
	delete(p.regions, key)
	p.mu.Unlock()
	if !ok {
		return ErrUnknownRegion
	}
	return unmapShared(r.mem, r.fd)
}

func (p *HostProvider) ToFD(mem []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.regions[regionKey(mem)]
	if !ok {
		return -1, ErrUnknownRegion
	}
	return r.fd, nil
}

// Live returns the number of regions not yet freed.
func (p *HostProvider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.regions)
}
