//go:build qcom && linux && cgo

package memory

/*
#cgo LDFLAGS: -lcdsprpc
#include <stdlib.h>

extern void* rpcmem_alloc(int heapid, unsigned int flags, int size);
extern void rpcmem_free(void* po);
extern int rpcmem_to_fd(void* po);

#define RPCMEM_DEFAULT_FLAGS 1
#define RPCMEM_FLAG_UNCACHED 0
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// RPCMemProvider allocates ION/DMA-BUF memory through the DSP RPC shared-memory
// library, which both the GPU driver and the NPU runtime can import by fd.
type RPCMemProvider struct {
	DMABufSyncer

	log     *zap.Logger
	mu      sync.Mutex
	regions map[uintptr]unsafe.Pointer
}

// NewRPCMemProvider returns the rpcmem-backed provider.
func NewRPCMemProvider(log *zap.Logger) (*RPCMemProvider, error) {
	if log == nil {
		log = zap.NewNop()
	}
	return &RPCMemProvider{
		log:     log.Named("rpcmem"),
		regions: make(map[uintptr]unsafe.Pointer),
	}, nil
}

func (p *RPCMemProvider) Name() string { return "rpcmem" }

func (p *RPCMemProvider) Alloc(heap HeapID, flags Flags, size int) ([]byte, error) {
	cflags := C.uint(C.RPCMEM_DEFAULT_FLAGS)
	if flags&FlagUncached != 0 {
		cflags = C.uint(C.RPCMEM_FLAG_UNCACHED)
	}
	ptr := C.rpcmem_alloc(C.int(heap), cflags, C.int(size))
	if ptr == nil {
		return nil, ErrHeapRejected
	}
	mem := unsafe.Slice((*byte)(ptr), size)

	p.mu.Lock()
	p.regions[uintptr(ptr)] = ptr
	p.mu.Unlock()
	p.log.Debug("rpcmem_alloc", zap.Stringer("heap", heap), zap.Int("size", size))
	return mem, nil
}

func (p *RPCMemProvider) Free(mem []byte) error {
	key := regionKey(mem)
	p.mu.Lock()
	ptr, ok := p.regions[key]
	delete(p.regions, key)
	p.mu.Unlock()
	if !ok {
		return ErrUnknownRegion
	}
	C.rpcmem_free(ptr)
	return nil
}

func (p *RPCMemProvider) ToFD(mem []byte) (int, error) {
	p.mu.Lock()
	ptr, ok := p.regions[regionKey(mem)]
	p.mu.Unlock()
	if !ok {
		return -1, ErrUnknownRegion
	}
	fd := int(C.rpcmem_to_fd(ptr))
	if fd < 0 {
		return -1, fmt.Errorf("rpcmem_to_fd returned %d", fd)
	}
	return fd, nil
}
