// Package memory allocates physically shared buffers that CPU, GPU and NPU
// address without copies, and tracks who borrows them.
package memory

import (
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

// HeapID selects a physical memory pool of the platform allocator.
type HeapID int

func (h HeapID) String() string { return strconv.Itoa(int(h)) }

// Flags are passed through to the platform allocator unchanged.
type Flags uint32

// FlagUncached requests an uncached mapping where the provider supports it.
const FlagUncached Flags = 1 << 0

var (
	// DefaultHeapPriority is tried front to back until a heap accepts the request.
	DefaultHeapPriority = []HeapID{0, 1, 2, 13, 14, 25, 26, 27, 28, 22, 23, 24}
	// NPUPreferredHeapPriority starts with the heap the NPU reads fastest.
	NPUPreferredHeapPriority = []HeapID{25, 0, 1, 2, 13, 14, 26, 27, 28, 22, 23, 24}
)

var (
	ErrProviderUnavailable = errors.New("memory provider not available on this platform")
	ErrHeapRejected        = errors.New("heap rejected allocation")
	ErrUnknownRegion       = errors.New("region was not allocated by this provider")
)

// Provider is the platform shared-memory allocator: alloc(heap, flags, size),
// free(pointer), to_fd(pointer).
type Provider interface {
	Name() string
	Alloc(heap HeapID, flags Flags, size int) ([]byte, error)
	Free(mem []byte) error
	ToFD(mem []byte) (int, error)
}

// SyncDirection says which side of a CPU access a cache sync brackets.
type SyncDirection int

const (
	SyncRead SyncDirection = 1 << iota
	SyncWrite
	SyncReadWrite = SyncRead | SyncWrite
)

// CacheSyncer is implemented by providers whose buffers need explicit CPU cache
// maintenance around host access.
type CacheSyncer interface {
	SyncStart(fd int, dir SyncDirection) error
	SyncEnd(fd int, dir SyncDirection) error
}

// NewProvider selects a provider by configuration name.
func NewProvider(name string, log *zap.Logger) (Provider, error) {
	switch name {
	case "", "host":
		return NewHostProvider(log), nil
	case "rpcmem":
		p, err := NewRPCMemProvider(log)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown memory provider %q", name)
	}
}

func regionKey(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafePointer(mem))
}
