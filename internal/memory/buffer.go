package memory

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/uuid"

	"github.com/fxnlabs/uma-handoff/internal/metrics"
)

var (
	ErrAlreadyMapped   = errors.New("buffer already has an open CPU mapping")
	ErrMappingClosed   = errors.New("CPU mapping is closed")
	ErrBufferInUse     = errors.New("buffer still has open device attachments or CPU mapping")
	ErrAlreadyReleased = errors.New("buffer already released")
	ErrDetached        = errors.New("attachment is detached")
)

// SharedBuffer is one fixed-size region of physical memory exported as a file
// descriptor. It is created once, borrowed by device handles through
// attachments and released once after every borrower is gone.
type SharedBuffer struct {
	id       uuid.UUID
	heap     HeapID
	fd       int
	mem      []byte
	provider Provider

	mu          sync.Mutex
	mapping     *Mapping
	attachments map[*Attachment]struct{}
	released    bool
}

func newSharedBuffer(p Provider, heap HeapID, fd int, mem []byte) *SharedBuffer {
	return &SharedBuffer{
		id:          uuid.New(),
		heap:        heap,
		fd:          fd,
		mem:         mem,
		provider:    p,
		attachments: make(map[*Attachment]struct{}),
	}
}

func (b *SharedBuffer) ID() uuid.UUID    { return b.id }
func (b *SharedBuffer) Size() int        { return len(b.mem) }
func (b *SharedBuffer) Heap() HeapID     { return b.heap }
func (b *SharedBuffer) FD() int          { return b.fd }
func (b *SharedBuffer) Provider() string { return b.provider.Name() }

// HostPointer returns the CPU address of the region, for device APIs that need
// it alongside the fd.
func (b *SharedBuffer) HostPointer() unsafe.Pointer {
	return unsafePointer(b.mem)
}

func (b *SharedBuffer) String() string {
	return fmt.Sprintf("buffer %s (%d bytes, heap %d, fd %d)", b.id, len(b.mem), b.heap, b.fd)
}

// Mapped reports whether a CPU mapping is currently open.
func (b *SharedBuffer) Mapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapping != nil
}

// Attachments returns the number of device handles borrowing the buffer.
func (b *SharedBuffer) Attachments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attachments)
}

// Map opens the single CPU mapping. It must be closed before any device stage
// touches the region.
func (b *SharedBuffer) Map(dir SyncDirection) (*Mapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, ErrAlreadyReleased
	}
	if b.mapping != nil {
		return nil, ErrAlreadyMapped
	}
	if cs, ok := b.provider.(CacheSyncer); ok {
		if err := cs.SyncStart(b.fd, dir); err != nil {
			return nil, fmt.Errorf("cache sync start: %w", err)
		}
	}
	b.mapping = &Mapping{buf: b, dir: dir}
	return b.mapping, nil
}

// Attach registers a device borrower. owner is only used for diagnostics.
func (b *SharedBuffer) Attach(owner string) (*Attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, ErrAlreadyReleased
	}
	a := &Attachment{buf: b, owner: owner}
	b.attachments[a] = struct{}{}
	return a, nil
}

// Release returns the memory to the provider. It fails while any attachment or
// mapping is still open, and when called a second time.
func (b *SharedBuffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return ErrAlreadyReleased
	}
	if b.mapping != nil || len(b.attachments) > 0 {
		return fmt.Errorf("%w: %d attachments, mapped=%t", ErrBufferInUse, len(b.attachments), b.mapping != nil)
	}
	if err := b.provider.Free(b.mem); err != nil {
		return fmt.Errorf("free %s: %w", b.id, err)
	}
	b.released = true
	metrics.SharedBytes.Sub(float64(len(b.mem)))
	b.mem = nil
	return nil
}

// Mapping is an open CPU view of a SharedBuffer.
type Mapping struct {
	buf    *SharedBuffer
	dir    SyncDirection
	closed bool
}

// Bytes returns the mapped region, or nil once the mapping is closed.
func (m *Mapping) Bytes() []byte {
	m.buf.mu.Lock()
	defer m.buf.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.buf.mem
}

// Float32s views the mapped region as float32 elements.
func (m *Mapping) Float32s() []float32 {
	return Float32s(m.Bytes())
}

// Close ends CPU access. Closing twice returns ErrMappingClosed.
func (m *Mapping) Close() error {
	b := m.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.closed {
		return ErrMappingClosed
	}
	m.closed = true
	b.mapping = nil
	if cs, ok := b.provider.(CacheSyncer); ok {
		if err := cs.SyncEnd(b.fd, m.dir); err != nil {
			return fmt.Errorf("cache sync end: %w", err)
		}
	}
	return nil
}

// Attachment is a device handle's borrow of a SharedBuffer.
type Attachment struct {
	buf      *SharedBuffer
	owner    string
	detached bool
}

func (a *Attachment) Buffer() *SharedBuffer { return a.buf }
func (a *Attachment) Owner() string         { return a.owner }

// Bytes aliases the shared region. It returns nil after Detach.
func (a *Attachment) Bytes() []byte {
	a.buf.mu.Lock()
	defer a.buf.mu.Unlock()
	if a.detached {
		return nil
	}
	return a.buf.mem
}

// Detach drops the borrow. It is idempotent.
func (a *Attachment) Detach() {
	a.buf.mu.Lock()
	defer a.buf.mu.Unlock()
	if a.detached {
		return
	}
	a.detached = true
	delete(a.buf.attachments, a)
}

// Float32s reinterprets b as native-endian float32 elements without copying.
func Float32s(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafePointer(b)), len(b)/4)
}

func unsafePointer(b []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b))
}
