package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
)

// fakeProvider hands out Go-heap regions and rejects a configurable set of heaps.
type fakeProvider struct {
	reject   map[HeapID]bool
	short    map[HeapID]bool
	attempts []HeapID
	freed    int
	live     map[uintptr][]byte
	fdErr    error
	cache    []string
}

func newFakeProvider(reject ...HeapID) *fakeProvider {
	p := &fakeProvider{reject: make(map[HeapID]bool), short: make(map[HeapID]bool), live: make(map[uintptr][]byte)}
	for _, h := range reject {
		p.reject[h] = true
	}
	return p
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Alloc(heap HeapID, flags Flags, size int) ([]byte, error) {
	p.attempts = append(p.attempts, heap)
	if p.reject[heap] {
		return nil, ErrHeapRejected
	}
	if p.short[heap] {
		size /= 2
	}
	mem := make([]byte, size)
	p.live[regionKey(mem)] = mem
	return mem, nil
}

func (p *fakeProvider) Free(mem []byte) error {
	key := regionKey(mem)
	if _, ok := p.live[key]; !ok {
		return ErrUnknownRegion
	}
	delete(p.live, key)
	p.freed++
	return nil
}

func (p *fakeProvider) ToFD(mem []byte) (int, error) {
	if p.fdErr != nil {
		return -1, p.fdErr
	}
	return 100 + len(p.live), nil
}

// syncingProvider records cache maintenance calls.
type syncingProvider struct {
	*fakeProvider
}

func (p syncingProvider) SyncStart(fd int, dir SyncDirection) error {
	p.cache = append(p.cache, "start")
	return nil
}

func (p syncingProvider) SyncEnd(fd int, dir SyncDirection) error {
	p.cache = append(p.cache, "end")
	return nil
}

func TestAllocatorHeapFallback(t *testing.T) {
	heaps := []HeapID{0, 1, 2, 13, 14, 25}
	for k := 0; k < len(heaps); k++ {
		rejected := heaps[:k]
		p := newFakeProvider(rejected...)
		a := NewAllocator(p, heaps, 0, zap.NewNop())

		buf, err := a.Allocate(64)
		require.NoError(t, err, "first %d heaps rejected", k)
		assert.Equal(t, heaps[k], buf.Heap())
		assert.Equal(t, heaps[:k+1], p.attempts)
		assert.Equal(t, 64, buf.Size())
		require.NoError(t, buf.Release())
	}
}

func TestAllocatorAllHeapsRejected(t *testing.T) {
	heaps := []HeapID{25, 26}
	p := newFakeProvider(heaps...)
	a := NewAllocator(p, heaps, 0, nil)

	buf, err := a.Allocate(16)
	assert.Nil(t, buf)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.ResourceExhaustion))
	assert.ErrorIs(t, err, ErrNoHeapAvailable)
	assert.ErrorIs(t, err, ErrHeapRejected)
}

func TestAllocatorInvalidSize(t *testing.T) {
	a := NewAllocator(newFakeProvider(), nil, 0, nil)
	_, err := a.Allocate(0)
	assert.True(t, failure.Is(err, failure.InvalidArgument))
	assert.Equal(t, DefaultHeapPriority, a.Heaps())
}

func TestAllocatorFreesOnFDFailure(t *testing.T) {
	p := newFakeProvider()
	p.fdErr = errors.New("no fd")
	a := NewAllocator(p, []HeapID{0}, 0, nil)

	_, err := a.Allocate(32)
	require.Error(t, err)
	assert.Equal(t, 1, p.freed)
	assert.Empty(t, p.live)
}

func TestAllocatorFreesShortRegion(t *testing.T) {
	p := newFakeProvider()
	p.short[0] = true
	a := NewAllocator(p, []HeapID{0, 1}, 0, nil)

	buf, err := a.Allocate(64)
	require.NoError(t, err)
	assert.Equal(t, HeapID(1), buf.Heap())
	assert.Equal(t, 1, p.freed)
	assert.Len(t, p.live, 1)

	require.NoError(t, buf.Release())
	assert.Equal(t, 2, p.freed)
	assert.Empty(t, p.live)
}

func TestSharedBufferMapping(t *testing.T) {
	a := NewAllocator(newFakeProvider(), []HeapID{0}, 0, nil)
	buf, err := a.Allocate(16)
	require.NoError(t, err)

	m, err := buf.Map(SyncWrite)
	require.NoError(t, err)
	assert.True(t, buf.Mapped())

	_, err = buf.Map(SyncRead)
	assert.ErrorIs(t, err, ErrAlreadyMapped)

	f := m.Float32s()
	require.Len(t, f, 4)
	f[2] = 3.5

	require.NoError(t, m.Close())
	assert.False(t, buf.Mapped())
	assert.Nil(t, m.Bytes())
	assert.ErrorIs(t, m.Close(), ErrMappingClosed)

	m2, err := buf.Map(SyncRead)
	require.NoError(t, err)
	assert.Equal(t, float32(3.5), m2.Float32s()[2])
	require.NoError(t, m2.Close())
	require.NoError(t, buf.Release())
}

func TestSharedBufferReleaseOrder(t *testing.T) {
	p := newFakeProvider()
	a := NewAllocator(p, []HeapID{0}, 0, nil)
	buf, err := a.Allocate(8)
	require.NoError(t, err)

	gpu, err := buf.Attach("gpu")
	require.NoError(t, err)
	npu, err := buf.Attach("npu")
	require.NoError(t, err)
	assert.Equal(t, 2, buf.Attachments())
	assert.Len(t, gpu.Bytes(), 8)

	// Device handles must go first.
	assert.ErrorIs(t, buf.Release(), ErrBufferInUse)

	npu.Detach()
	npu.Detach()
	gpu.Detach()
	assert.Nil(t, gpu.Bytes())

	m, err := buf.Map(SyncRead)
	require.NoError(t, err)
	assert.ErrorIs(t, buf.Release(), ErrBufferInUse)
	require.NoError(t, m.Close())

	require.NoError(t, buf.Release())
	assert.Equal(t, 1, p.freed)
	assert.ErrorIs(t, buf.Release(), ErrAlreadyReleased)

	_, err = buf.Attach("late")
	assert.ErrorIs(t, err, ErrAlreadyReleased)
}

func TestSharedBufferCacheSync(t *testing.T) {
	p := syncingProvider{newFakeProvider()}
	a := NewAllocator(p, []HeapID{0}, 0, nil)
	buf, err := a.Allocate(8)
	require.NoError(t, err)

	m, err := buf.Map(SyncReadWrite)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.Equal(t, []string{"start", "end"}, p.cache)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider("host", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "host", p.Name())

	_, err = NewProvider("mystery", zap.NewNop())
	assert.Error(t, err)
}
