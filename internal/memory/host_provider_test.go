//go:build linux

package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHostProviderRoundTrip(t *testing.T) {
	p := NewHostProvider(zap.NewNop(), WithUnavailableHeaps(0, 1))
	a := NewAllocator(p, DefaultHeapPriority, 0, nil)

	buf, err := a.Allocate(4096)
	require.NoError(t, err)
	assert.Equal(t, HeapID(2), buf.Heap())
	assert.GreaterOrEqual(t, buf.FD(), 0)
	assert.NotNil(t, buf.HostPointer())
	assert.Equal(t, 1, p.Live())

	m, err := buf.Map(SyncWrite)
	require.NoError(t, err)
	vals := m.Float32s()
	require.Len(t, vals, 1024)
	for i := range vals {
		vals[i] = float32(i)
	}
	require.NoError(t, m.Close())

	att, err := buf.Attach("device")
	require.NoError(t, err)
	assert.Equal(t, float32(1023), Float32s(att.Bytes())[1023])
	att.Detach()

	require.NoError(t, buf.Release())
	assert.Equal(t, 0, p.Live())
}

func TestHostProviderUnknownRegion(t *testing.T) {
	p := NewHostProvider(nil)
	assert.ErrorIs(t, p.Free(make([]byte, 8)), ErrUnknownRegion)
	_, err := p.ToFD(make([]byte, 8))
	assert.ErrorIs(t, err, ErrUnknownRegion)

	_, err = p.Alloc(5, 0, 0)
	assert.Error(t, err)
}
