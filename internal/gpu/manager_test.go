package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewBackend(t *testing.T) {
	logger := zap.NewNop()

	backend, err := NewBackend("reference", logger)
	require.NoError(t, err)
	assert.Equal(t, "reference", backend.Name())

	// Without an OpenCL platform, auto falls back to the reference backend
	backend, err = NewBackend("auto", logger)
	require.NoError(t, err)
	assert.True(t, backend.IsAvailable())

	_, err = NewBackend("vulkan", logger)
	assert.Error(t, err)
}

func TestManager(t *testing.T) {
	m, err := NewManager("reference", zap.NewNop(), WithMaxWorkGroupSize(128))
	require.NoError(t, err)

	assert.Equal(t, "reference", m.GetBackendType())
	assert.False(t, m.IsGPUAvailable())
	assert.Equal(t, 128, m.GetDeviceInfo().MaxWorkGroupSize)
	assert.NotNil(t, m.GetBackend())

	require.NoError(t, m.Cleanup())
	assert.Nil(t, m.GetBackend())
	assert.Equal(t, "none", m.GetBackendType())
	assert.Equal(t, "No backend available", m.GetDeviceInfo().Name)
}

func TestManager_AutoFallsBack(t *testing.T) {
	m, err := NewManager("auto", nil)
	require.NoError(t, err)
	defer m.Cleanup()

	assert.NotEqual(t, "none", m.GetBackendType())
}
