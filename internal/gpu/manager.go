package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager handles GPU backend selection and lifecycle
type Manager struct {
	backend Backend
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager creates a GPU manager for the configured backend and initializes
// it. When the backend is "auto" and the selected device fails to initialize,
// the manager falls back to the reference backend.
func NewManager(name string, logger *zap.Logger, opts ...ReferenceOption) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		logger: logger,
	}

	if err := m.detectAndInitialize(name, opts); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) detectAndInitialize(name string, opts []ReferenceOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "reference" {
		return m.use(NewReferenceBackend(m.logger, opts...))
	}

	backend, err := NewBackend(name, m.logger)
	if err != nil {
		return err
	}
	if _, isRef := backend.(*ReferenceBackend); isRef {
		backend = NewReferenceBackend(m.logger, opts...)
	}
	err = m.use(backend)
	if err == nil || (name != "" && name != "auto") {
		return err
	}

	m.logger.Warn("GPU backend failed to initialize, falling back to reference", zap.Error(err))
	_ = backend.Cleanup()
	return m.use(NewReferenceBackend(m.logger, opts...))
}

func (m *Manager) use(b Backend) error {
	if err := b.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize %s backend: %w", b.Name(), err)
	}
	m.backend = b
	return nil
}

// GetBackend returns the current backend
func (m *Manager) GetBackend() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

// GetDeviceInfo returns device information from the current backend
func (m *Manager) GetDeviceInfo() DeviceInfo {
	backend := m.GetBackend()
	if backend == nil {
		return DeviceInfo{Name: "No backend available"}
	}
	return backend.GetDeviceInfo()
}

// IsGPUAvailable returns true if a hardware backend is active
func (m *Manager) IsGPUAvailable() bool {
	backend := m.GetBackend()
	if backend == nil {
		return false
	}
	_, isRef := backend.(*ReferenceBackend)
	return !isRef
}

// GetBackendType returns a string describing the current backend type
func (m *Manager) GetBackendType() string {
	backend := m.GetBackend()
	if backend == nil {
		return "none"
	}
	return backend.Name()
}

// Cleanup releases resources held by the current backend
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.Cleanup(); err != nil {
			return err
		}
		m.backend = nil
	}
	return nil
}
