package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/uma-handoff/fixtures"
	"github.com/fxnlabs/uma-handoff/internal/gpu"
	"github.com/fxnlabs/uma-handoff/internal/memory"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "json", config.Logger.Encoding)
		assert.Equal(t, []memory.HeapID{25, 0, 1}, config.HeapPriority())
		assert.Equal(t, []memory.HeapID{25}, config.UnavailableHeaps())
		assert.Equal(t, "reference", config.GPU.Backend)
		assert.Equal(t, "/opt/uma/kernels", config.GPU.KernelDir)
		assert.Equal(t, gpu.HostWriteback, config.CachePolicy())
		assert.Equal(t, 64, config.GPU.LocalSize)
		assert.Equal(t, float32(2.5), config.NPU.Multiplier)
		assert.Equal(t, 1024, config.Pipeline.Elements)
		assert.Equal(t, 250*time.Millisecond, config.Pipeline.StageTimeout)
		assert.Equal(t, 8, config.Bandwidth.SizeMB)
		assert.Equal(t, 10, config.Bandwidth.Iterations)

		// keys absent from the file keep their defaults
		assert.Equal(t, "auto", config.NPU.Backend)
		assert.Equal(t, float32(10), config.Pipeline.FillValue)
		assert.Equal(t, 0.1, config.Pipeline.Tolerance)
		assert.Equal(t, 3, config.Bandwidth.Warmups)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("gpu:\n  cachePolicy: coherent\npipeline:\n  elements: 0\n"), 0o644))
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gpu.cachePolicy")
		assert.Contains(t, err.Error(), "pipeline.elements")
	})
}

func TestLoadOrDefault(t *testing.T) {
	config, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Default(), config)

	_, err = LoadOrDefault("../../fixtures/tests/invalid_config/config.yaml", nil)
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	config := Default()
	require.NoError(t, config.Validate())
	assert.Equal(t, memory.DefaultHeapPriority, config.HeapPriority())
	assert.Empty(t, config.UnavailableHeaps())
	assert.Equal(t, memory.Flags(0), config.AllocationFlags())
	assert.Equal(t, gpu.HostUncached, config.CachePolicy())
	assert.Equal(t, 10*time.Second, config.Pipeline.StageTimeout)
	assert.Equal(t, float32(3), config.NPU.Multiplier)

	config.Memory.Uncached = true
	assert.Equal(t, memory.FlagUncached, config.AllocationFlags())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"bad verbosity", func(c *Config) { c.Logger.Verbosity = "loud" }, "logger.verbosity"},
		{"bad encoding", func(c *Config) { c.Logger.Encoding = "xml" }, "logger.encoding"},
		{"heap out of range", func(c *Config) { c.Memory.Heaps = []int{40} }, "heap id 40"},
		{"zero local size", func(c *Config) { c.GPU.LocalSize = 0 }, "gpu.localSize"},
		{"empty kernel dir", func(c *Config) { c.GPU.KernelDir = "" }, "gpu.kernelDir"},
		{"zero timeout", func(c *Config) { c.Pipeline.StageTimeout = 0 }, "pipeline.stageTimeout"},
		{"negative tolerance", func(c *Config) { c.Pipeline.Tolerance = -1 }, "pipeline.tolerance"},
		{"zero iterations", func(c *Config) { c.Bandwidth.Iterations = 0 }, "bandwidth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfigTemplate(t *testing.T) {
	config := Default()
	require.NoError(t, yaml.Unmarshal(fixtures.ConfigTemplate, config))
	require.NoError(t, config.Validate())
	assert.Equal(t, Default(), config)
}
