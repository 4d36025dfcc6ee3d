package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/uma-handoff/internal/gpu"
	"github.com/fxnlabs/uma-handoff/internal/memory"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		// Encoding is "json" or "console".
		Encoding string `yaml:"encoding"`
	} `yaml:"logger"`
	Memory struct {
		Provider         string `yaml:"provider"`
		Heaps            []int  `yaml:"heaps"`
		Uncached         bool   `yaml:"uncached"`
		UnavailableHeaps []int  `yaml:"unavailableHeaps"`
	} `yaml:"memory"`
	GPU struct {
		Backend     string `yaml:"backend"`
		KernelDir   string `yaml:"kernelDir"`
		CachePolicy string `yaml:"cachePolicy"`
		LocalSize   int    `yaml:"localSize"`
	} `yaml:"gpu"`
	NPU struct {
		Backend    string  `yaml:"backend"`
		Multiplier float32 `yaml:"multiplier"`
	} `yaml:"npu"`
	Pipeline struct {
		Elements     int           `yaml:"elements"`
		FillValue    float32       `yaml:"fillValue"`
		StageTimeout time.Duration `yaml:"stageTimeout"`
		Tolerance    float64       `yaml:"tolerance"`
	} `yaml:"pipeline"`
	Bandwidth struct {
		SizeMB     int `yaml:"sizeMB"`
		Iterations int `yaml:"iterations"`
		Warmups    int `yaml:"warmups"`
	} `yaml:"bandwidth"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "console"
	c.Memory.Provider = "host"
	c.GPU.Backend = "auto"
	c.GPU.KernelDir = "kernels"
	c.GPU.CachePolicy = gpu.HostUncached.String()
	c.GPU.LocalSize = gpu.DefaultLocalSize
	c.NPU.Backend = "auto"
	c.NPU.Multiplier = 3
	c.Pipeline.Elements = 16
	c.Pipeline.FillValue = 10
	c.Pipeline.StageTimeout = 10 * time.Second
	c.Pipeline.Tolerance = 0.1
	c.Bandwidth.SizeMB = 64
	c.Bandwidth.Iterations = 100
	c.Bandwidth.Warmups = 3
	return &c
}

// LoadConfig reads path over the defaults. Keys missing from the file keep
// their default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// LoadOrDefault is LoadConfig that falls back to Default when path does not
// exist.
func LoadOrDefault(path string, log *zap.Logger) (*Config, error) {
	config, err := LoadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		if log != nil {
			log.Debug("config file not found, using defaults", zap.String("path", path))
		}
		return Default(), nil
	}
	return config, err
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := zap.ParseAtomicLevel(c.Logger.Verbosity); err != nil {
		errs = append(errs, fmt.Errorf("logger.verbosity: %w", err))
	}
	if c.Logger.Encoding != "json" && c.Logger.Encoding != "console" {
		errs = append(errs, fmt.Errorf("logger.encoding must be json or console, got %q", c.Logger.Encoding))
	}
	for _, h := range append(append([]int(nil), c.Memory.Heaps...), c.Memory.UnavailableHeaps...) {
		if h < 0 || h > 31 {
			errs = append(errs, fmt.Errorf("memory heap id %d out of range 0-31", h))
		}
	}
	if _, err := gpu.ParseCachePolicy(c.GPU.CachePolicy); err != nil {
		errs = append(errs, fmt.Errorf("gpu.cachePolicy: %w", err))
	}
	if c.GPU.LocalSize <= 0 {
		errs = append(errs, fmt.Errorf("gpu.localSize must be positive, got %d", c.GPU.LocalSize))
	}
	if c.GPU.KernelDir == "" {
		errs = append(errs, errors.New("gpu.kernelDir is required"))
	}
	if c.Pipeline.Elements <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.elements must be positive, got %d", c.Pipeline.Elements))
	}
	if c.Pipeline.StageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.stageTimeout must be positive, got %s", c.Pipeline.StageTimeout))
	}
	if c.Pipeline.Tolerance < 0 {
		errs = append(errs, fmt.Errorf("pipeline.tolerance must not be negative, got %g", c.Pipeline.Tolerance))
	}
	if c.Bandwidth.SizeMB <= 0 || c.Bandwidth.Iterations <= 0 || c.Bandwidth.Warmups < 0 {
		errs = append(errs, fmt.Errorf("bandwidth needs positive sizeMB and iterations, got %d MB x %d",
			c.Bandwidth.SizeMB, c.Bandwidth.Iterations))
	}
	return errors.Join(errs...)
}

// HeapPriority returns the configured heap order, or the default order when
// none is configured.
func (c *Config) HeapPriority() []memory.HeapID {
	return heapIDs(c.Memory.Heaps, memory.DefaultHeapPriority)
}

func (c *Config) UnavailableHeaps() []memory.HeapID {
	return heapIDs(c.Memory.UnavailableHeaps, nil)
}

func (c *Config) AllocationFlags() memory.Flags {
	if c.Memory.Uncached {
		return memory.FlagUncached
	}
	return 0
}

// CachePolicy returns the parsed GPU import policy. Validate has checked it.
func (c *Config) CachePolicy() gpu.CachePolicy {
	p, err := gpu.ParseCachePolicy(c.GPU.CachePolicy)
	if err != nil {
		return gpu.HostUncached
	}
	return p
}

func heapIDs(ids []int, def []memory.HeapID) []memory.HeapID {
	if len(ids) == 0 {
		return append([]memory.HeapID(nil), def...)
	}
	out := make([]memory.HeapID, len(ids))
	for i, id := range ids {
		out[i] = memory.HeapID(id)
	}
	return out
}
