package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/uma-handoff/internal/config"
	"github.com/fxnlabs/uma-handoff/internal/failure"
)

func writeConfig(t *testing.T, npuBackend string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := `logger:
  verbosity: error
gpu:
  backend: reference
  kernelDir: ` + filepath.Join(dir, "kernels") + `
npu:
  backend: ` + npuBackend + `
bandwidth:
  sizeMB: 1
  iterations: 2
  warmups: 1
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp(&state{})
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"umactl"}, args...))
	return out.String(), err
}

func TestInit(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, "init", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "config.yaml"))
	for _, name := range []string{"fill_array.cl", "fill_accumulate.cl", "bandwidth.cl"} {
		assert.FileExists(t, filepath.Join(dir, "kernels", name))
	}

	cfg, err := config.LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	_, err = run(t, "init", "--dir", dir)
	assert.ErrorContains(t, err, "already exists")

	_, err = run(t, "init", "--dir", dir, "--force")
	assert.NoError(t, err)
}

func TestScenarioCommands(t *testing.T) {
	path := writeConfig(t, "reference")

	tests := []struct {
		args []string
		want string
	}{
		{args: []string{"unified"}, want: "unified: 64 B shared buffer"},
		{args: []string{"gpu"}, want: "gpu: 64 B shared buffer"},
		{args: []string{"npu"}, want: "npu: 64 B shared buffer"},
		{args: []string{"npu", "--custom"}, want: "npu-custom: 64 B shared buffer"},
		{args: []string{"roundtrip"}, want: "roundtrip: 64 B shared buffer"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			out, err := run(t, append([]string{"--config", path}, tt.args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
			assert.Contains(t, out, "verified in")
		})
	}
}

func TestScenarioCommands_MissingConfigUsesDefaults(t *testing.T) {
	out, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--verbosity", "error", "roundtrip")
	require.NoError(t, err)
	assert.Contains(t, out, "roundtrip: 64 B shared buffer")
}

func TestInfo(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, "reference"), "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Memory provider: host")
	assert.Contains(t, out, "Reference GPU")
	assert.Contains(t, out, "Reference HTP")
}

func TestBandwidthCommand(t *testing.T) {
	path := writeConfig(t, "reference")

	out, err := run(t, "--config", path, "bandwidth", "gpu")
	require.NoError(t, err)
	assert.Contains(t, out, "gpu bandwidth")
	assert.Contains(t, out, "iterations: 2 (4.0 MiB moved)")

	out, err = run(t, "--config", path, "bandwidth", "--size-mb", "2", "--iterations", "3", "npu")
	require.NoError(t, err)
	assert.Contains(t, out, "npu bandwidth")
	assert.Contains(t, out, "buffer:     2.0 MiB")
	assert.Contains(t, out, "iterations: 3 (12 MiB moved)")

	_, err = run(t, "--config", path, "bandwidth", "dsp")
	assert.ErrorContains(t, err, "gpu or npu")
}

func TestNPUUnavailable(t *testing.T) {
	path := writeConfig(t, "htp")

	_, err := run(t, "--config", path, "npu")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.DeviceUnavailable))

	out, err := run(t, "--config", path, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "NPU:             unavailable")

	_, err = run(t, "--config", path, "gpu")
	assert.NoError(t, err)
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  verbosity: loud\n"), 0o644))

	_, err := run(t, "--config", path, "roundtrip")
	assert.ErrorContains(t, err, "logger.verbosity")
}

func TestMetricsFile(t *testing.T) {
	metricsFile := filepath.Join(t.TempDir(), "uma.prom")

	_, err := run(t, "--config", writeConfig(t, "reference"), "--metrics-file", metricsFile, "unified")
	require.NoError(t, err)

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "uma_barriers_total")
	assert.Contains(t, string(data), "uma_stage_duration_ms")
}
