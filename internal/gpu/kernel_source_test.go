package gpu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/uma-handoff/internal/failure"
)

func TestLoadKernelSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fill_array.cl"), []byte(testKernels), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.cl"), []byte{0xff, 0xfe, 0x00}, 0o644))

	src, err := LoadKernelSource(dir, "fill_array.cl")
	require.NoError(t, err)
	assert.Equal(t, testKernels, src)

	_, err = LoadKernelSource(dir, "missing.cl")
	assert.True(t, failure.Is(err, failure.BuildFailure))

	_, err = LoadKernelSource(dir, "bad.cl")
	assert.True(t, failure.Is(err, failure.BuildFailure))
}
