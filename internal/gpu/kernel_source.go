package gpu

import (
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/fxnlabs/uma-handoff/internal/failure"
)

// LoadKernelSource reads an OpenCL C source file from dir.
func LoadKernelSource(dir, file string) (string, error) {
	path := filepath.Join(dir, file)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", failure.Wrap(failure.BuildFailure, "gpu.load_source", err, "read kernel source %s", path)
	}
	if !utf8.Valid(data) {
		return "", failure.New(failure.BuildFailure, "gpu.load_source", "%s is not valid UTF-8", path)
	}
	return string(data), nil
}
