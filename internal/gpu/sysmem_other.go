//go:build !linux

package gpu

func totalSystemMemory() int64 {
	return 0
}
