//go:build unix && !linux

package memory

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapShared backs the region with an unlinked temporary file, since memfd is
// Linux-only.
func mapShared(name string, size int) ([]byte, int, error) {
	f, err := os.CreateTemp("", name+"-*")
	if err != nil {
		return nil, -1, err
	}
	defer f.Close()
	if err := os.Remove(f.Name()); err != nil {
		return nil, -1, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		return nil, -1, err
	}
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, -1, fmt.Errorf("dup: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, -1, fmt.Errorf("mmap: %w", err)
	}
	return mem, fd, nil
}

func unmapShared(mem []byte, fd int) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return unix.Close(fd)
}
