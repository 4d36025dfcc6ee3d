//go:build linux

package memory

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// From linux/dma-buf.h.
const (
	dmaBufIoctlSync = 0x40086200 // _IOW('b', 0, struct dma_buf_sync)

	dmaBufSyncRead  = 1 << 0
	dmaBufSyncWrite = 2 << 0
	dmaBufSyncStart = 0 << 2
	dmaBufSyncEnd   = 1 << 2
)

type dmaBufSync struct {
	flags uint64
}

// DMABufSyncer brackets CPU access to a DMA-BUF fd with cache maintenance, so
// device writes become visible to the CPU and CPU writes reach memory before
// the next device stage.
type DMABufSyncer struct{}

func (DMABufSyncer) SyncStart(fd int, dir SyncDirection) error {
	return dmaBufIoctl(fd, dmaBufSyncStart|syncFlags(dir))
}

func (DMABufSyncer) SyncEnd(fd int, dir SyncDirection) error {
	return dmaBufIoctl(fd, dmaBufSyncEnd|syncFlags(dir))
}

func syncFlags(dir SyncDirection) uint64 {
	var f uint64
	if dir&SyncRead != 0 {
		f |= dmaBufSyncRead
	}
	if dir&SyncWrite != 0 {
		f |= dmaBufSyncWrite
	}
	return f
}

func dmaBufIoctl(fd int, flags uint64) error {
	s := dmaBufSync{flags: flags}
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), dmaBufIoctlSync, uintptr(unsafe.Pointer(&s)))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}
