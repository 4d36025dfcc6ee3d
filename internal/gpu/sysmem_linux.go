//go:build linux

package gpu

import "golang.org/x/sys/unix"

// totalSystemMemory returns total system memory in bytes. The reference
// device shares it with the host.
func totalSystemMemory() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return int64(info.Totalram) * int64(info.Unit)
}
