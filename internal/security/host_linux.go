//go:build linux

package security

import "golang.org/x/sys/unix"

// totalMemory returns physical memory in bytes, or 0 when unavailable.
func totalMemory() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Totalram) * uint64(info.Unit)
}
