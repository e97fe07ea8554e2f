//go:build darwin

package security

import "golang.org/x/sys/unix"

func totalMemory() uint64 {
	mem, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0
	}
	return mem
}
