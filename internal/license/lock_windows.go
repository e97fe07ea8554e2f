//go:build windows

package license

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

const lockPollInterval = 25 * time.Millisecond

// lockFile takes an exclusive lock on the first byte of path, polling until
// the lock is free or ctx is done.
func lockFile(ctx context.Context, path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	handle := windows.Handle(f.Fd())
	flags := uint32(windows.LOCKFILE_EXCLUSIVE_LOCK | windows.LOCKFILE_FAIL_IMMEDIATELY)

	for {
		ol := new(windows.Overlapped)
		err = windows.LockFileEx(handle, flags, 0, 1, 0, ol)
		if err == nil {
			break
		}
		if !errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			f.Close()
			return nil, err
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	return func() {
		_ = windows.UnlockFileEx(handle, 0, 1, 0, new(windows.Overlapped))
		f.Close()
	}, nil
}
