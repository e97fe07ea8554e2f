//go:build !unix && !windows

package license

import "context"

// lockFile is a no-op where no advisory file lock is available; the store's
// in-process mutex still serializes callers within one process.
func lockFile(ctx context.Context, _ string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}
