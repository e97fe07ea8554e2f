//go:build !linux && !darwin

package security

// totalMemory is not probed on this platform; the fingerprint uses the
// unknown-memory fallback instead.
func totalMemory() uint64 {
	return 0
}
