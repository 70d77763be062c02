//go:build !linux

package sandbox

// applyLimits is a no-op outside linux, where per-pid rlimit adjustment is
// not available after the process has started.
func applyLimits(pid int, l Limits) error {
	return nil
}
