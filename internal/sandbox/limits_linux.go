//go:build linux

package sandbox

import "golang.org/x/sys/unix"

// applyLimits sets rlimits on the already-started child. Prlimit lets the
// supervisor stay unconstrained while the child is boxed in.
func applyLimits(pid int, l Limits) error {
	set := func(resource int, value uint64) error {
		if value == 0 {
			return nil
		}
		lim := unix.Rlimit{Cur: value, Max: value}
		return unix.Prlimit(pid, resource, &lim, nil)
	}

	if err := set(unix.RLIMIT_CPU, l.CPUSeconds); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_AS, l.MemoryBytes); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_NOFILE, l.OpenFiles); err != nil {
		return err
	}
	return set(unix.RLIMIT_FSIZE, l.FileSizeBytes)
}
