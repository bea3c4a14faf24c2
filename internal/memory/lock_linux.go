//go:build linux

package memory

import (
	"context"

	"cdr.dev/slog"
	"golang.org/x/sys/unix"
)

// LockResident pins all current and future mappings of the process into RAM
// so the daemon is not paged out during the shortage it has to resolve.
// Failure is not fatal to the caller.
func LockResident(ctx context.Context, log slog.Logger) error {
	return lockResident(ctx, log, unix.Mlockall,
		unix.MCL_CURRENT|unix.MCL_FUTURE|unix.MCL_ONFAULT,
		unix.MCL_CURRENT|unix.MCL_FUTURE)
}
