package memory

import (
	"context"
	"syscall"

	"cdr.dev/slog"
	"golang.org/x/xerrors"
)

// mlockall failures.
var (
	// EAGAIN: some or all of the memory could not be locked.
	ErrCouldNotLock = xerrors.New("memory could not be locked")
	// EINVAL: unknown or unsupported flags.
	ErrInvalidFlags = xerrors.New("invalid mlockall flags")
	// ENOMEM: locking would exceed RLIMIT_MEMLOCK.
	ErrLockLimit = xerrors.New("memory lock limit exceeded")
	// EPERM: missing CAP_IPC_LOCK.
	ErrLockPermission = xerrors.New("not permitted to lock memory")
	ErrLockUnknown    = xerrors.New("unknown mlockall error")
)

type mlockallFunc func(flags int) error

// lockResident asks for strong first and falls back to reduced. Only the
// outcome of the fallback is returned.
func lockResident(ctx context.Context, log slog.Logger, mlockall mlockallFunc, strong, reduced int) error {
	err := mlockall(strong)
	if err == nil {
		log.Info(ctx, "locked current and future memory, including unfaulted pages")
		return nil
	}
	log.Warn(ctx, "first mlockall attempt failed, retrying without on-fault locking",
		slog.Error(classifyLock(err)))

	err = mlockall(reduced)
	if err != nil {
		return xerrors.Errorf("mlockall: %w", classifyLock(err))
	}
	log.Info(ctx, "locked current and future memory")
	return nil
}

func classifyLock(err error) error {
	var errno syscall.Errno
	if !xerrors.As(err, &errno) {
		return ErrLockUnknown
	}
	switch errno {
	case syscall.EAGAIN:
		return ErrCouldNotLock
	case syscall.EINVAL:
		return ErrInvalidFlags
	case syscall.ENOMEM:
		return ErrLockLimit
	case syscall.EPERM:
		return ErrLockPermission
	default:
		return ErrLockUnknown
	}
}
