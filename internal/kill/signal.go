// Package kill turns a selected victim into a dead process.
package kill

import (
	"strconv"
	"syscall"

	"golang.org/x/xerrors"

	"github.com/k3a/go-oomkiller/internal/metrics"
)

// Signal delivery failures. Every failed send maps to exactly one of these.
var (
	ErrInvalidSignal   = xerrors.New("invalid signal")
	ErrNoPermission    = xerrors.New("no permission to signal process")
	ErrProcessNotFound = xerrors.New("process not found")
	ErrUnknown         = xerrors.New("unknown kill error")
)

// Signaler delivers signals and resolves process groups.
type Signaler interface {
	Kill(pid int, sig syscall.Signal) error
	Getpgid(pid int) (int, error)
}

// Send delivers sig to pid. A negative pid addresses the process group -pid.
// The returned error wraps one of the four delivery failures and never the
// underlying errno.
func Send(s Signaler, pid int, sig syscall.Signal) error {
	err := s.Kill(pid, sig)
	if err == nil {
		return nil
	}
	return xerrors.Errorf("send %s to %d: %w", signalName(sig), pid, classify(err))
}

func classify(err error) error {
	var errno syscall.Errno
	if !xerrors.As(err, &errno) {
		return ErrUnknown
	}
	switch errno {
	case syscall.EINVAL:
		return ErrInvalidSignal
	case syscall.EPERM:
		return ErrNoPermission
	case syscall.ESRCH:
		return ErrProcessNotFound
	default:
		return ErrUnknown
	}
}

// kindOf labels a Send error for metrics and logs.
func kindOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultDelivered
	case xerrors.Is(err, ErrInvalidSignal):
		return "invalid_signal"
	case xerrors.Is(err, ErrNoPermission):
		return "no_permission"
	case xerrors.Is(err, ErrProcessNotFound):
		return "process_not_found"
	default:
		return "unknown"
	}
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGKILL:
		return "SIGKILL"
	default:
		return "signal " + strconv.Itoa(int(sig))
	}
}
