//go:build !linux

package memory

import (
	"context"

	"cdr.dev/slog"
	"golang.org/x/xerrors"
)

func LockResident(context.Context, slog.Logger) error {
	return xerrors.Errorf("mlockall: %w", ErrLockUnknown)
}
