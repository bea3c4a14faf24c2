//go:build !unix

package kill

import (
	"syscall"

	"golang.org/x/xerrors"
)

var errUnsupported = xerrors.New("signals are not supported on this platform")

func NewSignaler() Signaler {
	return nopSignaler{}
}

type nopSignaler struct{}

func (nopSignaler) Kill(int, syscall.Signal) error {
	return errUnsupported
}

func (nopSignaler) Getpgid(int) (int, error) {
	return 0, errUnsupported
}
