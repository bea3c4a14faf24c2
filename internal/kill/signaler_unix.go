//go:build unix

package kill

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// NewSignaler returns a Signaler backed by kill(2) and getpgid(2).
func NewSignaler() Signaler {
	return unixSignaler{}
}

type unixSignaler struct{}

// Errors are returned unwrapped so Send can classify the errno.
func (unixSignaler) Kill(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

func (unixSignaler) Getpgid(pid int) (int, error) {
	return unix.Getpgid(pid)
}
