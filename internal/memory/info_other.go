//go:build !linux

package memory

import "golang.org/x/xerrors"

func ReadInfo() (Info, error) {
	return Info{}, xerrors.Errorf("unsupported platform: %w", ErrSysinfo)
}
