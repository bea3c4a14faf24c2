//go:build linux

package memory

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// ReadInfo queries sysinfo(2).
func ReadInfo() (Info, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return Info{}, xerrors.Errorf("sysinfo: %v: %w", err, ErrSysinfo)
	}
	// field widths differ between architectures
	return newInfo(uint64(si.Totalram), uint64(si.Freeram), uint64(si.Totalswap), uint64(si.Freeswap), si.Unit), nil
}
