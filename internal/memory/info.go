// Package memory reports system memory for diagnostics and keeps the
// daemon's own pages resident.
package memory

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

var ErrSysinfo = xerrors.New("sysinfo failed")

// Info is a snapshot of RAM and swap in megabytes (10^6 bytes).
type Info struct {
	TotalRAMMB           uint64
	AvailableRAMMB       uint64
	TotalSwapMB          uint64
	AvailableSwapMB      uint64
	AvailableRAMPercent  uint8
	AvailableSwapPercent uint8
}

const bytesPerMB = 1000 * 1000

func newInfo(totalRAM, freeRAM, totalSwap, freeSwap uint64, unit uint32) Info {
	if unit == 0 {
		unit = 1
	}
	mb := func(n uint64) uint64 {
		return n * uint64(unit) / bytesPerMB
	}
	info := Info{
		TotalRAMMB:      mb(totalRAM),
		AvailableRAMMB:  mb(freeRAM),
		TotalSwapMB:     mb(totalSwap),
		AvailableSwapMB: mb(freeSwap),
	}
	info.AvailableRAMPercent = percent(info.AvailableRAMMB, info.TotalRAMMB)
	// 0 when there is no swap at all
	info.AvailableSwapPercent = percent(info.AvailableSwapMB, info.TotalSwapMB)
	return info
}

func percent(part, total uint64) uint8 {
	if total == 0 {
		return 0
	}
	p := part * 100 / total
	if p > 100 {
		p = 100
	}
	return uint8(p)
}

func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total RAM: %d MB\n", i.TotalRAMMB)
	fmt.Fprintf(&b, "Available RAM: %d MB (%d%%)\n", i.AvailableRAMMB, i.AvailableRAMPercent)
	fmt.Fprintf(&b, "Total swap: %d MB\n", i.TotalSwapMB)
	fmt.Fprintf(&b, "Available swap: %d MB (%d%%)\n", i.AvailableSwapMB, i.AvailableSwapPercent)
	return b.String()
}
