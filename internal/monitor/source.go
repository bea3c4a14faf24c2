package monitor

import (
	"errors"
	"io/fs"

	"github.com/prometheus/procfs"
	"golang.org/x/xerrors"
)

// ErrPressureUnavailable is returned when the kernel does not expose PSI,
// either because it predates 4.20 or runs with psi=0.
var ErrPressureUnavailable = xerrors.New("memory pressure information unavailable")

// Source reports the memory conditions that trigger a kill cycle.
type Source interface {
	// MemoryPressure returns the "some avg10" memory stall percentage.
	MemoryPressure() (float64, error)
	// AvailablePercent returns MemAvailable as a percentage of MemTotal.
	AvailablePercent() (float64, error)
}

// ProcfsSource reads /proc/pressure/memory and /proc/meminfo.
type ProcfsSource struct {
	fs procfs.FS
}

func NewProcfsSource(procDir string) (*ProcfsSource, error) {
	pfs, err := procfs.NewFS(procDir)
	if err != nil {
		return nil, xerrors.Errorf("open procfs %q: %w", procDir, err)
	}
	return &ProcfsSource{fs: pfs}, nil
}

func (s *ProcfsSource) MemoryPressure() (float64, error) {
	stats, err := s.fs.PSIStatsForResource("memory")
	// procfs wraps with several %w verbs, which only errors.Is walks.
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrPressureUnavailable
	}
	if err != nil {
		return 0, xerrors.Errorf("read memory pressure: %w", err)
	}
	if stats.Some == nil {
		return 0, xerrors.New("unexpected format of memory pressure")
	}
	return stats.Some.Avg10, nil
}

func (s *ProcfsSource) AvailablePercent() (float64, error) {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return 0, xerrors.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil || *mi.MemTotal == 0 {
		return 0, xerrors.New("meminfo lacks MemTotal or MemAvailable")
	}
	return float64(*mi.MemAvailable) * 100 / float64(*mi.MemTotal), nil
}
