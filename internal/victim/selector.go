// Package victim picks the process to kill under memory pressure.
package victim

import (
	"context"
	"os"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/k3a/go-oomkiller/internal/metrics"
	"github.com/k3a/go-oomkiller/internal/proc"
)

// ErrNoVictim is returned when every process was filtered out.
var ErrNoVictim = xerrors.New("no eligible process found")

// untouchables are never selected, whatever their score: killing them does
// more damage than the memory shortage.
var untouchables = map[string]struct{}{
	"qemu-system-x86_64": {},
	"qemu-system-x86":    {},
	"emerge":             {},
}

// Untouchable reports whether comm is exempt by name.
func Untouchable(comm []byte) bool {
	_, ok := untouchables[string(comm)]
	return ok
}

type Options struct {
	FS      afero.Fs
	ProcDir string
	Clock   quartz.Clock
	Metrics *metrics.Metrics
	// SelfPID is excluded from selection. Defaults to the current process.
	SelfPID int
}

type Selector struct {
	log     slog.Logger
	fs      afero.Fs
	root    string
	clock   quartz.Clock
	metrics *metrics.Metrics
	self    int
}

func New(log slog.Logger, opts Options) *Selector {
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.ProcDir == "" {
		opts.ProcDir = proc.DefaultDir
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.SelfPID == 0 {
		opts.SelfPID = os.Getpid()
	}
	return &Selector{
		log:     log,
		fs:      opts.FS,
		root:    opts.ProcDir,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		self:    opts.SelfPID,
	}
}

// Choose scans the process table once and returns the process with the
// highest oom_score, preferring the larger RSS on equal scores and the first
// seen on exact ties. procBuf is the process-record buffer and buf the general
// buffer; both are reused for every process.
//
// Candidates are rejected, cheapest check first, when they are the daemon
// itself, untouchable by name, kernel threads, not strictly worse than the
// current victim, or exempt through oom_score_adj = -1000. The last check
// costs an extra read, so it only runs for candidates about to become the
// victim.
func (s *Selector) Choose(ctx context.Context, procBuf, buf []byte) (proc.Process, error) {
	start := s.clock.Now()

	scanner := proc.NewScanner(s.fs, s.root, procBuf)
	defer scanner.Close()

	var (
		victim    proc.Process
		victimRSS uint64
		found     bool
	)
	for scanner.Next() {
		p := scanner.Process()
		if p.PID == s.self {
			continue
		}

		comm, err := p.Comm(buf)
		if err != nil {
			continue
		}
		if Untouchable(comm) {
			s.log.Debug(ctx, "skipping untouchable process",
				slog.F("pid", p.PID), slog.F("comm", string(comm)))
			continue
		}

		rss, err := p.VmRSSKiB(buf)
		if err != nil || rss == 0 {
			// gone, or a kernel thread
			continue
		}

		if found {
			if p.OOMScore < victim.OOMScore {
				continue
			}
			if p.OOMScore == victim.OOMScore && rss <= victimRSS {
				continue
			}
		}

		adj, err := p.OOMScoreAdj(buf)
		if err != nil || adj == proc.OOMScoreAdjMin {
			continue
		}

		victim, victimRSS, found = p, rss, true
		s.log.Debug(ctx, "new victim candidate",
			slog.F("pid", p.PID), slog.F("oom_score", p.OOMScore), slog.F("rss_kib", rss))
	}
	if err := scanner.Err(); err != nil {
		return proc.Process{}, xerrors.Errorf("scan processes: %w", err)
	}

	elapsed := s.clock.Since(start)
	s.metrics.ScanSeconds.Observe(elapsed.Seconds())
	if !found {
		return proc.Process{}, xerrors.Errorf("choose victim: %w", ErrNoVictim)
	}
	s.metrics.VictimsSelected.Inc()

	fields := []slog.Field{
		slog.F("pid", victim.PID),
		slog.F("oom_score", victim.OOMScore),
		slog.F("rss_kib", victimRSS),
		slog.F("elapsed", elapsed),
	}
	if comm, err := victim.Comm(buf); err == nil {
		fields = append(fields, slog.F("comm", string(comm)))
	}
	s.log.With(fields...).Info(ctx, "found victim")

	return victim, nil
}
