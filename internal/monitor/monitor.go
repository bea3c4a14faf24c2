// Package monitor watches memory conditions and runs a kill cycle when they
// cross the configured thresholds.
package monitor

import (
	"context"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"github.com/k3a/go-oomkiller/internal/kill"
	"github.com/k3a/go-oomkiller/internal/memory"
	"github.com/k3a/go-oomkiller/internal/metrics"
	"github.com/k3a/go-oomkiller/internal/proc"
	"github.com/k3a/go-oomkiller/internal/victim"
)

const (
	DefaultInterval          = time.Second
	DefaultPressureThreshold = 80
	DefaultCooldown          = 10 * time.Second
)

const (
	reasonPressure  = "pressure"
	reasonAvailable = "available"
)

type Outcome int

const (
	// OutcomeIdle means no trigger fired.
	OutcomeIdle Outcome = iota
	// OutcomeCooldown means a trigger fired too soon after the last kill.
	OutcomeCooldown
	OutcomeNoVictim
	OutcomeTerminated
	// OutcomeTimedOut means the victim outlived SIGKILL and every poll.
	OutcomeTimedOut
	OutcomeDryRun
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeCooldown:
		return "cooldown"
	case OutcomeNoVictim:
		return metrics.ResultNoVictim
	case OutcomeTerminated:
		return metrics.ResultTerminated
	case OutcomeTimedOut:
		return metrics.ResultTimedOut
	case OutcomeDryRun:
		return metrics.ResultDryRun
	default:
		return "unknown"
	}
}

type Config struct {
	Interval time.Duration
	// PressureThreshold is the "some avg10" percentage at or above which a
	// kill cycle starts. Zero disables the trigger.
	PressureThreshold float64
	// MinAvailablePercent starts a kill cycle when MemAvailable drops below
	// it. Zero disables the trigger.
	MinAvailablePercent float64
	// Cooldown is the minimum time between two kill cycles.
	Cooldown time.Duration
	// KillGroup also signals the victim's process group.
	KillGroup bool
	// DryRun selects and logs victims without signalling them.
	DryRun bool
	// MetricsTextfile is rewritten after every cycle when set.
	MetricsTextfile string
}

type Chooser interface {
	Choose(ctx context.Context, procBuf, buf []byte) (proc.Process, error)
}

type Killer interface {
	Terminate(ctx context.Context, victim proc.Process) (bool, error)
	TerminateGroup(ctx context.Context, victim proc.Process) (kill.BestEffort, error)
}

type Options struct {
	Source   Source
	Chooser  Chooser
	Killer   Killer
	Clock    quartz.Clock
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// MemInfo defaults to memory.ReadInfo.
	MemInfo func() (memory.Info, error)
}

type Monitor struct {
	log      slog.Logger
	cfg      Config
	source   Source
	chooser  Chooser
	killer   Killer
	clock    quartz.Clock
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	memInfo  func() (memory.Info, error)

	procBuf []byte
	buf     []byte

	noPressure bool
	lastKill   time.Time
	killed     bool
}

func New(log slog.Logger, cfg Config, opts Options) (*Monitor, error) {
	if opts.Source == nil || opts.Chooser == nil || opts.Killer == nil {
		return nil, xerrors.New("monitor needs a source, a chooser and a killer")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PressureThreshold < 0 || cfg.PressureThreshold > 100 {
		return nil, xerrors.Errorf("pressure threshold %v out of range [0, 100]", cfg.PressureThreshold)
	}
	if cfg.MinAvailablePercent < 0 || cfg.MinAvailablePercent > 100 {
		return nil, xerrors.Errorf("minimum available %v out of range [0, 100]", cfg.MinAvailablePercent)
	}
	if cfg.PressureThreshold == 0 && cfg.MinAvailablePercent == 0 {
		return nil, xerrors.New("at least one trigger must be enabled")
	}
	if cfg.MetricsTextfile != "" && opts.Gatherer == nil {
		return nil, xerrors.New("metrics textfile requires a gatherer")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.MemInfo == nil {
		opts.MemInfo = memory.ReadInfo
	}
	return &Monitor{
		log:      log,
		cfg:      cfg,
		source:   opts.Source,
		chooser:  opts.Chooser,
		killer:   opts.Killer,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		memInfo:  opts.MemInfo,
		// Allocated once so the kill path reads /proc without growing the heap.
		procBuf: make([]byte, proc.RecordBufSize),
		buf:     make([]byte, proc.GeneralBufSize),
	}, nil
}

// Run polls every Interval until ctx is done. Poll errors are logged and do
// not stop the loop.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.Interval, "monitor", "poll")
	defer ticker.Stop()

	m.log.Info(ctx, "monitoring memory",
		slog.F("interval", m.cfg.Interval),
		slog.F("pressure_threshold", m.cfg.PressureThreshold),
		slog.F("min_available_percent", m.cfg.MinAvailablePercent),
		slog.F("dry_run", m.cfg.DryRun))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		outcome, err := m.Poll(ctx)
		if err != nil {
			m.log.Error(ctx, "poll memory conditions", slog.Error(err))
			continue
		}
		if outcome != OutcomeIdle && outcome != OutcomeCooldown {
			m.writeTextfile(ctx)
		}
	}
}

// Poll checks the triggers once and runs a full kill cycle if one fires.
// The outcome is meaningless when err is not nil.
func (m *Monitor) Poll(ctx context.Context) (Outcome, error) {
	reason, level, err := m.triggered(ctx)
	if err != nil {
		return OutcomeIdle, err
	}
	if reason == "" {
		return OutcomeIdle, nil
	}
	if m.killed && m.clock.Since(m.lastKill) < m.cfg.Cooldown {
		m.log.Debug(ctx, "trigger fired during cooldown", slog.F("reason", reason))
		return OutcomeCooldown, nil
	}

	logger := m.log.With(slog.F("reason", reason), slog.F("level", level))
	m.metrics.Triggers.WithLabelValues(reason).Inc()
	logger.Warn(ctx, "memory threshold crossed, looking for a victim")
	m.logMemInfo(ctx, logger)

	v, err := m.chooser.Choose(ctx, m.procBuf, m.buf)
	if xerrors.Is(err, victim.ErrNoVictim) {
		logger.Warn(ctx, "no process can be killed")
		return m.finish(OutcomeNoVictim), nil
	}
	if err != nil {
		return OutcomeIdle, xerrors.Errorf("choose victim: %w", err)
	}
	logger = logger.With(slog.F("pid", v.PID), slog.F("oom_score", v.OOMScore))

	if m.cfg.DryRun {
		logger.Warn(ctx, "dry run, leaving victim alone")
		m.markKill()
		return m.finish(OutcomeDryRun), nil
	}

	if m.cfg.KillGroup {
		res, err := m.killer.TerminateGroup(ctx, v)
		if err != nil {
			logger.Warn(ctx, "not signalling process group", slog.Error(err))
		} else if !res.Delivered() {
			logger.Warn(ctx, "process group signal not delivered", slog.Error(res.Err))
		}
	}

	exited, err := m.killer.Terminate(ctx, v)
	if err != nil {
		return OutcomeIdle, xerrors.Errorf("terminate pid %d: %w", v.PID, err)
	}
	m.markKill()
	if !exited {
		return OutcomeTimedOut, nil
	}
	logger.Info(ctx, "victim terminated")
	return OutcomeTerminated, nil
}

func (m *Monitor) triggered(ctx context.Context) (string, float64, error) {
	if m.cfg.PressureThreshold > 0 && !m.noPressure {
		some, err := m.source.MemoryPressure()
		switch {
		case xerrors.Is(err, ErrPressureUnavailable):
			m.log.Warn(ctx, "memory pressure unavailable, disabling the pressure trigger")
			m.noPressure = true
		case err != nil:
			return "", 0, err
		case some >= m.cfg.PressureThreshold:
			return reasonPressure, some, nil
		}
	}
	if m.cfg.MinAvailablePercent > 0 {
		avail, err := m.source.AvailablePercent()
		if err != nil {
			return "", 0, err
		}
		if avail < m.cfg.MinAvailablePercent {
			return reasonAvailable, avail, nil
		}
	}
	return "", 0, nil
}

func (m *Monitor) markKill() {
	m.lastKill = m.clock.Now()
	m.killed = true
}

// finish counts cycles that end before the killer, which counts its own.
func (m *Monitor) finish(o Outcome) Outcome {
	m.metrics.Cycles.WithLabelValues(o.String()).Inc()
	return o
}

func (m *Monitor) logMemInfo(ctx context.Context, logger slog.Logger) {
	info, err := m.memInfo()
	if err != nil {
		logger.Warn(ctx, "read memory info", slog.Error(err))
		return
	}
	logger.Info(ctx, "memory info",
		slog.F("total_ram_mb", info.TotalRAMMB),
		slog.F("available_ram_mb", info.AvailableRAMMB),
		slog.F("available_ram_percent", info.AvailableRAMPercent),
		slog.F("total_swap_mb", info.TotalSwapMB),
		slog.F("available_swap_mb", info.AvailableSwapMB),
		slog.F("available_swap_percent", info.AvailableSwapPercent))
}

func (m *Monitor) writeTextfile(ctx context.Context) {
	if m.cfg.MetricsTextfile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(m.cfg.MetricsTextfile, m.gatherer); err != nil {
		m.log.Warn(ctx, "write metrics textfile", slog.Error(err),
			slog.F("path", m.cfg.MetricsTextfile))
	}
}
