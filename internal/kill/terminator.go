package kill

import (
	"context"
	"os"
	"syscall"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"github.com/k3a/go-oomkiller/internal/metrics"
	"github.com/k3a/go-oomkiller/internal/proc"
)

const (
	DefaultAttempts = 20
	DefaultInterval = 500 * time.Millisecond
)

// State is a step of the escalation from SIGTERM to a confirmed exit.
type State int

const (
	StateRequested State = iota
	StateWaitingGraceful
	StateEscalated
	StateTerminated
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateWaitingGraceful:
		return "waiting_graceful"
	case StateEscalated:
		return "escalated"
	case StateTerminated:
		return "terminated"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// BestEffort is the result of a send whose failure is reported but never
// turned into an error: the initial SIGTERM, and the process group SIGTERM.
type BestEffort struct {
	PID    int
	Signal syscall.Signal
	Err    error
}

func (b BestEffort) Delivered() bool {
	return b.Err == nil
}

type Options struct {
	Signaler Signaler
	Clock    quartz.Clock
	Metrics  *metrics.Metrics
	// Attempts is the number of liveness polls before giving up.
	Attempts int
	// Interval is the wait before each poll.
	Interval time.Duration
	// SelfPID guards against signalling the daemon's own process group.
	// Defaults to the current process.
	SelfPID int
}

type Terminator struct {
	log      slog.Logger
	signaler Signaler
	clock    quartz.Clock
	metrics  *metrics.Metrics
	attempts int
	interval time.Duration
	self     int
}

func New(log slog.Logger, opts Options) *Terminator {
	if opts.Signaler == nil {
		opts.Signaler = NewSignaler()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SelfPID == 0 {
		opts.SelfPID = os.Getpid()
	}
	return &Terminator{
		log:      log,
		signaler: opts.Signaler,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		attempts: opts.Attempts,
		interval: opts.Interval,
		self:     opts.SelfPID,
	}
}

// Terminate sends SIGTERM to the victim, escalates to a single SIGKILL if it
// is still alive at the first poll, and reports whether it exited within
// Attempts polls. Failed sends are logged and do not stop the polling: a
// victim that is already gone counts as terminated.
//
// Once started the escalation always runs to completion; ctx only carries
// logging values.
func (t *Terminator) Terminate(ctx context.Context, victim proc.Process) (bool, error) {
	if victim.PID <= 1 || victim.PID == t.self {
		return false, xerrors.Errorf("refusing to terminate pid %d", victim.PID)
	}

	logger := t.log.With(slog.F("pid", victim.PID))
	start := t.clock.Now()
	state := StateRequested

	t.sendBestEffort(ctx, logger, victim.PID, syscall.SIGTERM)
	state = transition(ctx, logger, state, StateWaitingGraceful)

	sigkillSent := false
	for attempt := 1; attempt <= t.attempts; attempt++ {
		t.wait()

		if !victim.IsAlive() {
			transition(ctx, logger, state, StateTerminated)
			t.metrics.Cycles.WithLabelValues(metrics.ResultTerminated).Inc()
			logger.Info(ctx, "victim exited",
				slog.F("attempt", attempt),
				slog.F("elapsed", t.clock.Since(start)))
			return true, nil
		}

		if !sigkillSent {
			t.sendBestEffort(ctx, logger, victim.PID, syscall.SIGKILL)
			sigkillSent = true
			t.metrics.Escalations.Inc()
			state = transition(ctx, logger, state, StateEscalated)
			logger.Warn(ctx, "escalated to SIGKILL", slog.F("elapsed", t.clock.Since(start)))
		}
	}

	transition(ctx, logger, state, StateTimedOut)
	t.metrics.Cycles.WithLabelValues(metrics.ResultTimedOut).Inc()
	logger.Error(ctx, "victim did not exit in time",
		slog.F("attempts", t.attempts),
		slog.F("elapsed", t.clock.Since(start)))
	return false, nil
}

// TerminateGroup sends SIGTERM to the victim's whole process group. The send
// follows a log-only policy: its result is logged and returned as a
// BestEffort, never retried or escalated. Only failing to resolve a group
// that may safely be signalled is an error.
func (t *Terminator) TerminateGroup(ctx context.Context, victim proc.Process) (BestEffort, error) {
	pgid, err := t.signaler.Getpgid(victim.PID)
	if err != nil {
		return BestEffort{}, xerrors.Errorf("get process group of %d: %w", victim.PID, classify(err))
	}
	if pgid <= 1 {
		return BestEffort{}, xerrors.Errorf("refusing to signal process group %d", pgid)
	}
	if own, err := t.signaler.Getpgid(t.self); err == nil && own == pgid {
		return BestEffort{}, xerrors.Errorf("refusing to signal own process group %d", pgid)
	}

	logger := t.log.With(slog.F("pid", victim.PID), slog.F("pgid", pgid))
	res := t.sendBestEffort(ctx, logger, -pgid, syscall.SIGTERM)
	if res.Delivered() {
		logger.Info(ctx, "signalled process group")
	}
	return res, nil
}

func (t *Terminator) sendBestEffort(ctx context.Context, logger slog.Logger, pid int, sig syscall.Signal) BestEffort {
	err := Send(t.signaler, pid, sig)
	t.metrics.SignalsSent.WithLabelValues(signalName(sig), kindOf(err)).Inc()
	switch {
	case err == nil:
		logger.Debug(ctx, "signal delivered", slog.F("signal", signalName(sig)))
	case xerrors.Is(err, ErrProcessNotFound):
		logger.Info(ctx, "target already gone", slog.F("signal", signalName(sig)))
	default:
		logger.Warn(ctx, "signal delivery failed", slog.F("signal", signalName(sig)), slog.Error(err))
	}
	return BestEffort{PID: pid, Signal: sig, Err: err}
}

func transition(ctx context.Context, logger slog.Logger, from, to State) State {
	logger.Debug(ctx, "termination state", slog.F("from", from.String()), slog.F("to", to.String()))
	return to
}

func (t *Terminator) wait() {
	timer := t.clock.NewTimer(t.interval, "terminator", "poll")
	<-timer.C
}
