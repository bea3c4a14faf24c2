package kill_test

import (
	"context"
	"syscall"
	"testing"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/k3a/go-oomkiller/internal/kill"
	"github.com/k3a/go-oomkiller/internal/metrics"
	"github.com/k3a/go-oomkiller/internal/proc"
	"github.com/k3a/go-oomkiller/internal/proc/proctest"
)

const (
	root       = "/proc"
	victimPID  = 4000
	selfPID    = 99999
	selfPGID   = 99990
	victimPGID = 3990
)

type result struct {
	ok  bool
	err error
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type harness struct {
	fs     afero.Fs
	clock  *quartz.Mock
	trap   *quartz.Trap
	sig    *fakeSignaler
	term   *kill.Terminator
	victim proc.Process
	m      *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fs := afero.NewMemMapFs()
	proctest.Write(t, fs, root, proctest.Process{PID: victimPID, Comm: "hog", OOMScore: 900, RSSKiB: 409600})
	p, err := proc.FromPID(fs, root, victimPID, make([]byte, proc.RecordBufSize))
	require.NoError(t, err)

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("terminator", "poll")
	t.Cleanup(trap.Close)

	sig := &fakeSignaler{pgids: map[int]int{victimPID: victimPGID, selfPID: selfPGID}}
	m := metrics.New(prometheus.NewRegistry())
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
	term := kill.New(logger, kill.Options{
		Signaler: sig,
		Clock:    mClock,
		Metrics:  m,
		SelfPID:  selfPID,
	})
	return &harness{fs: fs, clock: mClock, trap: trap, sig: sig, term: term, victim: p, m: m}
}

func (h *harness) start(ctx context.Context) <-chan result {
	done := make(chan result, 1)
	go func() {
		ok, err := h.term.Terminate(ctx, h.victim)
		done <- result{ok: ok, err: err}
	}()
	return done
}

// poll lets the terminator arm its next poll timer and fires it.
func (h *harness) poll(ctx context.Context) {
	h.trap.MustWait(ctx).MustRelease(ctx)
	h.clock.Advance(kill.DefaultInterval).MustWait(ctx)
}

func (h *harness) reap(t *testing.T) {
	proctest.Remove(t, h.fs, root, victimPID)
}

func receive(ctx context.Context, t *testing.T, done <-chan result) result {
	t.Helper()
	select {
	case <-ctx.Done():
		t.Fatal("timed out waiting for Terminate")
		return result{}
	case r := <-done:
		return r
	}
}

func TestTerminate(t *testing.T) {
	t.Parallel()

	t.Run("AlreadyDead", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)

		h := newHarness(t)
		h.reap(t)
		h.sig.err = syscall.ESRCH

		done := h.start(ctx)
		h.poll(ctx)

		r := receive(ctx, t, done)
		require.NoError(t, r.err)
		require.True(t, r.ok)
		require.Equal(t, 1, h.sig.count(syscall.SIGTERM))
		require.Zero(t, h.sig.count(syscall.SIGKILL))
		require.EqualValues(t, 1, promtest.ToFloat64(h.m.Cycles.WithLabelValues(metrics.ResultTerminated)))
	})

	t.Run("Graceful", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)

		h := newHarness(t)
		h.sig.onKill = func(pid int, sig syscall.Signal) {
			if sig == syscall.SIGTERM {
				h.reap(t)
			}
		}

		done := h.start(ctx)
		h.poll(ctx)

		r := receive(ctx, t, done)
		require.NoError(t, r.err)
		require.True(t, r.ok)
		require.Equal(t, []sent{{pid: victimPID, sig: syscall.SIGTERM}}, h.sig.calls())
	})

	t.Run("ExitsAfterSIGKILL", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)

		h := newHarness(t)
		h.sig.onKill = func(pid int, sig syscall.Signal) {
			if sig == syscall.SIGKILL {
				h.reap(t)
			}
		}

		done := h.start(ctx)
		h.poll(ctx)
		h.poll(ctx)

		r := receive(ctx, t, done)
		require.NoError(t, r.err)
		require.True(t, r.ok)
		require.Equal(t, []sent{
			{pid: victimPID, sig: syscall.SIGTERM},
			{pid: victimPID, sig: syscall.SIGKILL},
		}, h.sig.calls())
		require.EqualValues(t, 1, promtest.ToFloat64(h.m.Escalations))
	})

	t.Run("NeverExits", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)

		h := newHarness(t)
		t0 := h.clock.Now()

		done := h.start(ctx)
		for i := 0; i < kill.DefaultAttempts; i++ {
			h.poll(ctx)
		}

		r := receive(ctx, t, done)
		require.NoError(t, r.err)
		require.False(t, r.ok)
		require.Equal(t, 10*time.Second, h.clock.Now().Sub(t0))
		require.Equal(t, 1, h.sig.count(syscall.SIGTERM))
		require.Equal(t, 1, h.sig.count(syscall.SIGKILL))
		require.EqualValues(t, 1, promtest.ToFloat64(h.m.Cycles.WithLabelValues(metrics.ResultTimedOut)))
	})

	t.Run("SendFailuresKeepPolling", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)

		h := newHarness(t)
		h.sig.err = syscall.EPERM

		done := h.start(ctx)
		for i := 0; i < kill.DefaultAttempts; i++ {
			h.poll(ctx)
		}

		r := receive(ctx, t, done)
		require.NoError(t, r.err)
		require.False(t, r.ok)
		require.Equal(t, 1, h.sig.count(syscall.SIGKILL))
		require.EqualValues(t, 2, promtest.ToFloat64(h.m.SignalsSent.WithLabelValues("SIGTERM", "no_permission"))+
			promtest.ToFloat64(h.m.SignalsSent.WithLabelValues("SIGKILL", "no_permission")))
	})

	t.Run("Zombie", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)

		h := newHarness(t)
		h.sig.onKill = func(pid int, sig syscall.Signal) {
			proctest.Write(t, h.fs, root, proctest.Process{PID: victimPID, Comm: "hog", State: 'Z'})
		}

		done := h.start(ctx)
		h.poll(ctx)

		r := receive(ctx, t, done)
		require.True(t, r.ok)
	})

	t.Run("RefusesInit", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)

		h := newHarness(t)
		ok, err := h.term.Terminate(ctx, proc.Process{PID: 1})
		require.Error(t, err)
		require.False(t, ok)
		require.Empty(t, h.sig.calls())
	})

	t.Run("RefusesSelf", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)

		h := newHarness(t)
		ok, err := h.term.Terminate(ctx, proc.Process{PID: selfPID})
		require.Error(t, err)
		require.False(t, ok)
		require.Empty(t, h.sig.calls())
	})
}

func TestTerminateGroup(t *testing.T) {
	t.Parallel()

	t.Run("Delivered", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)

		h := newHarness(t)
		res, err := h.term.TerminateGroup(ctx, h.victim)
		require.NoError(t, err)
		require.True(t, res.Delivered())
		require.Equal(t, []sent{{pid: -victimPGID, sig: syscall.SIGTERM}}, h.sig.calls())
	})

	t.Run("SendFailureIsNotAnError", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)

		h := newHarness(t)
		h.sig.err = syscall.EPERM
		res, err := h.term.TerminateGroup(ctx, h.victim)
		require.NoError(t, err)
		require.False(t, res.Delivered())
		require.True(t, xerrors.Is(res.Err, kill.ErrNoPermission))
		// no retries
		require.Len(t, h.sig.calls(), 1)
	})

	t.Run("UnknownProcess", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)

		h := newHarness(t)
		_, err := h.term.TerminateGroup(ctx, proc.Process{PID: 4321})
		require.True(t, xerrors.Is(err, kill.ErrProcessNotFound))
		require.Empty(t, h.sig.calls())
	})

	t.Run("OwnGroup", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)

		h := newHarness(t)
		h.sig.pgids[victimPID] = selfPGID
		_, err := h.term.TerminateGroup(ctx, h.victim)
		require.Error(t, err)
		require.Empty(t, h.sig.calls())
	})
}
