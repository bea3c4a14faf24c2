package proc_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/k3a/go-oomkiller/internal/proc"
	"github.com/k3a/go-oomkiller/internal/proc/proctest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const root = "/proc"

func TestFromPID(t *testing.T) {
	t.Parallel()

	t.Run("Attributes", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		proctest.Write(t, fs, root, proctest.Process{
			PID:         4242,
			Comm:        "postgres",
			OOMScore:    667,
			RSSKiB:      8192,
			OOMScoreAdj: -500,
		})

		procBuf := make([]byte, proc.RecordBufSize)
		buf := make([]byte, proc.GeneralBufSize)

		p, err := proc.FromPID(fs, root, 4242, procBuf)
		require.NoError(t, err)
		require.Equal(t, 4242, p.PID)
		require.Equal(t, 667, p.OOMScore)

		comm, err := p.Comm(buf)
		require.NoError(t, err)
		require.Equal(t, "postgres", string(comm))

		rss, err := p.VmRSSKiB(buf)
		require.NoError(t, err)
		require.Equal(t, proctest.RoundKiB(8192), rss)

		adj, err := p.OOMScoreAdj(buf)
		require.NoError(t, err)
		require.Equal(t, -500, adj)

		require.True(t, p.IsAlive())
	})

	t.Run("Init", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		proctest.Write(t, fs, root, proctest.Process{PID: 1, Comm: "init", OOMScore: 0, RSSKiB: 4096})

		_, err := proc.FromPID(fs, root, 1, make([]byte, proc.RecordBufSize))
		require.Error(t, err)
	})

	t.Run("Vanished", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		_, err := proc.FromPID(fs, root, 777, make([]byte, proc.RecordBufSize))
		require.Error(t, err)
	})

	t.Run("MalformedScore", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		proctest.Write(t, fs, root, proctest.Process{PID: 300, Comm: "x", OOMScore: 1, RSSKiB: 4096})
		proctest.WriteFile(t, fs, root, 300, "oom_score", "twelve\n")

		_, err := proc.FromPID(fs, root, 300, make([]byte, proc.RecordBufSize))
		require.Error(t, err)
	})

	t.Run("RecordTooLong", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		proctest.Write(t, fs, root, proctest.Process{PID: 301, Comm: "x", OOMScore: 1, RSSKiB: 4096})

		_, err := proc.FromPID(fs, root, 301, make([]byte, 2))
		require.Error(t, err)
	})
}

func TestProcess(t *testing.T) {
	t.Parallel()

	t.Run("KernelThread", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		proctest.Write(t, fs, root, proctest.Process{PID: 2, Comm: "kthreadd"})

		p, err := proc.FromPID(fs, root, 2, make([]byte, proc.RecordBufSize))
		require.NoError(t, err)
		rss, err := p.VmRSSKiB(make([]byte, proc.GeneralBufSize))
		require.NoError(t, err)
		require.Zero(t, rss)
	})

	t.Run("Zombie", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		proctest.Write(t, fs, root, proctest.Process{PID: 500, Comm: "defunct (x)", RSSKiB: 4096, State: 'Z'})

		p, err := proc.FromPID(fs, root, 500, make([]byte, proc.RecordBufSize))
		require.NoError(t, err)
		require.False(t, p.IsAlive())
	})

	t.Run("Reaped", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		proctest.Write(t, fs, root, proctest.Process{PID: 501, Comm: "gone", RSSKiB: 4096})

		p, err := proc.FromPID(fs, root, 501, make([]byte, proc.RecordBufSize))
		require.NoError(t, err)
		require.True(t, p.IsAlive())

		proctest.Remove(t, fs, root, 501)
		require.False(t, p.IsAlive())

		_, err = p.Comm(make([]byte, proc.GeneralBufSize))
		require.Error(t, err)
	})

	t.Run("AdjOutOfRange", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		proctest.Write(t, fs, root, proctest.Process{PID: 502, Comm: "x", RSSKiB: 4096})
		proctest.WriteFile(t, fs, root, 502, "oom_score_adj", "-1001\n")

		p, err := proc.FromPID(fs, root, 502, make([]byte, proc.RecordBufSize))
		require.NoError(t, err)
		_, err = p.OOMScoreAdj(make([]byte, proc.GeneralBufSize))
		require.Error(t, err)
	})

	t.Run("BuffersReused", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		proctest.WriteTable(t, fs, root,
			proctest.Process{PID: 600, Comm: "first", OOMScore: 10, RSSKiB: 4096},
			proctest.Process{PID: 601, Comm: "second", OOMScore: 20, RSSKiB: 4096},
		)

		procBuf := make([]byte, proc.RecordBufSize)
		buf := make([]byte, proc.GeneralBufSize)

		a, err := proc.FromPID(fs, root, 600, procBuf)
		require.NoError(t, err)
		b, err := proc.FromPID(fs, root, 601, procBuf)
		require.NoError(t, err)

		commA, err := a.Comm(buf)
		require.NoError(t, err)
		require.Equal(t, "first", string(commA))
		commB, err := b.Comm(buf)
		require.NoError(t, err)
		require.Equal(t, "second", string(commB))
		require.Equal(t, 10, a.OOMScore)
		require.Equal(t, 20, b.OOMScore)
	})
}

func TestSetOOMScoreAdj(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	proctest.Write(t, fs, root, proctest.Process{PID: 900, Comm: "oomd", RSSKiB: 4096})

	err := proc.SetOOMScoreAdj(fs, root, 900, proc.OOMScoreAdjMin)
	require.NoError(t, err)

	p, err := proc.FromPID(fs, root, 900, make([]byte, proc.RecordBufSize))
	require.NoError(t, err)
	adj, err := p.OOMScoreAdj(make([]byte, proc.GeneralBufSize))
	require.NoError(t, err)
	require.Equal(t, proc.OOMScoreAdjMin, adj)

	err = proc.SetOOMScoreAdj(fs, root, 900, 1001)
	require.Error(t, err)
}
