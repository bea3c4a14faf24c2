// Package proctest fabricates procfs trees for tests.
package proctest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// Process describes the records written for one fake process.
type Process struct {
	PID         int
	Comm        string
	OOMScore    int
	RSSKiB      uint64
	OOMScoreAdj int
	// State is the stat state letter, 'S' when unset.
	State byte
}

// RoundKiB returns the RSS the process model reports for rss: statm counts
// whole pages.
func RoundKiB(rss uint64) uint64 {
	pageSize := uint64(os.Getpagesize())
	return rss * 1024 / pageSize * pageSize / 1024
}

// Write creates root/<pid> with comm, stat, statm, oom_score and
// oom_score_adj.
func Write(t testing.TB, fs afero.Fs, root string, p Process) {
	t.Helper()

	dir := filepath.Join(root, strconv.Itoa(p.PID))
	err := fs.MkdirAll(dir, 0o755)
	require.NoError(t, err)

	state := p.State
	if state == 0 {
		state = 'S'
	}
	pages := p.RSSKiB * 1024 / uint64(os.Getpagesize())

	files := map[string]string{
		"comm":          p.Comm + "\n",
		"stat":          fmt.Sprintf("%d (%s) %c 1 %d %d 0 -1 4194560 0 0 0 0 0 0 0 0 20 0 1 0\n", p.PID, p.Comm, state, p.PID, p.PID),
		"statm":         fmt.Sprintf("%d %d %d 1 0 %d 0\n", pages*2, pages, pages/2, pages),
		"oom_score":     fmt.Sprintf("%d\n", p.OOMScore),
		"oom_score_adj": fmt.Sprintf("%d\n", p.OOMScoreAdj),
	}
	for name, content := range files {
		err := afero.WriteFile(fs, filepath.Join(dir, name), []byte(content), 0o644)
		require.NoError(t, err)
	}
}

// WriteTable writes every process under root.
func WriteTable(t testing.TB, fs afero.Fs, root string, ps ...Process) {
	t.Helper()
	for _, p := range ps {
		Write(t, fs, root, p)
	}
}

// Remove deletes root/<pid>, as if the process had been reaped.
func Remove(t testing.TB, fs afero.Fs, root string, pid int) {
	t.Helper()
	err := fs.RemoveAll(filepath.Join(root, strconv.Itoa(pid)))
	require.NoError(t, err)
}

// WriteFile overwrites a single record of an existing fake process.
func WriteFile(t testing.TB, fs afero.Fs, root string, pid int, name, content string) {
	t.Helper()
	err := afero.WriteFile(fs, filepath.Join(root, strconv.Itoa(pid), name), []byte(content), 0o644)
	require.NoError(t, err)
}
