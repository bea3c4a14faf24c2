// Package proc reads the per-process records the victim selector needs from a
// procfs tree. Reads go into caller-owned scratch buffers and are parsed in
// place, so scanning the process table does not allocate per record.
package proc

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// DefaultDir is where procfs is mounted.
const DefaultDir = "/proc"

const (
	// RecordBufSize is the size of the process-record buffer used while
	// constructing a Process: it holds the /proc/<pid> path and the
	// oom_score record.
	RecordBufSize = 64
	// GeneralBufSize is the size of the buffer used for attribute reads
	// (comm, statm, oom_score_adj).
	GeneralBufSize = 256
)

// Kernel bounds of oom_score_adj. OOMScoreAdjMin disables OOM killing for the
// process entirely.
const (
	OOMScoreAdjMin = -1000
	OOMScoreAdjMax = 1000
)

const (
	commFile        = "/comm"
	statFile        = "/stat"
	statmFile       = "/statm"
	oomScoreFile    = "/oom_score"
	oomScoreAdjFile = "/oom_score_adj"
)

var (
	errMalformed = xerrors.New("malformed record")
	errTruncated = xerrors.New("record does not fit the buffer")
)

var pageSize = uint64(os.Getpagesize())

// Process is a point-in-time view of one process. Only the oom_score is read
// eagerly; the other attributes are read on demand since most candidates are
// rejected before all of them are needed.
type Process struct {
	PID      int
	OOMScore int

	fs  afero.Fs
	dir string
}

// FromPID reads the oom_score of pid into procBuf and returns the process.
func FromPID(fs afero.Fs, root string, pid int, procBuf []byte) (Process, error) {
	if pid <= 1 {
		return Process{}, xerrors.Errorf("pid %d is not a candidate", pid)
	}

	b := append(procBuf[:0], root...)
	b = append(b, '/')
	b = strconv.AppendInt(b, int64(pid), 10)
	dir := string(b)

	rec, err := readRecord(fs, dir+oomScoreFile, procBuf)
	if err != nil {
		return Process{}, err
	}
	score, err := parseInt(rec)
	if err != nil || score < 0 {
		return Process{}, xerrors.Errorf("parse oom_score of %d: %w", pid, errMalformed)
	}

	return Process{
		PID:      pid,
		OOMScore: int(score),
		fs:       fs,
		dir:      dir,
	}, nil
}

// Comm returns the executable name. The result aliases buf.
func (p Process) Comm(buf []byte) ([]byte, error) {
	rec, err := readRecord(p.fs, p.dir+commFile, buf)
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(rec, "\n"), nil
}

// VmRSSKiB returns the resident set size in KiB. Kernel threads report 0.
func (p Process) VmRSSKiB(buf []byte) (uint64, error) {
	rec, err := readRecord(p.fs, p.dir+statmFile, buf)
	if err != nil {
		return 0, err
	}
	// size resident shared text lib data dt
	pages, err := parseInt(field(rec, 1))
	if err != nil || pages < 0 {
		return 0, xerrors.Errorf("parse statm of %d: %w", p.PID, errMalformed)
	}
	return uint64(pages) * pageSize / 1024, nil
}

// OOMScoreAdj returns the oom_score_adj bias.
func (p Process) OOMScoreAdj(buf []byte) (int, error) {
	rec, err := readRecord(p.fs, p.dir+oomScoreAdjFile, buf)
	if err != nil {
		return 0, err
	}
	adj, err := parseInt(rec)
	if err != nil || adj < OOMScoreAdjMin || adj > OOMScoreAdjMax {
		return 0, xerrors.Errorf("parse oom_score_adj of %d: %w", p.PID, errMalformed)
	}
	return int(adj), nil
}

// IsAlive reports whether the process still exists and has not exited. A
// zombie counts as dead: it holds no memory and only waits for its parent.
func (p Process) IsAlive() bool {
	var head [64]byte
	rec, err := readHead(p.fs, p.dir+statFile, head[:])
	if err != nil || len(rec) == 0 {
		return false
	}
	// pid (comm) state ...; comm may itself contain parentheses.
	i := bytes.LastIndexByte(rec, ')')
	if i < 0 || i+2 >= len(rec) {
		return true
	}
	switch rec[i+2] {
	case 'Z', 'X', 'x':
		return false
	}
	return true
}

// SetOOMScoreAdj writes the oom_score_adj bias of pid.
func SetOOMScoreAdj(fs afero.Fs, root string, pid, adj int) error {
	if adj < OOMScoreAdjMin || adj > OOMScoreAdjMax {
		return xerrors.Errorf("oom_score_adj %d out of range [%d, %d]", adj, OOMScoreAdjMin, OOMScoreAdjMax)
	}
	path := filepath.Join(root, strconv.Itoa(pid), "oom_score_adj")
	err := afero.WriteFile(fs, path, []byte(strconv.Itoa(adj)), 0o644)
	if err != nil {
		return xerrors.Errorf("write %q: %w", path, err)
	}
	return nil
}

// readRecord reads a whole record into buf. A record filling buf entirely is
// assumed to be truncated and rejected.
func readRecord(fs afero.Fs, path string, buf []byte) ([]byte, error) {
	rec, err := readHead(fs, path, buf)
	if err != nil {
		return nil, err
	}
	if len(rec) == len(buf) {
		return nil, xerrors.Errorf("read %q: %w", path, errTruncated)
	}
	return rec, nil
}

// readHead reads at most len(buf) bytes of path into buf.
func readHead(fs afero.Fs, path string, buf []byte) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	n, err := io.ReadFull(f, buf)
	if err != nil && !xerrors.Is(err, io.ErrUnexpectedEOF) && !xerrors.Is(err, io.EOF) {
		return nil, xerrors.Errorf("read %q: %w", path, err)
	}
	return buf[:n], nil
}
