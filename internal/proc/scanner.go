package proc

import (
	"io"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

const readdirBatch = 1024

// Scanner walks the process table once, yielding a Process for every listed
// pid greater than 1. Processes that vanish or cannot be read while the scan
// is in progress are skipped; only failing to list the table itself is
// reported through Err.
//
//	s := proc.NewScanner(fs, proc.DefaultDir, procBuf)
//	defer s.Close()
//	for s.Next() {
//		p := s.Process()
//		...
//	}
//	if err := s.Err(); err != nil {
//		...
//	}
type Scanner struct {
	fs      afero.Fs
	root    string
	procBuf []byte

	dir   afero.File
	names []string
	cur   Process
	err   error
	done  bool
}

// NewScanner returns a scanner over root. procBuf is reused for every
// process constructed during the scan.
func NewScanner(fs afero.Fs, root string, procBuf []byte) *Scanner {
	return &Scanner{
		fs:      fs,
		root:    root,
		procBuf: procBuf,
	}
}

// Next advances to the next readable process.
func (s *Scanner) Next() bool {
	if s.done {
		return false
	}
	if s.dir == nil {
		dir, err := s.fs.Open(s.root)
		if err != nil {
			s.err = xerrors.Errorf("open %q: %w", s.root, err)
			s.finish()
			return false
		}
		s.dir = dir
	}

	for {
		for len(s.names) > 0 {
			name := s.names[0]
			s.names = s.names[1:]

			pid, ok := parsePID(name)
			if !ok || pid <= 1 {
				continue
			}
			p, err := FromPID(s.fs, s.root, pid, s.procBuf)
			if err != nil {
				// exited or unreadable in the meantime
				continue
			}
			s.cur = p
			return true
		}

		names, err := s.dir.Readdirnames(readdirBatch)
		if err != nil {
			if !xerrors.Is(err, io.EOF) {
				s.err = xerrors.Errorf("list %q: %w", s.root, err)
			}
			s.finish()
			return false
		}
		if len(names) == 0 {
			s.finish()
			return false
		}
		s.names = names
	}
}

// Process returns the process produced by the last call to Next.
func (s *Scanner) Process() Process {
	return s.cur
}

// Err returns the error that stopped the scan, if any.
func (s *Scanner) Err() error {
	return s.err
}

// Close releases the directory handle. It is safe to call more than once.
func (s *Scanner) Close() error {
	s.done = true
	s.names = nil
	if s.dir == nil {
		return nil
	}
	err := s.dir.Close()
	s.dir = nil
	return err
}

func (s *Scanner) finish() {
	_ = s.Close()
}
