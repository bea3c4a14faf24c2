package proc

import "bytes"

const maxInt = int64(^uint64(0) >> 1)

// parseInt parses a signed decimal surrounded by optional whitespace. Unlike
// strconv it works on the scratch buffer directly.
func parseInt(b []byte) (int64, error) {
	b = bytes.TrimSpace(b)
	neg := false
	if len(b) > 0 && (b[0] == '-' || b[0] == '+') {
		neg = b[0] == '-'
		b = b[1:]
	}
	if len(b) == 0 {
		return 0, errMalformed
	}

	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, errMalformed
		}
		if n > (maxInt-9)/10 {
			return 0, errMalformed
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// parsePID parses a /proc directory name, reporting false for anything that
// is not a process directory.
func parsePID(name string) (int, bool) {
	if name == "" || len(name) > 10 {
		return 0, false
	}
	n := 0
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// field returns the i-th space separated field of rec, or nil.
func field(rec []byte, i int) []byte {
	if nl := bytes.IndexByte(rec, '\n'); nl >= 0 {
		rec = rec[:nl]
	}
	for {
		rec = bytes.TrimLeft(rec, " ")
		end := bytes.IndexByte(rec, ' ')
		if end < 0 {
			end = len(rec)
		}
		if i == 0 {
			return rec[:end]
		}
		if end == len(rec) {
			return nil
		}
		rec = rec[end:]
		i--
	}
}
