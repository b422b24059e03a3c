package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// LogFile is an append-only log file that rolls over to numbered backups
// (capture.log.1 is the newest) once it reaches its size limit. Writes from
// concurrent capture workers are serialized.
type LogFile struct {
	path  string
	limit int64
	keep  int

	mu   sync.Mutex
	f    *os.File
	size int64
}

// OpenLogFile opens or creates path. sizeMB and keep fall back to 50 MB and
// 3 backups when not positive.
func OpenLogFile(path string, sizeMB, keep int) (*LogFile, error) {
	if sizeMB <= 0 {
		sizeMB = 50
	}
	if keep <= 0 {
		keep = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	lf := &LogFile{path: path, limit: int64(sizeMB) << 20, keep: keep}
	if err := lf.reopen(); err != nil {
		return nil, err
	}
	return lf, nil
}

// OpenOutput picks the log destination: stderr alone when path is empty,
// otherwise stderr and a LogFile. The closer is never nil.
func OpenOutput(path string, sizeMB, keep int) (io.Writer, io.Closer, error) {
	if path == "" {
		return os.Stderr, io.NopCloser(nil), nil
	}
	lf, err := OpenLogFile(path, sizeMB, keep)
	if err != nil {
		return nil, nil, err
	}
	return io.MultiWriter(os.Stderr, lf), lf, nil
}

func (lf *LogFile) Write(p []byte) (int, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		return 0, os.ErrClosed
	}
	// A single record larger than the limit still lands in a fresh file.
	if lf.size > 0 && lf.size+int64(len(p)) > lf.limit {
		if err := lf.roll(); err != nil {
			return 0, fmt.Errorf("roll %s: %w", lf.path, err)
		}
	}
	n, err := lf.f.Write(p)
	lf.size += int64(n)
	return n, err
}

func (lf *LogFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		return nil
	}
	f := lf.f
	lf.f = nil
	return f.Close()
}

func (lf *LogFile) reopen() error {
	f, err := os.OpenFile(lf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	lf.f, lf.size = f, st.Size()
	return nil
}

// roll closes the active file, shifts every backup up by one and drops
// whatever falls past keep.
func (lf *LogFile) roll() error {
	err := lf.f.Close()
	lf.f = nil
	if err != nil {
		return err
	}
	for i := lf.keep; i >= 1; i-- {
		from := lf.path
		if i > 1 {
			from = fmt.Sprintf("%s.%d", lf.path, i-1)
		}
		to := fmt.Sprintf("%s.%d", lf.path, i)
		if err := os.Rename(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return lf.reopen()
}
