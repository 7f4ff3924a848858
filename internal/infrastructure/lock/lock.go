// Package lock keeps a second chainkeeper daemon from supervising the same
// data root. It takes an advisory exclusive lock on a file and records the
// holder's PID in it.
package lock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileName is the lock file created under the data root.
const FileName = "chainkeeper.lock"

var (
	// ErrHeld is returned when another process holds the lock.
	ErrHeld = errors.New("lock: held by another process")

	// ErrAcquireFailed wraps filesystem failures while taking the lock.
	ErrAcquireFailed = errors.New("lock: acquire failed")
)

// FileLock is an advisory lock on one file. It is not safe for concurrent
// use; one daemon holds one FileLock.
type FileLock struct {
	path string
	file *os.File
}

// New returns an unacquired lock on <dir>/chainkeeper.lock.
func New(dir string) *FileLock {
	return &FileLock{path: filepath.Join(dir, FileName)}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Acquire takes the lock without blocking. It returns an error wrapping
// ErrHeld, naming the holder's PID when known, if another process has it.
func (l *FileLock) Acquire() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("%w: creating lock directory: %w", ErrAcquireFailed, err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("%w: opening lock file: %w", ErrAcquireFailed, err)
	}

	if err := tryLock(file); err != nil {
		file.Close()
		if errors.Is(err, errWouldBlock) {
			if pid, ok := l.HolderPID(); ok {
				return fmt.Errorf("%w (pid %d)", ErrHeld, pid)
			}
			return ErrHeld
		}
		return fmt.Errorf("%w: %w", ErrAcquireFailed, err)
	}

	// The PID line is informational; a failed write leaves the lock valid.
	_ = file.Truncate(0)
	_, _ = file.Seek(0, io.SeekStart)
	_, _ = fmt.Fprintf(file, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))

	l.file = file
	return nil
}

// Release unlocks and removes the lock file. It is safe to call on an
// unacquired lock and more than once.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = unlock(l.file)
	err := l.file.Close()
	l.file = nil
	_ = os.Remove(l.path)
	return err
}

// HolderPID reads the PID recorded by the current holder.
func (l *FileLock) HolderPID() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	for line := range strings.Lines(string(data)) {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			pid, err := strconv.Atoi(v)
			return pid, err == nil && pid > 0
		}
	}
	return 0, false
}
