//go:build !windows

package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// errAlreadyLocked reports that another process holds the PID file.
var errAlreadyLocked = errors.New("pid file is locked")

// pidLock is an exclusively flocked PID file. The lock lives as long as
// the file descriptor, so a crashed daemon never leaves a stale lock.
type pidLock struct {
	file *os.File
	path string
}

// acquirePIDLock takes the exclusive lock on the PID file and writes the
// current process id into it. Returns errAlreadyLocked when another
// process holds the lock.
func acquirePIDLock(path string) (*pidLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open PID file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errAlreadyLocked
		}
		return nil, fmt.Errorf("failed to lock PID file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to truncate PID file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}

	return &pidLock{file: f, path: path}, nil
}

// Release removes the PID file and drops the lock.
func (l *pidLock) Release() {
	_ = os.Remove(l.path)
	_ = l.file.Close()
}
