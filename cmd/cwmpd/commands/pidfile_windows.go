//go:build windows

package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// errAlreadyLocked reports that another process holds the PID file.
var errAlreadyLocked = errors.New("pid file is locked")

// pidLock is a plain PID file. Windows has no flock; the file alone
// marks the running instance.
type pidLock struct {
	path string
}

// acquirePIDLock writes the current process id into the PID file.
func acquirePIDLock(path string) (*pidLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}

	return &pidLock{path: path}, nil
}

// Release removes the PID file.
func (l *pidLock) Release() {
	_ = os.Remove(l.path)
}
