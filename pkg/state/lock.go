package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunInProgress is returned by AcquireRunLock while another live process
// holds the lock.
var ErrRunInProgress = errors.New("another run is in progress")

func lockFilePath(root string) string {
	return filepath.Join(Dir(root), "run.lock")
}

// AcquireRunLock writes pid to the run lock under root. A lock left behind
// by a dead process is taken over.
func AcquireRunLock(root string, pid int) error {
	if held, err := ReadRunLock(root); err == nil && held != pid && isProcessAlive(held) {
		return fmt.Errorf("%w (pid %d)", ErrRunInProgress, held)
	}

	path := lockFilePath(root)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644)
}

// ReleaseRunLock removes the run lock. A missing lock is not an error.
func ReleaseRunLock(root string) error {
	err := os.Remove(lockFilePath(root))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ReadRunLock returns the PID holding the run lock.
func ReadRunLock(root string) (int, error) {
	content, err := os.ReadFile(lockFilePath(root))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in lock file: %w", err)
	}
	return pid, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks that the process exists.
	return process.Signal(syscall.Signal(0)) == nil
}
