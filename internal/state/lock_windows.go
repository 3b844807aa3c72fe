//go:build windows

// internal/state/lock_windows.go
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/windows"
)

// acquireLock takes an exclusive lock on the lock file via LockFileEx,
// retrying until the configured timeout. The OS releases the lock when the
// holding handle closes, including on process death.
func (m *Manager) acquireLock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(m.lockPath), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	file, err := os.OpenFile(m.lockPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	handle := windows.Handle(file.Fd())

	deadline := time.Now().Add(m.lockTimeout)
	for {
		err := windows.LockFileEx(handle,
			windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
			0, 1, 0, &windows.Overlapped{})
		if err == nil {
			break
		}
		if err != windows.ERROR_LOCK_VIOLATION {
			file.Close()
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if time.Now().After(deadline) {
			file.Close()
			return nil, ErrLockTimeout
		}
		time.Sleep(lockRetryInterval)
	}

	return func() {
		windows.UnlockFileEx(handle, 0, 1, 0, &windows.Overlapped{})
		file.Close()
	}, nil
}
