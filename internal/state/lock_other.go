//go:build !unix && !windows

// internal/state/lock_other.go
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// acquireLock falls back to an exclusive-create sentinel on platforms with
// no advisory file locking. Weaker than the unix and windows paths: a killed
// holder leaves the sentinel behind until the timeout-driven retry gives up.
func (m *Manager) acquireLock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(m.lockPath), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	deadline := time.Now().Add(m.lockTimeout)
	for {
		file, err := os.OpenFile(m.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			return func() {
				file.Close()
				os.Remove(m.lockPath)
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("open lock file: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		time.Sleep(lockRetryInterval)
	}
}
