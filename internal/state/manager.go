// internal/state/manager.go
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockTimeout is returned when the state lock cannot be acquired within
// the configured wait. Nothing has been mutated when this comes back.
var ErrLockTimeout = errors.New("timed out waiting for state lock")

// lockRetryInterval is how often lock acquisition is retried while waiting
const lockRetryInterval = 50 * time.Millisecond

// State is the cached last-step marker. Everything here is derivable from
// the journal; it exists so drift checks don't have to rescan it.
type State struct {
	LastStepSha string `json:"last_step_sha,omitempty"`
	LastStepID  int    `json:"last_step_id,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// Manager persists State with atomic replacement and an OS-level advisory
// lock around the read-modify-write window.
type Manager struct {
	statePath   string
	lockPath    string
	lockTimeout time.Duration
}

// NewManager creates a state manager over the given file paths
func NewManager(statePath, lockPath string, lockTimeout time.Duration) *Manager {
	return &Manager{
		statePath:   statePath,
		lockPath:    lockPath,
		lockTimeout: lockTimeout,
	}
}

// Load returns the persisted state. A missing or unreadable file degrades
// to empty state rather than an error.
func (m *Manager) Load() *State {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		return &State{}
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return &State{}
	}
	return &st
}

// Save stamps UpdatedAt and atomically replaces the state file. The
// temporary file is removed on failure so partial state is never visible.
func (m *Manager) Save(st *State) error {
	st.UpdatedAt = time.Now().Format(time.RFC3339)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.statePath), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmpPath := m.statePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmpPath, m.statePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// UpdateLastStep records the newest step under the state lock so two
// concurrent invocations cannot lose each other's update.
func (m *Manager) UpdateLastStep(sha string, id int) error {
	unlock, err := m.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	st := m.Load()
	st.LastStepSha = sha
	st.LastStepID = id
	return m.Save(st)
}

// Clear removes the persisted state. A missing file is fine.
func (m *Manager) Clear() error {
	if err := os.Remove(m.statePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}

// LastStepSha returns the recorded sha of the most recent step, if any
func (m *Manager) LastStepSha() string {
	return m.Load().LastStepSha
}

// LastStepID returns the recorded id of the most recent step, if any
func (m *Manager) LastStepID() int {
	return m.Load().LastStepID
}
