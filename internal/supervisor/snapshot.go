package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is the supervisor's view of the world after a poll. It is
// persisted so that other processes (status, serve) can report it.
type Snapshot struct {
	PID          int         `json:"pid"`
	State        State       `json:"state"`
	StartedAt    time.Time   `json:"started_at"`
	LastPollAt   time.Time   `json:"last_poll_at"`
	RunnerPID    int32       `json:"runner_pid,omitempty"`
	Crashes      []time.Time `json:"crashes"`
	TrippedAt    *time.Time  `json:"tripped_at,omitempty"`
	Restarts     int64       `json:"restarts"`
	Fallbacks    int64       `json:"fallbacks"`
	LastFailure  string      `json:"last_failure,omitempty"`
	LastErrorMsg string      `json:"last_error,omitempty"`
}

// SaveSnapshot writes snap to path atomically.
func SaveSnapshot(path string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by SaveSnapshot. ok is false when
// no supervisor has written one yet.
func LoadSnapshot(path string) (snap Snapshot, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to parse state file: %w", err)
	}
	return snap, true, nil
}
