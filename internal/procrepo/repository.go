package procrepo

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/psantana5/hopscotch/internal/faults"
)

// ErrNotFound is returned when a pid no longer exists.
var ErrNotFound = errors.New("process not found")

// Snapshot is a point-in-time view of one process. Snapshots are never
// cached across polls.
type Snapshot struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	Cmdline    string    `json:"cmdline"`
	StartTime  time.Time `json:"start_time"`
	CPUPercent float64   `json:"cpu_percent"`
	Status     string    `json:"status"`
}

// Uptime is how long the process has been running as of now.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	return now.Sub(s.StartTime)
}

// Pattern selects processes by command line substring.
type Pattern struct {
	Match   string   // substring the command line must contain
	Exclude []string // substrings that disqualify a match
}

// Matches reports whether cmdline is selected by the pattern.
func (p Pattern) Matches(cmdline string) bool {
	if p.Match == "" || !strings.Contains(cmdline, p.Match) {
		return false
	}
	for _, ex := range p.Exclude {
		if ex != "" && strings.Contains(cmdline, ex) {
			return false
		}
	}
	return true
}

// Repository is the supervisor's only window onto the process table.
type Repository interface {
	// Find returns live processes matching pattern, oldest first.
	Find(ctx context.Context, pattern Pattern) ([]Snapshot, error)
	// CPUPercent samples pid's CPU usage over window.
	CPUPercent(ctx context.Context, pid int32, window time.Duration) (float64, error)
	// Terminate sends SIGTERM, waits up to grace, then SIGKILLs.
	Terminate(ctx context.Context, pid int32, grace time.Duration) error
}

// FileSize returns the size of path in bytes. A missing file has size 0.
func FileSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, faults.Transient("stat "+path, err)
	}
	return st.Size(), nil
}
