package bootlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/psantana5/hopscotch/internal/faults"
)

// MarkerInfo is what a transition marker records. Only its existence and
// modification time are load-bearing; the body is informational.
type MarkerInfo struct {
	Branch    string    `json:"branch"`
	Epoch     string    `json:"epoch"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
}

// Marker is the touch-file that tells the supervisor a transition is in
// flight.
type Marker struct {
	path string
}

// NewMarker returns a marker backed by path.
func NewMarker(path string) *Marker {
	return &Marker{path: path}
}

// Path returns the marker file location.
func (m *Marker) Path() string {
	return m.path
}

// Create writes the marker atomically and stamps its mtime with info.CreatedAt.
func (m *Marker) Create(info MarkerInfo) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return faults.Transient("create marker", err)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return faults.Structural("create marker", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return faults.Transient("create marker", err)
	}
	if err := os.Chtimes(tmp, info.CreatedAt, info.CreatedAt); err != nil {
		os.Remove(tmp)
		return faults.Transient("create marker", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return faults.Transient("create marker", err)
	}
	return nil
}

// Read returns the marker contents. ok is false when no marker exists. A
// marker with an unreadable body still reports its mtime as CreatedAt.
func (m *Marker) Read() (info MarkerInfo, ok bool, err error) {
	st, err := os.Stat(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return MarkerInfo{}, false, nil
	}
	if err != nil {
		return MarkerInfo{}, false, faults.Transient("stat marker", err)
	}

	if data, err := os.ReadFile(m.path); err == nil {
		json.Unmarshal(data, &info)
	}
	info.CreatedAt = st.ModTime()
	return info, true, nil
}

// Clear removes the marker. Clearing an absent marker is not an error.
func (m *Marker) Clear() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return faults.Transient("clear marker", fmt.Errorf("remove %s: %w", m.path, err))
	}
	return nil
}
