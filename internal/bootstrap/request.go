package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Request asks a running runner to bootstrap Branch. It is how processes
// other than the runner trigger a hand-over.
type Request struct {
	Branch      string    `json:"branch"`
	Rollback    bool      `json:"rollback,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

// WriteRequest queues req at path, replacing any earlier request.
func WriteRequest(path string, req Request) error {
	if req.Branch == "" && !req.Rollback {
		return errors.New("request needs a branch or rollback")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create request directory: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish request: %w", err)
	}
	return nil
}

// TakeRequest consumes the queued request, if any. A corrupt request is
// removed and reported as an error.
func TakeRequest(path string) (Request, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, fmt.Errorf("failed to read request: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Request{}, false, fmt.Errorf("failed to consume request: %w", err)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, false, fmt.Errorf("discarded malformed request: %w", err)
	}
	return req, true, nil
}
