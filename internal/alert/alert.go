package alert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/psantana5/hopscotch/pkg/logging"
	"github.com/psantana5/hopscotch/pkg/retry"
)

// Sink delivers operator-facing alerts.
type Sink interface {
	Alert(ctx context.Context, msg string) error
}

// Committer publishes a file change to the shared remote.
type Committer interface {
	CommitAndPush(ctx context.Context, dir, message string, paths ...string) error
}

// CommsFile appends alerts to a markdown file inside a working copy and
// publishes it. The append is the delivery; publishing is best effort.
type CommsFile struct {
	Path      string // absolute path of COMMS.md
	Committer Committer
	Retry     retry.Config
	Logger    *logging.Logger
	Now       func() time.Time
}

// subjectLimit bounds the alert text carried in the commit subject.
const subjectLimit = 50

// Alert appends msg and tries to commit and push it.
func (c *CommsFile) Alert(ctx context.Context, msg string) error {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	block := fmt.Sprintf("\n\n---\n**SUPERVISOR ALERT** (%s):\n%s\n", now().Format("2006-01-02 15:04:05"), msg)
	if err := os.MkdirAll(filepath.Dir(c.Path), 0755); err != nil {
		return fmt.Errorf("create comms dir: %w", err)
	}
	f, err := os.OpenFile(c.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open comms file: %w", err)
	}
	if _, err := f.WriteString(block); err != nil {
		f.Close()
		return fmt.Errorf("write comms file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close comms file: %w", err)
	}

	if c.Committer == nil {
		return nil
	}
	subject := msg
	if r := []rune(subject); len(r) > subjectLimit {
		subject = string(r[:subjectLimit])
	}
	dir := filepath.Dir(c.Path)
	err = retry.Do(ctx, c.Retry, func() error {
		return c.Committer.CommitAndPush(ctx, dir, "SUPERVISOR ALERT: "+subject, filepath.Base(c.Path))
	})
	if err != nil && c.Logger != nil {
		c.Logger.Warn("alert recorded locally but not pushed", logging.Fields{"error": err.Error()})
	}
	return nil
}

// LogSink writes alerts to a logger only.
type LogSink struct {
	Logger *logging.Logger
}

// Alert logs msg at ERROR level.
func (s LogSink) Alert(_ context.Context, msg string) error {
	s.Logger.Error("ALERT: "+msg, logging.Fields{"event": "alert"})
	return nil
}
