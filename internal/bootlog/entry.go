package bootlog

import (
	"fmt"
	"strings"
	"time"
)

// Status is the first field of a bootstrap log line.
type Status string

const (
	StatusBootstrapping Status = "BOOTSTRAPPING" // a branch is about to take over
	StatusSuccess       Status = "SUCCESS"       // the new branch confirmed it is up
	StatusFallback      Status = "FALLBACK"      // the supervisor reverted to the baseline
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusBootstrapping, StatusSuccess, StatusFallback:
		return true
	}
	return false
}

// Entry is one immutable line of the bootstrap log.
type Entry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Branch    string    `json:"branch"`
}

// timestamp layouts accepted when parsing, most specific first. Lines
// without a zone are read as local time.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// String renders the entry in its on-disk form without a trailing newline.
func (e Entry) String() string {
	return fmt.Sprintf("%s %s %s", e.Status, e.Timestamp.UTC().Format(time.RFC3339), e.Branch)
}

// Validate checks that the entry can be written and read back unchanged.
func (e Entry) Validate() error {
	if !e.Status.Valid() {
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.Branch == "" || strings.ContainsAny(e.Branch, " \t\r\n") {
		return fmt.Errorf("invalid branch name %q", e.Branch)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	return nil
}

// ParseEntry parses a single "<STATUS> <TIMESTAMP> <BRANCH>" line.
func ParseEntry(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Entry{}, fmt.Errorf("expected 3 fields, got %d in %q", len(fields), line)
	}

	status := Status(fields[0])
	if !status.Valid() {
		return Entry{}, fmt.Errorf("unknown status %q", fields[0])
	}

	var (
		ts  time.Time
		err error
	)
	for _, layout := range layouts {
		ts, err = time.ParseInLocation(layout, fields[1], time.Local)
		if err == nil {
			break
		}
	}
	if err != nil {
		return Entry{}, fmt.Errorf("bad timestamp %q: %w", fields[1], err)
	}

	return Entry{Status: status, Timestamp: ts, Branch: fields[2]}, nil
}
