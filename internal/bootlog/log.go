package bootlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/psantana5/hopscotch/internal/faults"
)

// ErrConsecutiveBootstrap is returned when a BOOTSTRAPPING entry would
// directly follow another BOOTSTRAPPING entry.
var ErrConsecutiveBootstrap = errors.New("previous transition is still unresolved")

// Log is the append-only bootstrap log shared by the supervisor and the
// runner. Appends take an exclusive flock so that a reader never observes
// half a line.
type Log struct {
	path string
}

// Open returns a handle on the log at path. The file is created lazily on
// first append.
func Open(path string) *Log {
	return &Log{path: path}
}

// Path returns the file backing the log.
func (l *Log) Path() string {
	return l.path
}

// Entries returns every entry in file order. A missing file is an empty log.
func (l *Log) Entries() ([]Entry, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Transient("read bootstrap log", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, faults.Transient("lock bootstrap log", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, faults.Transient("read bootstrap log", err)
	}
	return parse(data)
}

// Last returns the final entry, if any.
func (l *Log) Last() (Entry, bool, error) {
	entries, err := l.Entries()
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[len(entries)-1], true, nil
}

// Append writes e as a single line. A BOOTSTRAPPING entry is refused while
// the last entry is also BOOTSTRAPPING.
func (l *Log) Append(e Entry) error {
	if err := e.Validate(); err != nil {
		return faults.Structural("append bootstrap log", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return faults.Transient("append bootstrap log", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return faults.Transient("append bootstrap log", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return faults.Transient("lock bootstrap log", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	existing, err := io.ReadAll(f)
	if err != nil {
		return faults.Transient("append bootstrap log", err)
	}
	entries, err := parse(existing)
	if err != nil {
		return err
	}
	if e.Status == StatusBootstrapping && len(entries) > 0 &&
		entries[len(entries)-1].Status == StatusBootstrapping {
		last := entries[len(entries)-1]
		return faults.Structural("append bootstrap log",
			fmt.Errorf("%w: %s", ErrConsecutiveBootstrap, last))
	}

	line := e.String() + "\n"
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		line = "\n" + line
	}
	if _, err := f.WriteString(line); err != nil {
		return faults.Transient("append bootstrap log", err)
	}
	if err := f.Sync(); err != nil {
		return faults.Transient("sync bootstrap log", err)
	}
	return nil
}

func parse(data []byte) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := ParseEntry(line)
		if err != nil {
			return nil, faults.Structural("parse bootstrap log", fmt.Errorf("line %d: %w", lineNo, err))
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, faults.Transient("parse bootstrap log", err)
	}
	return entries, nil
}
