package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields is a set of structured key/value pairs attached to an entry.
type Fields map[string]interface{}

// sink is shared by a logger and every child derived with WithField, so a
// rotation performed through one of them is seen by all.
type sink struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	echo    io.Writer
	output  io.Writer
	backups int
}

func (s *sink) write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.Write(p)
}

// Logger writes leveled, structured lines to stdout and optionally a file.
type Logger struct {
	level      Level
	jsonFormat bool
	fields     Fields
	component  string
	out        *sink
}

// Options controls how a file logger is opened.
type Options struct {
	Level      Level
	JSONFormat bool
	// Echo receives a copy of every line; nil means os.Stdout, io.Discard silences it.
	Echo io.Writer
	// Backups is how many rotated files are kept (name.log.1 .. name.log.N).
	Backups int
}

// NewLogger creates a logger that writes to stdout.
func NewLogger(level Level, jsonFormat bool) *Logger {
	return NewWriterLogger(os.Stdout, level, jsonFormat)
}

// NewWriterLogger creates a logger that writes to w.
func NewWriterLogger(w io.Writer, level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		fields:     Fields{},
		out:        &sink{output: w},
	}
}

// NewFileLogger creates a logger that appends to <dir>/<component>.log and
// echoes every line to opts.Echo.
func NewFileLogger(dir, component string, opts Options) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, component+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	echo := opts.Echo
	if echo == nil {
		echo = os.Stdout
	}
	backups := opts.Backups
	if backups <= 0 {
		backups = 3
	}

	return &Logger{
		level:      opts.Level,
		jsonFormat: opts.JSONFormat,
		fields:     Fields{},
		component:  component,
		out: &sink{
			file:    logFile,
			path:    logPath,
			echo:    echo,
			output:  io.MultiWriter(logFile, echo),
			backups: backups,
		},
	}, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.output = w
}

// Path returns the backing file path, or "" for stream loggers.
func (l *Logger) Path() string {
	return l.out.path
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if level < l.level {
		return
	}

	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	var line string
	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Level:     level.String(),
			Component: l.component,
			Message:   message,
			Fields:    merged,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("failed to marshal log entry: %v", err)
			return
		}
		line = string(data) + "\n"
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s: %s", time.Now().Format("2006-01-02 15:04:05"), level.String(), message)
		if len(merged) > 0 {
			b.WriteString(formatFields(merged))
		}
		b.WriteByte('\n')
		line = b.String()
	}
	l.out.write([]byte(line))

	if level == FATAL {
		os.Exit(1)
	}
}

// formatFields renders fields as sorted key=value pairs.
func formatFields(f Fields) string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, f[k])
	}
	return b.String()
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Fields) { l.log(DEBUG, message, first(fields)) }

// Info logs an info message
func (l *Logger) Info(message string, fields ...Fields) { l.log(INFO, message, first(fields)) }

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...Fields) { l.log(WARN, message, first(fields)) }

// Error logs an error message
func (l *Logger) Error(message string, fields ...Fields) { l.log(ERROR, message, first(fields)) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...Fields) { l.log(FATAL, message, first(fields)) }

// Printf satisfies the small printf-style interfaces used by http.Server and friends.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// WithField returns a child logger carrying key=value on every entry.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	newFields := make(Fields, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		fields:     newFields,
		component:  l.component,
		out:        l.out,
	}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if l.out.file != nil {
		err := l.out.file.Close()
		l.out.file = nil
		return err
	}
	return nil
}

// RotateIfNeeded rotates the log file once it exceeds maxSize bytes,
// shifting name.log.N-1 to name.log.N and dropping the oldest.
func (l *Logger) RotateIfNeeded(maxSize int64) error {
	s := l.out
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	s.file.Close()
	os.Remove(fmt.Sprintf("%s.%d", s.path, s.backups))
	for i := s.backups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, fmt.Sprintf("%s.%d", s.path, i+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(s.path, s.path+".1"); err != nil {
		return err
	}

	newFile, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.file = nil
		s.output = s.echo
		return err
	}
	s.file = newFile
	s.output = io.MultiWriter(newFile, s.echo)
	return nil
}
