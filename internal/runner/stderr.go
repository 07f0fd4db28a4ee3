package runner

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// RedirectStderr truncates path and points file descriptor 2 at it, so
// that everything the process and its children write to stderr lands in
// the error log the supervisor measures.
func RedirectStderr(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create error log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}
	if err := unix.Dup3(int(f.Fd()), int(os.Stderr.Fd()), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("redirect stderr: %w", err)
	}
	return f, nil
}
