package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"
)

// StepResult describes one execution of the work step.
type StepResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
	Err      error
}

// OK reports whether the step exited zero within its timeout.
func (r StepResult) OK() bool {
	return r.Err == nil && r.ExitCode == 0 && !r.TimedOut
}

// maxOutput bounds how much step output is retained.
const maxOutput = 64 * 1024

// RunStep runs command with shell -c, killing its whole process group once
// timeout elapses.
func RunStep(ctx context.Context, shell, command string, timeout time.Duration) StepResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	res := StepResult{Duration: time.Since(start)}

	output := out.Bytes()
	if len(output) > maxOutput {
		output = output[len(output)-maxOutput:]
	}
	res.Output = string(output)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case err != nil:
		res.ExitCode = -1
		res.Err = err
	}
	return res
}

// truncateForDisplay returns the first line of s, cut to limit runes.
func truncateForDisplay(s string, limit int) string {
	s = strings.TrimSpace(s)
	line, _, multi := strings.Cut(s, "\n")
	line = strings.TrimRight(line, "\r")
	if utf8.RuneCountInString(line) > limit {
		r := []rune(line)
		return string(r[:limit]) + "..."
	}
	if multi {
		return line + " ..."
	}
	return line
}
