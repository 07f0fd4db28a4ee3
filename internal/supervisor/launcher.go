package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/psantana5/hopscotch/internal/faults"
	"github.com/psantana5/hopscotch/pkg/logging"
)

// Launcher starts a fresh runner from the baseline working copy.
type Launcher interface {
	Launch(ctx context.Context) (pid int32, err error)
}

// Confiner places a freshly started runner under resource limits.
type Confiner interface {
	Confine(pid int) error
}

// ExecLauncher starts the runner as a detached session leader so that it
// outlives the supervisor and can be signalled as a group.
type ExecLauncher struct {
	Dir     string   // working directory, the baseline working copy
	Command []string // argv of the runner
	Env     []string // extra KEY=VALUE pairs
	Logger  *logging.Logger
	// Confiner is optional. A failure to confine is logged and the runner
	// keeps running unconfined.
	Confiner Confiner
}

// Launch starts the runner and reaps it in the background.
func (l *ExecLauncher) Launch(ctx context.Context) (int32, error) {
	if len(l.Command) == 0 {
		return 0, faults.Structuralf("launch", "empty runner command")
	}

	// Not CommandContext: the runner must survive supervisor shutdown.
	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, faults.Structural("launch", fmt.Errorf("start %v in %s: %w", l.Command, l.Dir, err))
	}

	pid := int32(cmd.Process.Pid)
	if l.Confiner != nil {
		if err := l.Confiner.Confine(int(pid)); err != nil && l.Logger != nil {
			l.Logger.Warn("runner not confined", logging.Fields{"pid": pid, "error": err.Error()})
		}
	}
	go func() {
		err := cmd.Wait()
		if l.Logger != nil {
			fields := logging.Fields{"pid": pid}
			if err != nil {
				fields["exit"] = err.Error()
			}
			l.Logger.Debug("launched runner exited", fields)
		}
	}()
	return pid, nil
}
