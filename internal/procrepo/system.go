package procrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/psantana5/hopscotch/internal/faults"
)

// System is a Repository backed by the host process table.
type System struct {
	self int32
	// pollInterval is how often Terminate checks whether the target exited.
	pollInterval time.Duration
}

// NewSystem returns a Repository that never reports the calling process.
func NewSystem() *System {
	return &System{self: int32(os.Getpid()), pollInterval: 200 * time.Millisecond}
}

// Find enumerates the process table. Processes that exit mid-scan and
// zombies are skipped.
func (s *System) Find(ctx context.Context, pattern Pattern) ([]Snapshot, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, faults.Transient("enumerate processes", err)
	}

	var out []Snapshot
	for _, p := range procs {
		if p.Pid == s.self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || !pattern.Matches(cmdline) {
			continue
		}
		snap, ok := snapshot(ctx, p, cmdline)
		if !ok {
			continue
		}
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].PID < out[j].PID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func snapshot(ctx context.Context, p *process.Process, cmdline string) (Snapshot, bool) {
	snap := Snapshot{PID: p.Pid, Cmdline: cmdline}

	if statuses, err := p.StatusWithContext(ctx); err == nil && len(statuses) > 0 {
		snap.Status = statuses[0]
	}
	if snap.Status == process.Zombie {
		return Snapshot{}, false
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		snap.Name = name
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		snap.StartTime = time.UnixMilli(created)
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		snap.CPUPercent = pct
	}
	return snap, true
}

// CPUPercent blocks for window and returns the CPU usage measured over it.
func (s *System) CPUPercent(ctx context.Context, pid int32, window time.Duration) (float64, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	pct, err := p.PercentWithContext(ctx, window)
	if err != nil {
		if running, _ := p.IsRunningWithContext(ctx); !running {
			return 0, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
		}
		return 0, faults.Transient("sample cpu", err)
	}
	return pct, nil
}

// Terminate stops pid and, if it leads its own process group, every
// process in that group.
func (s *System) Terminate(ctx context.Context, pid int32, grace time.Duration) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil
	}

	group := false
	if pgid, err := unix.Getpgid(int(pid)); err == nil && pgid == int(pid) {
		group = true
	}

	if err := signal(p, pid, group, unix.SIGTERM); err != nil {
		if gone(ctx, p) {
			return nil
		}
		return faults.Transient("terminate", err)
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if gone(ctx, p) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-deadline.C:
			if err := signal(p, pid, group, unix.SIGKILL); err != nil && !gone(ctx, p) {
				return faults.Transient("kill", err)
			}
			return nil
		}
	}
}

func signal(p *process.Process, pid int32, group bool, sig unix.Signal) error {
	if group {
		err := unix.Kill(-int(pid), sig)
		if err == nil || !errors.Is(err, unix.ESRCH) {
			return err
		}
	}
	return p.SendSignal(sig)
}

// gone treats zombies as exited; their parent reaps them.
func gone(ctx context.Context, p *process.Process) bool {
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return true
	}
	if statuses, err := p.StatusWithContext(ctx); err == nil && len(statuses) > 0 {
		return strings.EqualFold(statuses[0], process.Zombie)
	}
	return false
}
