// Package status gathers a point-in-time report of the harness and
// renders it for the CLI and the HTTP status server.
package status

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/psantana5/hopscotch/internal/bootlog"
	"github.com/psantana5/hopscotch/internal/procrepo"
	"github.com/psantana5/hopscotch/internal/supervisor"
)

// Collector reads shared state. Every field except Procs is optional.
type Collector struct {
	Procs             procrepo.Repository
	SupervisorPattern procrepo.Pattern
	RunnerPattern     procrepo.Pattern
	Log               *bootlog.Log
	Marker            *bootlog.Marker
	SnapshotPath      string
	Branch            string // branch of the reporting process
	Tail              int    // log entries to include, default 5
	Now               func() time.Time
}

// Process is one watched process in a report.
type Process struct {
	Name    string        `json:"name"`
	Running bool          `json:"running"`
	PID     int32         `json:"pid,omitempty"`
	Status  string        `json:"status,omitempty"`
	Uptime  time.Duration `json:"uptime,omitempty"`
	Count   int           `json:"count,omitempty"`
}

// Line renders the process the way /status shows it.
func (p Process) Line() string {
	if !p.Running {
		return fmt.Sprintf("%s: not running", p.Name)
	}
	return fmt.Sprintf("%s: pid=%d status=%s uptime=%s", p.Name, p.PID, p.Status, FormatUptime(p.Uptime))
}

// Transition summarizes the bootstrap log.
type Transition struct {
	Verdict    string          `json:"verdict"`
	Branch     string          `json:"branch,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	Resolution string          `json:"resolution,omitempty"`
	Pending    bool            `json:"pending"`
	Recent     []bootlog.Entry `json:"recent,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Marker describes the transition marker, if any.
type Marker struct {
	Present bool          `json:"present"`
	Branch  string        `json:"branch,omitempty"`
	Epoch   string        `json:"epoch,omitempty"`
	Age     time.Duration `json:"age,omitempty"`
}

// Report is everything status knows at one instant.
type Report struct {
	Timestamp  time.Time            `json:"timestamp"`
	Branch     string               `json:"branch"`
	Supervisor Process              `json:"supervisor"`
	Runner     Process              `json:"runner"`
	State      *supervisor.Snapshot `json:"supervisor_state,omitempty"`
	Transition Transition           `json:"transition"`
	Marker     Marker               `json:"marker"`
	Errors     []string             `json:"errors,omitempty"`
}

// Collect builds a report. Partial failures are recorded in Report.Errors
// rather than failing the whole report.
func (c *Collector) Collect(ctx context.Context) Report {
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	rep := Report{Timestamp: now.UTC(), Branch: c.Branch}

	rep.Supervisor = c.process(ctx, "supervisor", c.SupervisorPattern, now, &rep)
	rep.Runner = c.process(ctx, "runner", c.RunnerPattern, now, &rep)

	if c.SnapshotPath != "" {
		snap, ok, err := supervisor.LoadSnapshot(c.SnapshotPath)
		switch {
		case err != nil:
			rep.Errors = append(rep.Errors, err.Error())
		case ok:
			rep.State = &snap
		}
	}

	rep.Transition = c.transition()
	if c.Marker != nil {
		info, ok, err := c.Marker.Read()
		switch {
		case err != nil:
			rep.Errors = append(rep.Errors, err.Error())
		case ok:
			rep.Marker = Marker{Present: true, Branch: info.Branch, Epoch: info.Epoch, Age: now.Sub(info.CreatedAt)}
		}
	}
	return rep
}

func (c *Collector) process(ctx context.Context, name string, pattern procrepo.Pattern, now time.Time, rep *Report) Process {
	p := Process{Name: name}
	if c.Procs == nil || pattern.Match == "" {
		return p
	}
	procs, err := c.Procs.Find(ctx, pattern)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", name, err))
		return p
	}
	if len(procs) == 0 {
		return p
	}
	oldest := procs[0]
	p.Running = true
	p.PID = oldest.PID
	p.Status = oldest.Status
	p.Uptime = oldest.Uptime(now)
	p.Count = len(procs)
	return p
}

func (c *Collector) transition() Transition {
	if c.Log == nil {
		return Transition{Verdict: bootlog.NoTransition.String()}
	}
	entries, err := c.Log.Entries()
	if err != nil {
		return Transition{Verdict: "unknown", Error: err.Error()}
	}
	in := bootlog.Interpret(entries)
	t := Transition{Verdict: in.Verdict.String(), Pending: in.Pending()}
	if in.Verdict != bootlog.NoTransition {
		started := in.Transition.Timestamp
		t.Branch = in.Transition.Branch
		t.StartedAt = &started
	}
	if in.Resolution != nil {
		t.Resolution = string(in.Resolution.Status)
	}
	n := c.Tail
	if n <= 0 {
		n = 5
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	t.Recent = entries
	return t
}

// WriteText renders rep in the plain-text /status layout.
func WriteText(w io.Writer, rep Report) error {
	branch := rep.Branch
	if branch == "" {
		branch = "unknown"
	}
	lines := []string{
		fmt.Sprintf("Timestamp: %s", rep.Timestamp.Format(time.RFC3339)),
		fmt.Sprintf("Branch: %s", branch),
		rep.Supervisor.Line(),
		rep.Runner.Line(),
	}
	if rep.State != nil {
		lines = append(lines, fmt.Sprintf("supervisor state: %s (crashes in window: %d)", rep.State.State, len(rep.State.Crashes)))
	}

	t := rep.Transition
	switch {
	case t.Error != "":
		lines = append(lines, fmt.Sprintf("last transition: unreadable (%s)", t.Error))
	case t.Branch == "":
		lines = append(lines, "last transition: none")
	default:
		desc := t.Verdict
		if t.Pending {
			desc = "pending"
		} else if t.Resolution != "" {
			desc = fmt.Sprintf("%s (%s)", t.Verdict, t.Resolution)
		}
		lines = append(lines, fmt.Sprintf("last transition: %s -> %s", t.Branch, desc))
	}

	if rep.Marker.Present {
		lines = append(lines, fmt.Sprintf("marker: %s age=%s", rep.Marker.Branch, FormatUptime(rep.Marker.Age)))
	} else {
		lines = append(lines, "marker: none")
	}
	for _, e := range rep.Errors {
		lines = append(lines, "error: "+e)
	}

	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

// FormatUptime renders d as "<h>h <m>m <s>s".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%dh %dm %ds", secs/3600, (secs%3600)/60, secs%60)
}
