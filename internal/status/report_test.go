package status

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/hopscotch/internal/bootlog"
	"github.com/psantana5/hopscotch/internal/procrepo"
	"github.com/psantana5/hopscotch/internal/supervisor"
)

type stubProcs struct {
	procs map[string][]procrepo.Snapshot
	err   error
}

func (s *stubProcs) Find(_ context.Context, p procrepo.Pattern) ([]procrepo.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.procs[p.Match], nil
}

func (s *stubProcs) CPUPercent(context.Context, int32, time.Duration) (float64, error) {
	return 0, nil
}

func (s *stubProcs) Terminate(context.Context, int32, time.Duration) error { return nil }

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newCollector(t *testing.T, procs procrepo.Repository) (*Collector, string) {
	t.Helper()
	dir := t.TempDir()
	return &Collector{
		Procs:             procs,
		SupervisorPattern: procrepo.Pattern{Match: "hopscotch supervise"},
		RunnerPattern:     procrepo.Pattern{Match: "hopscotch run"},
		Log:               bootlog.Open(filepath.Join(dir, "bootstrap.log")),
		Marker:            bootlog.NewMarker(filepath.Join(dir, "bootstrapping")),
		SnapshotPath:      filepath.Join(dir, "supervisor.json"),
		Branch:            "main",
		Now:               func() time.Time { return now },
	}, dir
}

func TestCollectEmpty(t *testing.T) {
	c, _ := newCollector(t, &stubProcs{})
	rep := c.Collect(context.Background())

	assert.False(t, rep.Supervisor.Running)
	assert.False(t, rep.Runner.Running)
	assert.Nil(t, rep.State)
	assert.Equal(t, "no-transition", rep.Transition.Verdict)
	assert.False(t, rep.Marker.Present)
	assert.Empty(t, rep.Errors)

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, rep))
	assert.Equal(t, strings.Join([]string{
		"Timestamp: 2024-03-01T12:00:00Z",
		"Branch: main",
		"supervisor: not running",
		"runner: not running",
		"last transition: none",
		"marker: none",
	}, "\n")+"\n", buf.String())
}

func TestCollectPendingTransition(t *testing.T) {
	procs := &stubProcs{procs: map[string][]procrepo.Snapshot{
		"hopscotch supervise": {{PID: 10, Status: "S", StartTime: now.Add(-2 * time.Hour)}},
		"hopscotch run": {
			{PID: 20, Status: "R", StartTime: now.Add(-(time.Hour + 2*time.Minute + 3*time.Second))},
			{PID: 21, Status: "S", StartTime: now.Add(-time.Minute)},
		},
	}}
	c, _ := newCollector(t, procs)
	started := now.Add(-30 * time.Second)
	require.NoError(t, c.Log.Append(bootlog.Entry{Status: bootlog.StatusBootstrapping, Timestamp: started, Branch: "feature-x"}))
	require.NoError(t, c.Marker.Create(bootlog.MarkerInfo{Branch: "feature-x", Epoch: "e1", PID: 20, CreatedAt: started}))
	require.NoError(t, supervisor.SaveSnapshot(c.SnapshotPath, supervisor.Snapshot{
		PID: 10, State: supervisor.StateWatching, Crashes: []time.Time{now.Add(-time.Minute)},
	}))

	rep := c.Collect(context.Background())
	assert.Equal(t, 2, rep.Runner.Count)
	assert.Equal(t, int32(20), rep.Runner.PID)
	assert.True(t, rep.Transition.Pending)
	assert.Equal(t, "feature-x", rep.Transition.Branch)
	require.NotNil(t, rep.State)
	assert.Len(t, rep.State.Crashes, 1)
	assert.True(t, rep.Marker.Present)
	assert.Equal(t, 30*time.Second, rep.Marker.Age)

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, rep))
	out := buf.String()
	assert.Contains(t, out, "supervisor: pid=10 status=S uptime=2h 0m 0s\n")
	assert.Contains(t, out, "runner: pid=20 status=R uptime=1h 2m 3s\n")
	assert.Contains(t, out, "supervisor state: WATCHING (crashes in window: 1)\n")
	assert.Contains(t, out, "last transition: feature-x -> pending\n")
	assert.Contains(t, out, "marker: feature-x age=0h 0m 30s\n")
}

func TestCollectResolvedTransition(t *testing.T) {
	c, _ := newCollector(t, &stubProcs{})
	for _, e := range []bootlog.Entry{
		{Status: bootlog.StatusBootstrapping, Timestamp: now.Add(-10 * time.Minute), Branch: "feature-x"},
		{Status: bootlog.StatusFallback, Timestamp: now.Add(-9 * time.Minute), Branch: "main"},
	} {
		require.NoError(t, c.Log.Append(e))
	}

	rep := c.Collect(context.Background())
	assert.Equal(t, "failed", rep.Transition.Verdict)
	assert.Equal(t, "FALLBACK", rep.Transition.Resolution)
	assert.False(t, rep.Transition.Pending)
	assert.Len(t, rep.Transition.Recent, 2)

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, rep))
	assert.Contains(t, buf.String(), "last transition: feature-x -> failed (FALLBACK)\n")
}

func TestCollectRecordsErrors(t *testing.T) {
	c, _ := newCollector(t, &stubProcs{err: errors.New("proc unavailable")})
	rep := c.Collect(context.Background())
	assert.Len(t, rep.Errors, 2)
	assert.False(t, rep.Runner.Running)
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0h 0m 0s"},
		{-time.Second, "0h 0m 0s"},
		{59 * time.Second, "0h 0m 59s"},
		{25*time.Hour + 61*time.Second, "25h 1m 1s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUptime(tt.in))
	}
}
