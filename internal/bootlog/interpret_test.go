package bootlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpret(t *testing.T) {
	t1 := t0.Add(10 * time.Minute)
	tests := []struct {
		name        string
		entries     []Entry
		wantVerdict Verdict
		wantBranch  string
		wantPending bool
	}{
		{
			name:        "empty log",
			wantVerdict: NoTransition,
		},
		{
			name:        "only fallbacks",
			entries:     []Entry{{StatusFallback, t0, "main"}},
			wantVerdict: NoTransition,
		},
		{
			name: "confirmed",
			entries: []Entry{
				{StatusBootstrapping, t0, "main"},
				{StatusSuccess, t0.Add(5 * time.Second), "main"},
			},
			wantVerdict: Healthy,
			wantBranch:  "main",
		},
		{
			name: "second transition unconfirmed",
			entries: []Entry{
				{StatusBootstrapping, t0, "main"},
				{StatusSuccess, t0.Add(5 * time.Second), "main"},
				{StatusBootstrapping, t1, "feature-x"},
			},
			wantVerdict: Failed,
			wantBranch:  "feature-x",
			wantPending: true,
		},
		{
			name: "success for a different branch does not count",
			entries: []Entry{
				{StatusBootstrapping, t1, "feature-x"},
				{StatusSuccess, t1.Add(time.Second), "main"},
			},
			wantVerdict: Failed,
			wantBranch:  "feature-x",
			wantPending: true,
		},
		{
			name: "fallback resolves but does not heal",
			entries: []Entry{
				{StatusBootstrapping, t1, "feature-x"},
				{StatusFallback, t1.Add(70 * time.Second), "main"},
			},
			wantVerdict: Failed,
			wantBranch:  "feature-x",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Interpret(tt.entries)
			assert.Equal(t, tt.wantVerdict, got.Verdict)
			assert.Equal(t, tt.wantBranch, got.Transition.Branch)
			assert.Equal(t, tt.wantPending, got.Pending())
		})
	}
}

func TestInterpretationAge(t *testing.T) {
	in := Interpret([]Entry{{StatusBootstrapping, t0, "feature-x"}})
	assert.Equal(t, 70*time.Second, in.Age(t0.Add(70*time.Second)))
	assert.Equal(t, time.Duration(0), Interpret(nil).Age(t0))
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "no-transition", NoTransition.String())
}

func TestMarkerLifecycle(t *testing.T) {
	m := NewMarker(t.TempDir() + "/bootstrapping")

	_, ok, err := m.Read()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Create(MarkerInfo{Branch: "feature-x", Epoch: "e1", PID: 7, CreatedAt: t0}))

	info, ok, err := m.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "feature-x", info.Branch)
	assert.Equal(t, "e1", info.Epoch)
	assert.True(t, info.CreatedAt.Equal(t0))

	require.NoError(t, m.Clear())
	require.NoError(t, m.Clear(), "clearing twice is fine")
	_, ok, _ = m.Read()
	assert.False(t, ok)
}
