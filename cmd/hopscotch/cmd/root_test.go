package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/hopscotch/internal/bootlog"
	"github.com/psantana5/hopscotch/internal/bootstrap"
	"github.com/psantana5/hopscotch/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace.Root = t.TempDir()
	cfg.Paths.LogsDir = t.TempDir()
	return cfg
}

func TestSupervisorConfigFromConfig(t *testing.T) {
	cfg := testConfig(t)
	sc := supervisorConfig(cfg)

	assert.Equal(t, "main", sc.Baseline)
	assert.Equal(t, "hopscotch run", sc.Pattern.Match)
	assert.Equal(t, []string{"hopscotch supervise"}, sc.Pattern.Exclude)
	assert.Equal(t, 5, sc.Policy.Threshold)
	assert.Equal(t, 60*time.Minute, sc.Policy.Window)
	assert.Equal(t, filepath.Join(cfg.Paths.LogsDir, "errors.log"), sc.ErrorLogPath)
	assert.Equal(t, filepath.Join(cfg.Paths.LogsDir, "supervisor.json"), sc.SnapshotPath)
	assert.Equal(t, int64(1048576), sc.ErrorLogLimit)
}

func TestCoordinatorConfig(t *testing.T) {
	cfg := testConfig(t)
	cc := coordinatorConfig(cfg, "feature-x")
	assert.Equal(t, "feature-x", cc.Current)
	assert.Equal(t, "main", cc.Baseline)
	assert.Equal(t, "bootstrap.sh", cc.Entrypoint)
	assert.Equal(t, cfg.Paths.LogsDir, cc.LogsDir)
}

func TestResolveBranchFromEnv(t *testing.T) {
	t.Setenv(bootstrap.EnvBranch, "feature-y")
	b, err := resolveBranch(context.Background(), newGit(testConfig(t)))
	require.NoError(t, err)
	assert.Equal(t, "feature-y", b)
}

func TestWaitForTransition(t *testing.T) {
	cfg := testConfig(t)
	since := time.Now().UTC().Add(-time.Second)
	log := bootlog.Open(cfg.BootstrapLogPath())

	require.NoError(t, log.Append(bootlog.Entry{Status: bootlog.StatusBootstrapping, Timestamp: since.Add(time.Second), Branch: "feature-x"}))
	require.NoError(t, log.Append(bootlog.Entry{Status: bootlog.StatusSuccess, Timestamp: since.Add(2 * time.Second), Branch: "feature-x"}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.NoError(t, waitForTransition(ctx, cfg, "feature-x", since))

	require.NoError(t, log.Append(bootlog.Entry{Status: bootlog.StatusBootstrapping, Timestamp: since.Add(3 * time.Second), Branch: "feature-z"}))
	require.NoError(t, log.Append(bootlog.Entry{Status: bootlog.StatusFallback, Timestamp: since.Add(4 * time.Second), Branch: "main"}))
	err := waitForTransition(ctx, cfg, "feature-z", since)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolled back")
}

func TestWaitForTransitionTimesOut(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := waitForTransition(ctx, cfg, "feature-x", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigExampleParses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	configWritePath = path
	defer func() { configWritePath = "" }()

	require.NoError(t, configExampleCmd.RunE(configExampleCmd, nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = config.ParseYAML(data)
	assert.NoError(t, err)

	assert.Error(t, configExampleCmd.RunE(configExampleCmd, nil), "refuses to overwrite")
}

func TestCheckPrunable(t *testing.T) {
	cfg := testConfig(t)
	assert.Error(t, checkPrunable(cfg, "main"))
	assert.NoError(t, checkPrunable(cfg, "feature-x"))

	log := bootlog.Open(cfg.BootstrapLogPath())
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, log.Append(bootlog.Entry{Status: bootlog.StatusBootstrapping, Timestamp: now, Branch: "feature-x"}))
	require.NoError(t, log.Append(bootlog.Entry{Status: bootlog.StatusSuccess, Timestamp: now.Add(time.Second), Branch: "feature-x"}))
	assert.Error(t, checkPrunable(cfg, "feature-x"))
	assert.NoError(t, checkPrunable(cfg, "feature-y"))

	require.NoError(t, log.Append(bootlog.Entry{Status: bootlog.StatusFallback, Timestamp: now.Add(2 * time.Second), Branch: "main"}))
	assert.NoError(t, checkPrunable(cfg, "feature-x"))
}
