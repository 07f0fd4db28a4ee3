package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/hopscotch/internal/faults"
)

func gitEnv(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_AUTHOR_NAME", "test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@example.com")
}

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return string(out)
}

// seedRemote creates a bare remote with main and feature-x branches.
func seedRemote(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	remote := filepath.Join(root, "remote.git")
	seed := filepath.Join(root, "seed")

	mustGit(t, root, "init", "--bare", remote)
	mustGit(t, root, "init", seed)
	mustGit(t, seed, "checkout", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(seed, "bootstrap.sh"), []byte("#!/bin/sh\necho main\n"), 0755))
	mustGit(t, seed, "add", "-A")
	mustGit(t, seed, "commit", "-m", "initial")
	mustGit(t, seed, "remote", "add", "origin", remote)
	mustGit(t, seed, "push", "origin", "main")

	mustGit(t, seed, "checkout", "-b", "feature-x")
	require.NoError(t, os.WriteFile(filepath.Join(seed, "bootstrap.sh"), []byte("#!/bin/sh\necho feature\n"), 0755))
	mustGit(t, seed, "commit", "-am", "feature")
	mustGit(t, seed, "push", "origin", "feature-x")
	return remote
}

func TestEnsureBranchClonesThenResets(t *testing.T) {
	gitEnv(t)
	remote := seedRemote(t)
	g := New(Config{Root: t.TempDir(), RepoName: "workload", Remote: remote, Timeout: 30 * time.Second})
	ctx := context.Background()

	dir, err := g.EnsureBranch(ctx, "feature-x")
	require.NoError(t, err)
	assert.Equal(t, g.WorkingCopy("feature-x"), dir)

	branch, err := g.CurrentBranch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "feature-x", branch)

	// local damage is discarded by the next EnsureBranch
	script := filepath.Join(dir, "bootstrap.sh")
	require.NoError(t, os.WriteFile(script, []byte("broken"), 0755))
	clean, err := g.IsClean(ctx, dir)
	require.NoError(t, err)
	assert.False(t, clean)

	_, err = g.EnsureBranch(ctx, "feature-x")
	require.NoError(t, err)
	data, err := os.ReadFile(script)
	require.NoError(t, err)
	assert.Contains(t, string(data), "echo feature")

	clean, err = g.IsClean(ctx, dir)
	require.NoError(t, err)
	assert.True(t, clean)
}

func TestEnsureBranchUnknownBranchIsStructural(t *testing.T) {
	gitEnv(t)
	remote := seedRemote(t)
	g := New(Config{Root: t.TempDir(), RepoName: "workload", Remote: remote})

	_, err := g.EnsureBranch(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.True(t, faults.IsStructural(err))

	_, err = g.EnsureBranch(context.Background(), "--upload-pack=evil")
	assert.True(t, faults.IsStructural(err))
}

func TestCommitAndPush(t *testing.T) {
	gitEnv(t)
	remote := seedRemote(t)
	g := New(Config{Root: t.TempDir(), RepoName: "workload", Remote: remote})
	ctx := context.Background()

	dir, err := g.EnsureBranch(ctx, "main")
	require.NoError(t, err)

	// nothing to commit
	require.NoError(t, g.CommitAndPush(ctx, dir, "noop"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "COMMS.md"), []byte("hello\n"), 0644))
	require.NoError(t, g.CommitAndPush(ctx, dir, "SUPERVISOR ALERT: hello", "COMMS.md"))

	log := mustGit(t, remote, "log", "-1", "--format=%s", "main")
	assert.Equal(t, "SUPERVISOR ALERT: hello", strings.TrimSpace(log))
}

func TestValidBranch(t *testing.T) {
	tests := []struct {
		branch string
		want   bool
	}{
		{"main", true},
		{"feature/x-1", true},
		{"", false},
		{"-rf", false},
		{"a..b", false},
		{"/abs", false},
		{"has space", false},
		{"HEAD~1", false},
	}
	for _, tt := range tests {
		if got := ValidBranch(tt.branch); got != tt.want {
			t.Errorf("ValidBranch(%q) = %v, want %v", tt.branch, got, tt.want)
		}
	}
}

func TestMergedAndRemoveWorkingCopy(t *testing.T) {
	gitEnv(t)
	remote := seedRemote(t)
	root := t.TempDir()
	g := New(Config{Root: root, RepoName: "workload", Remote: remote})
	ctx := context.Background()

	dir, err := g.EnsureBranch(ctx, "feature-x")
	require.NoError(t, err)

	merged, err := g.Merged(ctx, dir, "main")
	require.NoError(t, err)
	assert.False(t, merged)

	// fast-forward main to the feature commit
	mustGit(t, dir, "push", "origin", "HEAD:main")
	merged, err = g.Merged(ctx, dir, "main")
	require.NoError(t, err)
	assert.True(t, merged)

	require.NoError(t, g.RemoveWorkingCopy("feature-x"))
	_, err = os.Stat(filepath.Join(root, "feature-x"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(root)
	assert.NoError(t, err)

	assert.True(t, faults.IsStructural(g.RemoveWorkingCopy("../escape")))
}
