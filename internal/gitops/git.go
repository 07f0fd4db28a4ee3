package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/hopscotch/internal/faults"
)

// Config locates working copies and the shared remote.
type Config struct {
	Root     string        // workspace root; branch copies live in <Root>/<branch>/<RepoName>
	RepoName string        // directory name of each working copy
	Remote   string        // clone URL or path of the shared remote
	Timeout  time.Duration // upper bound for a single git invocation
	Binary   string        // git executable, default "git"
}

// Git provisions per-branch working copies with the git CLI.
type Git struct {
	cfg Config
}

// New returns a provisioner for cfg.
func New(cfg Config) *Git {
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Git{cfg: cfg}
}

// WorkingCopy returns the directory holding branch's checkout.
func (g *Git) WorkingCopy(branch string) string {
	return filepath.Join(g.cfg.Root, branch, g.cfg.RepoName)
}

// ValidBranch rejects names that git would parse as options or ranges or
// that would escape the workspace root.
func ValidBranch(branch string) bool {
	return branch != "" && !strings.HasPrefix(branch, "-") && !strings.Contains(branch, "..") &&
		!strings.ContainsAny(branch, " ~^:?*[\\") && !strings.HasPrefix(branch, "/")
}

// EnsureBranch makes the working copy for branch match origin/<branch>,
// cloning it on first use. Failures are structural: the branch cannot be
// run until someone fixes the remote.
func (g *Git) EnsureBranch(ctx context.Context, branch string) (string, error) {
	if !ValidBranch(branch) {
		return "", faults.Structuralf("ensure_branch", "invalid branch name %q", branch)
	}
	dir := g.WorkingCopy(branch)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		steps := [][]string{
			{"fetch", "origin"},
			{"checkout", branch},
			{"reset", "--hard", "origin/" + branch},
		}
		for _, args := range steps {
			if _, err := g.run(ctx, dir, args...); err != nil {
				return "", faults.Structural("ensure_branch", err)
			}
		}
		return dir, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return "", faults.Structural("ensure_branch", err)
	}
	if _, err := g.run(ctx, "", "clone", "-b", branch, g.cfg.Remote, dir); err != nil {
		return "", faults.Structural("ensure_branch", err)
	}
	return dir, nil
}

// CurrentBranch returns the branch checked out in dir.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsClean reports whether dir has no uncommitted changes to tracked files.
// Untracked files such as shared logs are ignored.
func (g *Git) IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := g.run(ctx, dir, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// Merged reports whether the commit checked out in dir is reachable from
// origin/<into> after a fetch.
func (g *Git) Merged(ctx context.Context, dir, into string) (bool, error) {
	if _, err := g.run(ctx, dir, "fetch", "origin"); err != nil {
		return false, faults.Transient("merged", err)
	}
	_, err := g.run(ctx, dir, "merge-base", "--is-ancestor", "HEAD", "origin/"+into)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// RemoveWorkingCopy deletes branch's checkout and any parent directories
// it leaves empty below the workspace root.
func (g *Git) RemoveWorkingCopy(branch string) error {
	if !ValidBranch(branch) {
		return faults.Structuralf("remove_working_copy", "invalid branch name %q", branch)
	}
	dir := g.WorkingCopy(branch)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	root := filepath.Clean(g.cfg.Root)
	for parent := filepath.Dir(dir); parent != root && strings.HasPrefix(parent, root); parent = filepath.Dir(parent) {
		if err := os.Remove(parent); err != nil {
			break
		}
	}
	return nil
}

// CommitAndPush stages paths, commits them with message and pushes the
// current branch. Nothing staged is not an error.
func (g *Git) CommitAndPush(ctx context.Context, dir, message string, paths ...string) error {
	if len(paths) == 0 {
		paths = []string{"-A"}
	}
	if _, err := g.run(ctx, dir, append([]string{"add"}, paths...)...); err != nil {
		return faults.Transient("commit_and_push", err)
	}
	if _, err := g.run(ctx, dir, "diff", "--cached", "--quiet"); err == nil {
		return nil
	}
	if _, err := g.run(ctx, dir, "commit", "-m", message); err != nil {
		return faults.Transient("commit_and_push", err)
	}
	if _, err := g.run(ctx, dir, "push", "origin", "HEAD"); err != nil {
		return faults.Transient("commit_and_push", err)
	}
	return nil
}

// CommandError carries the output of a failed git invocation.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Output)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.cfg.Binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", g.cfg.Timeout, ctx.Err())
		}
		return stdout.String(), &CommandError{Args: args, Output: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}
