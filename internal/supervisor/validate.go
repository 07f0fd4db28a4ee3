package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/psantana5/hopscotch/internal/faults"
)

// Validator checks that a baseline restart can succeed before it is tried.
type Validator interface {
	Validate(ctx context.Context) error
}

// Repo is the subset of git operations baseline validation needs.
type Repo interface {
	CurrentBranch(ctx context.Context, dir string) (string, error)
	IsClean(ctx context.Context, dir string) (bool, error)
}

// BaselineValidator fails fast when the baseline working copy is not
// runnable: missing, on the wrong branch, modified, or without a runner
// executable.
type BaselineValidator struct {
	Dir     string
	Branch  string
	Command []string
	Repo    Repo
}

// Validate returns a StructuralError describing the first problem found.
func (v *BaselineValidator) Validate(ctx context.Context) error {
	st, err := os.Stat(v.Dir)
	if err != nil {
		return faults.Structural("validate baseline", err)
	}
	if !st.IsDir() {
		return faults.Structuralf("validate baseline", "%s is not a directory", v.Dir)
	}
	if _, err := os.Stat(filepath.Join(v.Dir, ".git")); err != nil {
		return faults.Structuralf("validate baseline", "%s is not a git working copy", v.Dir)
	}

	if v.Repo != nil {
		branch, err := v.Repo.CurrentBranch(ctx, v.Dir)
		if err != nil {
			return faults.Structural("validate baseline", err)
		}
		if branch != v.Branch {
			return faults.Structuralf("validate baseline", "%s is on branch %q, want %q", v.Dir, branch, v.Branch)
		}
		clean, err := v.Repo.IsClean(ctx, v.Dir)
		if err != nil {
			return faults.Structural("validate baseline", err)
		}
		if !clean {
			return faults.Structuralf("validate baseline", "%s has uncommitted changes", v.Dir)
		}
	}

	if len(v.Command) == 0 {
		return faults.Structuralf("validate baseline", "empty runner command")
	}
	if err := v.checkExecutable(v.Command[0]); err != nil {
		return faults.Structural("validate baseline", err)
	}
	return nil
}

func (v *BaselineValidator) checkExecutable(name string) error {
	if !strings.Contains(name, "/") {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("runner command %q: %w", name, err)
		}
		return nil
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(v.Dir, name)
	}
	st, err := os.Stat(name)
	if err != nil {
		return fmt.Errorf("runner command: %w", err)
	}
	if st.IsDir() || st.Mode()&0111 == 0 {
		return fmt.Errorf("runner command %s is not executable", name)
	}
	return nil
}
