package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/hopscotch/internal/bootlog"
	"github.com/psantana5/hopscotch/internal/config"
)

var pruneForce bool

var pruneCmd = &cobra.Command{
	Use:   "prune <branch>",
	Short: "Delete a branch working copy once it is merged into the baseline",
	Long: `Removes <workspace.root>/<branch>/<repo_name>. The baseline copy and the
branch the runner is currently executing are never removed. Unless --force
is given the branch must already be merged into the baseline on the remote.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		branch := args[0]
		if err := checkPrunable(cfg, branch); err != nil {
			return err
		}

		git := newGit(cfg)
		dir := git.WorkingCopy(branch)
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("no working copy for %s: %w", branch, err)
		}
		if !pruneForce {
			merged, err := git.Merged(cmd.Context(), dir, cfg.Workspace.BaselineBranch)
			if err != nil {
				return err
			}
			if !merged {
				return fmt.Errorf("%s is not merged into %s (use --force to remove anyway)",
					branch, cfg.Workspace.BaselineBranch)
			}
		}
		if err := git.RemoveWorkingCopy(branch); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVar(&pruneForce, "force", false, "remove even if the branch is not merged")
}

// checkPrunable refuses the baseline and the branch the runner executes
// from: the last transition's branch unless a FALLBACK ended the log.
func checkPrunable(cfg *config.Config, branch string) error {
	if branch == cfg.Workspace.BaselineBranch {
		return fmt.Errorf("refusing to remove the baseline working copy")
	}
	entries, err := bootlog.Open(cfg.BootstrapLogPath()).Entries()
	if err != nil {
		return fmt.Errorf("cannot determine the active branch: %w", err)
	}
	in := bootlog.Interpret(entries)
	if in.Verdict == bootlog.NoTransition || entries[len(entries)-1].Status == bootlog.StatusFallback {
		return nil
	}
	if in.Transition.Branch == branch {
		return fmt.Errorf("%s is the active branch", branch)
	}
	return nil
}
