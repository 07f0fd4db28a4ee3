package cmd

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/hopscotch/internal/bootlog"
	"github.com/psantana5/hopscotch/internal/bootstrap"
	"github.com/psantana5/hopscotch/internal/config"
)

var bootstrapWait time.Duration

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap <branch>",
	Short: "Ask the runner to hand over to another branch",
	Long: `Queues a bootstrap request. The running runner picks it up, checks out the
branch and replaces itself with the branch's entry point. The new code must
confirm within the supervisor's grace period or it is rolled back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueRequest(cmd.Context(), bootstrap.Request{Branch: args[0]})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Ask the runner to hand over to the baseline branch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueRequest(cmd.Context(), bootstrap.Request{Rollback: true})
	},
}

func init() {
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(rollbackCmd)

	for _, c := range []*cobra.Command{bootstrapCmd, rollbackCmd} {
		c.Flags().DurationVar(&bootstrapWait, "wait", 0, "wait up to this long for the transition to settle")
	}
}

func requester() string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s@%s", name, host)
}

func queueRequest(ctx context.Context, req bootstrap.Request) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	req.RequestedAt = time.Now().UTC()
	req.RequestedBy = requester()

	target := req.Branch
	if req.Rollback {
		target = cfg.Workspace.BaselineBranch
	}
	if err := bootstrap.WriteRequest(cfg.RequestPath(), req); err != nil {
		return err
	}
	fmt.Printf("Bootstrap to %s queued at %s\n", target, cfg.RequestPath())

	if bootstrapWait <= 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, bootstrapWait)
	defer cancel()
	return waitForTransition(ctx, cfg, target, req.RequestedAt)
}

// waitForTransition polls the bootstrap log until a transition to target
// that began after since has confirmed or been rolled back.
func waitForTransition(ctx context.Context, cfg *config.Config, target string, since time.Time) error {
	log := bootlog.Open(cfg.BootstrapLogPath())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		entries, err := log.Entries()
		if err != nil {
			return err
		}
		in := bootlog.Interpret(entries)
		if in.Verdict != bootlog.NoTransition && in.Transition.Branch == target &&
			!in.Transition.Timestamp.Before(since.Truncate(time.Second)) {
			switch {
			case in.Verdict == bootlog.Healthy:
				fmt.Printf("%s confirmed\n", target)
				return nil
			case in.Resolution != nil:
				return fmt.Errorf("%s was rolled back at %s", target, in.Resolution.Timestamp.Format(time.RFC3339))
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("transition to %s did not settle: %w", target, ctx.Err())
		case <-ticker.C:
		}
	}
}
