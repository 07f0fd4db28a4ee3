package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/hopscotch/internal/bootlog"
	"github.com/psantana5/hopscotch/internal/config"
	"github.com/psantana5/hopscotch/internal/procrepo"
	"github.com/psantana5/hopscotch/internal/status"
)

var statusTail int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervisor, runner and transition state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusTail, "tail", 5, "number of bootstrap log entries to show")
}

func newCollector(cfg *config.Config, branch string) *status.Collector {
	return &status.Collector{
		Procs:             procrepo.NewSystem(),
		SupervisorPattern: supervisorPattern(),
		RunnerPattern:     runnerPattern(cfg),
		Log:               bootlog.Open(cfg.BootstrapLogPath()),
		Marker:            bootlog.NewMarker(cfg.MarkerPath()),
		SnapshotPath:      snapshotPath(cfg),
		Branch:            branch,
		Tail:              statusTail,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	branch, _ := resolveBranch(ctx, newGit(cfg))
	rep := newCollector(cfg, branch).Collect(ctx)

	if IsJSONOutput() {
		output, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Process", "PID", "Status", "Uptime", "Count")
	for _, p := range []status.Process{rep.Supervisor, rep.Runner} {
		if !p.Running {
			table.Append(p.Name, "-", "not running", "-", "0")
			continue
		}
		table.Append(p.Name, strconv.Itoa(int(p.PID)), p.Status, status.FormatUptime(p.Uptime), strconv.Itoa(p.Count))
	}
	table.Render()

	if rep.State != nil {
		fmt.Printf("\nSupervisor: %s, %d crash(es) in window, %d restart(s), %d fallback(s)\n",
			rep.State.State, len(rep.State.Crashes), rep.State.Restarts, rep.State.Fallbacks)
		if rep.State.LastFailure != "" {
			fmt.Printf("Last failure: %s\n", rep.State.LastFailure)
		}
	}

	t := rep.Transition
	fmt.Println()
	switch {
	case t.Error != "":
		fmt.Printf("Bootstrap log unreadable: %s\n", t.Error)
	case t.Branch == "":
		fmt.Println("No transitions recorded")
	default:
		verdict := t.Verdict
		if t.Pending {
			verdict = "pending"
		}
		fmt.Printf("Last transition: %s (%s)\n", t.Branch, verdict)
	}
	if len(t.Recent) > 0 {
		log := tablewriter.NewWriter(os.Stdout)
		log.Header("Status", "Timestamp", "Branch")
		for _, e := range t.Recent {
			log.Append(string(e.Status), e.Timestamp.UTC().Format(time.RFC3339), e.Branch)
		}
		log.Render()
	}

	if rep.Marker.Present {
		fmt.Printf("Marker: %s (epoch %s), age %s\n", rep.Marker.Branch, rep.Marker.Epoch, status.FormatUptime(rep.Marker.Age))
	}
	for _, e := range rep.Errors {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", e)
	}
	return nil
}
