// ABOUTME: jobs, reconcile and version commands
// ABOUTME: Lists and deletes ledger entries and runs a single reconciliation pass

package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/beacon-orchestrator/internal/arl"
	"github.com/2389/beacon-orchestrator/internal/orchestrator"
	"github.com/2389/beacon-orchestrator/internal/store"
)

var (
	flagJobsAgent  string
	flagJobsStatus []string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and delete ledger entries",
}

var jobsListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List recorded jobs",
	Args:    cobra.NoArgs,
	PreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd.Context(), func(o *orchestrator.Orchestrator) error {
			filter := store.TaskFilter{Statuses: flagJobsStatus}
			if flagJobsAgent != "" {
				addr, err := arl.NormalizeAddress(flagJobsAgent)
				if err != nil {
					return err
				}
				filter.Agent = addr
			}

			jobs, err := o.Jobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  AGENT\tTASK ID\tTARGET\tSTATUS\tASSETS\tDOMAINS\tLEAKS\tCREATED")
			fmt.Fprintln(w, "  -----\t-------\t------\t------\t------\t-------\t-----\t-------")
			for _, j := range jobs {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					j.Agent, j.TaskID, truncate(j.Target, 32), j.Status,
					j.Counts.Assets, j.Counts.Domains, j.Counts.Leaks,
					j.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:     "delete AGENT TASK_ID",
	Short:   "Delete a job on its agent and remove it from the ledger",
	Args:    cobra.ExactArgs(2),
	PreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd.Context(), func(o *orchestrator.Orchestrator) error {
			if err := o.DeleteJob(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			color.New(color.FgGreen).Printf("  ✓ Deleted %s\n", args[1])
			return nil
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:     "reconcile",
	Short:   "Mark pending jobs finished if their agent reports them done",
	Args:    cobra.NoArgs,
	PreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd.Context(), func(o *orchestrator.Orchestrator) error {
			rep, err := o.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("  agents queried: %d, skipped: %d\n", rep.Agents, rep.Skipped)
			fmt.Printf("  done: %d, failed: %d, errors: %d (%s)\n", rep.Done, rep.Failed, rep.Errors, rep.Duration.Round(time.Millisecond))
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("beacon-orchestrator: %s\n", version)
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			}
		}
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&flagJobsAgent, "agent", "", "only jobs of this agent")
	jobsListCmd.Flags().StringSliceVar(&flagJobsStatus, "status", nil, "only jobs with these statuses")
	jobsCmd.AddCommand(jobsListCmd, jobsDeleteCmd)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
