// ABOUTME: agents command group: add, list and remove ARL agents
// ABOUTME: Adding an agent logs in once and persists the credentials and token

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/beacon-orchestrator/internal/orchestrator"
)

var (
	flagAgentUser     string
	flagAgentPassword string
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage registered ARL agents",
}

var agentsAddCmd = &cobra.Command{
	Use:     "add ADDRESS",
	Short:   "Log in to an agent and register it",
	Args:    cobra.ExactArgs(1),
	PreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd.Context(), func(o *orchestrator.Orchestrator) error {
			info, err := o.AddAgent(cmd.Context(), args[0], flagAgentUser, flagAgentPassword)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Printf("  ✓ Added %s as %s\n", info.Address, info.Username)
			return nil
		})
	},
}

var agentsListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List registered agents",
	Args:    cobra.NoArgs,
	PreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd.Context(), func(o *orchestrator.Orchestrator) error {
			agents := o.Agents()
			if len(agents) == 0 {
				fmt.Println("No agents registered.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  ADDRESS\tUSER\tTOKEN\tADDED")
			fmt.Fprintln(w, "  -------\t----\t-----\t-----")
			for _, a := range agents {
				token := "no"
				if a.HasToken {
					token = "yes"
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", a.Address, a.Username, token, a.AddedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

var agentsRemoveCmd = &cobra.Command{
	Use:     "remove ADDRESS",
	Short:   "Unregister an agent; its jobs stay in the ledger",
	Args:    cobra.ExactArgs(1),
	PreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd.Context(), func(o *orchestrator.Orchestrator) error {
			if err := o.RemoveAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			color.New(color.FgGreen).Printf("  ✓ Removed %s\n", args[0])
			return nil
		})
	},
}

func init() {
	agentsAddCmd.Flags().StringVar(&flagAgentUser, "user", "", "ARL username (default from config)")
	agentsAddCmd.Flags().StringVar(&flagAgentPassword, "password", "", "ARL password (default from config)")
	agentsCmd.AddCommand(agentsAddCmd, agentsListCmd, agentsRemoveCmd)
}
