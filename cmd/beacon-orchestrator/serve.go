// ABOUTME: serve command: resumes pending jobs and reconciles the ledger until interrupted
// ABOUTME: Logs every orchestrator event as it happens

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/beacon-orchestrator/internal/events"
	"github.com/2389/beacon-orchestrator/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Follow pending jobs and reconcile the ledger until interrupted",
	Args:    cobra.NoArgs,
	PreRunE: loadConfig,
	RunE:    runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Ledger:     %s (%s)\n", cfg.Storage.Path, cfg.Storage.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Poll:       every %s, results every %s\n", cfg.Monitor.PollInterval, cfg.Monitor.Dwell)
	green.Print("    ▶ ")
	fmt.Printf("Reconcile:  every %s\n", cfg.Ledger.ReconcileInterval)
	fmt.Println()

	logger.Info("starting beacon-orchestrator",
		"config", configPath,
		"storage", cfg.Storage.Driver,
	)

	return withOrchestrator(ctx, func(o *orchestrator.Orchestrator) error {
		go logEvents(o.Subscribe(ctx))

		resumed, err := o.Resume(ctx)
		if err != nil {
			return fmt.Errorf("resuming jobs: %w", err)
		}
		go func() {
			for range resumed {
			}
		}()

		return o.Run(ctx)
	})
}

func logEvents(ch <-chan events.Event) {
	for ev := range ch {
		switch {
		case ev.Kind == events.KindAgentAuthExpired:
			logger.Error("=== AGENT AUTH EXPIRED ===", "event", ev, "error", ev.Err)
		case ev.Err != nil:
			logger.Warn("event", "event", ev, "error", ev.Err)
		case ev.Kind == events.KindProgressUpdate:
			logger.Debug("event", "event", ev)
		default:
			logger.Info("event", "event", ev)
		}
	}
}
