// ABOUTME: scan command: plans a dispatch, confirms it and follows the jobs to completion
// ABOUTME: Prints deduplicated assets, domains and leaked files once every job has finished

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/beacon-orchestrator/internal/dispatch"
	"github.com/2389/beacon-orchestrator/internal/events"
	"github.com/2389/beacon-orchestrator/internal/orchestrator"
	"github.com/2389/beacon-orchestrator/internal/results"
)

var (
	flagScanAgents []string
	flagScanFile   string
	flagScanYes    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan [TARGET...]",
	Short: "Distribute targets across agents and follow the scans",
	Long: `Plans which agent scans which target, shows the plan and, once confirmed,
submits it. Every job is followed until it finishes; results are printed at
the end with duplicates removed.`,
	PreRunE: loadConfig,
	RunE:    runScan,
}

func init() {
	scanCmd.Flags().StringArrayVar(&flagScanAgents, "agent", nil, "restrict to this agent (repeatable, default all)")
	scanCmd.Flags().StringVarP(&flagScanFile, "file", "f", "", "read targets from file, one per line")
	scanCmd.Flags().BoolVarP(&flagScanYes, "yes", "y", false, "submit without asking")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	targets := args
	if flagScanFile != "" {
		fromFile, err := readTargets(flagScanFile)
		if err != nil {
			return err
		}
		targets = append(targets, fromFile...)
	}

	return withOrchestrator(ctx, func(o *orchestrator.Orchestrator) error {
		plan, err := o.PlanDispatch(ctx, targets, flagScanAgents)
		printPlan(os.Stdout, plan)
		if err != nil {
			return err
		}

		if !flagScanYes {
			answer := prompt(bufio.NewReader(cmd.InOrStdin()), os.Stdout, "Submit?", "no")
			if !isYes(answer) {
				fmt.Println("Aborted.")
				return nil
			}
		}

		sink := results.NewSink(results.DefaultSinkSize)
		defer sink.Close()

		var failed int
		for ev := range o.Commit(ctx, plan) {
			printEvent(os.Stdout, ev, sink)
			if ev.Kind == events.KindJobFailed || ev.Kind == events.KindSubmitFailed {
				failed++
			}
		}

		printResults(os.Stdout, sink.Snapshot())
		if ctx.Err() != nil {
			return errors.New("interrupted; unfinished jobs stay in the ledger")
		}
		if failed > 0 {
			return fmt.Errorf("%d job(s) failed", failed)
		}
		return nil
	})
}

func readTargets(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening targets file: %w", err)
	}
	defer f.Close()

	var targets []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading targets file: %w", err)
	}
	return targets, nil
}

func printPlan(out io.Writer, plan dispatch.Assignment) {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Fprintln(out, "  Dispatch plan")
	cyan.Fprintln(out, "  -------------")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, slot := range plan.Agents {
		fmt.Fprintf(w, "  %s\t%d active\t%s\n", slot.Agent, slot.Active, strings.Join(slot.Targets, ", "))
	}
	_ = w.Flush()

	for _, skip := range plan.Skipped {
		yellow.Fprintf(out, "  skipped %s: %s", skip.Agent, skip.Reason)
		switch {
		case skip.Err != nil:
			yellow.Fprintf(out, " (%v)", skip.Err)
		case skip.Reason == dispatch.ReasonOverCeiling:
			yellow.Fprintf(out, " (%d active)", skip.Active)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out)
}

// printEvent prints one line per event. Result batches go through sink so
// only records not printed before are counted.
func printEvent(out io.Writer, ev events.Event, sink *results.Sink) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	job := ev.Target
	if ev.TaskID != "" {
		job = fmt.Sprintf("%s [%s]", ev.Target, ev.TaskID)
	}

	switch ev.Kind {
	case events.KindJobCreated:
		fmt.Fprintf(out, "  + %s on %s\n", job, ev.Agent)
	case events.KindProgressUpdate:
		gray.Fprintf(out, "  · %s %s: %s\n", job, ev.Status, ev.Detail)
	case events.KindResultBatch:
		fresh := sink.Add(*ev.Batch)
		if !fresh.Empty() {
			fmt.Fprintf(out, "  ↳ %s: %d assets, %d domains, %d leaks\n", job, len(fresh.Assets), len(fresh.Domains), len(fresh.Leaks))
		}
	case events.KindJobCompleted:
		if ev.Err != nil {
			red.Fprintf(out, "  ✓ %s done with errors: %v\n", job, ev.Err)
			return
		}
		green.Fprintf(out, "  ✓ %s done\n", job)
	case events.KindJobFailed:
		if ev.Observed {
			red.Fprintf(out, "  ✗ %s failed on agent (%s)\n", job, ev.Status)
			if ev.Err != nil {
				red.Fprintf(out, "    %v\n", ev.Err)
			}
			return
		}
		red.Fprintf(out, "  ✗ %s unreachable: %v\n", job, ev.Err)
	case events.KindSubmitFailed:
		red.Fprintf(out, "  ✗ %s not submitted to %s: %v\n", job, ev.Agent, ev.Err)
	}
}

func printResults(out io.Writer, inc results.Increment) {
	cyan := color.New(color.FgCyan)
	fmt.Fprintln(out)

	if len(inc.Assets) > 0 {
		cyan.Fprintf(out, "  Assets (%d)\n", len(inc.Assets))
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  SITE\tTITLE\tIP\tSERVER\tFINGERPRINT")
		for _, a := range inc.Assets {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", a.Site, a.Title, a.IP, a.HTTPServer, a.Finger)
		}
		_ = w.Flush()
		fmt.Fprintln(out)
	}

	if len(inc.Domains) > 0 {
		cyan.Fprintf(out, "  Domains (%d)\n", len(inc.Domains))
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  DOMAIN\tTYPE\tIPS")
		for _, d := range inc.Domains {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", d.Domain, d.Type, d.IPs)
		}
		_ = w.Flush()
		fmt.Fprintln(out)
	}

	if len(inc.Leaks) > 0 {
		cyan.Fprintf(out, "  Leaked files (%d)\n", len(inc.Leaks))
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  URL\tTITLE")
		for _, l := range inc.Leaks {
			fmt.Fprintf(w, "  %s\t%s\n", l.URL, l.Title)
		}
		_ = w.Flush()
		fmt.Fprintln(out)
	}

	if inc.Empty() {
		fmt.Fprintln(out, "  No results.")
	}
}
