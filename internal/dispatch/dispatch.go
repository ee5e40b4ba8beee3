// ABOUTME: Distributes scan targets across eligible agents and submits them
// ABOUTME: Skips agents over the active-job ceiling and fills idle agents first

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/beacon-orchestrator/internal/agent"
	"github.com/2389/beacon-orchestrator/internal/arl"
)

// ErrNoEligibleAgent indicates every candidate agent was skipped.
var ErrNoEligibleAgent = errors.New("no eligible agent")

// ErrNoTargets indicates the target list was empty after trimming.
var ErrNoTargets = errors.New("no targets")

// Skip reasons
const (
	ReasonOverCeiling = "over ceiling"
	ReasonCountFailed = "count failed"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxActiveJobs = 5
	DefaultCountPageSize = 100
	DefaultParallelism   = 8
)

// Doer runs an agent API call with token refresh.
type Doer interface {
	Do(ctx context.Context, address string, op agent.Operation) error
}

// Options configures a Dispatcher.
type Options struct {
	// MaxActiveJobs skips agents with more running or waiting tasks than this.
	MaxActiveJobs int
	// CountPageSize is the task listing size used to count active tasks.
	CountPageSize int
	// Parallelism bounds how many agents are contacted at once.
	Parallelism int
	ScanOptions arl.ScanOptions
	Logger      *slog.Logger
}

// Slot is the work planned for one agent.
type Slot struct {
	Agent   string
	Active  int // running and waiting tasks when planned
	Targets []string
}

// Skip records an agent left out of a plan.
type Skip struct {
	Agent  string
	Reason string
	Active int
	Err    error
}

// Assignment maps every target to exactly one agent. Agents are listed in
// the order they were filled.
type Assignment struct {
	Agents  []Slot
	Skipped []Skip
}

// TargetCount returns the number of assigned targets.
func (a Assignment) TargetCount() int {
	n := 0
	for _, s := range a.Agents {
		n += len(s.Targets)
	}
	return n
}

// Outcome is the result of submitting one target.
type Outcome struct {
	Agent   string
	Target  string
	TaskIDs []string
	Err     error
}

// Dispatcher plans and submits scan jobs.
type Dispatcher struct {
	agents        Doer
	maxActive     int
	countPageSize int
	parallelism   int
	scanOptions   arl.ScanOptions
	logger        *slog.Logger
}

// New creates a Dispatcher.
func New(agents Doer, opts Options) *Dispatcher {
	if opts.MaxActiveJobs < 0 {
		opts.MaxActiveJobs = DefaultMaxActiveJobs
	}
	if opts.CountPageSize <= 0 {
		opts.CountPageSize = DefaultCountPageSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		agents:        agents,
		maxActive:     opts.MaxActiveJobs,
		countPageSize: opts.CountPageSize,
		parallelism:   opts.Parallelism,
		scanOptions:   opts.ScanOptions,
		logger:        opts.Logger.With("component", "dispatch"),
	}
}

// CountActive returns how many of the agent's tasks are running or waiting.
func (d *Dispatcher) CountActive(ctx context.Context, address string) (int, error) {
	var tasks []arl.TaskSummary
	err := d.agents.Do(ctx, address, func(ctx context.Context, c *arl.Client, token string) error {
		var err error
		tasks, err = c.ListTasks(ctx, token, 1, d.countPageSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, t := range tasks {
		if arl.IsActive(t.Status) {
			n++
		}
	}
	return n, nil
}

// Plan assigns targets to agents. Active counts are read once, concurrently,
// and treated as a snapshot. Agents above the ceiling or whose count could
// not be read are skipped. The rest are ordered by active count, idle agents
// first, and receive targets in round robin.
func (d *Dispatcher) Plan(ctx context.Context, targets, agents []string) (Assignment, error) {
	targets = CleanTargets(targets)
	if len(targets) == 0 {
		return Assignment{}, ErrNoTargets
	}
	agents = uniq(agents)

	counts := make([]int, len(agents))
	errs := make([]error, len(agents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for i, addr := range agents {
		g.Go(func() error {
			counts[i], errs[i] = d.CountActive(gctx, addr)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Assignment{}, err
	}

	var plan Assignment
	for i, addr := range agents {
		switch {
		case errs[i] != nil:
			plan.Skipped = append(plan.Skipped, Skip{Agent: addr, Reason: ReasonCountFailed, Err: errs[i]})
			d.logger.Warn("agent skipped", "agent", addr, "reason", ReasonCountFailed, "error", errs[i])
		case counts[i] > d.maxActive:
			plan.Skipped = append(plan.Skipped, Skip{Agent: addr, Reason: ReasonOverCeiling, Active: counts[i]})
			d.logger.Info("agent skipped", "agent", addr, "reason", ReasonOverCeiling, "active", counts[i])
		default:
			plan.Agents = append(plan.Agents, Slot{Agent: addr, Active: counts[i]})
		}
	}

	if len(plan.Agents) == 0 {
		return plan, ErrNoEligibleAgent
	}

	slices.SortStableFunc(plan.Agents, func(a, b Slot) int {
		return a.Active - b.Active
	})

	for i, target := range targets {
		slot := &plan.Agents[i%len(plan.Agents)]
		slot.Targets = append(slot.Targets, target)
	}

	d.logger.Info("dispatch planned",
		"targets", len(targets),
		"agents", len(plan.Agents),
		"skipped", len(plan.Skipped),
	)
	return plan, nil
}

// Submit sends every assigned target to its agent. Agents are contacted in
// parallel; the targets of one agent are submitted in order. report is
// called once per target, possibly from several goroutines. A failed target
// never stops the others.
func (d *Dispatcher) Submit(ctx context.Context, plan Assignment, report func(Outcome)) {
	g := new(errgroup.Group)
	g.SetLimit(d.parallelism)

	for _, slot := range plan.Agents {
		g.Go(func() error {
			for _, target := range slot.Targets {
				out := Outcome{Agent: slot.Agent, Target: target}
				if err := ctx.Err(); err != nil {
					out.Err = err
				} else {
					out.TaskIDs, out.Err = d.SubmitTarget(ctx, slot.Agent, target)
				}
				if out.Err != nil {
					d.logger.Warn("submit failed", "agent", slot.Agent, "target", target, "error", out.Err)
				}
				report(out)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// SubmitTarget submits one target to one agent and returns the task ids it
// created.
func (d *Dispatcher) SubmitTarget(ctx context.Context, address, target string) ([]string, error) {
	req := arl.SubmitRequest{
		Name:    arl.TaskName(time.Now()),
		Target:  target,
		Options: d.scanOptions,
	}

	var ids []string
	err := d.agents.Do(ctx, address, func(ctx context.Context, c *arl.Client, token string) error {
		var err error
		ids, err = c.Submit(ctx, token, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("submitting %s: %w", target, err)
	}
	d.logger.Info("target submitted", "agent", address, "target", target, "task_ids", ids)
	return ids, nil
}

// CleanTargets trims targets and drops blanks and exact duplicates, keeping
// the first occurrence.
func CleanTargets(targets []string) []string {
	out := make([]string, 0, len(targets))
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func uniq(agents []string) []string {
	out := make([]string, 0, len(agents))
	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
