// ABOUTME: Periodic reconciliation of pending ledger entries against agent task listings
// ABOUTME: Lets jobs from earlier process lifetimes converge without a live monitor

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/2389/beacon-orchestrator/internal/agent"
	"github.com/2389/beacon-orchestrator/internal/arl"
	"github.com/2389/beacon-orchestrator/internal/events"
)

// DefaultReconcileInterval is the time between reconciliation passes.
const DefaultReconcileInterval = 120 * time.Second

// AgentPool is the part of the agent manager used by reconciliation.
type AgentPool interface {
	Get(address string) (*agent.Agent, bool)
	Do(ctx context.Context, address string, op agent.Operation) error
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	Interval time.Duration
	PageSize int
	// Publish receives an event for every transition found.
	Publish func(events.Event)
	Logger  *slog.Logger
}

// Report summarizes one reconciliation pass.
type Report struct {
	Agents   int // agents queried
	Skipped  int // agents with pending entries that are no longer active
	Done     int // entries marked done
	Failed   int // entries marked error or stop
	Errors   int // agents whose listing failed
	Duration time.Duration
}

// Reconciler marks pending ledger entries terminal when their agent lists
// them as done or error.
type Reconciler struct {
	ledger   *Ledger
	agents   AgentPool
	interval time.Duration
	pageSize int
	publish  func(events.Event)
	logger   *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
}

// NewReconciler creates a Reconciler.
func NewReconciler(l *Ledger, agents AgentPool, opts ReconcilerOptions) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultReconcileInterval
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publish == nil {
		opts.Publish = func(events.Event) {}
	}
	return &Reconciler{
		ledger:   l,
		agents:   agents,
		interval: opts.Interval,
		pageSize: opts.PageSize,
		publish:  opts.Publish,
		logger:   opts.Logger.With("component", "reconciler"),
	}
}

// Start schedules a pass every interval. Passes never overlap. The passes
// stop when ctx ends or Stop is called.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scheduler != nil {
		return errors.New("reconciler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s, err := gocron.NewScheduler()
	if err != nil {
		cancel()
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			if _, err := r.RunOnce(runCtx); err != nil {
				r.logger.Warn("reconciliation pass failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = s.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	s.Start()
	r.scheduler = s
	r.cancel = cancel
	r.logger.Info("reconciler started", "interval", r.interval)
	return nil
}

// Stop cancels any running pass and waits for the scheduler to exit.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	s, cancel := r.scheduler, r.cancel
	r.scheduler, r.cancel = nil, nil
	r.mu.Unlock()

	if s == nil {
		return nil
	}
	cancel()
	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("shutting down scheduler: %w", err)
	}
	r.logger.Info("reconciler stopped")
	return nil
}

// RunOnce performs one reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	var rep Report

	pending, err := r.ledger.Pending(ctx)
	if err != nil {
		return rep, err
	}

	addrs := make([]string, 0, len(pending))
	for addr := range pending {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)

	for _, addr := range addrs {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if _, ok := r.agents.Get(addr); !ok {
			rep.Skipped++
			r.logger.Debug("skipping inactive agent", "agent", addr, "pending", len(pending[addr]))
			continue
		}
		rep.Agents++

		done, failed, err := r.reconcileAgent(ctx, addr, pending[addr])
		rep.Done += done
		rep.Failed += failed
		if err != nil {
			rep.Errors++
			if errors.Is(err, agent.ErrTokenExpired) {
				// The manager already evicted the agent and notified.
				continue
			}
			r.logger.Warn("reconciling agent failed", "agent", addr, "error", err)
		}
	}

	rep.Duration = time.Since(start)
	if rep.Done > 0 || rep.Failed > 0 || rep.Errors > 0 {
		r.logger.Info("reconciliation pass finished",
			"agents", rep.Agents,
			"done", rep.Done,
			"failed", rep.Failed,
			"errors", rep.Errors,
			"duration", rep.Duration,
		)
	}
	return rep, nil
}

func (r *Reconciler) reconcileAgent(ctx context.Context, addr string, entries []*Entry) (int, int, error) {
	// Stop ends a pass between agents. A listing already started runs to
	// its own timeout and what it found is recorded.
	ctx = context.WithoutCancel(ctx)

	var tasks []arl.TaskSummary
	err := r.agents.Do(ctx, addr, func(ctx context.Context, c *arl.Client, token string) error {
		var err error
		tasks, err = c.ListTasks(ctx, token, 1, r.pageSize)
		return err
	})
	if err != nil {
		return 0, 0, err
	}

	remote := make(map[string]string, len(tasks))
	for _, t := range tasks {
		remote[t.ID] = t.Status
	}

	var done, failed int
	for _, e := range entries {
		status, ok := remote[e.TaskID]
		if !ok || !arl.IsTerminal(status) {
			continue
		}

		changed, err := r.ledger.SetStatus(ctx, addr, e.TaskID, status)
		if err != nil {
			r.logger.Warn("failed to record reconciled status", "agent", addr, "task_id", e.TaskID, "error", err)
			continue
		}
		if !changed {
			continue
		}

		var ev events.Event
		if status == arl.StatusDone {
			done++
			ev = events.New(events.KindJobCompleted, addr, e.TaskID, e.Target)
		} else {
			failed++
			ev = events.New(events.KindJobFailed, addr, e.TaskID, e.Target)
			ev.Observed = true
		}
		ev.Status = status
		ev.Reconciled = true
		r.publish(ev)
	}
	return done, failed, nil
}

var _ AgentPool = (*agent.Manager)(nil)
