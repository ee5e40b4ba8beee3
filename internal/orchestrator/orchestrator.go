// ABOUTME: Orchestrator wiring agents, dispatch, monitors, ledger and reconciliation
// ABOUTME: Owns the lifecycle of every background unit and the event fan-out

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/2389/beacon-orchestrator/internal/agent"
	"github.com/2389/beacon-orchestrator/internal/arl"
	"github.com/2389/beacon-orchestrator/internal/config"
	"github.com/2389/beacon-orchestrator/internal/dispatch"
	"github.com/2389/beacon-orchestrator/internal/events"
	"github.com/2389/beacon-orchestrator/internal/ledger"
	"github.com/2389/beacon-orchestrator/internal/monitor"
	"github.com/2389/beacon-orchestrator/internal/results"
	"github.com/2389/beacon-orchestrator/internal/store"
)

// ErrStopped is returned by operations started after Stop.
var ErrStopped = errors.New("orchestrator stopped")

// Orchestrator coordinates scan jobs across the registered agents.
type Orchestrator struct {
	cfg    *config.Config
	store  store.Store
	root   *slog.Logger
	logger *slog.Logger

	agents      *agent.Manager
	ledger      *ledger.Ledger
	dispatcher  *dispatch.Dispatcher
	results     *results.Aggregator
	reconciler  *ledger.Reconciler
	broadcaster *events.Broadcaster

	// stopCtx is cancelled by Stop and bounds every stream.
	stopCtx context.Context
	stopFn  context.CancelFunc

	mu      sync.Mutex
	stopped bool
	units   sync.WaitGroup
}

// OpenStore creates the store selected by cfg, sealing agent credentials
// when a secret key is configured.
func OpenStore(cfg *config.Config) (store.Store, error) {
	path := cfg.Storage.Path
	if envPath := os.Getenv("BEACON_STORE_PATH"); envPath != "" {
		path = envPath
	}

	var s store.Store
	var err error
	switch cfg.Storage.Driver {
	case config.StorageDriverSQLite:
		s, err = store.NewSQLiteStore(path)
	default:
		s, err = store.NewFileStore(path)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	if cfg.Storage.SecretKey == "" {
		return s, nil
	}
	sealed, err := store.NewSealedStore(s, cfg.Storage.SecretKey)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing sealed store: %w", err)
	}
	return sealed, nil
}

// New creates an Orchestrator. The store is owned by the caller.
func New(cfg *config.Config, s store.Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	agents := agent.NewManager(s, agent.Options{
		Username: cfg.Agents.Username,
		Password: cfg.Agents.Password,
		ClientOptions: []arl.Option{
			arl.WithInsecureTLS(cfg.Agents.InsecureTLS),
			arl.WithTimeout(cfg.Agents.RequestTimeout),
			arl.WithLoginTimeout(cfg.Agents.LoginTimeout),
			arl.WithLogger(logger),
		},
		Logger: logger,
	})
	l := ledger.New(s, logger)
	broadcaster := events.NewBroadcaster(logger)

	stopCtx, stopFn := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:    cfg,
		store:  s,
		root:   logger,
		logger: logger.With("component", "orchestrator"),
		agents: agents,
		ledger: l,
		dispatcher: dispatch.New(agents, dispatch.Options{
			MaxActiveJobs: cfg.Dispatch.MaxActiveJobs,
			CountPageSize: cfg.Dispatch.CountPageSize,
			ScanOptions:   cfg.Dispatch.ScanOptions,
			Logger:        logger,
		}),
		results: results.NewAggregator(agents, cfg.Agents.PageSize, logger),
		reconciler: ledger.NewReconciler(l, agents, ledger.ReconcilerOptions{
			Interval: cfg.Ledger.ReconcileInterval,
			PageSize: cfg.Ledger.ReconcilePageSize,
			Publish:  broadcaster.Publish,
			Logger:   logger,
		}),
		broadcaster: broadcaster,
		stopCtx:     stopCtx,
		stopFn:      stopFn,
	}

	agents.SetOnTokenExpired(func(address string, err error) {
		ev := events.New(events.KindAgentAuthExpired, address, "", "")
		ev.Err = err
		broadcaster.Publish(ev)
	})
	return o
}

// LoadLedger restores registered agents with their stored tokens and
// reports how many ledger entries are still pending.
func (o *Orchestrator) LoadLedger(ctx context.Context) error {
	n, err := o.agents.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}
	pending, err := o.ledger.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}
	o.logger.Info("=== LEDGER LOADED ===",
		"agents", n,
		"pending_jobs", pending,
	)
	return nil
}

// PersistLedger forces the ledger to disk. Stores that write through on
// every mutation have nothing to do.
func (o *Orchestrator) PersistLedger(ctx context.Context) error {
	if err := store.Sync(ctx, o.store); err != nil {
		return fmt.Errorf("persisting ledger: %w", err)
	}
	return nil
}

// AddAgent logs in to the agent at address and registers it.
func (o *Orchestrator) AddAgent(ctx context.Context, address, username, password string) (agent.Info, error) {
	a, err := o.agents.Add(ctx, address, username, password)
	if err != nil {
		return agent.Info{}, err
	}
	return a.Info(), nil
}

// RemoveAgent unregisters an agent. Its ledger entries are kept.
func (o *Orchestrator) RemoveAgent(ctx context.Context, address string) error {
	return o.agents.Remove(ctx, address)
}

// Agents lists the registered agents.
func (o *Orchestrator) Agents() []agent.Info {
	return o.agents.List()
}

// PlanDispatch assigns targets to agents. With no addresses every
// registered agent is a candidate.
func (o *Orchestrator) PlanDispatch(ctx context.Context, targets, addresses []string) (dispatch.Assignment, error) {
	if len(addresses) == 0 {
		addresses = o.agents.Addresses()
		if len(addresses) == 0 {
			return dispatch.Assignment{}, fmt.Errorf("%w: no agents registered", dispatch.ErrNoEligibleAgent)
		}
	}

	normalized := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		n, err := arl.NormalizeAddress(addr)
		if err != nil {
			return dispatch.Assignment{}, err
		}
		normalized = append(normalized, n)
	}
	return o.dispatcher.Plan(ctx, targets, normalized)
}

// Commit submits plan in the background. Every accepted task id is recorded
// in the ledger, announced with JobCreated and followed by its own monitor.
// The returned channel carries every event of this commit and is closed once
// all submissions and monitors have finished. Sends block, so the channel
// must be drained; events are also published to subscribers.
func (o *Orchestrator) Commit(ctx context.Context, plan dispatch.Assignment) <-chan events.Event {
	s := o.newStream(ctx)
	o.logger.Info("=== COMMIT STARTED ===",
		"targets", plan.TargetCount(),
		"agents", len(plan.Agents),
	)
	return s.run(func() {
		o.dispatcher.Submit(s.ctx, plan, func(out dispatch.Outcome) {
			if out.Err != nil {
				ev := events.New(events.KindSubmitFailed, out.Agent, "", out.Target)
				ev.Err = out.Err
				s.emit(ev)
				return
			}
			for _, id := range out.TaskIDs {
				o.accept(s, out.Agent, id, out.Target)
			}
		})
	})
}

// accept records a task the agent accepted and starts monitoring it.
func (o *Orchestrator) accept(s *stream, address, taskID, target string) {
	// The task exists remotely; recording it must not be skipped on cancel.
	if _, err := o.ledger.Record(context.WithoutCancel(s.ctx), address, taskID, target); err != nil {
		o.logger.Error("failed to record accepted task", "agent", address, "task_id", taskID, "error", err)
		ev := events.New(events.KindSubmitFailed, address, taskID, target)
		ev.Err = err
		s.emit(ev)
		return
	}

	ev := events.New(events.KindJobCreated, address, taskID, target)
	ev.Status = store.TaskStatusSubmitted
	s.emit(ev)

	s.watch(monitor.Job{Agent: address, TaskID: taskID, Target: target, Status: store.TaskStatusSubmitted})
}

// Resume starts monitors for the pending ledger entries of registered
// agents, continuing from their persisted result counts. The returned
// channel behaves like the one from Commit.
func (o *Orchestrator) Resume(ctx context.Context) (<-chan events.Event, error) {
	pending, err := o.ledger.Pending(ctx)
	if err != nil {
		return nil, err
	}

	var jobs []monitor.Job
	for addr, entries := range pending {
		if _, ok := o.agents.Get(addr); !ok {
			continue
		}
		for _, e := range entries {
			jobs = append(jobs, monitor.Job{
				Agent:  e.Agent,
				TaskID: e.TaskID,
				Target: e.Target,
				Status: e.Status,
				Counts: e.Counts,
			})
		}
	}
	o.logger.Info("resuming pending jobs", "jobs", len(jobs))

	s := o.newStream(ctx)
	return s.run(func() {
		for _, job := range jobs {
			s.watch(job)
		}
	}), nil
}

// DeleteJob deletes a task from its agent and removes its ledger entry.
// When the agent is not registered only the ledger entry is removed.
func (o *Orchestrator) DeleteJob(ctx context.Context, address, taskID string) error {
	if addr, err := arl.NormalizeAddress(address); err == nil {
		address = addr
	}

	if _, ok := o.agents.Get(address); ok {
		err := o.agents.Do(ctx, address, func(ctx context.Context, c *arl.Client, token string) error {
			return c.DeleteTasks(ctx, token, taskID)
		})
		if err != nil {
			return fmt.Errorf("deleting task on agent: %w", err)
		}
	} else {
		o.logger.Warn("agent not registered, removing ledger entry only", "agent", address, "task_id", taskID)
	}

	return o.ledger.Delete(ctx, address, taskID)
}

// Jobs lists ledger entries matching filter.
func (o *Orchestrator) Jobs(ctx context.Context, filter store.TaskFilter) ([]*ledger.Entry, error) {
	return o.ledger.List(ctx, filter)
}

// Reconcile runs one reconciliation pass.
func (o *Orchestrator) Reconcile(ctx context.Context) (ledger.Report, error) {
	return o.reconciler.RunOnce(ctx)
}

// Subscribe returns every event published from now on. The subscription
// ends with ctx.
func (o *Orchestrator) Subscribe(ctx context.Context) <-chan events.Event {
	ch, _ := o.broadcaster.Subscribe(ctx, events.AllAgents)
	return ch
}

// Run reconciles once, then on the configured interval until ctx ends or
// Stop is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	if _, err := o.reconciler.RunOnce(ctx); err != nil {
		o.logger.Warn("initial reconciliation failed", "error", err)
	}
	if err := o.reconciler.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-o.stopCtx.Done():
	}
	return o.reconciler.Stop()
}

// Stop cancels every monitor, submission and the reconciler and waits for
// them to return. It is safe to call more than once.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	o.logger.Info("stopping orchestrator")
	o.stopFn()
	err := o.reconciler.Stop()
	o.units.Wait()
	o.broadcaster.Close()
	return err
}
