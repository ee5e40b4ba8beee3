// ABOUTME: Follows one submitted scan job from submission to a terminal status
// ABOUTME: Polls status, harvests results on a dwell clock and records everything in the ledger

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/beacon-orchestrator/internal/agent"
	"github.com/2389/beacon-orchestrator/internal/arl"
	"github.com/2389/beacon-orchestrator/internal/events"
	"github.com/2389/beacon-orchestrator/internal/ledger"
	"github.com/2389/beacon-orchestrator/internal/results"
	"github.com/2389/beacon-orchestrator/internal/store"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultPollInterval   = 5 * time.Second
	DefaultDwell          = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Doer runs an agent API call with token refresh.
type Doer interface {
	Do(ctx context.Context, address string, op agent.Operation) error
}

// Job identifies the job to follow. Status and Counts are the last values
// recorded in the ledger; a resumed job passes its persisted counts so
// already delivered results are not harvested again.
type Job struct {
	Agent  string
	TaskID string
	Target string
	Status string
	Counts store.Counts
}

// Options configures a Monitor.
type Options struct {
	PollInterval time.Duration
	// Dwell is the minimum time between two partial result fetches.
	Dwell time.Duration
	// RequestTimeout bounds each agent call. Calls are detached from Run's
	// context so a stop never aborts a request half way.
	RequestTimeout time.Duration
	// Emit receives every event of the job in order. It may block.
	Emit   func(events.Event)
	Logger *slog.Logger
}

// Monitor follows one job. It is not reusable.
type Monitor struct {
	job     Job
	agents  Doer
	ledger  *ledger.Ledger
	results *results.Aggregator

	pollInterval   time.Duration
	dwell          time.Duration
	requestTimeout time.Duration
	emit           func(events.Event)
	logger         *slog.Logger

	status    string
	counts    store.Counts
	lastFetch time.Time
}

// New creates a Monitor for job.
func New(job Job, agents Doer, l *ledger.Ledger, agg *results.Aggregator, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Dwell < 0 {
		opts.Dwell = DefaultDwell
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Emit == nil {
		opts.Emit = func(events.Event) {}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if job.Status == "" {
		job.Status = store.TaskStatusSubmitted
	}
	return &Monitor{
		job:            job,
		agents:         agents,
		ledger:         l,
		results:        agg,
		pollInterval:   opts.PollInterval,
		dwell:          opts.Dwell,
		requestTimeout: opts.RequestTimeout,
		emit:           opts.Emit,
		logger: opts.Logger.With(
			"component", "monitor",
			"agent", job.Agent,
			"task_id", job.TaskID,
		),
		status: job.Status,
		counts: job.Counts,
	}
}

// Run polls until the job reaches a terminal status, its status can no
// longer be read, or ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	m.lastFetch = time.Now()
	m.logger.Debug("monitor started", "target", m.job.Target)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("monitor stopped", "status", m.status)
			return
		case <-ticker.C:
		}

		if m.poll(ctx) {
			return
		}
	}
}

// poll runs one status check and reports whether the monitor is finished.
func (m *Monitor) poll(ctx context.Context) bool {
	st, err := m.fetchStatus(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		m.logger.Warn("status unavailable, giving up on job", "error", err)
		ev := m.event(events.KindJobFailed)
		ev.Status = m.status
		ev.Err = err
		m.emit(ev)
		return true
	}

	switch st.Status {
	case arl.StatusDone:
		m.complete(ctx)
		return true
	case arl.StatusError, arl.StatusStopped:
		m.fail(ctx, st)
		return true
	}
	if ctx.Err() != nil {
		return true
	}

	m.progress(ctx, st)
	return false
}

func (m *Monitor) fetchStatus(ctx context.Context) (arl.TaskStatus, error) {
	reqCtx, cancel := m.requestContext(ctx)
	defer cancel()

	var st arl.TaskStatus
	err := m.agents.Do(reqCtx, m.job.Agent, func(ctx context.Context, c *arl.Client, token string) error {
		var err error
		st, err = c.Status(ctx, token, m.job.TaskID)
		return err
	})
	return st, err
}

func (m *Monitor) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.requestTimeout)
}

// writeContext is used for ledger writes. A status the agent reported is
// recorded even when the monitor is being stopped.
func writeContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (m *Monitor) progress(ctx context.Context, st arl.TaskStatus) {
	if st.Status != m.status {
		if _, err := m.ledger.SetStatus(writeContext(ctx), m.job.Agent, m.job.TaskID, st.Status); err != nil {
			m.logger.Warn("failed to record status", "status", st.Status, "error", err)
		}
		m.status = st.Status
	}

	if time.Since(m.lastFetch) >= m.dwell {
		m.harvest(ctx)
	}

	ev := m.event(events.KindProgressUpdate)
	ev.Status = st.Status
	ev.Detail = st.Detail()
	m.emit(ev)
}

// harvest fetches the records added since the last fetch.
func (m *Monitor) harvest(ctx context.Context) {
	reqCtx, cancel := m.requestContext(ctx)
	defer cancel()

	inc, counts, err := m.results.Fetch(reqCtx, m.job.Agent, m.job.TaskID, m.counts)
	m.lastFetch = time.Now()
	if err != nil {
		m.logger.Warn("partial result fetch failed", "error", err)
		return
	}

	if counts != m.counts {
		if err := m.ledger.SetCounts(writeContext(ctx), m.job.Agent, m.job.TaskID, counts); err != nil {
			m.logger.Warn("failed to record result counts", "error", err)
		}
		m.counts = counts
	}

	if !inc.Empty() {
		m.emitBatch(inc, false)
	}
}

func (m *Monitor) complete(ctx context.Context) {
	reqCtx, cancel := m.requestContext(ctx)
	defer cancel()

	inc, counts, fetchErr := m.results.Fetch(reqCtx, m.job.Agent, m.job.TaskID, store.Counts{})
	if fetchErr != nil {
		m.logger.Warn("final result fetch failed", "error", fetchErr)
		counts = m.counts
	}

	var writeErr error
	if err := m.ledger.Finish(writeContext(ctx), m.job.Agent, m.job.TaskID, store.TaskStatusDone, counts); err != nil {
		m.logger.Error("failed to record completion", "error", err)
		writeErr = fmt.Errorf("recording completion: %w", err)
	}
	m.status = store.TaskStatusDone
	m.counts = counts

	if fetchErr == nil && !inc.Empty() {
		m.emitBatch(inc, true)
	}

	m.logger.Info("job completed",
		"target", m.job.Target,
		"assets", counts.Assets,
		"domains", counts.Domains,
		"leaks", counts.Leaks,
	)
	ev := m.event(events.KindJobCompleted)
	ev.Status = store.TaskStatusDone
	ev.Err = errors.Join(fetchErr, writeErr)
	m.emit(ev)
}

func (m *Monitor) fail(ctx context.Context, st arl.TaskStatus) {
	var writeErr error
	if err := m.ledger.Finish(writeContext(ctx), m.job.Agent, m.job.TaskID, st.Status, m.counts); err != nil {
		m.logger.Error("failed to record failure", "error", err)
		writeErr = fmt.Errorf("recording %s status: %w", st.Status, err)
	}
	m.status = st.Status

	m.logger.Warn("job failed on agent", "target", m.job.Target, "status", st.Status)
	ev := m.event(events.KindJobFailed)
	ev.Status = st.Status
	ev.Detail = st.Detail()
	ev.Observed = true
	ev.Err = writeErr
	m.emit(ev)
}

func (m *Monitor) emitBatch(inc results.Increment, final bool) {
	ev := m.event(events.KindResultBatch)
	ev.Status = m.status
	ev.Batch = &results.Batch{
		Agent:     m.job.Agent,
		TaskID:    m.job.TaskID,
		Target:    m.job.Target,
		Final:     final,
		Increment: inc,
	}
	m.emit(ev)
}

func (m *Monitor) event(kind events.Kind) events.Event {
	return events.New(kind, m.job.Agent, m.job.TaskID, m.job.Target)
}
