// ABOUTME: Durable task ledger recording every submitted job and its last known state
// ABOUTME: Each mutation is a per-entry read-modify-write flushed before it returns

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/beacon-orchestrator/internal/store"
)

// Entry is one ledger entry, keyed by (Agent, TaskID).
type Entry = store.TaskRecord

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = store.ErrNotFound

// Ledger records jobs in a store. Writes to the same entry are serialized;
// writes to different entries proceed independently.
type Ledger struct {
	store  store.Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Ledger on s.
func New(s store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		logger: logger.With("component", "ledger"),
		locks:  make(map[string]*entryLock),
	}
}

func entryKey(agent, taskID string) string {
	return agent + "\x00" + taskID
}

// lock acquires the entry lock and returns its release function.
func (l *Ledger) lock(agent, taskID string) func() {
	key := entryKey(agent, taskID)

	l.mu.Lock()
	el, ok := l.locks[key]
	if !ok {
		el = &entryLock{}
		l.locks[key] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	return func() {
		el.mu.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Record adds a newly submitted job with status submitted.
func (l *Ledger) Record(ctx context.Context, agent, taskID, target string) (*Entry, error) {
	unlock := l.lock(agent, taskID)
	defer unlock()

	e := &Entry{
		Agent:  agent,
		TaskID: taskID,
		Target: target,
		Status: store.TaskStatusSubmitted,
	}
	if err := l.store.PutTask(ctx, e); err != nil {
		return nil, fmt.Errorf("recording task %s: %w", taskID, err)
	}
	l.logger.Debug("task recorded", "agent", agent, "task_id", taskID, "target", target)
	return e, nil
}

// Update applies fn to the stored entry and writes it back. fn runs under
// the entry lock; if it returns an error nothing is written.
func (l *Ledger) Update(ctx context.Context, agent, taskID string, fn func(e *Entry) error) (*Entry, error) {
	unlock := l.lock(agent, taskID)
	defer unlock()

	e, err := l.store.GetTask(ctx, agent, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	if err := l.store.PutTask(ctx, e); err != nil {
		return nil, fmt.Errorf("saving task %s: %w", taskID, err)
	}
	return e, nil
}

// SetStatus records an observed status. It reports whether the status changed.
func (l *Ledger) SetStatus(ctx context.Context, agent, taskID, status string) (bool, error) {
	changed := false
	_, err := l.Update(ctx, agent, taskID, func(e *Entry) error {
		changed = e.Status != status
		e.Status = status
		e.LastPolled = time.Now().UTC()
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		l.logger.Info("task status changed", "agent", agent, "task_id", taskID, "status", status)
	}
	return changed, nil
}

// SetCounts records the last-seen result counts of a job.
func (l *Ledger) SetCounts(ctx context.Context, agent, taskID string, counts store.Counts) error {
	_, err := l.Update(ctx, agent, taskID, func(e *Entry) error {
		e.Counts = counts
		return nil
	})
	return err
}

// Finish records a terminal status together with the final counts.
func (l *Ledger) Finish(ctx context.Context, agent, taskID, status string, counts store.Counts) error {
	_, err := l.Update(ctx, agent, taskID, func(e *Entry) error {
		e.Status = status
		e.Counts = counts
		e.LastPolled = time.Now().UTC()
		return nil
	})
	if err == nil {
		l.logger.Info("task finished", "agent", agent, "task_id", taskID, "status", status)
	}
	return err
}

// Delete removes an entry.
func (l *Ledger) Delete(ctx context.Context, agent, taskID string) error {
	unlock := l.lock(agent, taskID)
	defer unlock()

	if err := l.store.DeleteTask(ctx, agent, taskID); err != nil {
		return fmt.Errorf("deleting task %s: %w", taskID, err)
	}
	l.logger.Info("task deleted", "agent", agent, "task_id", taskID)
	return nil
}

// Get returns one entry.
func (l *Ledger) Get(ctx context.Context, agent, taskID string) (*Entry, error) {
	return l.store.GetTask(ctx, agent, taskID)
}

// List returns entries matching filter, oldest first.
func (l *Ledger) List(ctx context.Context, filter store.TaskFilter) ([]*Entry, error) {
	return l.store.ListTasks(ctx, filter)
}

// Pending returns the non-terminal entries grouped by agent.
func (l *Ledger) Pending(ctx context.Context) (map[string][]*Entry, error) {
	all, err := l.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	pending := make(map[string][]*Entry)
	for _, e := range all {
		if !e.IsTerminal() {
			pending[e.Agent] = append(pending[e.Agent], e)
		}
	}
	return pending, nil
}

// PendingCount returns how many non-terminal entries are in the ledger.
func (l *Ledger) PendingCount(ctx context.Context) (int, error) {
	pending, err := l.Pending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entries := range pending {
		n += len(entries)
	}
	return n, nil
}

// IsNotFound reports whether err means the entry does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
