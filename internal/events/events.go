// ABOUTME: Event types reported while jobs are submitted, monitored and reconciled
// ABOUTME: Every event shares one envelope; Kind says which fields are meaningful

package events

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/beacon-orchestrator/internal/results"
)

// Kind identifies an event type.
type Kind string

const (
	// KindJobCreated: a task id was accepted by an agent and recorded.
	KindJobCreated Kind = "job_created"
	// KindProgressUpdate: a non-terminal status was observed. Detail holds
	// completed stages and the end time when known.
	KindProgressUpdate Kind = "progress_update"
	// KindResultBatch: new results were harvested. Batch is set.
	KindResultBatch Kind = "result_batch"
	// KindJobCompleted: the job reached done. Err is set if the final
	// result fetch or the ledger write failed.
	KindJobCompleted Kind = "job_completed"
	// KindJobFailed: the agent reported error (Observed) or the status
	// could not be fetched. An Observed event carries Err when the ledger
	// write failed.
	KindJobFailed Kind = "job_failed"
	// KindAgentAuthExpired: re-authentication failed and the agent was evicted.
	KindAgentAuthExpired Kind = "agent_auth_expired"
	// KindSubmitFailed: a target could not be submitted.
	KindSubmitFailed Kind = "submit_failed"
)

// Event is the envelope shared by every event kind.
type Event struct {
	ID     string
	Kind   Kind
	Agent  string
	TaskID string
	Target string
	Time   time.Time

	Status string
	Detail string
	Batch  *results.Batch
	Err    error

	// Observed is set on JobFailed when the agent itself reported error,
	// as opposed to the status being unreachable.
	Observed bool
	// Reconciled is set when the transition was found by reconciliation
	// rather than a live monitor.
	Reconciled bool
}

// New returns an event of kind with a fresh ID and the current time.
func New(kind Kind, agent, taskID, target string) Event {
	return Event{
		ID:     uuid.New().String(),
		Kind:   kind,
		Agent:  agent,
		TaskID: taskID,
		Target: target,
		Time:   time.Now(),
	}
}

// Terminal reports whether the event ends its job's stream.
func (e Event) Terminal() bool {
	return e.Kind == KindJobCompleted || e.Kind == KindJobFailed || e.Kind == KindSubmitFailed
}

// LogValue implements slog.LogValuer.
func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(e.Kind)),
		slog.String("agent", e.Agent),
	}
	if e.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", e.TaskID))
	}
	if e.Target != "" {
		attrs = append(attrs, slog.String("target", e.Target))
	}
	if e.Status != "" {
		attrs = append(attrs, slog.String("status", e.Status))
	}
	if e.Detail != "" {
		attrs = append(attrs, slog.String("detail", e.Detail))
	}
	if e.Batch != nil {
		attrs = append(attrs,
			slog.Int("assets", len(e.Batch.Assets)),
			slog.Int("domains", len(e.Batch.Domains)),
			slog.Int("leaks", len(e.Batch.Leaks)),
			slog.Bool("final", e.Batch.Final),
		)
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	if e.Reconciled {
		attrs = append(attrs, slog.Bool("reconciled", true))
	}
	return slog.GroupValue(attrs...)
}
