// ABOUTME: Store interface and data types for beacon-orchestrator persistence
// ABOUTME: Defines agent and task records persisted across process restarts

package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidRecord is returned when a record is missing its key fields
var ErrInvalidRecord = errors.New("invalid record")

// tsLayout is a fixed-width timestamp layout so stored values sort
// chronologically as text
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Task status values persisted in the ledger
const (
	TaskStatusSubmitted = "submitted"
	TaskStatusRunning   = "running"
	TaskStatusWaiting   = "waiting"
	TaskStatusDone      = "done"
	TaskStatusError     = "error"
	TaskStatusStopped   = "stop"
)

// AgentRecord is a registered scanning agent and its credentials
type AgentRecord struct {
	Address   string // canonical https://host:port
	Username  string
	Password  string
	Token     string // last token obtained from the agent
	AddedAt   time.Time
	UpdatedAt time.Time
}

// Counts are the last-seen result counts of a task, used as offsets for
// incremental fetches
type Counts struct {
	Assets  int `json:"assets"`
	Leaks   int `json:"leaks"`
	Domains int `json:"domains"`
}

// TaskRecord is the persisted ledger entry of one task. A task id is only
// unique within its agent; (Agent, TaskID) is the key.
type TaskRecord struct {
	Agent      string
	TaskID     string
	Target     string
	Status     string
	Counts     Counts
	LastPolled time.Time // zero if never polled
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsTerminal reports whether the task has finished, failed or been stopped
func (t *TaskRecord) IsTerminal() bool {
	switch t.Status {
	case TaskStatusDone, TaskStatusError, TaskStatusStopped:
		return true
	}
	return false
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Agent    string
	Statuses []string
}

// Matches reports whether the record passes the filter
func (f TaskFilter) Matches(t *TaskRecord) bool {
	if f.Agent != "" && t.Agent != f.Agent {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	return true
}

// Store is the persistence interface for agents and the task ledger.
// Every mutating call is durable when it returns.
type Store interface {
	// Agents
	SaveAgent(ctx context.Context, agent *AgentRecord) error
	GetAgent(ctx context.Context, address string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
	DeleteAgent(ctx context.Context, address string) error

	// Task ledger
	PutTask(ctx context.Context, task *TaskRecord) error
	GetTask(ctx context.Context, agent, taskID string) (*TaskRecord, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error)
	DeleteTask(ctx context.Context, agent, taskID string) error

	Close() error
}

// Syncer is implemented by stores that can force buffered state to disk.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Sync flushes s if it implements Syncer.
func Sync(ctx context.Context, s Store) error {
	if syncer, ok := s.(Syncer); ok {
		return syncer.Sync(ctx)
	}
	return nil
}

func validateTask(task *TaskRecord) error {
	if task == nil || task.Agent == "" || task.TaskID == "" {
		return ErrInvalidRecord
	}
	return nil
}

func validateAgent(agent *AgentRecord) error {
	if agent == nil || agent.Address == "" {
		return ErrInvalidRecord
	}
	return nil
}

// sortAgents orders agents by the time they were added, then address
func sortAgents(agents []*AgentRecord) {
	slices.SortFunc(agents, func(a, b *AgentRecord) int {
		if c := a.AddedAt.Compare(b.AddedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Address, b.Address)
	})
}

// sortTasks orders tasks by creation time, then agent and id
func sortTasks(tasks []*TaskRecord) {
	slices.SortFunc(tasks, func(a, b *TaskRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if c := strings.Compare(a.Agent, b.Agent); c != 0 {
			return c
		}
		return strings.Compare(a.TaskID, b.TaskID)
	})
}
