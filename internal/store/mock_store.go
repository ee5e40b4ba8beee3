// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without a file or SQLite backend

package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMockWrite is returned by MockStore mutations while FailWrites is set
var ErrMockWrite = errors.New("mock store: write failed")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord           // keyed by address
	tasks  map[string]map[string]*TaskRecord // keyed by agent, then task id
	writes int
	fail   bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents: make(map[string]*AgentRecord),
		tasks:  make(map[string]map[string]*TaskRecord),
	}
}

// FailWrites makes every subsequent mutation fail with ErrMockWrite.
func (m *MockStore) FailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

// Writes returns the number of successful mutations.
func (m *MockStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// SaveAgent stores a copy of agent.
func (m *MockStore) SaveAgent(ctx context.Context, agent *AgentRecord) error {
	if err := validateAgent(agent); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrMockWrite
	}

	now := time.Now().UTC()
	if prev, ok := m.agents[agent.Address]; ok {
		agent.AddedAt = prev.AddedAt
	} else if agent.AddedAt.IsZero() {
		agent.AddedAt = now
	}
	agent.UpdatedAt = now

	// Make a copy to avoid external modification
	a := *agent
	m.agents[a.Address] = &a
	m.writes++
	return nil
}

// GetAgent returns a copy of the agent.
func (m *MockStore) GetAgent(ctx context.Context, address string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[address]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns copies of all agents ordered by AddedAt.
func (m *MockStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*AgentRecord, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		agents = append(agents, &c)
	}
	sortAgents(agents)
	return agents, nil
}

// DeleteAgent removes an agent.
func (m *MockStore) DeleteAgent(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrMockWrite
	}
	if _, ok := m.agents[address]; !ok {
		return ErrNotFound
	}
	delete(m.agents, address)
	m.writes++
	return nil
}

// PutTask stores a copy of task.
func (m *MockStore) PutTask(ctx context.Context, task *TaskRecord) error {
	if err := validateTask(task); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrMockWrite
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	if _, ok := m.tasks[task.Agent]; !ok {
		m.tasks[task.Agent] = make(map[string]*TaskRecord)
	}
	t := *task
	m.tasks[task.Agent][task.TaskID] = &t
	m.writes++
	return nil
}

// GetTask returns a copy of one ledger entry.
func (m *MockStore) GetTask(ctx context.Context, agent, taskID string) (*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[agent][taskID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// ListTasks returns copies of the matching ledger entries, oldest first.
func (m *MockStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tasks []*TaskRecord
	for _, byID := range m.tasks {
		for _, t := range byID {
			if filter.Matches(t) {
				c := *t
				tasks = append(tasks, &c)
			}
		}
	}
	sortTasks(tasks)
	return tasks, nil
}

// DeleteTask removes a ledger entry.
func (m *MockStore) DeleteTask(ctx context.Context, agent, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrMockWrite
	}
	if _, ok := m.tasks[agent][taskID]; !ok {
		return ErrNotFound
	}
	delete(m.tasks[agent], taskID)
	m.writes++
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
