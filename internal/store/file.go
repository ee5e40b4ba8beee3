// ABOUTME: Single-document JSON implementation of the Store interface
// ABOUTME: Loads the whole document at startup and rewrites it atomically on every mutation

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const documentVersion = 1

// document is the on-disk layout: agents and tasks, both keyed by agent
// address.
type document struct {
	Version int                                `json:"version"`
	Agents  map[string]*agentDoc               `json:"agents"`
	Tasks   map[string]map[string]*taskDocItem `json:"tasks"`
}

type agentDoc struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	Token     string    `json:"token"`
	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type taskDocItem struct {
	Target     string     `json:"target"`
	Status     string     `json:"status"`
	Counts     Counts     `json:"counts"`
	LastPolled *time.Time `json:"last_polled,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// FileStore implements the Store interface on a single JSON document. The
// document is small, so it is rewritten wholesale (temp file, fsync, rename)
// before any mutating call returns.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	doc    *document
	logger *slog.Logger
}

// NewFileStore opens or creates the document at path.
// Parent directories are created if needed.
func NewFileStore(path string) (*FileStore, error) {
	logger := slog.Default().With("component", "store", "driver", "file")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	s := &FileStore{
		path:   path,
		doc:    newDocument(),
		logger: logger,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.flush(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("reading store file: %w", err)
	default:
		if err := json.Unmarshal(data, s.doc); err != nil {
			return nil, fmt.Errorf("parsing store file %s: %w", path, err)
		}
		if s.doc.Agents == nil {
			s.doc.Agents = make(map[string]*agentDoc)
		}
		if s.doc.Tasks == nil {
			s.doc.Tasks = make(map[string]map[string]*taskDocItem)
		}
	}

	logger.Info("file store initialized", "path", path, "agents", len(s.doc.Agents))
	return s, nil
}

func newDocument() *document {
	return &document{
		Version: documentVersion,
		Agents:  make(map[string]*agentDoc),
		Tasks:   make(map[string]map[string]*taskDocItem),
	}
}

// flush writes the document to a temp file in the same directory, syncs it
// and renames it over the target. Must be called with mu held.
func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding store document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("setting store file mode: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing store file: %w", err)
	}
	return nil
}

// Close releases nothing; every mutation is already on disk.
func (s *FileStore) Close() error {
	s.logger.Info("closing file store")
	return nil
}

// Sync rewrites the document.
func (s *FileStore) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// SaveAgent inserts or replaces an agent record
func (s *FileStore) SaveAgent(ctx context.Context, agent *AgentRecord) error {
	if err := validateAgent(agent); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if agent.AddedAt.IsZero() {
		agent.AddedAt = now
	}
	agent.UpdatedAt = now

	prev, existed := s.doc.Agents[agent.Address]
	s.doc.Agents[agent.Address] = &agentDoc{
		Username:  agent.Username,
		Password:  agent.Password,
		Token:     agent.Token,
		AddedAt:   agent.AddedAt.UTC(),
		UpdatedAt: now,
	}
	if existed {
		s.doc.Agents[agent.Address].AddedAt = prev.AddedAt
		agent.AddedAt = prev.AddedAt
	}

	if err := s.flush(); err != nil {
		if existed {
			s.doc.Agents[agent.Address] = prev
		} else {
			delete(s.doc.Agents, agent.Address)
		}
		return fmt.Errorf("saving agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by address
func (s *FileStore) GetAgent(ctx context.Context, address string) (*AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.doc.Agents[address]
	if !ok {
		return nil, ErrNotFound
	}
	return a.record(address), nil
}

// ListAgents returns all agents ordered by the time they were added
func (s *FileStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*AgentRecord, 0, len(s.doc.Agents))
	for addr, a := range s.doc.Agents {
		agents = append(agents, a.record(addr))
	}
	sortAgents(agents)
	return agents, nil
}

// DeleteAgent removes an agent. Its ledger entries are kept.
func (s *FileStore) DeleteAgent(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.doc.Agents[address]
	if !ok {
		return ErrNotFound
	}
	delete(s.doc.Agents, address)

	if err := s.flush(); err != nil {
		s.doc.Agents[address] = prev
		return fmt.Errorf("deleting agent: %w", err)
	}
	return nil
}

// PutTask inserts or replaces a ledger entry
func (s *FileStore) PutTask(ctx context.Context, task *TaskRecord) error {
	if err := validateTask(task); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	item := &taskDocItem{
		Target:    task.Target,
		Status:    task.Status,
		Counts:    task.Counts,
		CreatedAt: task.CreatedAt.UTC(),
		UpdatedAt: now,
	}
	if !task.LastPolled.IsZero() {
		lp := task.LastPolled.UTC()
		item.LastPolled = &lp
	}

	byID, hadAgent := s.doc.Tasks[task.Agent]
	if !hadAgent {
		byID = make(map[string]*taskDocItem)
		s.doc.Tasks[task.Agent] = byID
	}
	prev, existed := byID[task.TaskID]
	byID[task.TaskID] = item

	if err := s.flush(); err != nil {
		switch {
		case existed:
			byID[task.TaskID] = prev
		case !hadAgent:
			delete(s.doc.Tasks, task.Agent)
		default:
			delete(byID, task.TaskID)
		}
		return fmt.Errorf("saving task: %w", err)
	}
	return nil
}

// GetTask retrieves one ledger entry
func (s *FileStore) GetTask(ctx context.Context, agent, taskID string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.doc.Tasks[agent][taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return item.record(agent, taskID), nil
}

// ListTasks returns ledger entries matching the filter, oldest first
func (s *FileStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*TaskRecord
	for agent, byID := range s.doc.Tasks {
		for id, item := range byID {
			rec := item.record(agent, id)
			if filter.Matches(rec) {
				tasks = append(tasks, rec)
			}
		}
	}
	sortTasks(tasks)
	return tasks, nil
}

// DeleteTask removes a ledger entry
func (s *FileStore) DeleteTask(ctx context.Context, agent, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.doc.Tasks[agent]
	prev, ok := byID[taskID]
	if !ok {
		return ErrNotFound
	}
	delete(byID, taskID)
	if len(byID) == 0 {
		delete(s.doc.Tasks, agent)
	}

	if err := s.flush(); err != nil {
		if len(byID) == 0 {
			s.doc.Tasks[agent] = byID
		}
		byID[taskID] = prev
		return fmt.Errorf("deleting task: %w", err)
	}
	return nil
}

func (a *agentDoc) record(address string) *AgentRecord {
	return &AgentRecord{
		Address:   address,
		Username:  a.Username,
		Password:  a.Password,
		Token:     a.Token,
		AddedAt:   a.AddedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func (t *taskDocItem) record(agent, taskID string) *TaskRecord {
	rec := &TaskRecord{
		Agent:     agent,
		TaskID:    taskID,
		Target:    t.Target,
		Status:    t.Status,
		Counts:    t.Counts,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.LastPolled != nil {
		rec.LastPolled = *t.LastPolled
	}
	return rec
}
