// ABOUTME: Behavioural tests shared by every Store driver
// ABOUTME: Runs the same agent and ledger scenarios against file, SQLite and mock stores

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type storeFactory struct {
	name string
	open func(t *testing.T, dir string) Store
}

func drivers() []storeFactory {
	return []storeFactory{
		{"file", func(t *testing.T, dir string) Store {
			s, err := NewFileStore(filepath.Join(dir, "state.json"))
			if err != nil {
				t.Fatalf("NewFileStore failed: %v", err)
			}
			return s
		}},
		{"sqlite", func(t *testing.T, dir string) Store {
			s, err := NewSQLiteStore(filepath.Join(dir, "state.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			return s
		}},
		{"mock", func(t *testing.T, dir string) Store {
			return NewMockStore()
		}},
	}
}

func TestStore_AgentCRUD(t *testing.T) {
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			s := d.open(t, t.TempDir())
			defer s.Close()
			ctx := context.Background()

			agent := &AgentRecord{Address: "https://10.0.0.1:5003", Username: "admin", Password: "arlpass", Token: "tok-1"}
			if err := s.SaveAgent(ctx, agent); err != nil {
				t.Fatalf("SaveAgent failed: %v", err)
			}

			got, err := s.GetAgent(ctx, agent.Address)
			if err != nil {
				t.Fatalf("GetAgent failed: %v", err)
			}
			if got.Token != "tok-1" || got.Username != "admin" || got.Password != "arlpass" {
				t.Errorf("unexpected agent: %+v", got)
			}
			if got.AddedAt.IsZero() {
				t.Error("AddedAt was not set")
			}

			agent.Token = "tok-2"
			if err := s.SaveAgent(ctx, agent); err != nil {
				t.Fatalf("SaveAgent (update) failed: %v", err)
			}
			got, _ = s.GetAgent(ctx, agent.Address)
			if got.Token != "tok-2" {
				t.Errorf("token not updated: got %q", got.Token)
			}

			agents, err := s.ListAgents(ctx)
			if err != nil {
				t.Fatalf("ListAgents failed: %v", err)
			}
			if len(agents) != 1 {
				t.Fatalf("expected 1 agent, got %d", len(agents))
			}

			if err := s.DeleteAgent(ctx, agent.Address); err != nil {
				t.Fatalf("DeleteAgent failed: %v", err)
			}
			if _, err := s.GetAgent(ctx, agent.Address); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
			if err := s.DeleteAgent(ctx, agent.Address); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound deleting twice, got %v", err)
			}
		})
	}
}

func TestStore_TaskLedger(t *testing.T) {
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			s := d.open(t, t.TempDir())
			defer s.Close()
			ctx := context.Background()

			base := time.Now().UTC().Add(-time.Hour)
			tasks := []*TaskRecord{
				{Agent: "https://a:1", TaskID: "t1", Target: "a.example", Status: TaskStatusRunning, CreatedAt: base},
				{Agent: "https://a:1", TaskID: "t2", Target: "b.example", Status: TaskStatusDone, CreatedAt: base.Add(time.Minute)},
				// Same remote id on a different agent is a different entry
				{Agent: "https://b:1", TaskID: "t1", Target: "c.example", Status: TaskStatusWaiting, CreatedAt: base.Add(2 * time.Minute)},
			}
			for _, task := range tasks {
				if err := s.PutTask(ctx, task); err != nil {
					t.Fatalf("PutTask failed: %v", err)
				}
			}

			all, err := s.ListTasks(ctx, TaskFilter{})
			if err != nil {
				t.Fatalf("ListTasks failed: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("expected 3 tasks, got %d", len(all))
			}
			if all[0].TaskID != "t1" || all[0].Agent != "https://a:1" || all[2].Agent != "https://b:1" {
				t.Errorf("unexpected order: %s/%s, %s/%s", all[0].Agent, all[0].TaskID, all[2].Agent, all[2].TaskID)
			}

			pending, err := s.ListTasks(ctx, TaskFilter{Statuses: []string{TaskStatusRunning, TaskStatusWaiting}})
			if err != nil {
				t.Fatalf("ListTasks (pending) failed: %v", err)
			}
			if len(pending) != 2 {
				t.Errorf("expected 2 pending tasks, got %d", len(pending))
			}

			byAgent, _ := s.ListTasks(ctx, TaskFilter{Agent: "https://b:1"})
			if len(byAgent) != 1 || byAgent[0].Target != "c.example" {
				t.Errorf("agent filter returned %+v", byAgent)
			}

			polled := time.Now().UTC().Truncate(time.Millisecond)
			upd := &TaskRecord{
				Agent: "https://a:1", TaskID: "t1", Target: "a.example", Status: TaskStatusDone,
				Counts: Counts{Assets: 4, Leaks: 1, Domains: 9}, LastPolled: polled, CreatedAt: base,
			}
			if err := s.PutTask(ctx, upd); err != nil {
				t.Fatalf("PutTask (update) failed: %v", err)
			}
			got, err := s.GetTask(ctx, "https://a:1", "t1")
			if err != nil {
				t.Fatalf("GetTask failed: %v", err)
			}
			if got.Status != TaskStatusDone || got.Counts != (Counts{Assets: 4, Leaks: 1, Domains: 9}) {
				t.Errorf("unexpected task after update: %+v", got)
			}
			if !got.LastPolled.Equal(polled) {
				t.Errorf("LastPolled mismatch: got %v, want %v", got.LastPolled, polled)
			}
			if !got.IsTerminal() {
				t.Error("done task should be terminal")
			}

			if err := s.DeleteTask(ctx, "https://a:1", "t1"); err != nil {
				t.Fatalf("DeleteTask failed: %v", err)
			}
			if _, err := s.GetTask(ctx, "https://a:1", "t1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			if _, err := s.GetTask(ctx, "https://b:1", "t1"); err != nil {
				t.Errorf("entry on other agent should survive: %v", err)
			}
		})
	}
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			s := d.open(t, t.TempDir())
			defer s.Close()
			ctx := context.Background()

			if err := s.PutTask(ctx, &TaskRecord{TaskID: "x"}); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("expected ErrInvalidRecord for missing agent, got %v", err)
			}
			if err := s.SaveAgent(ctx, &AgentRecord{}); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("expected ErrInvalidRecord for missing address, got %v", err)
			}
		})
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	for _, d := range drivers() {
		if d.name == "mock" {
			continue
		}
		t.Run(d.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			s := d.open(t, dir)
			if err := s.SaveAgent(ctx, &AgentRecord{Address: "https://a:1", Username: "admin", Password: "p", Token: "tok"}); err != nil {
				t.Fatalf("SaveAgent failed: %v", err)
			}
			if err := s.PutTask(ctx, &TaskRecord{Agent: "https://a:1", TaskID: "t1", Target: "x", Status: TaskStatusRunning, Counts: Counts{Assets: 2}}); err != nil {
				t.Fatalf("PutTask failed: %v", err)
			}
			s.Close()

			s = d.open(t, dir)
			defer s.Close()

			agent, err := s.GetAgent(ctx, "https://a:1")
			if err != nil {
				t.Fatalf("GetAgent after reopen failed: %v", err)
			}
			if agent.Token != "tok" {
				t.Errorf("token lost across reopen: %q", agent.Token)
			}
			task, err := s.GetTask(ctx, "https://a:1", "t1")
			if err != nil {
				t.Fatalf("GetTask after reopen failed: %v", err)
			}
			if task.Status != TaskStatusRunning || task.Counts.Assets != 2 {
				t.Errorf("task lost across reopen: %+v", task)
			}
		})
	}
}
